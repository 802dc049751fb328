package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"google.golang.org/protobuf/proto"
)

// maxRequestBody caps JSON and protobuf bodies alike. A scanned line is
// under 100 bytes and a heartbeat a few hundred.
const maxRequestBody = 4096

// wireFormat is the body encoding a reader chose for one exchange. The
// response is written in the same format as the request.
type wireFormat int

const (
	wireJSON wireFormat = iota
	wireProto
)

func requestFormat(r *http.Request) wireFormat {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return wireJSON
	}
	switch mt {
	case "application/x-protobuf", "application/protobuf", "application/octet-stream":
		return wireProto
	}
	return wireJSON
}

// decode reads the body into jsonDst or protoDst depending on the format.
func (f wireFormat) decode(w http.ResponseWriter, r *http.Request, jsonDst any, protoDst proto.Message) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if f == wireProto {
		raw, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		if err := proto.Unmarshal(raw, protoDst); err != nil {
			return fmt.Errorf("protobuf: %w", err)
		}
		return nil
	}

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(jsonDst)
}

// badBody answers a request whose body could not be decoded.
func (f wireFormat) badBody(w http.ResponseWriter) {
	if f == wireProto {
		writeError(w, http.StatusBadRequest, "bad_proto", "invalid protobuf body")
		return
	}
	writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
}

// write sends payload as JSON, or toProto's message for protobuf readers.
func (f wireFormat) write(w http.ResponseWriter, status int, payload any, toProto func() proto.Message) {
	if f != wireProto {
		writeJSON(w, status, payload)
		return
	}

	data, err := proto.Marshal(toProto())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "protobuf marshal failed")
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
