package reader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/portcullis/portcullis/internal/portcullis/service"
	"github.com/portcullis/portcullis/internal/portcullis/token"
	"github.com/portcullis/portcullis/internal/portcullis/types"
)

// RemoteDecider asks the admission server over HTTP.
type RemoteDecider struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRemoteDecider talks to the server at baseURL. Calls time out after
// timeout (5s when zero).
func NewRemoteDecider(baseURL, readerToken string, timeout time.Duration) *RemoteDecider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteDecider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   readerToken,
		client:  &http.Client{Timeout: timeout},
	}
}

// Decide posts the scan. Refusals come back with the server's kind; any
// transport or protocol failure is an internal error.
func (d *RemoteDecider) Decide(ctx context.Context, req types.ScanRequest) (service.Decision, error) {
	var resp types.AdmissionResponse
	status, err := d.post(ctx, "/v1/reader/check", req, &resp)
	if err != nil {
		return service.Decision{}, &service.Error{Kind: service.KindGenericInternal, Message: "admission server", Err: err}
	}

	if status/100 == 2 && resp.OK {
		dec := service.Decision{SubjectID: resp.SubjectID, DecidedAt: time.Now()}
		if typ, err := token.ParseType(resp.TokenType); err == nil {
			dec.Type = typ
		}
		if ts, err := time.Parse(time.RFC3339Nano, resp.ServerTime); err == nil {
			dec.DecidedAt = ts
		}
		return dec, nil
	}

	kind := service.KindGenericInternal
	if len(resp.Code) == 1 {
		kind = service.KindForCode(resp.Code[0])
	}
	msg := resp.Message
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}
	return service.Decision{}, &service.Error{Kind: kind, Message: msg}
}

// Heartbeat reports liveness to the server.
func (d *RemoteDecider) Heartbeat(ctx context.Context, req types.HeartbeatRequest) (types.HeartbeatResponse, error) {
	var resp types.HeartbeatResponse
	status, err := d.post(ctx, "/v1/heartbeat", req, &resp)
	if err != nil {
		return resp, err
	}
	if status/100 != 2 {
		return resp, fmt.Errorf("heartbeat: status %d", status)
	}
	return resp, nil
}

func (d *RemoteDecider) post(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(types.ReaderTokenHeader, d.token)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return resp.StatusCode, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s response (status %d): %w", path, resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}
