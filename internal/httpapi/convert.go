package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/portcullis/portcullis/internal/portcullis/service"
	"github.com/portcullis/portcullis/internal/portcullis/types"
)

// ── Admission ────────────────────────────────────────────────────────────────

func scanRequestFromProto(p *wrapperspb.StringValue, readerID string) types.ScanRequest {
	return types.ScanRequest{
		ReaderID: strings.TrimSpace(readerID),
		Code:     p.GetValue(),
	}
}

// admissionResponse renders a decision and picks its status: 200 for a
// grant, 403 for a refusal and 500 for an internal fault.
func admissionResponse(dec service.Decision, err error, readerID string, now time.Time) (types.AdmissionResponse, int) {
	resp := types.AdmissionResponse{
		ReaderID:   strings.TrimSpace(readerID),
		ServerTime: now.UTC().Format(time.RFC3339Nano),
	}

	if err == nil {
		resp.OK = true
		resp.Code = string(service.CodeGranted)
		resp.SubjectID = dec.SubjectID
		resp.TokenType = dec.Type.String()
		return resp, http.StatusOK
	}

	kind := service.KindOf(err)
	resp.Code = string(kind.DisplayCode())
	resp.Reason = kind.String()
	if kind == service.KindGenericInternal {
		resp.Message = "unexpected server error"
		return resp, http.StatusInternalServerError
	}

	var ae *service.Error
	if errors.As(err, &ae) && ae.Message != "" {
		resp.Message = ae.Message
	} else {
		resp.Message = kind.String()
	}
	return resp, http.StatusForbidden
}

func admissionResponseToProto(r types.AdmissionResponse) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"ok":          structpb.NewBoolValue(r.OK),
		"code":        structpb.NewStringValue(r.Code),
		"server_time": structpb.NewStringValue(r.ServerTime),
	}
	if r.Reason != "" {
		fields["reason"] = structpb.NewStringValue(r.Reason)
	}
	if r.Message != "" {
		fields["message"] = structpb.NewStringValue(r.Message)
	}
	if r.SubjectID != 0 {
		fields["subject_id"] = structpb.NewNumberValue(float64(r.SubjectID))
	}
	if r.TokenType != "" {
		fields["token_type"] = structpb.NewStringValue(r.TokenType)
	}
	if r.ReaderID != "" {
		fields["reader_id"] = structpb.NewStringValue(r.ReaderID)
	}
	return &structpb.Struct{Fields: fields}
}

// ── Heartbeat ────────────────────────────────────────────────────────────────

func heartbeatRequestFromProto(p *structpb.Struct) types.HeartbeatRequest {
	f := p.GetFields()
	req := types.HeartbeatRequest{
		ReaderID:      f["reader_id"].GetStringValue(),
		Version:       f["version"].GetStringValue(),
		UptimeSeconds: uint64(f["uptime_s"].GetNumberValue()),
		IP:            f["ip"].GetStringValue(),
	}

	if v, ok := f["healthy"]; ok {
		if b, isBool := v.GetKind().(*structpb.Value_BoolValue); isBool {
			healthy := b.BoolValue
			req.Healthy = &healthy
		}
	}

	return req
}

func heartbeatResponseToProto(r types.HeartbeatResponse) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"ok":          structpb.NewBoolValue(r.OK),
		"known":       structpb.NewBoolValue(r.Known),
		"reader_id":   structpb.NewStringValue(r.ReaderID),
		"server_time": structpb.NewStringValue(r.ServerTime),
	}}
}
