package types

// ScanRequest is one scanned line presented for admission, either by the
// local reader loop or by a networked reader over HTTP.
type ScanRequest struct {
	ReaderID string `json:"reader_id,omitempty"`
	Code     string `json:"qr_code"`
}

type AdmissionResponse struct {
	OK         bool   `json:"ok"`
	Code       string `json:"code"`             // display code, "K" on success
	Reason     string `json:"reason,omitempty"` // error kind, e.g. "expired"
	Message    string `json:"message,omitempty"`
	SubjectID  uint32 `json:"subject_id,omitempty"`
	TokenType  string `json:"token_type,omitempty"`
	ReaderID   string `json:"reader_id,omitempty"`
	ServerTime string `json:"server_time"`
}

// ReaderTokenHeader carries the shared secret networked readers present.
const ReaderTokenHeader = "X-Reader-Token"
