package types

type HeartbeatRequest struct {
	ReaderID      string `json:"reader_id"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds uint64 `json:"uptime_s,omitempty"`
	Healthy       *bool  `json:"healthy,omitempty"` // watchdog view on the reader
	IP            string `json:"ip,omitempty"`
}

type HeartbeatResponse struct {
	OK         bool   `json:"ok"`
	Known      bool   `json:"known"`
	ReaderID   string `json:"reader_id"`
	ServerTime string `json:"server_time"`
}
