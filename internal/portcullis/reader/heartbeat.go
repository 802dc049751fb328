package reader

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/portcullis/portcullis/internal/portcullis/types"
)

// HeartbeatSender posts a heartbeat every interval until ctx ends.
// Failures are logged; the loop keeps going.
type HeartbeatSender struct {
	Remote   *RemoteDecider
	ReaderID string
	Version  string
	Interval time.Duration
	// Healthy reports the local supervisor's view, if set.
	Healthy func() bool
	Logger  logrus.FieldLogger
}

func (h *HeartbeatSender) Run(ctx context.Context) error {
	interval := h.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	started := time.Now()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		req := types.HeartbeatRequest{
			ReaderID:      h.ReaderID,
			Version:       h.Version,
			UptimeSeconds: uint64(time.Since(started).Seconds()),
		}
		if h.Healthy != nil {
			ok := h.Healthy()
			req.Healthy = &ok
		}

		resp, err := h.Remote.Heartbeat(ctx, req)
		switch {
		case err != nil && ctx.Err() == nil:
			h.Logger.WithError(err).Warn("heartbeat failed")
		case err == nil && !resp.Known:
			h.Logger.Warn("server does not know this reader")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
