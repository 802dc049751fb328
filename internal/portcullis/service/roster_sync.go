package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/portcullis/portcullis/internal/clock"
	"github.com/portcullis/portcullis/internal/portcullis/store"
)

// RosterSource returns the full current membership list.
type RosterSource interface {
	FetchMembers(ctx context.Context) ([]store.MemberRecord, error)
}

// HTTPRosterSource reads a JSON array of members from a URL.
type HTTPRosterSource struct {
	URL    string
	Token  string // sent as a bearer token when set
	Client *http.Client
}

type rosterEntry struct {
	ID             uint32 `json:"id"`
	Name           string `json:"name"`
	MembershipType uint8  `json:"membership_type"`
	Active         bool   `json:"active"`
}

func (s *HTTPRosterSource) FetchMembers(ctx context.Context) ([]store.MemberRecord, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("roster fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("roster fetch: status %d", resp.StatusCode)
	}

	var entries []rosterEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("roster decode: %w", err)
	}

	out := make([]store.MemberRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, store.MemberRecord{
			ID:             e.ID,
			Name:           e.Name,
			MembershipType: e.MembershipType,
			Active:         e.Active,
		})
	}
	return out, nil
}

// RosterConfig holds the parameters for NewRosterSyncer.
type RosterConfig struct {
	// Interval between successful syncs. Defaults to 24h.
	Interval time.Duration

	// Retry is the delay after a failed sync. Defaults to 1h.
	Retry time.Duration

	// InitialDelay postpones the first sync after start.
	InitialDelay time.Duration
}

// RosterSyncer mirrors the external membership roster into the member
// store. Members missing from the latest roster are deactivated.
type RosterSyncer struct {
	source  RosterSource
	store   store.RosterStore
	cfg     RosterConfig
	clock   clock.Clock
	metrics *Metrics
	logger  logrus.FieldLogger
}

func NewRosterSyncer(src RosterSource, st store.RosterStore, cfg RosterConfig, c clock.Clock, m *Metrics, logger logrus.FieldLogger) *RosterSyncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Retry <= 0 {
		cfg.Retry = time.Hour
	}
	if c == nil {
		c = clock.Real()
	}
	return &RosterSyncer{source: src, store: st, cfg: cfg, clock: c, metrics: m, logger: logger}
}

// Run syncs after the initial delay and then on the configured schedule
// until ctx ends. Sync failures are logged and retried; Run only returns
// when ctx is done.
func (r *RosterSyncer) Run(ctx context.Context) error {
	r.logger.WithFields(logrus.Fields{
		"interval":      r.cfg.Interval.String(),
		"retry":         r.cfg.Retry.String(),
		"initial_delay": r.cfg.InitialDelay.String(),
	}).Info("roster sync started")

	next := r.cfg.InitialDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(next):
		}

		next = r.cfg.Interval
		if err := r.SyncNow(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.WithError(err).WithField("retry_in", r.cfg.Retry.String()).Warn("roster sync failed")
			next = r.cfg.Retry
		}
	}
}

// SyncNow runs one sync pass.
func (r *RosterSyncer) SyncNow(ctx context.Context) error {
	err := r.sync(ctx)
	r.metrics.observeSync(err)
	return err
}

func (r *RosterSyncer) sync(ctx context.Context) error {
	members, err := r.source.FetchMembers(ctx)
	if err != nil {
		return err
	}

	batchID := uuid.NewString()
	if err := r.store.UpsertMembers(ctx, batchID, members); err != nil {
		return fmt.Errorf("upsert members: %w", err)
	}
	deactivated, err := r.store.DeactivateStale(ctx, batchID)
	if err != nil {
		return fmt.Errorf("deactivate stale: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"batch_id":    batchID,
		"members":     len(members),
		"deactivated": deactivated,
	}).Info("roster synced")
	return nil
}
