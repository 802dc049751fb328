package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/portcullis/portcullis/internal/portcullis/store"
)

// HeartbeatPruner periodically deletes reader heartbeats older than the
// retention period. A retention of 0 disables pruning.
type HeartbeatPruner struct {
	store     store.HeartbeatStore
	retention time.Duration
	interval  time.Duration
	logger    logrus.FieldLogger
}

// PrunerConfig holds the parameters for NewHeartbeatPruner.
type PrunerConfig struct {
	// RetentionDays is how many days of heartbeat history to keep.
	// 0 means keep everything.
	RetentionDays int

	// IntervalHours is how often the pruner runs.  Defaults to 6.
	IntervalHours int
}

func NewHeartbeatPruner(s store.HeartbeatStore, cfg PrunerConfig, logger logrus.FieldLogger) *HeartbeatPruner {
	interval := time.Duration(cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}

	return &HeartbeatPruner{
		store:     s,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		interval:  interval,
		logger:    logger,
	}
}

// Run prunes once immediately and then every interval until ctx ends.
// With pruning disabled it blocks until ctx ends so a supervisor still
// sees it as alive.
func (p *HeartbeatPruner) Run(ctx context.Context) error {
	if p.retention <= 0 {
		p.logger.Info("heartbeat pruner disabled (retention=0)")
		<-ctx.Done()
		return nil
	}

	p.logger.WithFields(logrus.Fields{
		"retention_days": int(p.retention.Hours() / 24),
		"interval":       p.interval.String(),
	}).Info("heartbeat pruner started")

	p.prune(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

// PruneNow runs one pruning pass.
func (p *HeartbeatPruner) PruneNow(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-p.retention)
	return p.store.PruneOlderThan(ctx, cutoff)
}

func (p *HeartbeatPruner) prune(ctx context.Context) {
	deleted, err := p.PruneNow(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("heartbeat prune failed")
		return
	}
	if deleted > 0 {
		p.logger.WithField("deleted", deleted).Info("heartbeat prune")
	}
}
