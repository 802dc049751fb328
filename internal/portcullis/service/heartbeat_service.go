package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/portcullis/portcullis/internal/portcullis/store"
	"github.com/portcullis/portcullis/internal/portcullis/types"
)

var ErrInvalidReaderID = errors.New("reader_id is required")

type HeartbeatDependencies struct {
	Store    store.HeartbeatStore
	Registry *ReaderRegistry
	Metrics  *Metrics
	Logger   logrus.FieldLogger
}

// HeartbeatService records liveness reports from networked readers.
// Reports from uncommissioned readers are stored too and answered with
// Known=false.
type HeartbeatService struct {
	store    store.HeartbeatStore
	registry *ReaderRegistry
	metrics  *Metrics
	logger   logrus.FieldLogger
}

func NewHeartbeatService(d HeartbeatDependencies) *HeartbeatService {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	return &HeartbeatService{
		store:    d.Store,
		registry: d.Registry,
		metrics:  d.Metrics,
		logger:   d.Logger,
	}
}

func (s *HeartbeatService) Record(ctx context.Context, req types.HeartbeatRequest) (types.HeartbeatResponse, error) {
	readerID := strings.TrimSpace(req.ReaderID)
	if readerID == "" {
		return types.HeartbeatResponse{}, ErrInvalidReaderID
	}
	log := s.logger.WithField("reader_id", readerID)

	known, err := s.registry.IsKnown(ctx, readerID)
	if err != nil {
		return types.HeartbeatResponse{}, err
	}
	if err := s.registry.NoteSeen(ctx, readerID); err != nil {
		log.WithError(err).Warn("mark reader seen")
	}

	now := s.registry.clock.Now().UTC()
	if err := s.store.UpsertHeartbeat(ctx, readerID, store.HeartbeatRecord{ReceivedAt: now, Request: req}); err != nil {
		return types.HeartbeatResponse{}, err
	}

	s.metrics.observeHeartbeat(known)
	switch {
	case !known:
		log.WithField("ip", req.IP).Warn("heartbeat from uncommissioned reader")
	case req.Healthy != nil && !*req.Healthy:
		log.WithField("version", req.Version).Warn("reader reports unhealthy")
	}

	return types.HeartbeatResponse{
		OK:         true,
		Known:      known,
		ReaderID:   readerID,
		ServerTime: now.Format(time.RFC3339Nano),
	}, nil
}
