package service

import (
	"context"
	"strings"

	"github.com/portcullis/portcullis/internal/clock"
	"github.com/portcullis/portcullis/internal/portcullis/store"
)

// ReaderRegistry answers whether a networked reader is commissioned.
type ReaderRegistry struct {
	store store.ReaderStore
	clock clock.Clock
}

func NewReaderRegistry(st store.ReaderStore, c clock.Clock) *ReaderRegistry {
	if c == nil {
		c = clock.Real()
	}
	return &ReaderRegistry{store: st, clock: c}
}

func (r *ReaderRegistry) IsKnown(ctx context.Context, readerID string) (bool, error) {
	readerID = strings.TrimSpace(readerID)
	if readerID == "" {
		return false, nil
	}
	return r.store.IsKnown(ctx, readerID)
}

func (r *ReaderRegistry) NoteSeen(ctx context.Context, readerID string) error {
	readerID = strings.TrimSpace(readerID)
	if readerID == "" {
		return nil
	}
	return r.store.MarkSeen(ctx, readerID, r.clock.Now().UTC())
}
