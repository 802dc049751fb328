package store

import (
	"context"
	"time"
)

// ReaderStore tracks the networked readers allowed to ask for admission
// decisions.
type ReaderStore interface {
	IsKnown(ctx context.Context, readerID string) (bool, error)
	MarkSeen(ctx context.Context, readerID string, t time.Time) error
}
