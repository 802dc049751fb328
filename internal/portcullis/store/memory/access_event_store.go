package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/portcullis/portcullis/internal/portcullis/store"
)

// AccessEventStore is an in-memory append-only log of admission decisions.
// It is intended for use in tests and dev environments.
type AccessEventStore struct {
	mu     sync.Mutex
	events []store.AccessEventRecord
	fail   bool
}

func NewAccessEventStore() *AccessEventStore {
	return &AccessEventStore{}
}

var errAuditUnavailable = errors.New("memory: audit log unavailable")

func (s *AccessEventStore) RecordEvent(_ context.Context, rec store.AccessEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errAuditUnavailable
	}
	s.events = append(s.events, rec)
	return nil
}

// Events returns a copy of all recorded events.  Test-only helper.
func (s *AccessEventStore) Events() []store.AccessEventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AccessEventRecord, len(s.events))
	copy(out, s.events)
	return out
}

// FailWrites makes every following RecordEvent return an error.  Test-only helper.
func (s *AccessEventStore) FailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}
