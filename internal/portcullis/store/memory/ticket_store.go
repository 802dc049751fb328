package memory

import (
	"context"
	"sync"
	"time"

	"github.com/portcullis/portcullis/internal/portcullis/store"
)

// TicketStore holds day tickets and other tickets.
type TicketStore struct {
	mu     sync.Mutex
	nextID uint32
	day    map[uint32]store.DayTicketRecord
	other  map[uint32]store.OtherTicketRecord
}

func NewTicketStore() *TicketStore {
	return &TicketStore{
		nextID: 1,
		day:    make(map[uint32]store.DayTicketRecord),
		other:  make(map[uint32]store.OtherTicketRecord),
	}
}

func (s *TicketStore) GetDayTicket(_ context.Context, id uint32) (store.DayTicketRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.day[id]
	return t, ok, nil
}

func (s *TicketStore) SetDayTicketExpiry(_ context.Context, id uint32, expiresAt int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.day[id]
	if !ok || t.ExpiresAt != 0 {
		return false, nil
	}
	t.ExpiresAt = expiresAt
	s.day[id] = t
	return true, nil
}

func (s *TicketStore) CreateDayTickets(_ context.Context, batchID string, n int) ([]store.DayTicketRecord, error) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.DayTicketRecord, 0, n)
	for i := 0; i < n; i++ {
		t := store.DayTicketRecord{ID: s.nextID, BatchID: batchID, CreatedAt: now}
		s.nextID++
		s.day[t.ID] = t
		out = append(out, t)
	}
	return out, nil
}

func (s *TicketStore) GetOtherTicket(_ context.Context, id uint32) (store.OtherTicketRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.other[id]
	return t, ok, nil
}

// PutOtherTicket stores an other-ticket as-is.
func (s *TicketStore) PutOtherTicket(t store.OtherTicketRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.other[t.ID] = t
}
