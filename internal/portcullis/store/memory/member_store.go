package memory

import (
	"context"
	"sync"
	"time"

	"github.com/portcullis/portcullis/internal/portcullis/store"
)

type MemberStore struct {
	mu      sync.RWMutex
	members map[uint32]store.MemberRecord
	totp    map[uint32][]string
}

func NewMemberStore() *MemberStore {
	return &MemberStore{
		members: make(map[uint32]store.MemberRecord),
		totp:    make(map[uint32][]string),
	}
}

func (s *MemberStore) GetMember(_ context.Context, id uint32) (store.MemberRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[id]
	return m, ok, nil
}

func (s *MemberStore) GetTOTPSecrets(_ context.Context, memberID uint32) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.totp[memberID]...), nil
}

func (s *MemberStore) UpsertMembers(_ context.Context, batchID string, members []store.MemberRecord) error {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		m.BatchID = batchID
		m.UpdatedAt = now
		s.members[m.ID] = m
	}
	return nil
}

func (s *MemberStore) DeactivateStale(_ context.Context, batchID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.members {
		if m.BatchID != batchID && m.Active {
			m.Active = false
			s.members[id] = m
			n++
		}
	}
	return n, nil
}

// Put stores a member as-is.
func (s *MemberStore) Put(m store.MemberRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ID] = m
}

// SetActive flips a member's active flag. It reports false for unknown ids.
func (s *MemberStore) SetActive(id uint32, active bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return false
	}
	m.Active = active
	s.members[id] = m
	return true
}

func (s *MemberStore) AddTOTPSecret(memberID uint32, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totp[memberID] = append(s.totp[memberID], secret)
}
