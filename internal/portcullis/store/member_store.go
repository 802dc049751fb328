package store

import (
	"context"
	"time"
)

type MemberRecord struct {
	ID             uint32
	Name           string
	MembershipType uint8 // token type printed on the member's card
	Active         bool
	BatchID        string
	UpdatedAt      time.Time
}

// MemberStore is the read side used at the door.
type MemberStore interface {
	GetMember(ctx context.Context, id uint32) (MemberRecord, bool, error)
	GetTOTPSecrets(ctx context.Context, memberID uint32) ([]string, error)
}

// RosterStore is the write side used by roster synchronisation. Members
// not touched by the latest batch are deactivated, never deleted, so
// their audit history stays intact.
type RosterStore interface {
	UpsertMembers(ctx context.Context, batchID string, members []MemberRecord) error
	DeactivateStale(ctx context.Context, batchID string) (int64, error)
}
