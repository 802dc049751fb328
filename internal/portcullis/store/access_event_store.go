package store

import (
	"context"
	"time"
)

// AccessEventRecord captures a single admission decision for the audit
// log. Every outcome is recorded; tokens that failed to decode carry a
// zero SubjectID and TokenType.
type AccessEventRecord struct {
	ReaderID    string
	SubjectID   uint32
	TokenType   uint8
	Media       uint16
	Granted     bool
	Reason      string // error kind, or "granted"
	DisplayCode byte
	DecidedAt   time.Time
}

// AccessEventStore persists admission decisions as an append-only audit log.
type AccessEventStore interface {
	RecordEvent(ctx context.Context, rec AccessEventRecord) error
}
