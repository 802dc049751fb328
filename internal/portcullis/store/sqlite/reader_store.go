package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/portcullis/portcullis/internal/db"
)

type ReaderStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewReaderStore(db *sql.DB, writer *dbpkg.Worker) *ReaderStore {
	return &ReaderStore{db: db, writer: writer}
}

// IsKnown treats a reader as known when it is commissioned, enabled and
// not revoked.
func (s *ReaderStore) IsKnown(ctx context.Context, readerID string) (bool, error) {
	readerID = strings.TrimSpace(readerID)
	if readerID == "" {
		return false, nil
	}

	var enabled int
	var commissioned, revoked sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
SELECT enabled, commissioned_at_ms, revoked_at_ms
FROM readers
WHERE reader_id = ?;
`, readerID).Scan(&enabled, &commissioned, &revoked)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("IsKnown query: %w", err)
	}

	return enabled == 1 && commissioned.Valid && !revoked.Valid, nil
}

// MarkSeen bumps last_seen, creating the reader row if needed.
func (s *ReaderStore) MarkSeen(ctx context.Context, readerID string, t time.Time) error {
	readerID = strings.TrimSpace(readerID)
	if readerID == "" {
		return nil
	}
	if t.IsZero() {
		t = time.Now().UTC()
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return touchReader(ctx, tx, readerID, t.UTC().UnixMilli())
	})
}

// touchReader records that readerID was heard from at ms. Unseen readers
// get a disabled, uncommissioned row; only an admin action or the dev
// seeder enables one. Must run inside a write transaction.
func touchReader(ctx context.Context, tx *sql.Tx, readerID string, ms int64) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO readers(reader_id, enabled, last_seen_at_ms, created_at_ms, updated_at_ms)
VALUES (?, 0, ?, ?, ?)
ON CONFLICT(reader_id) DO UPDATE SET
  last_seen_at_ms = excluded.last_seen_at_ms,
  updated_at_ms   = excluded.updated_at_ms;
`, readerID, ms, ms, ms); err != nil {
		return fmt.Errorf("touch reader %s: %w", readerID, err)
	}
	return nil
}
