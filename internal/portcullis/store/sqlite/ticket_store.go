package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "github.com/portcullis/portcullis/internal/db"
	"github.com/portcullis/portcullis/internal/portcullis/store"
)

type TicketStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewTicketStore(db *sql.DB, writer *dbpkg.Worker) *TicketStore {
	return &TicketStore{db: db, writer: writer}
}

func (s *TicketStore) GetDayTicket(ctx context.Context, id uint32) (store.DayTicketRecord, bool, error) {
	var (
		t         store.DayTicketRecord
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT ticket_id, batch_id, expires_at, created_at_ms
FROM daytickets
WHERE ticket_id = ?;
`, id).Scan(&t.ID, &t.BatchID, &t.ExpiresAt, &createdMs)

	if errors.Is(err, sql.ErrNoRows) {
		return store.DayTicketRecord{}, false, nil
	}
	if err != nil {
		return store.DayTicketRecord{}, false, fmt.Errorf("GetDayTicket %d: %w", id, err)
	}
	t.CreatedAt = time.UnixMilli(createdMs).UTC()
	return t, true, nil
}

// SetDayTicketExpiry is a compare-and-set: only an unactivated ticket is
// written, so two readers racing on the same ticket agree on one expiry.
func (s *TicketStore) SetDayTicketExpiry(ctx context.Context, id uint32, expiresAt int64) (bool, error) {
	now := time.Now().UTC().UnixMilli()

	var activated bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE daytickets
SET expires_at = ?,
    activated_at_ms = ?
WHERE ticket_id = ? AND expires_at = 0;
`, expiresAt, now, id)
		if err != nil {
			return fmt.Errorf("SetDayTicketExpiry %d: %w", id, err)
		}
		n, err := rowsAffected(res, "SetDayTicketExpiry")
		if err != nil {
			return err
		}
		activated = n == 1
		return nil
	})
	return activated, err
}

func (s *TicketStore) CreateDayTickets(ctx context.Context, batchID string, n int) ([]store.DayTicketRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	nowMs := now.UnixMilli()

	out := make([]store.DayTicketRecord, 0, n)
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for i := 0; i < n; i++ {
			res, err := tx.ExecContext(ctx, `
INSERT INTO daytickets(batch_id, expires_at, created_at_ms)
VALUES (?, 0, ?);
`, batchID, nowMs)
			if err != nil {
				return fmt.Errorf("CreateDayTickets insert: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("CreateDayTickets id: %w", err)
			}
			out = append(out, store.DayTicketRecord{ID: uint32(id), BatchID: batchID, CreatedAt: now})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *TicketStore) GetOtherTicket(ctx context.Context, id uint32) (store.OtherTicketRecord, bool, error) {
	var (
		t      store.OtherTicketRecord
		active int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT ticket_id, name, active
FROM other_tickets
WHERE ticket_id = ?;
`, id).Scan(&t.ID, &t.Name, &active)

	if errors.Is(err, sql.ErrNoRows) {
		return store.OtherTicketRecord{}, false, nil
	}
	if err != nil {
		return store.OtherTicketRecord{}, false, fmt.Errorf("GetOtherTicket %d: %w", id, err)
	}
	t.Active = active == 1
	return t, true, nil
}
