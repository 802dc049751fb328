package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type SeedDevOptions struct {
	// Readers are commissioned and enabled so networked readers work out
	// of the box in dev.
	Readers []string
	// MemberIDs are created active with a Normal membership.
	MemberIDs []uint32
	// OtherTicketIDs are created active.
	OtherTicketIDs []uint32
}

// SeedDev inserts idempotent fixtures for local development.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC().UnixMilli()

	if err := CommissionReaders(ctx, db, opt.Readers); err != nil {
		return err
	}

	for _, id := range opt.MemberIDs {
		if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO members(member_id, name, membership_type, active, batch_id, created_at_ms, updated_at_ms)
VALUES (?, ?, 1, 1, 'dev-seed', ?, ?);
`, id, fmt.Sprintf("Dev Member %d", id), now, now); err != nil {
			return fmt.Errorf("seed member %d: %w", id, err)
		}
	}

	for _, id := range opt.OtherTicketIDs {
		if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO other_tickets(ticket_id, name, active, created_at_ms, updated_at_ms)
VALUES (?, ?, 1, ?, ?);
`, id, fmt.Sprintf("Dev Ticket %d", id), now, now); err != nil {
			return fmt.Errorf("seed other ticket %d: %w", id, err)
		}
	}

	return nil
}

// CommissionReaders enables the given networked readers, clearing any
// revocation. Reader IDs double as display names for new rows.
func CommissionReaders(ctx context.Context, db *sql.DB, readerIDs []string) error {
	now := time.Now().UTC().UnixMilli()

	for _, rid := range readerIDs {
		rid = strings.TrimSpace(rid)
		if rid == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, `
INSERT INTO readers(
  reader_id, display_name,
  enabled, commissioned_at_ms,
  created_at_ms, updated_at_ms
) VALUES (?, ?, 1, ?, ?, ?)
ON CONFLICT(reader_id) DO UPDATE SET
  enabled = 1,
  commissioned_at_ms = COALESCE(readers.commissioned_at_ms, excluded.commissioned_at_ms),
  revoked_at_ms = NULL,
  updated_at_ms = excluded.updated_at_ms;
`, rid, rid, now, now, now); err != nil {
			return fmt.Errorf("commission reader %s: %w", rid, err)
		}
	}

	return nil
}
