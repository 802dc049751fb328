package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/portcullis/portcullis/internal/db"
	"github.com/portcullis/portcullis/internal/portcullis/store"
)

type MemberStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewMemberStore(db *sql.DB, writer *dbpkg.Worker) *MemberStore {
	return &MemberStore{db: db, writer: writer}
}

func (s *MemberStore) GetMember(ctx context.Context, id uint32) (store.MemberRecord, bool, error) {
	var (
		m         store.MemberRecord
		active    int
		updatedMs int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT member_id, name, membership_type, active, batch_id, updated_at_ms
FROM members
WHERE member_id = ?;
`, id).Scan(&m.ID, &m.Name, &m.MembershipType, &active, &m.BatchID, &updatedMs)

	if errors.Is(err, sql.ErrNoRows) {
		return store.MemberRecord{}, false, nil
	}
	if err != nil {
		return store.MemberRecord{}, false, fmt.Errorf("GetMember %d: %w", id, err)
	}

	m.Active = active == 1
	m.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return m, true, nil
}

func (s *MemberStore) GetTOTPSecrets(ctx context.Context, memberID uint32) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT secret FROM member_totp_secrets
WHERE member_id = ?
ORDER BY id;
`, memberID)
	if err != nil {
		return nil, fmt.Errorf("GetTOTPSecrets %d: %w", memberID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var secret string
		if err := rows.Scan(&secret); err != nil {
			return nil, fmt.Errorf("GetTOTPSecrets scan: %w", err)
		}
		out = append(out, secret)
	}
	return out, rows.Err()
}

// AddTOTPSecret attaches a one-time-code secret to an existing member.
func (s *MemberStore) AddTOTPSecret(ctx context.Context, memberID uint32, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return fmt.Errorf("AddTOTPSecret %d: empty secret", memberID)
	}
	now := time.Now().UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO member_totp_secrets(member_id, secret, created_at_ms)
VALUES (?, ?, ?);
`, memberID, secret, now); err != nil {
			return fmt.Errorf("AddTOTPSecret insert: %w", err)
		}
		return nil
	})
}

// UpsertMembers writes the whole batch in one transaction. Members keep
// their active flag from the roster.
func (s *MemberStore) UpsertMembers(ctx context.Context, batchID string, members []store.MemberRecord) error {
	now := time.Now().UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO members(member_id, name, membership_type, active, batch_id, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(member_id) DO UPDATE SET
  name            = excluded.name,
  membership_type = excluded.membership_type,
  active          = excluded.active,
  batch_id        = excluded.batch_id,
  updated_at_ms   = excluded.updated_at_ms;
`)
		if err != nil {
			return fmt.Errorf("UpsertMembers prepare: %w", err)
		}
		defer stmt.Close()

		for _, m := range members {
			if _, err := stmt.ExecContext(ctx,
				m.ID, m.Name, m.MembershipType, boolInt(m.Active), batchID, now, now,
			); err != nil {
				return fmt.Errorf("UpsertMembers %d: %w", m.ID, err)
			}
		}
		return nil
	})
}

func (s *MemberStore) DeactivateStale(ctx context.Context, batchID string) (int64, error) {
	now := time.Now().UTC().UnixMilli()

	var n int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE members
SET active = 0,
    updated_at_ms = ?
WHERE batch_id <> ? AND active = 1;
`, now, batchID)
		if err != nil {
			return fmt.Errorf("DeactivateStale: %w", err)
		}
		n, err = rowsAffected(res, "DeactivateStale")
		return err
	})
	return n, err
}
