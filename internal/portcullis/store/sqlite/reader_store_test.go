package sqlite_test

import (
	"context"
	"testing"
	"time"

	sqlitestore "github.com/portcullis/portcullis/internal/portcullis/store/sqlite"
)

func TestReaderStore_IsKnown(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	rs := sqlitestore.NewReaderStore(conn, w)
	ctx := context.Background()

	seedReader(t, conn, "door-main")
	seedReader(t, conn, "door-old")
	exec(t, conn, `UPDATE readers SET revoked_at_ms = 1 WHERE reader_id = 'door-old'`)

	cases := map[string]bool{
		"door-main": true,
		"door-old":  false,
		"rogue":     false,
		"":          false,
	}
	for id, want := range cases {
		got, err := rs.IsKnown(ctx, id)
		if err != nil {
			t.Fatalf("IsKnown(%q): %v", id, err)
		}
		if got != want {
			t.Errorf("IsKnown(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestReaderStore_MarkSeenCreatesDisabledRow(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	rs := sqlitestore.NewReaderStore(conn, w)
	ctx := context.Background()

	at := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	if err := rs.MarkSeen(ctx, "rogue", at); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}

	known, _ := rs.IsKnown(ctx, "rogue")
	if known {
		t.Error("a reader first seen via MarkSeen must not become known")
	}

	var seen int64
	if err := conn.QueryRow(`SELECT last_seen_at_ms FROM readers WHERE reader_id = 'rogue'`).Scan(&seen); err != nil {
		t.Fatalf("query: %v", err)
	}
	if seen != at.UnixMilli() {
		t.Errorf("last_seen_at_ms = %d, want %d", seen, at.UnixMilli())
	}
}
