package sqlite_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/portcullis/portcullis/internal/portcullis/store"
	sqlitestore "github.com/portcullis/portcullis/internal/portcullis/store/sqlite"
	"github.com/portcullis/portcullis/internal/portcullis/types"
)

// ═══════════════════════════════════════════════════════════════════════════
// UpsertHeartbeat
// ═══════════════════════════════════════════════════════════════════════════

func TestHeartbeatStore_UpsertHeartbeat_InsertsRowAndSnapshot(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	hs := sqlitestore.NewHeartbeatStore(conn, w)

	now := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	healthy := true

	err := hs.UpsertHeartbeat(context.Background(), "door-side", store.HeartbeatRecord{
		ReceivedAt: now,
		Request: types.HeartbeatRequest{
			ReaderID:      "door-side",
			Version:       "1.4.0",
			UptimeSeconds: 300,
			Healthy:       &healthy,
			IP:            "192.168.1.50",
		},
	})
	if err != nil {
		t.Fatalf("UpsertHeartbeat: %v", err)
	}

	var (
		version  string
		ip       string
		uptimeMs sql.NullInt64
		hb       sql.NullInt64
	)
	err = conn.QueryRow(`SELECT version, ip, uptime_ms, healthy FROM reader_heartbeats WHERE reader_id = ?`, "door-side").
		Scan(&version, &ip, &uptimeMs, &hb)
	if err != nil {
		t.Fatalf("query heartbeat: %v", err)
	}
	if version != "1.4.0" || ip != "192.168.1.50" {
		t.Errorf("version=%q ip=%q", version, ip)
	}
	if !uptimeMs.Valid || uptimeMs.Int64 != 300_000 {
		t.Errorf("uptime_ms = %v, want 300000", uptimeMs)
	}
	if !hb.Valid || hb.Int64 != 1 {
		t.Errorf("healthy = %v, want 1", hb)
	}

	// Unknown readers get a disabled row so the foreign key holds.
	var enabled int
	var lastSeen sql.NullInt64
	if err := conn.QueryRow(`SELECT enabled, last_seen_at_ms FROM readers WHERE reader_id = ?`, "door-side").Scan(&enabled, &lastSeen); err != nil {
		t.Fatalf("query reader: %v", err)
	}
	if enabled != 0 {
		t.Error("auto-created reader must start disabled")
	}
	if !lastSeen.Valid || lastSeen.Int64 != now.UnixMilli() {
		t.Errorf("last_seen_at_ms = %v", lastSeen)
	}
}

func TestHeartbeatStore_UpsertHeartbeat_EmptyIDIgnored(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	hs := sqlitestore.NewHeartbeatStore(conn, w)

	if err := hs.UpsertHeartbeat(context.Background(), "  ", store.HeartbeatRecord{}); err != nil {
		t.Fatalf("UpsertHeartbeat: %v", err)
	}
	var n int
	_ = conn.QueryRow(`SELECT COUNT(*) FROM reader_heartbeats`).Scan(&n)
	if n != 0 {
		t.Errorf("expected no rows, got %d", n)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// PruneOlderThan
// ═══════════════════════════════════════════════════════════════════════════

func TestHeartbeatStore_PruneOlderThan(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	hs := sqlitestore.NewHeartbeatStore(conn, w)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		err := hs.UpsertHeartbeat(ctx, "door-main", store.HeartbeatRecord{
			ReceivedAt: base.AddDate(0, 0, i*10),
			Request:    types.HeartbeatRequest{ReaderID: "door-main"},
		})
		if err != nil {
			t.Fatalf("UpsertHeartbeat #%d: %v", i, err)
		}
	}

	deleted, err := hs.PruneOlderThan(ctx, base.AddDate(0, 0, 15))
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 pruned, got %d", deleted)
	}

	var left int
	_ = conn.QueryRow(`SELECT COUNT(*) FROM reader_heartbeats`).Scan(&left)
	if left != 2 {
		t.Errorf("expected 2 remaining, got %d", left)
	}
}
