package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/portcullis/portcullis/internal/db"
)

// openTestDB opens a migrated database in the test's temp dir through the
// same path the server uses. It is closed when the test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.Open(context.Background(), db.Config{
		Path: filepath.Join(t.TempDir(), "portcullis.db"),
		Env:  "dev",
	})
	if err != nil {
		t.Fatalf("openTestDB: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// newTestWriter returns a db.Worker backed by conn.  The worker is closed
// automatically when the test finishes.
func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn)
	t.Cleanup(func() { w.Close() })
	return w
}

// seedReader inserts a commissioned, enabled reader.
func seedReader(t *testing.T, conn *sql.DB, readerID string) {
	t.Helper()

	if err := db.SeedDev(context.Background(), conn, db.SeedDevOptions{Readers: []string{readerID}}); err != nil {
		t.Fatalf("seedReader %s: %v", readerID, err)
	}
}

func exec(t *testing.T, conn *sql.DB, query string, args ...any) {
	t.Helper()

	if _, err := conn.ExecContext(context.Background(), query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}
