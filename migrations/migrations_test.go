package migrations

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func TestUp(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	v, err := Up(ctx, db)
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}

	// Applying again is a no-op.
	if v, err := Up(ctx, db); err != nil || v != 1 {
		t.Errorf("second up = %d, %v", v, err)
	}

	for _, table := range []string{"sources", "feeds", "feed_sources", "runs", "run_errors", "digests", "seen_items"} {
		var name string
		err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s: %v", table, err)
		}
	}
}
