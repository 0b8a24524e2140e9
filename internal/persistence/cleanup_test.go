package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestClearDatabase_ClearsAllTables(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	now := time.Now().UnixMilli()
	if _, err := db.ExecContext(ctx, `
		INSERT INTO known_hubs(target, name, first_seen_at, last_seen_at)
		VALUES(?, ?, ?, ?)
	`, "tcp:hub.local:9300", "workshop-hub", now, now); err != nil {
		t.Fatalf("seed known_hubs: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO transfer_log(target, direction, slot, program_name, bytes, succeeded, error, at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, "tcp:hub.local:9300", "install", 0, "collector", 2048, 1, "", now); err != nil {
		t.Fatalf("seed transfer_log: %v", err)
	}

	if err := ClearDatabase(ctx, db); err != nil {
		t.Fatalf("clear database: %v", err)
	}

	tableChecks := []struct {
		name  string
		query string
	}{
		{name: "transfer_log", query: "SELECT COUNT(*) FROM transfer_log;"},
		{name: "known_hubs", query: "SELECT COUNT(*) FROM known_hubs;"},
	}
	for _, table := range tableChecks {
		var count int
		if err := db.QueryRowContext(ctx, table.query).Scan(&count); err != nil {
			t.Fatalf("count rows in %s: %v", table.name, err)
		}
		if count != 0 {
			t.Fatalf("expected %s to be empty after clear, got %d rows", table.name, count)
		}
	}
}
