package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hubgo/internal/domain"
)

func TestOpenCreatesSchema(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "app.db")

	db, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != schemaVersion {
		t.Fatalf("expected schema version %d, got %d", schemaVersion, version)
	}

	for _, table := range []string{"known_hubs", "transfer_log"} {
		var name string
		if err := db.QueryRowContext(ctx, `
			SELECT name
			FROM sqlite_master
			WHERE type = 'table' AND name = ?
		`, table).Scan(&name); err != nil {
			t.Fatalf("expected %s table after migration: %v", table, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "app.db")

	db, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	repo := NewHubRepo(db)
	seen := time.UnixMilli(1755000000000)
	if err := repo.Upsert(ctx, domain.KnownHub{Target: "tcp:hub.local:9300", FirstSeenAt: seen, LastSeenAt: seen}); err != nil {
		t.Fatalf("seed hub: %v", err)
	}
	_ = db.Close()

	reopened, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	hubs, err := NewHubRepo(reopened).List(ctx)
	if err != nil {
		t.Fatalf("list hubs: %v", err)
	}
	if len(hubs) != 1 {
		t.Fatalf("expected seeded hub to survive reopen, got %d rows", len(hubs))
	}
}

func TestHubRepoUpsertPreservesFirstSeen(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := NewHubRepo(db)
	first := time.UnixMilli(1755000000000)
	later := first.Add(2 * time.Hour)

	if err := repo.Upsert(ctx, domain.KnownHub{
		Target:      "tcp:hub.local:9300",
		Name:        "workshop-hub",
		Firmware:    "3.4.1",
		Protocol:    2,
		SlotCount:   20,
		FirstSeenAt: first,
		LastSeenAt:  first,
	}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := repo.Upsert(ctx, domain.KnownHub{
		Target:      "tcp:hub.local:9300",
		Name:        "workshop-hub",
		Firmware:    "3.5.0",
		Protocol:    2,
		SlotCount:   20,
		FirstSeenAt: later,
		LastSeenAt:  later,
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	hubs, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list hubs: %v", err)
	}
	if len(hubs) != 1 {
		t.Fatalf("expected one hub, got %d", len(hubs))
	}
	if !hubs[0].FirstSeenAt.Equal(first) {
		t.Fatalf("first seen = %v, want %v", hubs[0].FirstSeenAt, first)
	}
	if !hubs[0].LastSeenAt.Equal(later) {
		t.Fatalf("last seen = %v, want %v", hubs[0].LastSeenAt, later)
	}
	if hubs[0].Firmware != "3.5.0" {
		t.Fatalf("firmware = %q, want %q", hubs[0].Firmware, "3.5.0")
	}
}

func TestHubRepoListOrdersByLastSeen(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := NewHubRepo(db)
	base := time.UnixMilli(1755000000000)

	if err := repo.Upsert(ctx, domain.KnownHub{Target: "serial:/dev/ttyACM0", Name: "bench", FirstSeenAt: base, LastSeenAt: base}); err != nil {
		t.Fatalf("upsert bench hub: %v", err)
	}
	if err := repo.Upsert(ctx, domain.KnownHub{Target: "tcp:hub.local:9300", Name: "workshop", FirstSeenAt: base, LastSeenAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("upsert workshop hub: %v", err)
	}

	hubs, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list hubs: %v", err)
	}
	if len(hubs) != 2 {
		t.Fatalf("expected two hubs, got %d", len(hubs))
	}
	if hubs[0].Target != "tcp:hub.local:9300" {
		t.Fatalf("expected most recently seen hub first, got %q", hubs[0].Target)
	}
}
