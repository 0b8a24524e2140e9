package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"hubgo/internal/domain"
)

type HubRepo struct {
	db *sql.DB
}

func NewHubRepo(db *sql.DB) *HubRepo {
	return &HubRepo{db: db}
}

// Upsert records a hub sighting. The first-seen timestamp survives
// later connects; everything else reflects the latest handshake.
func (r *HubRepo) Upsert(ctx context.Context, h domain.KnownHub) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO known_hubs(target, name, firmware, protocol, slot_count, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target) DO UPDATE SET
			name = excluded.name,
			firmware = excluded.firmware,
			protocol = excluded.protocol,
			slot_count = excluded.slot_count,
			last_seen_at = excluded.last_seen_at
	`, h.Target, h.Name, h.Firmware, h.Protocol, h.SlotCount, toUnixMillis(h.FirstSeenAt), toUnixMillis(h.LastSeenAt))
	if err != nil {
		return fmt.Errorf("upsert hub: %w", err)
	}

	return nil
}

func (r *HubRepo) List(ctx context.Context) ([]domain.KnownHub, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT target, name, firmware, protocol, slot_count, first_seen_at, last_seen_at
		FROM known_hubs
		ORDER BY last_seen_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list hubs: %w", err)
	}
	defer rows.Close()

	var out []domain.KnownHub
	for rows.Next() {
		var (
			h       domain.KnownHub
			firstMs int64
			lastMs  int64
		)
		if err := rows.Scan(&h.Target, &h.Name, &h.Firmware, &h.Protocol, &h.SlotCount, &firstMs, &lastMs); err != nil {
			return nil, fmt.Errorf("scan hub: %w", err)
		}
		h.FirstSeenAt = fromUnixMillis(firstMs)
		h.LastSeenAt = fromUnixMillis(lastMs)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hubs: %w", err)
	}

	return out, nil
}
