package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hubgo/internal/domain"
)

const defaultHistoryLimit = 50

type TransferLogRepo struct {
	db *sql.DB
}

func NewTransferLogRepo(db *sql.DB) *TransferLogRepo {
	return &TransferLogRepo{db: db}
}

func (r *TransferLogRepo) Insert(ctx context.Context, rec domain.TransferRecord) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO transfer_log(target, direction, slot, program_name, bytes, succeeded, error, duration_ms, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Target, rec.Direction, rec.Slot, rec.ProgramName, rec.Bytes, boolToInt(rec.Succeeded), rec.Error, rec.Duration.Milliseconds(), toUnixMillis(rec.At))
	if err != nil {
		return 0, fmt.Errorf("insert transfer record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("transfer record id: %w", err)
	}

	return id, nil
}

func (r *TransferLogRepo) ListRecent(ctx context.Context, limit int) ([]domain.TransferRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, target, direction, slot, program_name, bytes, succeeded, error, duration_ms, at
		FROM transfer_log
		ORDER BY at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []domain.TransferRecord
	for rows.Next() {
		var (
			rec        domain.TransferRecord
			succeeded  int64
			durationMs int64
			atMs       int64
		)
		if err := rows.Scan(&rec.ID, &rec.Target, &rec.Direction, &rec.Slot, &rec.ProgramName, &rec.Bytes, &succeeded, &rec.Error, &durationMs, &atMs); err != nil {
			return nil, fmt.Errorf("scan transfer record: %w", err)
		}
		rec.Succeeded = succeeded != 0
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.At = fromUnixMillis(atMs)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}

	return out, nil
}

// TrimTo deletes everything but the newest keep entries.
func (r *TransferLogRepo) TrimTo(ctx context.Context, keep int) error {
	if keep < 0 {
		keep = 0
	}
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM transfer_log
		WHERE id NOT IN (
			SELECT id FROM transfer_log ORDER BY at DESC, id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return fmt.Errorf("trim transfer log: %w", err)
	}

	return nil
}
