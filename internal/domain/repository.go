package domain

import "context"

type HubRepository interface {
	Upsert(ctx context.Context, h KnownHub) error
	List(ctx context.Context) ([]KnownHub, error)
}

type TransferLogRepository interface {
	Insert(ctx context.Context, rec TransferRecord) (int64, error)
	ListRecent(ctx context.Context, limit int) ([]TransferRecord, error)
	TrimTo(ctx context.Context, keep int) error
}
