package domain

import (
	"context"

	"hubgo/internal/bus"
	"hubgo/internal/events"
)

// WriteQueue serializes persistence writes from async domain events.
type WriteQueue interface {
	Enqueue(name string, fn func(context.Context) error)
}

// StartPersistenceProjection journals handshakes and finished transfers.
// Progress events pass through untouched; only terminal transfer states
// hit the database.
func StartPersistenceProjection(ctx context.Context, b bus.MessageBus, queue WriteQueue, hubRepo HubRepository, transferRepo TransferLogRepository) {
	hubSub := b.Subscribe(events.TopicHubInfo)
	transferSub := b.Subscribe(events.TopicTransferStatus)

	go func() {
		defer b.Unsubscribe(hubSub, events.TopicHubInfo)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-hubSub:
				if !ok {
					return
				}
				info, ok := raw.(HubInfo)
				if !ok {
					continue
				}
				hub := KnownHub{
					Target:      info.Target,
					Name:        info.DeviceName,
					Firmware:    info.Firmware,
					Protocol:    info.Protocol,
					SlotCount:   info.SlotCount,
					FirstSeenAt: info.ConnectedAt,
					LastSeenAt:  info.ConnectedAt,
				}
				queue.Enqueue("upsert_hub", func(writeCtx context.Context) error {
					return hubRepo.Upsert(writeCtx, hub)
				})
			}
		}
	}()

	go func() {
		defer b.Unsubscribe(transferSub, events.TopicTransferStatus)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-transferSub:
				if !ok {
					return
				}
				status, ok := raw.(events.TransferStatus)
				if !ok || !status.Done {
					continue
				}
				rec := TransferRecord{
					Target:      status.Target,
					Direction:   string(status.Direction),
					Slot:        status.Slot,
					ProgramName: status.ProgramName,
					Bytes:       status.BytesMoved,
					Succeeded:   status.Err == "",
					Error:       status.Err,
					Duration:    status.Elapsed,
					At:          status.Timestamp,
				}
				queue.Enqueue("insert_transfer", func(writeCtx context.Context) error {
					_, err := transferRepo.Insert(writeCtx, rec)

					return err
				})
			}
		}
	}()
}
