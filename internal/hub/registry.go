package hub

import (
	"context"
	"log/slog"
	"sync"

	"hubgo/internal/bus"
	"hubgo/internal/domain"
	"hubgo/internal/events"
)

// SlotRegistry caches the last known state of every program slot so
// consumers can render the slot table without a device round trip. The
// device's slot-changed pushes keep it current: a push marks the slot
// stale and triggers a targeted refresh.
type SlotRegistry struct {
	logger *slog.Logger
	bus    bus.MessageBus
	sess   *Session

	mu    sync.RWMutex
	slots []domain.Slot
}

func NewSlotRegistry(logger *slog.Logger, b bus.MessageBus, sess *Session, slotCount int) *SlotRegistry {
	slots := make([]domain.Slot, slotCount)
	for i := range slots {
		slots[i] = domain.Slot{Index: i, State: domain.SlotStateUnknown}
	}

	return &SlotRegistry{
		logger: logger,
		bus:    b,
		sess:   sess,
		slots:  slots,
	}
}

// Prime replaces the whole cache with a fresh listing from the device.
// Slots absent from the listing are empty, not unknown.
func (r *SlotRegistry) Prime(ctx context.Context) error {
	listed, err := r.sess.ListSlots(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for i := range r.slots {
		r.slots[i] = domain.Slot{Index: i, State: domain.SlotStateEmpty}
	}
	for _, slot := range listed {
		if slot.Index < 0 || slot.Index >= len(r.slots) {
			r.logger.Warn("device listed slot out of range", "slot", slot.Index, "slots", len(r.slots))
			continue
		}
		r.slots[slot.Index] = slot
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.bus.Publish(events.TopicSlotsUpdated, snapshot)

	return nil
}

// Start consumes slot-changed events until ctx is cancelled.
func (r *SlotRegistry) Start(ctx context.Context) {
	ch := r.bus.Subscribe(events.TopicSlotChanged)

	go func() {
		defer r.bus.Unsubscribe(ch, events.TopicSlotChanged)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				change, ok := raw.(events.SlotChanged)
				if !ok {
					continue
				}
				r.refresh(ctx, change.Slot)
			}
		}
	}()
}

// refresh marks a slot stale and asks the device for its current state.
// If the query fails the slot stays stale; the next prime or push will
// repair it.
func (r *SlotRegistry) refresh(ctx context.Context, slot int) {
	if !r.MarkStale(slot) {
		r.logger.Warn("slot-changed for slot out of range", "slot", slot)
		return
	}

	info, err := r.sess.SlotInfo(ctx, slot)
	if err != nil {
		r.logger.Warn("slot refresh failed, leaving slot stale", "slot", slot, "error", err)
		return
	}
	r.Apply(info)
}

// Apply installs locally observed slot state, e.g. after an install or
// uninstall completed on this side of the link.
func (r *SlotRegistry) Apply(slot domain.Slot) {
	r.mu.Lock()
	if slot.Index < 0 || slot.Index >= len(r.slots) {
		r.mu.Unlock()
		return
	}
	r.slots[slot.Index] = slot
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.bus.Publish(events.TopicSlotsUpdated, snapshot)
}

// MarkStale flags a slot as possibly outdated and reports whether the
// index was valid.
func (r *SlotRegistry) MarkStale(slot int) bool {
	r.mu.Lock()
	if slot < 0 || slot >= len(r.slots) {
		r.mu.Unlock()
		return false
	}
	r.slots[slot].State = domain.SlotStateStale
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.bus.Publish(events.TopicSlotsUpdated, snapshot)

	return true
}

// InvalidateAll drops every cached entry back to unknown, e.g. after a
// reconnect to a possibly different device.
func (r *SlotRegistry) InvalidateAll() {
	r.mu.Lock()
	for i := range r.slots {
		r.slots[i] = domain.Slot{Index: i, State: domain.SlotStateUnknown}
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.bus.Publish(events.TopicSlotsUpdated, snapshot)
}

func (r *SlotRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.slots)
}

// Slot returns the cached state of one slot.
func (r *SlotRegistry) Slot(index int) (domain.Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.slots) {
		return domain.Slot{}, false
	}

	return r.slots[index], true
}

// Snapshot returns a copy of the slot table ordered by index.
func (r *SlotRegistry) Snapshot() []domain.Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.snapshotLocked()
}

func (r *SlotRegistry) snapshotLocked() []domain.Slot {
	out := make([]domain.Slot, len(r.slots))
	copy(out, r.slots)

	return out
}
