package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"hubgo/internal/bus"
	"hubgo/internal/domain"
	"hubgo/internal/events"
	"hubgo/internal/transport"
)

// Client is the high-level entry point: it owns at most one session at a
// time and exposes slot and transfer operations against it. Connecting
// while connected tears the old session down first.
type Client struct {
	logger *slog.Logger
	bus    bus.MessageBus
	cfg    SessionConfig

	transferring atomic.Bool

	mu        sync.Mutex
	sess      *Session
	registry  *SlotRegistry
	engine    *TransferEngine
	stopWatch context.CancelFunc
	info      domain.HubInfo
}

func NewClient(logger *slog.Logger, b bus.MessageBus, cfg SessionConfig) *Client {
	return &Client{
		logger: logger,
		bus:    b,
		cfg:    cfg,
	}
}

// Connect opens a session over the given transport, performs the
// handshake, and primes the slot cache.
func (c *Client) Connect(ctx context.Context, tr transport.Transport) (domain.HubInfo, error) {
	if err := c.Disconnect(); err != nil {
		c.logger.Warn("closing previous session", "error", err)
	}

	sess := NewSession(c.logger, c.bus, tr, c.cfg)
	info, err := sess.Open(ctx)
	if err != nil {
		return domain.HubInfo{}, err
	}

	registry := NewSlotRegistry(c.logger, c.bus, sess, info.SlotCount)
	watchCtx, stopWatch := context.WithCancel(context.Background())
	registry.Start(watchCtx)
	engine := NewTransferEngine(c.logger, c.bus, sess, registry)

	if err := registry.Prime(ctx); err != nil {
		stopWatch()
		_ = sess.Close()
		return domain.HubInfo{}, fmt.Errorf("prime slot cache: %w", err)
	}

	c.mu.Lock()
	c.sess = sess
	c.registry = registry
	c.engine = engine
	c.stopWatch = stopWatch
	c.info = info
	c.mu.Unlock()

	return info, nil
}

// Disconnect closes the current session, if any.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	sess := c.sess
	stopWatch := c.stopWatch
	c.sess = nil
	c.registry = nil
	c.engine = nil
	c.stopWatch = nil
	c.info = domain.HubInfo{}
	c.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	if sess != nil {
		return sess.Close()
	}

	return nil
}

// Hub returns the handshake result of the current session.
func (c *Client) Hub() (domain.HubInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.info, c.sess != nil
}

// Slots returns the slot table. With refresh it re-lists from the
// device; otherwise it serves the cache.
func (c *Client) Slots(ctx context.Context, refresh bool) ([]domain.Slot, error) {
	_, registry, _, err := c.parts()
	if err != nil {
		return nil, err
	}

	if refresh {
		if err := registry.Prime(ctx); err != nil {
			return nil, err
		}
	}

	return registry.Snapshot(), nil
}

// Slot queries the device for one slot's current state and folds it into
// the cache.
func (c *Client) Slot(ctx context.Context, index int) (domain.Slot, error) {
	sess, registry, _, err := c.parts()
	if err != nil {
		return domain.Slot{}, err
	}
	if err := c.checkSlot(index); err != nil {
		return domain.Slot{}, err
	}

	slot, err := sess.SlotInfo(ctx, index)
	if err != nil {
		return domain.Slot{}, err
	}
	registry.Apply(slot)

	return slot, nil
}

// Install writes a program into a slot. Only one transfer may run at a
// time; a second caller gets ErrBusy instead of queueing behind chunk
// traffic.
func (c *Client) Install(ctx context.Context, slot int, prog domain.Program) (domain.Slot, error) {
	_, _, engine, err := c.parts()
	if err != nil {
		return domain.Slot{}, err
	}
	if err := c.checkSlot(slot); err != nil {
		return domain.Slot{}, err
	}

	if !c.transferring.CompareAndSwap(false, true) {
		return domain.Slot{}, ErrBusy
	}
	defer c.transferring.Store(false)

	return engine.Install(ctx, slot, prog)
}

// Extract reads a program image back out of a slot.
func (c *Client) Extract(ctx context.Context, slot int) (domain.Program, error) {
	_, _, engine, err := c.parts()
	if err != nil {
		return domain.Program{}, err
	}
	if err := c.checkSlot(slot); err != nil {
		return domain.Program{}, err
	}

	if !c.transferring.CompareAndSwap(false, true) {
		return domain.Program{}, ErrBusy
	}
	defer c.transferring.Store(false)

	return engine.Extract(ctx, slot)
}

// Uninstall clears a slot and updates the cache. The operation is
// journaled alongside transfers so history shows removals too.
func (c *Client) Uninstall(ctx context.Context, slot int) error {
	sess, registry, _, err := c.parts()
	if err != nil {
		return err
	}
	if err := c.checkSlot(slot); err != nil {
		return err
	}

	started := time.Now()
	var name string
	if cached, ok := registry.Slot(slot); ok && cached.State == domain.SlotStateOccupied {
		name = cached.Name
	}

	if err := sess.Uninstall(ctx, slot); err != nil {
		return err
	}
	registry.Apply(domain.Slot{Index: slot, State: domain.SlotStateEmpty})
	c.bus.Publish(events.TopicTransferStatus, events.TransferStatus{
		Direction:   events.TransferUninstall,
		Target:      sess.Target(),
		Slot:        slot,
		ProgramName: name,
		Phase:       transferPhaseDone,
		Done:        true,
		Elapsed:     time.Since(started),
		Timestamp:   time.Now(),
	})
	c.logger.Info("program uninstalled", "slot", slot)

	return nil
}

func (c *Client) parts() (*Session, *SlotRegistry, *TransferEngine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, nil, nil, ErrDisconnected
	}

	return c.sess, c.registry, c.engine, nil
}

// checkSlot validates a slot index against the connected device before
// anything goes on the wire.
func (c *Client) checkSlot(slot int) error {
	c.mu.Lock()
	count := c.info.SlotCount
	c.mu.Unlock()

	if slot < 0 || slot >= count {
		return fmt.Errorf("slot %d out of range, device has slots 0..%d", slot, count-1)
	}

	return nil
}
