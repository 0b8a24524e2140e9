package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	"hubgo/internal/bluetoothutil"
	"tinygo.org/x/bluetooth"
)

const (
	defaultBLEFrameQueueSize = 64
	defaultBLEChunkQueueSize = 256
	defaultBLEWriteChunk     = 180
	defaultBLEDiscoverWait   = 12 * time.Second
	defaultBLESubscribeWait  = 8 * time.Second
)

// bleFrameResult carries one decoded frame or a recoverable decode error
// from the decode goroutine to ReadFrame callers.
type bleFrameResult struct {
	payload []byte
	err     error
}

type bleConnState struct {
	device bluetooth.Device
	rx     bluetooth.DeviceCharacteristic
	tx     *bluetooth.DeviceCharacteristic

	chunks  chan []byte
	pending []byte
	frames  chan bleFrameResult
	closed  chan struct{}

	closeOnce sync.Once
	errMu     sync.RWMutex
	asyncErr  error
}

// BLETransport talks to a hub over its UART-style GATT service. TX
// notifications deliver arbitrary slices of the hub's byte stream, so
// frames are reassembled by a dedicated decode goroutine.
type BLETransport struct {
	address   string
	adapterID string
	codec     *FrameCodec

	mu      sync.RWMutex
	conn    *bleConnState
	writeMu sync.Mutex
}

func NewBLETransport(address, adapterID string, codec *FrameCodec) *BLETransport {
	if codec == nil {
		codec = NewFrameCodec(DefaultFrameConfig())
	}

	return &BLETransport{
		address:   strings.TrimSpace(address),
		adapterID: strings.TrimSpace(adapterID),
		codec:     codec,
	}
}

func (t *BLETransport) Name() string {
	return "ble"
}

func (t *BLETransport) StatusTarget() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.address
}

func (t *BLETransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := transportLogger("ble", "address", t.address, "adapter", t.adapterID)

	if t.conn != nil {
		logger.Debug("connect skipped: already connected")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.address == "" {
		logger.Warn("connect failed: address is empty")
		return errors.New("bluetooth address is empty")
	}

	addr, err := parseBLEAddress(t.address)
	if err != nil {
		logger.Warn("connect failed: invalid address", "error", err)
		return err
	}

	adapter := bluetoothutil.ResolveAdapter(t.adapterID)
	logger.Info("connecting")
	if err := bluetoothutil.EnableAdapter(adapter); err != nil {
		logger.Warn("enable adapter failed", "error", err)
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	device, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil && shouldRetryBLEConnectWithDiscovery(err) {
		logger.Info("direct connect failed, trying discovery fallback", "error", err)
		if discoverErr := discoverBLEDevice(ctx, adapter, addr); discoverErr != nil {
			logger.Warn("discovery fallback failed", "error", discoverErr)
			return fmt.Errorf("connect ble device %q: %w", t.address, errors.Join(err, fmt.Errorf("discovery failed: %w", discoverErr)))
		}
		device, err = adapter.Connect(addr, bluetooth.ConnectionParams{})
	}
	if err != nil {
		logger.Warn("connect device failed", "error", err)
		return fmt.Errorf("connect ble device %q: %w", t.address, err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{bluetoothutil.HubServiceUUID()})
	if err != nil {
		_ = device.Disconnect()
		logger.Warn("discover service failed", "error", err)
		return fmt.Errorf("discover hub service: %w", err)
	}
	if len(services) == 0 {
		_ = device.Disconnect()
		logger.Warn("hub service is not available")
		return errors.New("hub BLE service is not available")
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{
		bluetoothutil.HubRxUUID(),
		bluetoothutil.HubTxUUID(),
	})
	if err != nil {
		_ = device.Disconnect()
		logger.Warn("discover characteristics failed", "error", err)
		return fmt.Errorf("discover hub characteristics: %w", err)
	}
	if len(chars) != 2 {
		_ = device.Disconnect()
		logger.Warn("unexpected characteristic count", "count", len(chars))
		return fmt.Errorf("unexpected characteristic count: %d", len(chars))
	}

	tx := chars[1]
	state := &bleConnState{
		device: device,
		rx:     chars[0],
		tx:     &tx,
		chunks: make(chan []byte, defaultBLEChunkQueueSize),
		frames: make(chan bleFrameResult, defaultBLEFrameQueueSize),
		closed: make(chan struct{}),
	}

	if err := enableNotificationsWithTimeout(ctx, device, *state.tx, func(data []byte) {
		state.enqueueChunk(data)
	}, defaultBLESubscribeWait); err != nil {
		_ = device.Disconnect()
		logger.Warn("subscribe to notifications failed", "error", err)
		return fmt.Errorf("subscribe to hub TX notifications: %w", err)
	}

	go t.runDecodeLoop(state)

	if err := ctx.Err(); err != nil {
		state.markClosed()
		_ = state.tx.EnableNotifications(nil)
		_ = device.Disconnect()
		return err
	}

	t.conn = state
	logger.Info("connected")
	return nil
}

func (t *BLETransport) Close() error {
	t.mu.Lock()
	logger := transportLogger("ble", "address", t.address, "adapter", t.adapterID)
	state := t.conn
	t.conn = nil
	t.mu.Unlock()
	if state == nil {
		logger.Debug("close skipped: not connected")
		return nil
	}

	state.markClosed()

	var closeErr error
	if state.tx != nil {
		if err := state.tx.EnableNotifications(nil); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("disable TX notifications: %w", err))
		}
	}
	if err := state.device.Disconnect(); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("disconnect ble device: %w", err))
	}

	if closeErr != nil {
		logger.Warn("close failed", "error", closeErr)
		return closeErr
	}
	logger.Info("closed")

	return nil
}

func (t *BLETransport) ReadFrame(ctx context.Context) ([]byte, error) {
	logger := transportLogger("ble")
	state, err := t.currentState()
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-state.closed:
		if err := state.closeErr(); err != nil {
			logger.Warn("read frame failed: connection closed with async error", "error", err)
			return nil, err
		}
		return nil, errors.New("transport is closed")
	case result := <-state.frames:
		if result.err != nil {
			logger.Debug("read frame failed", "error", result.err)
			return nil, result.err
		}
		logger.Debug("read frame", "len", len(result.payload))
		return result.payload, nil
	}
}

func (t *BLETransport) WriteFrame(ctx context.Context, payload []byte) error {
	logger := transportLogger("ble")
	if err := ctx.Err(); err != nil {
		return err
	}

	state, err := t.currentState()
	if err != nil {
		return err
	}

	frame, err := t.codec.Encode(payload)
	if err != nil {
		logger.Warn("encode frame failed", "payload_len", len(payload), "error", err)
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-state.closed:
		if err := state.closeErr(); err != nil {
			return err
		}
		return errors.New("transport is closed")
	default:
	}

	// GATT writes are MTU-bound; the hub reassembles from the stream.
	for off := 0; off < len(frame); off += defaultBLEWriteChunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + defaultBLEWriteChunk
		if end > len(frame) {
			end = len(frame)
		}
		chunk := frame[off:end]
		written, err := state.rx.WriteWithoutResponse(chunk)
		if err != nil {
			logger.Warn("write frame failed", "payload_len", len(payload), "error", err)
			return fmt.Errorf("write to hub RX: %w", err)
		}
		if written != len(chunk) {
			logger.Warn("write frame failed: short write", "chunk_len", len(chunk), "written", written)
			return fmt.Errorf("short write to hub RX: wrote %d of %d", written, len(chunk))
		}
	}
	logger.Debug("write frame", "payload_len", len(payload), "frame_len", len(frame))

	return nil
}

func (t *BLETransport) currentState() (*bleConnState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil, errors.New("transport is not connected")
	}
	return t.conn, nil
}

// runDecodeLoop reassembles frames from the notification byte stream and
// hands them (or recoverable decode errors) to ReadFrame.
func (t *BLETransport) runDecodeLoop(state *bleConnState) {
	logger := transportLogger("ble")
	readFull := ioReadFullFunc(state)
	for {
		payload, err := t.codec.Read(readFull)
		if err != nil {
			if errors.Is(err, ErrFrameCorrupt) {
				state.deliver(bleFrameResult{err: err})
				continue
			}
			// Stream ended: either Close was called or the link died.
			select {
			case <-state.closed:
			default:
				state.setAsyncError(err)
				state.markClosed()
				logger.Warn("decode loop stopped", "error", err)
			}
			return
		}
		state.deliver(bleFrameResult{payload: payload})
	}
}

// Read implements io.Reader over the notification chunk queue.
func (s *bleConnState) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		select {
		case chunk := <-s.chunks:
			s.pending = chunk
		case <-s.closed:
			// Drain anything already queued before reporting EOF.
			select {
			case chunk := <-s.chunks:
				s.pending = chunk
			default:
				return 0, io.EOF
			}
		}
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *bleConnState) enqueueChunk(data []byte) {
	select {
	case <-s.closed:
		return
	default:
	}

	chunk := append([]byte(nil), data...)
	select {
	case s.chunks <- chunk:
	default:
		// Dropping bytes breaks at most one frame; the checksum catches it
		// and the decoder resyncs on the next marker.
		transportLogger("ble").Warn("chunk queue full, dropping notification", "dropped_len", len(chunk))
	}
}

func (s *bleConnState) deliver(result bleFrameResult) {
	select {
	case <-s.closed:
		return
	default:
	}

	select {
	case s.frames <- result:
	default:
		transportLogger("ble").Warn("frame queue full, dropping oldest frame", "capacity", cap(s.frames))
		select {
		case <-s.frames:
		default:
		}
		select {
		case s.frames <- result:
		default:
		}
	}
}

func (s *bleConnState) markClosed() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

func (s *bleConnState) setAsyncError(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	if s.asyncErr == nil {
		s.asyncErr = err
	}
	s.errMu.Unlock()
}

func (s *bleConnState) closeErr() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.asyncErr
}

func parseBLEAddress(raw string) (bluetooth.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return bluetooth.Address{}, errors.New("bluetooth address is empty")
	}

	mac, err := bluetooth.ParseMAC(strings.ToUpper(trimmed))
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("invalid bluetooth address %q: %w", trimmed, err)
	}

	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}

// shouldRetryBLEConnectWithDiscovery matches the BlueZ failure mode where a
// device that was never discovered on this adapter cannot be connected by
// address alone.
func shouldRetryBLEConnectWithDiscovery(err error) bool {
	if err == nil || runtime.GOOS != "linux" {
		return false
	}
	msg := strings.ToLower(err.Error())
	if bluetoothutil.IsDBusErrorName(err, "org.freedesktop.DBus.Error.UnknownMethod") {
		return strings.Contains(msg, "org.freedesktop.dbus.properties") &&
			strings.Contains(msg, "method \"get\"")
	}

	return strings.Contains(msg, "org.freedesktop.dbus.properties") &&
		strings.Contains(msg, "method \"get\"") &&
		strings.Contains(msg, "doesn't exist")
}

func discoverBLEDevice(ctx context.Context, adapter *bluetooth.Adapter, target bluetooth.Address) error {
	logger := transportLogger("ble", "target", target.String())
	if err := bluetoothutil.StopScan(adapter); err != nil {
		return fmt.Errorf("reset bluetooth scan state: %w", err)
	}

	scanCtx := ctx
	if _, hasDeadline := scanCtx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(scanCtx, defaultBLEDiscoverWait)
		defer cancel()
	}

	foundCh := make(chan struct{}, 1)
	scanErrCh := make(chan error, 1)
	go func() {
		scanErrCh <- adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if result.Address.MAC != target.MAC {
				return
			}
			select {
			case foundCh <- struct{}{}:
			default:
			}
			_ = adapter.StopScan()
		})
	}()

	found := false
	select {
	case <-foundCh:
		found = true
		logger.Info("target device discovered")
	case <-scanCtx.Done():
		_ = bluetoothutil.StopScan(adapter)
	}

	scanErr := <-scanErrCh
	if scanErr = bluetoothutil.NormalizeScanError(scanErr); scanErr != nil {
		return fmt.Errorf("scan bluetooth devices: %w", scanErr)
	}

	if !found {
		return fmt.Errorf("device %q was not discovered; pair it in OS Bluetooth settings and keep it nearby", target.String())
	}

	return nil
}

func enableNotificationsWithTimeout(
	ctx context.Context,
	device bluetooth.Device,
	char bluetooth.DeviceCharacteristic,
	callback func([]byte),
	wait time.Duration,
) error {
	if wait <= 0 {
		wait = defaultBLESubscribeWait
	}

	done := make(chan error, 1)
	go func() {
		done <- char.EnableNotifications(callback)
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = device.Disconnect()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		return ctx.Err()
	case <-timer.C:
		_ = device.Disconnect()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("timed out after %s (abort returned: %w)", wait, err)
			}
		case <-time.After(2 * time.Second):
		}
		return fmt.Errorf("timed out after %s", wait)
	}
}
