//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	// sppUUID is the Serial Port Profile UUID used for RFCOMM connections.
	sppUUID = "00001101-0000-1000-8000-00805f9b34fb"

	rfcommProfilePath        = dbus.ObjectPath("/hubgo/rfcomm/client")
	defaultRFCOMMConnectWait = 20 * time.Second
	defaultBluezAdapter      = "hci0"
)

// RFCOMMTransport talks to a classic-Bluetooth hub over an SPP socket
// obtained from BlueZ. We register a client-side Profile1 object, ask the
// device to connect the profile, and BlueZ hands the socket back through
// NewConnection.
type RFCOMMTransport struct {
	address   string
	adapterID string
	codec     *FrameCodec

	mu      sync.Mutex
	conn    *rfcommConnState
	writeMu sync.Mutex
}

type rfcommConnState struct {
	bus  *dbus.Conn
	file *os.File
}

func NewRFCOMMTransport(address, adapterID string, codec *FrameCodec) *RFCOMMTransport {
	if codec == nil {
		codec = NewFrameCodec(DefaultFrameConfig())
	}

	return &RFCOMMTransport{
		address:   strings.TrimSpace(address),
		adapterID: strings.TrimSpace(adapterID),
		codec:     codec,
	}
}

func (t *RFCOMMTransport) Name() string {
	return "rfcomm"
}

func (t *RFCOMMTransport) StatusTarget() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address
}

func (t *RFCOMMTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// rfcommProfile receives the org.bluez.Profile1 callbacks. Only the first
// connection is kept; a hub exposes a single SPP channel.
type rfcommProfile struct {
	fdCh chan int
}

func (p *rfcommProfile) NewConnection(_ dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	select {
	case p.fdCh <- int(fd):
	default:
		_ = syscall.Close(int(fd))
	}

	return nil
}

func (p *rfcommProfile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error {
	return nil
}

func (p *rfcommProfile) Release() *dbus.Error {
	return nil
}

func (t *RFCOMMTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := transportLogger("rfcomm", "address", t.address, "adapter", t.adapterID)

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

	busConn, err := connectSystemBus()
	if err != nil {
		logger.Warn("connect failed: system bus", "error", err)
		return fmt.Errorf("connect system bus: %w", err)
	}

	profile := &rfcommProfile{fdCh: make(chan int, 1)}
	if err := busConn.Export(profile, rfcommProfilePath, "org.bluez.Profile1"); err != nil {
		_ = busConn.Close()
		logger.Warn("connect failed: export profile", "error", err)
		return fmt.Errorf("export rfcomm profile: %w", err)
	}

	manager := busConn.Object("org.bluez", "/org/bluez")
	opts := map[string]dbus.Variant{"Role": dbus.MakeVariant("client")}
	if call := manager.CallWithContext(ctx, "org.bluez.ProfileManager1.RegisterProfile", 0, rfcommProfilePath, sppUUID, opts); call.Err != nil {
		_ = busConn.Close()
		logger.Warn("connect failed: register profile", "error", call.Err)
		return fmt.Errorf("register rfcomm profile: %w", call.Err)
	}

	devicePath := bluezDevicePath(t.adapterID, t.address)
	logger.Info("connecting", "device_path", string(devicePath))
	device := busConn.Object("org.bluez", devicePath)
	if call := device.CallWithContext(ctx, "org.bluez.Device1.ConnectProfile", 0, sppUUID); call.Err != nil {
		t.teardownBus(busConn)
		logger.Warn("connect failed", "error", call.Err)
		return fmt.Errorf("connect rfcomm profile on %q: %w", t.address, call.Err)
	}

	waitCtx := ctx
	if _, hasDeadline := waitCtx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, defaultRFCOMMConnectWait)
		defer cancel()
	}

	var fd int
	select {
	case fd = <-profile.fdCh:
	case <-waitCtx.Done():
		t.teardownBus(busConn)
		logger.Warn("connect failed: no connection delivered", "error", waitCtx.Err())
		return fmt.Errorf("wait for rfcomm connection: %w", waitCtx.Err())
	}

	// Non-blocking mode lets os.File honor read/write deadlines.
	if err := syscall.SetNonblock(fd, true); err != nil {
		_ = syscall.Close(fd)
		t.teardownBus(busConn)
		logger.Warn("connect failed: set nonblock", "error", err)
		return fmt.Errorf("set rfcomm socket nonblocking: %w", err)
	}

	t.conn = &rfcommConnState{
		bus:  busConn,
		file: os.NewFile(uintptr(fd), "rfcomm"),
	}
	logger.Info("connected")

	return nil
}

func (t *RFCOMMTransport) Close() error {
	t.mu.Lock()
	state := t.conn
	t.conn = nil
	t.mu.Unlock()

	logger := transportLogger("rfcomm", "address", t.address)
	if state == nil {
		logger.Debug("close skipped: not connected")
		return nil
	}

	var closeErr error
	if err := state.file.Close(); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("close rfcomm socket: %w", err))
	}
	t.teardownBus(state.bus)
	if closeErr != nil {
		logger.Warn("close failed", "error", closeErr)
		return closeErr
	}
	logger.Info("closed")

	return nil
}

func (t *RFCOMMTransport) teardownBus(busConn *dbus.Conn) {
	manager := busConn.Object("org.bluez", "/org/bluez")
	_ = manager.Call("org.bluez.ProfileManager1.UnregisterProfile", 0, rfcommProfilePath).Err
	_ = busConn.Close()
}

func (t *RFCOMMTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	state, err := t.currentState()
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = state.file.SetReadDeadline(deadline)
	} else {
		_ = state.file.SetReadDeadline(time.Time{})
	}

	payload, err := t.codec.Read(ioReadFullFunc(state.file))
	if err != nil {
		return nil, err
	}

	return payload, nil
}

func (t *RFCOMMTransport) WriteFrame(ctx context.Context, payload []byte) error {
	state, err := t.currentState()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = state.file.SetWriteDeadline(deadline)
	} else {
		_ = state.file.SetWriteDeadline(time.Time{})
	}

	frame, err := t.codec.Encode(payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := writeFull(ctx, state.file, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

func (t *RFCOMMTransport) currentState() (*rfcommConnState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, errors.New("transport is not connected")
	}

	return t.conn, nil
}

// connectSystemBus opens a private connection so closing it cannot disturb
// other system-bus users in the process.
func connectSystemBus() (*dbus.Conn, error) {
	busConn, err := dbus.SystemBusPrivate()
	if err != nil {
		return nil, err
	}
	if err := busConn.Auth(nil); err != nil {
		_ = busConn.Close()
		return nil, err
	}
	if err := busConn.Hello(); err != nil {
		_ = busConn.Close()
		return nil, err
	}

	return busConn, nil
}

func bluezDevicePath(adapterID, address string) dbus.ObjectPath {
	adapter := strings.TrimSpace(adapterID)
	if adapter == "" {
		adapter = defaultBluezAdapter
	}
	node := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(address)), ":", "_")

	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + node)
}
