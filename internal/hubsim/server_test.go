package hubsim

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"hubgo/internal/bus"
	"hubgo/internal/domain"
	"hubgo/internal/hub"
	"hubgo/internal/transport"
)

// startServer brings up a simulator on a loopback listener and returns a
// connected transport factory for it.
func startServer(t *testing.T, device *Device, cfg ServerConfig) *transport.TCPTransport {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(logger, device, cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve() error: %v", err)
		}
	})

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split listener addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse listener port: %v", err)
	}

	return transport.NewTCPTransport(host, port, transport.NewFrameCodec(cfg.Frame))
}

func newLoopbackClient(t *testing.T, timeout time.Duration) *hub.Client {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	t.Cleanup(b.Close)

	client := hub.NewClient(logger, b, hub.SessionConfig{RequestTimeout: timeout, RequestAttempts: 3})
	t.Cleanup(func() { _ = client.Disconnect() })

	return client
}

func TestServerEndToEnd(t *testing.T) {
	device := New(Config{SlotCount: 4, Clock: fixedClock})
	seeded := []byte("import hub\nprint('hello')\n")
	if err := device.Seed(1, "greeter", domain.ProgramTypePython, seeded); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}

	tr := startServer(t, device, ServerConfig{})
	client := newLoopbackClient(t, 2*time.Second)

	info, err := client.Connect(context.Background(), tr)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if info.DeviceName != defaultName || info.SlotCount != 4 || info.Protocol != 2 {
		t.Fatalf("hub info = %+v", info)
	}

	slots, err := client.Slots(context.Background(), false)
	if err != nil {
		t.Fatalf("Slots() error: %v", err)
	}
	if slots[1].State != domain.SlotStateOccupied || slots[1].Name != "greeter" {
		t.Fatalf("slot 1 = %+v", slots[1])
	}

	// Install something big enough to need several chunks.
	image := make([]byte, 1300)
	for i := range image {
		image[i] = byte(i * 7)
	}
	installed, err := client.Install(context.Background(), 2, domain.Program{
		Name: "wave",
		Type: domain.ProgramTypeScratch,
		Data: image,
	})
	if err != nil {
		t.Fatalf("Install() error: %v", err)
	}
	if installed.Size != len(image) || installed.State != domain.SlotStateOccupied {
		t.Fatalf("installed = %+v", installed)
	}
	stored, ok := device.SlotData(2)
	if !ok || !bytes.Equal(stored, image) {
		t.Fatalf("device stored %d bytes, ok = %v", len(stored), ok)
	}

	extracted, err := client.Extract(context.Background(), 1)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if !bytes.Equal(extracted.Data, seeded) {
		t.Fatalf("extracted % X, want % X", extracted.Data, seeded)
	}
	if extracted.Name != "greeter" || extracted.Type != domain.ProgramTypePython {
		t.Fatalf("extracted program = name %q type %v", extracted.Name, extracted.Type)
	}

	if err := client.Uninstall(context.Background(), 1); err != nil {
		t.Fatalf("Uninstall() error: %v", err)
	}
	slots, err = client.Slots(context.Background(), true)
	if err != nil {
		t.Fatalf("Slots(refresh) error: %v", err)
	}
	if slots[1].State != domain.SlotStateEmpty {
		t.Fatalf("slot 1 after uninstall = %+v", slots[1])
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
}

func TestServerSurvivesDroppedFrames(t *testing.T) {
	device := New(Config{SlotCount: 4, Clock: fixedClock})
	// Every 4th response vanishes; the peer's retransmits must carry the
	// transfer anyway.
	tr := startServer(t, device, ServerConfig{DropEveryN: 4})
	client := newLoopbackClient(t, 150*time.Millisecond)

	if _, err := client.Connect(context.Background(), tr); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	image := make([]byte, 2000)
	for i := range image {
		image[i] = byte(i)
	}
	if _, err := client.Install(context.Background(), 0, domain.Program{
		Name: "stubborn",
		Type: domain.ProgramTypePython,
		Data: image,
	}); err != nil {
		t.Fatalf("Install() over lossy link error: %v", err)
	}

	stored, ok := device.SlotData(0)
	if !ok || !bytes.Equal(stored, image) {
		t.Fatalf("device stored %d bytes, ok = %v", len(stored), ok)
	}
}

func TestServerSurvivesCorruptFrames(t *testing.T) {
	device := New(Config{SlotCount: 4, Clock: fixedClock})
	seeded := make([]byte, 1500)
	for i := range seeded {
		seeded[i] = byte(255 - i)
	}
	if err := device.Seed(0, "noisy", domain.ProgramTypePython, seeded); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}

	// Every 5th response arrives mangled; the reader must resync and the
	// request layer must retransmit.
	tr := startServer(t, device, ServerConfig{CorruptEveryN: 5})
	client := newLoopbackClient(t, 150*time.Millisecond)

	if _, err := client.Connect(context.Background(), tr); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	extracted, err := client.Extract(context.Background(), 0)
	if err != nil {
		t.Fatalf("Extract() over noisy link error: %v", err)
	}
	if !bytes.Equal(extracted.Data, seeded) {
		t.Fatal("extracted image differs from seeded image")
	}
}
