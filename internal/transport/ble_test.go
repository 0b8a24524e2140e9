package transport

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"hubgo/internal/bluetoothutil"
)

func TestParseBLEAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid upper", input: "AA:BB:CC:DD:EE:FF"},
		{name: "valid lower", input: "aa:bb:cc:dd:ee:ff"},
		{name: "empty", input: "   ", wantErr: true},
		{name: "invalid", input: "not-a-mac", wantErr: true},
	}

	for _, tc := range tests {
		_, err := parseBLEAddress(tc.input)
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestResolveBluetoothAdapter(t *testing.T) {
	if got := bluetoothutil.ResolveAdapter(""); got == nil {
		t.Fatalf("expected default adapter, got nil")
	}
	if got := bluetoothutil.ResolveAdapter("   "); got == nil {
		t.Fatalf("expected default adapter for empty input, got nil")
	}
	if got := bluetoothutil.ResolveAdapter("hci1"); got == nil {
		t.Fatalf("expected adapter for explicit id, got nil")
	}
}

func TestShouldRetryBLEConnectWithDiscovery(t *testing.T) {
	err := dbus.NewError("org.freedesktop.DBus.Error.UnknownMethod", []interface{}{
		`Method "Get" with signature "ss" on interface "org.freedesktop.DBus.Properties" doesn't exist`,
	})
	got := shouldRetryBLEConnectWithDiscovery(fmt.Errorf("wrapped: %w", err))
	want := runtime.GOOS == "linux"
	if got != want {
		t.Fatalf("unexpected retry decision: got=%v want=%v", got, want)
	}
}

func TestBLEConnStateCloseAndError(t *testing.T) {
	state := &bleConnState{
		closed: make(chan struct{}),
	}

	state.setAsyncError(testErr("decode loop failed"))
	state.markClosed()
	state.markClosed()

	select {
	case <-state.closed:
	default:
		t.Fatalf("expected closed channel to be closed")
	}

	if got := state.closeErr(); got == nil || got.Error() != "decode loop failed" {
		t.Fatalf("unexpected async error: %v", got)
	}
}

func TestBLETransportReadFrameReturnsAsyncError(t *testing.T) {
	state := &bleConnState{
		frames: make(chan bleFrameResult),
		closed: make(chan struct{}),
	}
	state.setAsyncError(testErr("notification stream failed"))
	state.markClosed()

	tr := NewBLETransport("AA:BB:CC:DD:EE:FF", "", nil)
	tr.conn = state
	_, err := tr.ReadFrame(context.Background())
	if err == nil {
		t.Fatalf("expected read error")
	}
	if err.Error() != "notification stream failed" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBLEDecodeLoopReassemblesSplitFrames(t *testing.T) {
	tr := NewBLETransport("AA:BB:CC:DD:EE:FF", "", nil)
	state := &bleConnState{
		chunks: make(chan []byte, defaultBLEChunkQueueSize),
		frames: make(chan bleFrameResult, defaultBLEFrameQueueSize),
		closed: make(chan struct{}),
	}
	tr.conn = state
	go tr.runDecodeLoop(state)
	defer state.markClosed()

	frame, err := tr.codec.Encode([]byte{0x01, 0x02, 0x03, 0x04})
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}

	// Deliver the frame in single-byte notifications.
	for _, b := range frame {
		state.enqueueChunk([]byte{b})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := tr.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if len(payload) != 4 || payload[0] != 0x01 || payload[3] != 0x04 {
		t.Fatalf("unexpected payload: %x", payload)
	}
}

func TestBLEDecodeLoopSurfacesCorruptFrames(t *testing.T) {
	tr := NewBLETransport("AA:BB:CC:DD:EE:FF", "", nil)
	state := &bleConnState{
		chunks: make(chan []byte, defaultBLEChunkQueueSize),
		frames: make(chan bleFrameResult, defaultBLEFrameQueueSize),
		closed: make(chan struct{}),
	}
	tr.conn = state
	go tr.runDecodeLoop(state)
	defer state.markClosed()

	bad, err := tr.codec.Encode([]byte{0xAA})
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	bad[len(bad)-1] ^= 0xFF
	good, err := tr.codec.Encode([]byte{0xBB})
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	state.enqueueChunk(bad)
	state.enqueueChunk(good)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = tr.ReadFrame(ctx)
	if !errors.Is(err, ErrFrameCorrupt) {
		t.Fatalf("expected ErrFrameCorrupt, got %v", err)
	}

	payload, err := tr.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("read frame after corruption: %v", err)
	}
	if len(payload) != 1 || payload[0] != 0xBB {
		t.Fatalf("unexpected payload after resync: %x", payload)
	}
}

type testErr string

func (e testErr) Error() string {
	return string(e)
}
