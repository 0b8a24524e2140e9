//go:build !linux

package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var errRFCOMMUnsupported = errors.New("rfcomm is only supported on linux")

// RFCOMMTransport requires BlueZ; on other platforms use the BLE backend.
type RFCOMMTransport struct {
	mu      sync.Mutex
	address string
}

func NewRFCOMMTransport(address, _ string, _ *FrameCodec) *RFCOMMTransport {
	return &RFCOMMTransport{address: strings.TrimSpace(address)}
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
	return false
}

func (t *RFCOMMTransport) Connect(_ context.Context) error {
	return errRFCOMMUnsupported
}

func (t *RFCOMMTransport) Close() error {
	return nil
}

func (t *RFCOMMTransport) ReadFrame(_ context.Context) ([]byte, error) {
	return nil, errRFCOMMUnsupported
}

func (t *RFCOMMTransport) WriteFrame(_ context.Context, _ []byte) error {
	return errRFCOMMUnsupported
}
