package transport

import "context"

// Transport is a connected byte link to one hub. ReadFrame and WriteFrame
// exchange verified frame payloads; framing and checksums are handled by
// the codec each backend is built with.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
}

// StatusTargetResolver is implemented by transports that can report the
// endpoint they are pointed at (port path, MAC, host:port).
type StatusTargetResolver interface {
	StatusTarget() string
}
