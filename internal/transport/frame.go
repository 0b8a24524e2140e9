package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frames on the wire look like:
//
//	[marker0][marker1][len u16 BE][payload][checksum u16 BE]
//
// The checksum covers the length field and the payload, so a corrupted
// length is caught before it can misalign the stream for long.
const (
	frameOverhead      = 6
	defaultMaxPayload  = 4096
	defaultMarkerByte0 = 0xAF
	defaultMarkerByte1 = 0x7E
)

// ErrFrameCorrupt reports a structurally broken frame: bad checksum or an
// implausible length. The stream itself stays usable; the reader resyncs
// on the next marker.
var ErrFrameCorrupt = errors.New("frame corrupt")

// FrameConfig ties a frame codec to one hub device family.
type FrameConfig struct {
	Marker     [2]byte
	Checksum   ChecksumKind
	MaxPayload int
}

func DefaultFrameConfig() FrameConfig {
	return FrameConfig{
		Marker:     [2]byte{defaultMarkerByte0, defaultMarkerByte1},
		Checksum:   ChecksumFletcher16,
		MaxPayload: defaultMaxPayload,
	}
}

// FrameCodec encodes and decodes frames for a single device family. It is
// stateless and safe for concurrent use.
type FrameCodec struct {
	cfg FrameConfig
}

func NewFrameCodec(cfg FrameConfig) *FrameCodec {
	if cfg.Marker == ([2]byte{}) {
		cfg.Marker = [2]byte{defaultMarkerByte0, defaultMarkerByte1}
	}
	if cfg.Checksum == "" {
		cfg.Checksum = ChecksumFletcher16
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = defaultMaxPayload
	}

	return &FrameCodec{cfg: cfg}
}

func (c *FrameCodec) Config() FrameConfig {
	return c.cfg
}

type readFullFunc func(buf []byte) error

func (c *FrameCodec) Encode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty frame payload")
	}
	if len(payload) > c.cfg.MaxPayload {
		return nil, fmt.Errorf("payload too large: %d > %d", len(payload), c.cfg.MaxPayload)
	}

	frame := make([]byte, frameOverhead+len(payload))
	frame[0] = c.cfg.Marker[0]
	frame[1] = c.cfg.Marker[1]
	// #nosec G115 -- length is bounded by MaxPayload above.
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)
	sum := c.cfg.Checksum.Compute(frame[2 : 4+len(payload)])
	binary.BigEndian.PutUint16(frame[4+len(payload):], sum)

	return frame, nil
}

// Read consumes one frame from the stream. IO failures are returned as-is
// (wrapped); structural failures are reported as ErrFrameCorrupt so the
// caller can count them and keep reading.
func (c *FrameCodec) Read(readFull readFullFunc) ([]byte, error) {
	if err := c.resyncToMarker(readFull); err != nil {
		return nil, err
	}

	var lenBuf [2]byte
	if err := readFull(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	ln := int(binary.BigEndian.Uint16(lenBuf[:]))
	if ln <= 0 || ln > c.cfg.MaxPayload {
		return nil, fmt.Errorf("%w: frame length %d", ErrFrameCorrupt, ln)
	}

	body := make([]byte, ln+2)
	if err := readFull(body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	covered := make([]byte, 2+ln)
	copy(covered, lenBuf[:])
	copy(covered[2:], body[:ln])
	want := binary.BigEndian.Uint16(body[ln:])
	if got := c.cfg.Checksum.Compute(covered); got != want {
		return nil, fmt.Errorf("%w: checksum %04x, expected %04x", ErrFrameCorrupt, got, want)
	}

	return body[:ln], nil
}

func (c *FrameCodec) resyncToMarker(readFull readFullFunc) error {
	buf := make([]byte, 1)
	for {
		if err := readFull(buf); err != nil {
			return fmt.Errorf("read frame marker byte 1: %w", err)
		}
		if buf[0] != c.cfg.Marker[0] {
			continue
		}
		// A run of marker-0 bytes may precede the real marker; keep
		// treating each as a candidate first byte.
		for {
			if err := readFull(buf); err != nil {
				return fmt.Errorf("read frame marker byte 2: %w", err)
			}
			if buf[0] == c.cfg.Marker[1] {
				return nil
			}
			if buf[0] != c.cfg.Marker[0] {
				break
			}
		}
	}
}

func ioReadFullFunc(r io.Reader) readFullFunc {
	return func(buf []byte) error {
		_, err := io.ReadFull(r, buf)

		return err
	}
}
