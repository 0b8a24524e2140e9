package hub

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means the device never answered within the retry budget.
	// The link may still be alive; the caller decides what to do next.
	ErrTimeout = errors.New("request timed out")

	// ErrDisconnected means the session is gone. Every operation blocked
	// on it fails with this; a new Connect is required.
	ErrDisconnected = errors.New("session disconnected")

	// ErrBusy rejects an operation while a transfer holds the session.
	ErrBusy = errors.New("a transfer is already in progress")

	// ErrCancelled means the caller abandoned the operation. Any late
	// response to the abandoned request is drained and discarded by the
	// reader, never delivered to a later request.
	ErrCancelled = errors.New("operation cancelled")

	// ErrImageCorrupt reports a whole-image integrity failure after an
	// otherwise successful download.
	ErrImageCorrupt = errors.New("program image failed integrity check")
)

// ConnectionError wraps a failure to reach or handshake with a hub.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// DeviceError is a definitive rejection from the hub. The request was
// received and understood; retrying the same bytes cannot succeed.
type DeviceError struct {
	Op   Opcode
	Code Status
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device rejected %s: %s (0x%02x)", e.Op, e.Code, uint8(e.Code))
}

// IncompatibleDeviceError reports a handshake with a protocol version this
// client does not speak.
type IncompatibleDeviceError struct {
	Version uint8
}

func (e *IncompatibleDeviceError) Error() string {
	return fmt.Sprintf("device speaks protocol %d, client supports up to %d", e.Version, MaxProtocolVersion)
}

// TransferRejectedError is a device refusal to even start a transfer:
// the slot is busy, storage is full, or the program type is not
// accepted. Nothing was written; the slot cache stays valid.
type TransferRejectedError struct {
	Direction string
	Slot      int
	Reason    *DeviceError
}

func (e *TransferRejectedError) Error() string {
	return fmt.Sprintf("%s to slot %d rejected: %s", e.Direction, e.Slot, e.Reason.Code)
}

func (e *TransferRejectedError) Unwrap() error {
	return e.Reason
}

// TransferIncompleteError marks a transfer that aborted partway. No partial
// result is kept on either side; the error records how far it got.
type TransferIncompleteError struct {
	Direction string
	Slot      int
	Moved     int
	Total     int
	Err       error
}

func (e *TransferIncompleteError) Error() string {
	return fmt.Sprintf("%s to slot %d aborted at %d of %d bytes: %v", e.Direction, e.Slot, e.Moved, e.Total, e.Err)
}

func (e *TransferIncompleteError) Unwrap() error {
	return e.Err
}

// IsDeviceStatus reports whether err is a device rejection with the given
// status code.
func IsDeviceStatus(err error, code Status) bool {
	var devErr *DeviceError
	return errors.As(err, &devErr) && devErr.Code == code
}
