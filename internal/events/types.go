package events

import "time"

// ConnectionState describes the session lifecycle state.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateHandshaking  ConnectionState = "handshaking"
	ConnectionStateReady        ConnectionState = "ready"
	ConnectionStateBusy         ConnectionState = "busy"
)

// ConnStatus is a bus event snapshot of the current session status.
type ConnStatus struct {
	State         ConnectionState
	Err           string
	TransportName string
	Target        string
	Timestamp     time.Time
}

// RawFrame carries frame diagnostics for the debug watch view.
type RawFrame struct {
	Hex string
	Len int
}

// SlotChanged is a decoded unsolicited slot-change notification.
type SlotChanged struct {
	Slot      int
	Timestamp time.Time
}

// TransferDirection labels which way program bytes move.
type TransferDirection string

const (
	TransferInstall   TransferDirection = "install"
	TransferExtract   TransferDirection = "extract"
	TransferUninstall TransferDirection = "uninstall"
)

// TransferStatus is a transfer progress or completion snapshot. Elapsed
// measures time since the transfer began.
type TransferStatus struct {
	Direction   TransferDirection
	Target      string
	Slot        int
	ProgramName string
	Phase       string
	BytesMoved  int
	BytesTotal  int
	Done        bool
	Err         string
	Elapsed     time.Duration
	Timestamp   time.Time
}
