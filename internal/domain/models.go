package domain

import "time"

type ProgramType int

const (
	ProgramTypePython ProgramType = iota + 1
	ProgramTypeScratch
)

func (t ProgramType) String() string {
	switch t {
	case ProgramTypePython:
		return "python"
	case ProgramTypeScratch:
		return "scratch"
	default:
		return "unknown"
	}
}

// ParseProgramType maps the user-facing type names to their enum values.
func ParseProgramType(raw string) (ProgramType, bool) {
	switch raw {
	case "python":
		return ProgramTypePython, true
	case "scratch":
		return ProgramTypeScratch, true
	default:
		return 0, false
	}
}

// SlotState tracks how much the local cache knows about a slot.
type SlotState int

const (
	SlotStateUnknown SlotState = iota
	SlotStateEmpty
	SlotStateOccupied
	// SlotStateStale marks an entry the hub reported changed since the
	// last sync; contents are suspect until refreshed.
	SlotStateStale
)

func (s SlotState) String() string {
	switch s {
	case SlotStateEmpty:
		return "empty"
	case SlotStateOccupied:
		return "occupied"
	case SlotStateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Slot is one program slot as last seen from the hub.
type Slot struct {
	Index      int
	State      SlotState
	ProgramID  uint32
	Name       string
	Type       ProgramType
	Size       int
	ModifiedAt time.Time
}

// HubInfo is the identity a hub reports during the handshake.
type HubInfo struct {
	Target      string
	DeviceName  string
	Firmware    string
	Protocol    int
	SlotCount   int
	MaxChunk    int
	ConnectedAt time.Time
}

// Program is a complete program image moving to or from a slot.
type Program struct {
	Name string
	Type ProgramType
	Data []byte
}

// KnownHub is a hub the operator has connected to before.
type KnownHub struct {
	Target      string
	Name        string
	Firmware    string
	Protocol    int
	SlotCount   int
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// TransferRecord is one completed (or failed) install, extract, or
// uninstall, journaled for the history subcommand.
type TransferRecord struct {
	ID          int64
	Target      string
	Direction   string
	Slot        int
	ProgramName string
	Bytes       int
	Succeeded   bool
	Error       string
	Duration    time.Duration
	At          time.Time
}
