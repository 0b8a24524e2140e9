package domain

import "testing"

func TestParseProgramType(t *testing.T) {
	tests := []struct {
		raw  string
		want ProgramType
		ok   bool
	}{
		{raw: "python", want: ProgramTypePython, ok: true},
		{raw: "scratch", want: ProgramTypeScratch, ok: true},
		{raw: "", want: 0, ok: false},
		{raw: "Python", want: 0, ok: false},
		{raw: "basic", want: 0, ok: false},
	}

	for _, tc := range tests {
		got, ok := ParseProgramType(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseProgramType(%q): expected (%v, %v), got (%v, %v)", tc.raw, tc.want, tc.ok, got, ok)
		}
	}
}

func TestProgramTypeString(t *testing.T) {
	if got := ProgramTypePython.String(); got != "python" {
		t.Fatalf("expected python, got %q", got)
	}
	if got := ProgramTypeScratch.String(); got != "scratch" {
		t.Fatalf("expected scratch, got %q", got)
	}
	if got := ProgramType(42).String(); got != "unknown" {
		t.Fatalf("expected unknown for out-of-range type, got %q", got)
	}
}

func TestSlotStateString(t *testing.T) {
	tests := []struct {
		state SlotState
		want  string
	}{
		{state: SlotStateUnknown, want: "unknown"},
		{state: SlotStateEmpty, want: "empty"},
		{state: SlotStateOccupied, want: "occupied"},
		{state: SlotStateStale, want: "stale"},
	}

	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Fatalf("state %d: expected %q, got %q", tc.state, tc.want, got)
		}
	}
}
