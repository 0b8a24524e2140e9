package bluetoothutil

import (
	"errors"
	"fmt"
	"runtime"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestIsAlreadyEnabledError(t *testing.T) {
	if isAlreadyEnabledError(errors.New("adapter not present")) {
		t.Fatal("unrelated error treated as already-enabled")
	}

	got := isAlreadyEnabledError(errors.New("Incorrect function."))
	want := runtime.GOOS == "windows"
	if got != want {
		t.Fatalf("already-enabled decision: got %v, want %v", got, want)
	}
}

func TestNormalizeScanError(t *testing.T) {
	if err := NormalizeScanError(nil); err != nil {
		t.Fatalf("nil must normalize to nil, got %v", err)
	}
	if err := NormalizeScanError(errors.New("scan stopped")); err != nil {
		t.Fatalf("deliberate stop must normalize to nil, got %v", err)
	}
	if err := NormalizeScanError(dbus.NewError("org.bluez.Error.NotReady", nil)); err != nil {
		t.Fatalf("NotReady must normalize to nil, got %v", err)
	}

	serious := errors.New("adapter removed")
	if err := NormalizeScanError(serious); !errors.Is(err, serious) {
		t.Fatalf("real failure must pass through, got %v", err)
	}
}

func TestIsBenignStopScanError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: true},
		{name: "not ready", err: dbus.NewError("org.bluez.Error.NotReady", nil), want: true},
		{name: "no discovery started", err: dbus.NewError("org.bluez.Error.Failed", []interface{}{"No discovery started"}), want: true},
		{name: "cancelled text", err: errors.New("operation cancelled"), want: true},
		{name: "no scan in progress text", err: errors.New("no scan in progress"), want: true},
		{name: "real failure", err: errors.New("adapter powered off"), want: false},
	}

	for _, tc := range tests {
		if got := isBenignStopScanError(tc.err); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsDBusErrorName(t *testing.T) {
	err := dbus.NewError("org.bluez.Error.InProgress", nil)
	if !IsDBusErrorName(err, "org.bluez.Error.InProgress") {
		t.Fatal("direct dbus error did not match")
	}
	if !IsDBusErrorName(fmt.Errorf("start discovery: %w", err), "org.bluez.Error.InProgress") {
		t.Fatal("wrapped dbus error did not match")
	}
	if IsDBusErrorName(errors.New("org.bluez.Error.InProgress"), "org.bluez.Error.InProgress") {
		t.Fatal("plain error must not match by text")
	}
	if IsDBusErrorName(err, "org.bluez.Error.NotReady") {
		t.Fatal("matched the wrong error name")
	}
}
