package bluetoothutil

import (
	"runtime"
	"strings"

	"tinygo.org/x/bluetooth"
)

// EnableAdapter powers the adapter stack up. Repeat calls are fine: the
// one error a second Enable produces on Windows is filtered out.
func EnableAdapter(adapter *bluetooth.Adapter) error {
	err := adapter.Enable()
	if err == nil || isAlreadyEnabledError(err) {
		return nil
	}

	return err
}

// isAlreadyEnabledError matches RoInitialize(S_FALSE), which
// tinygo.org/x/bluetooth surfaces as "Incorrect function." on Windows
// even though COM being initialized twice is harmless.
func isAlreadyEnabledError(err error) bool {
	if runtime.GOOS != "windows" {
		return false
	}
	msg := strings.TrimSpace(strings.ToLower(err.Error()))

	return msg == "incorrect function" || msg == "incorrect function."
}

// StopScan halts discovery, treating "was not scanning" answers as
// success so callers can use it to reset adapter state unconditionally.
func StopScan(adapter *bluetooth.Adapter) error {
	if err := adapter.StopScan(); err != nil && !isBenignStopScanError(err) {
		return err
	}

	return nil
}

// NormalizeScanError rewrites the error a cancelled Scan call returns.
// Stopping discovery on purpose is not a failure.
func NormalizeScanError(err error) error {
	if err == nil || isBenignStopScanError(err) {
		return nil
	}

	return err
}

func isBenignStopScanError(err error) bool {
	if err == nil {
		return true
	}
	if IsDBusErrorName(err, "org.bluez.Error.NotReady") {
		return true
	}
	msg := strings.ToLower(err.Error())
	if IsDBusErrorName(err, "org.bluez.Error.Failed") && strings.Contains(msg, "no discovery started") {
		return true
	}

	return strings.Contains(msg, "cancel") ||
		strings.Contains(msg, "stopped") ||
		strings.Contains(msg, "not scanning") ||
		strings.Contains(msg, "no scan in progress")
}
