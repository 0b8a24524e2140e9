//go:build linux

package bluetoothutil

import (
	"strings"

	"tinygo.org/x/bluetooth"
)

// ResolveAdapter maps a configured adapter ID like "hci1" to a BlueZ
// adapter. Empty means the system default.
func ResolveAdapter(adapterID string) *bluetooth.Adapter {
	id := strings.TrimSpace(adapterID)
	if id == "" {
		return bluetooth.DefaultAdapter
	}

	return bluetooth.NewAdapter(id)
}
