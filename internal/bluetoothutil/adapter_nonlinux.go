//go:build !linux

package bluetoothutil

import "tinygo.org/x/bluetooth"

// ResolveAdapter ignores the configured adapter ID: tinygo.org/x/bluetooth
// only supports selecting an adapter by ID through BlueZ.
func ResolveAdapter(_ string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}
