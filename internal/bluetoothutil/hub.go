package bluetoothutil

import (
	"fmt"
	"strings"

	"tinygo.org/x/bluetooth"
)

// BLE-capable hubs expose the framed protocol through a Nordic UART
// Service: the host writes frames to RX and receives the hub's byte
// stream as TX notifications.
var (
	hubServiceUUID = mustParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	hubRxUUID      = mustParseUUID("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	hubTxUUID      = mustParseUUID("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
)

func mustParseUUID(raw string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(strings.TrimSpace(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid bluetooth UUID %q: %v", raw, err))
	}

	return uuid
}

func HubServiceUUID() bluetooth.UUID {
	return hubServiceUUID
}

// HubRxUUID is the characteristic the host writes to.
func HubRxUUID() bluetooth.UUID {
	return hubRxUUID
}

// HubTxUUID is the characteristic the hub notifies on.
func HubTxUUID() bluetooth.UUID {
	return hubTxUUID
}
