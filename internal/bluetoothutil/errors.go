package bluetoothutil

import (
	"errors"

	"github.com/godbus/dbus/v5"
)

// IsDBusErrorName reports whether err is (or wraps) the named BlueZ
// D-Bus error. The dbus package returns both pointer and value errors
// depending on the call path, so both shapes are checked.
func IsDBusErrorName(err error, want string) bool {
	var byPtr *dbus.Error
	if errors.As(err, &byPtr) && byPtr != nil && byPtr.Name == want {
		return true
	}

	var byValue dbus.Error

	return errors.As(err, &byValue) && byValue.Name == want
}
