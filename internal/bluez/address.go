package bluez

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// macFromAddress parses BlueZ's Device1.Address property, a colon-
// separated hex string like "AA:BB:CC:DD:EE:FF", into the big-endian
// byte order the rest of this daemon uses.
func macFromAddress(v dbus.Variant) ([6]byte, error) {
	var mac [6]byte
	addr, ok := v.Value().(string)
	if !ok {
		return mac, fmt.Errorf("Address property missing or not a string")
	}
	n, err := fmt.Sscanf(addr, "%02X:%02X:%02X:%02X:%02X:%02X",
		&mac[0], &mac[1], &mac[2], &mac[3], &mac[4], &mac[5])
	if err != nil || n != 6 {
		return mac, fmt.Errorf("malformed Address %q", addr)
	}
	return mac, nil
}
