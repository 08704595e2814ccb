package bluez

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
)

func TestMacFromAddressParsesColonHex(t *testing.T) {
	mac, err := macFromAddress(dbus.MakeVariant("AA:BB:CC:DD:EE:FF"))
	require.NoError(t, err)
	require.Equal(t, [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, mac)
}

func TestMacFromAddressRejectsMalformed(t *testing.T) {
	_, err := macFromAddress(dbus.MakeVariant("not-a-mac"))
	require.Error(t, err)
}

func TestMacFromAddressRejectsNonString(t *testing.T) {
	_, err := macFromAddress(dbus.MakeVariant(42))
	require.Error(t, err)
}

func TestHasASHAService(t *testing.T) {
	require.True(t, hasASHAService([]string{"0000180f-0000-1000-8000-00805f9b34fb", ServiceUUID}))
	require.False(t, hasASHAService([]string{"0000180f-0000-1000-8000-00805f9b34fb"}))
}

func TestPathUnder(t *testing.T) {
	require.True(t, pathUnder("/org/bluez/hci0/dev_AA/service001", "/org/bluez/hci0/dev_AA"))
	require.False(t, pathUnder("/org/bluez/hci0/dev_AA", "/org/bluez/hci0/dev_AA"))
	require.False(t, pathUnder("/org/bluez/hci0/dev_BB/service001", "/org/bluez/hci0/dev_AA"))
}
