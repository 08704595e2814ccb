package monitor

import (
	"context"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/asha-audio/asha/internal/logging"
)

func testMonitor(rssiPaired, rssiUnpaired int) *Monitor {
	log := logging.NewLogger(logging.ErrorLevel, logging.TextFormat, discard{})
	return &Monitor{
		log:          log.WithComponent("monitor"),
		rssiPaired:   rssiPaired,
		rssiUnpaired: rssiUnpaired,
		devices:      make(map[dbus.ObjectPath]*deviceState),
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestRssiClearsThresholdBoundary(t *testing.T) {
	m := testMonitor(-60, -70)

	require.False(t, m.rssiClearsThreshold(false, true, -60), "RSSI equal to the paired threshold must not clear it")
	require.True(t, m.rssiClearsThreshold(false, true, -59), "RSSI one better than the paired threshold clears it")
	require.False(t, m.rssiClearsThreshold(false, true, -61), "RSSI below the paired threshold does not clear it")

	require.False(t, m.rssiClearsThreshold(false, false, -70), "RSSI equal to the unpaired threshold must not clear it")
	require.True(t, m.rssiClearsThreshold(false, false, -69), "RSSI one better than the unpaired threshold clears it")
}

func TestRssiClearsThresholdIgnoresConnectedDevice(t *testing.T) {
	m := testMonitor(-60, -70)
	require.False(t, m.rssiClearsThreshold(true, true, -10))
}

func TestRssiClearsThresholdDisabledByZeroThreshold(t *testing.T) {
	m := testMonitor(0, -70)
	require.False(t, m.rssiClearsThreshold(false, true, -10), "threshold 0 disables that pairing class")
}

func TestRssiClearsThresholdZeroReadingIsUnset(t *testing.T) {
	m := testMonitor(-60, -70)
	require.False(t, m.rssiClearsThreshold(false, true, 0), "an RSSI of exactly 0 means unset, never a real reading")
}

// TestHandleRSSIEqualToThresholdDoesNotConnect locks in spec.md §8's
// strict-> boundary end to end through handleRSSI: a path that would
// panic on a nil *dbus.Conn if connectToDevice were ever reached.
func TestHandleRSSIEqualToThresholdDoesNotConnect(t *testing.T) {
	m := testMonitor(-60, -70)
	dev := &deviceState{paired: true}

	m.handleRSSI(context.Background(), dbus.ObjectPath("/org/bluez/hci0/dev_AA"), dev, dbus.MakeVariant(int16(-60)))
}

func TestHandleRSSIUnknownVariantTypeIgnored(t *testing.T) {
	m := testMonitor(-60, -70)
	dev := &deviceState{paired: true}

	m.handleRSSI(context.Background(), dbus.ObjectPath("/org/bluez/hci0/dev_AA"), dev, dbus.MakeVariant("not an int16"))
}

func TestHandleRSSIConnectedDeviceNeverReconnects(t *testing.T) {
	m := testMonitor(-60, -70)
	dev := &deviceState{paired: true, connected: true}

	m.handleRSSI(context.Background(), dbus.ObjectPath("/org/bluez/hci0/dev_AA"), dev, dbus.MakeVariant(int16(-10)))
}

func TestHandlePropertiesChangedUpdatesTrackedState(t *testing.T) {
	m := testMonitor(-60, -70)
	path := dbus.ObjectPath("/org/bluez/hci0/dev_AA")
	dev := &deviceState{}
	m.devices[path] = dev

	sig := &dbus.Signal{
		Path: path,
		Name: "org.freedesktop.DBus.Properties.PropertiesChanged",
		Body: []interface{}{
			deviceInterface,
			map[string]dbus.Variant{
				"Connected": dbus.MakeVariant(true),
				"Paired":    dbus.MakeVariant(true),
			},
			[]string{},
		},
	}
	m.HandlePropertiesChanged(context.Background(), sig)

	require.True(t, dev.connected)
	require.True(t, dev.paired)
}

func TestHandlePropertiesChangedIgnoresUntrackedDevice(t *testing.T) {
	m := testMonitor(-60, -70)

	sig := &dbus.Signal{
		Path: dbus.ObjectPath("/org/bluez/hci0/dev_untracked"),
		Name: "org.freedesktop.DBus.Properties.PropertiesChanged",
		Body: []interface{}{
			deviceInterface,
			map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)},
			[]string{},
		},
	}
	// Must not panic: an untracked device is dropped before dev is
	// dereferenced or handleRSSI is ever reached.
	m.HandlePropertiesChanged(context.Background(), sig)
}

func TestHandlePropertiesChangedIgnoresOtherInterfaces(t *testing.T) {
	m := testMonitor(-60, -70)
	path := dbus.ObjectPath("/org/bluez/hci0/dev_AA")
	dev := &deviceState{}
	m.devices[path] = dev

	sig := &dbus.Signal{
		Path: path,
		Name: "org.freedesktop.DBus.Properties.PropertiesChanged",
		Body: []interface{}{
			"org.bluez.Battery1",
			map[string]dbus.Variant{"Percentage": dbus.MakeVariant(byte(50))},
			[]string{},
		},
	}
	m.HandlePropertiesChanged(context.Background(), sig)

	require.False(t, dev.connected)
	require.False(t, dev.paired)
}

func TestHasASHAService(t *testing.T) {
	require.True(t, hasASHAService([]string{"0000180f-0000-1000-8000-00805f9b34fb", ashaServiceUUID}))
	require.False(t, hasASHAService([]string{"0000180f-0000-1000-8000-00805f9b34fb"}))
}
