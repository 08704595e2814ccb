// Package monitor exposes an org.freedesktop.DBus.ObjectManager tree
// at a well-known path so the system Bluetooth daemon can deliver
// proximity (RSSI) callbacks and trigger auto-(re)pair, per spec.md
// §4.6. Grounded on the object-manager/GetManagedObjects export
// pattern in bluetooth/linux.go (the teacher) and, for the exact
// DeviceFound/RSSI-threshold decision logic, original_source/asha/
// BluetoothMonitor.cxx.
package monitor

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/google/uuid"

	"github.com/asha-audio/asha/internal/logging"
)

const (
	bluezService               = "org.bluez"
	basePath                   = dbus.ObjectPath("/org/bluez/asha/monitor")
	monitorManagerIface        = "org.bluez.AdvertisementMonitorManager1"
	advertisementMonitorIface  = "org.bluez.AdvertisementMonitor1"
	objectManagerIface         = "org.freedesktop.DBus.ObjectManager"
	deviceInterface            = "org.bluez.Device1"
	ashaServiceUUID            = "0000fdf0-0000-1000-8000-00805f9b34fb"

	adapterPath = dbus.ObjectPath("/org/bluez/hci0")
)

// Monitor registers basePath as an ObjectManager root holding one
// AdvertisementMonitor1 child, and reacts to PropertiesChanged signals
// on candidate devices by issuing Connect or Pair once RSSI clears the
// configured threshold (spec.md §4.6).
type Monitor struct {
	conn *dbus.Conn
	log  *logging.Logger

	rssiPaired   int
	rssiUnpaired int

	mu      sync.Mutex
	devices map[dbus.ObjectPath]*deviceState
	monitorPath dbus.ObjectPath
}

type deviceState struct {
	paired    bool
	connected bool
}

// New builds a Monitor. rssiPaired/rssiUnpaired are the two threshold
// config values from spec.md §6 (0 disables that class of peer).
func New(conn *dbus.Conn, rssiPaired, rssiUnpaired int, log *logging.Logger) *Monitor {
	return &Monitor{
		conn:         conn,
		log:          log.WithComponent("monitor"),
		rssiPaired:   rssiPaired,
		rssiUnpaired: rssiUnpaired,
		devices:      make(map[dbus.ObjectPath]*deviceState),
		monitorPath:  dbus.ObjectPath(string(basePath) + "/m" + uuid.NewString()[:8]),
	}
}

// Start exports the ObjectManager root plus one AdvertisementMonitor1
// child, then calls AdvertisementMonitorManager1.RegisterMonitor.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.exportObjectManager(); err != nil {
		return err
	}
	if err := m.exportMonitorChild(); err != nil {
		return err
	}

	obj := m.conn.Object(bluezService, adapterPath)
	call := obj.CallWithContext(ctx, monitorManagerIface+".RegisterMonitor", 0, basePath)
	if call.Err != nil {
		m.log.Warn("RegisterMonitor failed", map[string]interface{}{"err": call.Err.Error()})
		return call.Err
	}
	m.log.Info("registered advertisement monitor", map[string]interface{}{"path": string(basePath)})
	return nil
}

// Stop unregisters the monitor tree.
func (m *Monitor) Stop(ctx context.Context) {
	obj := m.conn.Object(bluezService, adapterPath)
	if call := obj.CallWithContext(ctx, monitorManagerIface+".UnregisterMonitor", 0, basePath); call.Err != nil {
		m.log.Debug("UnregisterMonitor failed", map[string]interface{}{"err": call.Err.Error()})
	}
}

// Run drains PropertiesChanged signals for devices onDeviceFound has
// started tracking, dispatching each to HandlePropertiesChanged, until
// ctx is cancelled. Intended to run on its own goroutine alongside the
// Bluetooth enumerator's.
func (m *Monitor) Run(ctx context.Context) error {
	ch := make(chan *dbus.Signal, 64)
	m.conn.Signal(ch)
	defer m.conn.RemoveSignal(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			if sig.Name == "org.freedesktop.DBus.Properties.PropertiesChanged" {
				m.HandlePropertiesChanged(ctx, sig)
			}
		}
	}
}

// exportObjectManager registers the GetManagedObjects method table at
// basePath, returning the single monitor child this daemon exposes.
func (m *Monitor) exportObjectManager() error {
	return m.conn.Export(objectManagerHandler{m: m}, basePath, objectManagerIface)
}

type objectManagerHandler struct{ m *Monitor }

// GetManagedObjects implements org.freedesktop.DBus.ObjectManager.
func (h objectManagerHandler) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	return map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		h.m.monitorPath: {
			advertisementMonitorIface: h.m.monitorProperties(),
		},
	}, nil
}

func (m *Monitor) monitorProperties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Type":              dbus.MakeVariant("or_patterns"),
		"RSSILowThreshold":  dbus.MakeVariant(int16(-127)),
		"RSSIHighThreshold": dbus.MakeVariant(int16(-100)),
		"RSSILowTimeout":    dbus.MakeVariant(uint16(5)),
		"RSSIHighTimeout":   dbus.MakeVariant(uint16(1)),
		"RSSISamplingPeriod": dbus.MakeVariant(uint16(0)),
		"Patterns": dbus.MakeVariant([]struct {
			Offset byte
			ADType byte
			Bytes  []byte
		}{
			{Offset: 0, ADType: 0x03, Bytes: ashaServiceUUIDLE()},
		}),
	}
}

// exportMonitorChild exports the AdvertisementMonitor1 interface
// itself (DeviceFound/DeviceLost/Release methods, read-only
// properties) via prop.Export, the way the teacher exports adapter
// properties in bluetooth/linux.go.
func (m *Monitor) exportMonitorChild() error {
	propsSpec := prop.Map{
		advertisementMonitorIface: {
			"Type":               {Value: "or_patterns", Writable: false, Emit: prop.EmitFalse},
			"RSSILowThreshold":   {Value: int16(-127), Writable: false, Emit: prop.EmitFalse},
			"RSSIHighThreshold":  {Value: int16(-100), Writable: false, Emit: prop.EmitFalse},
			"RSSILowTimeout":     {Value: uint16(5), Writable: false, Emit: prop.EmitFalse},
			"RSSIHighTimeout":    {Value: uint16(1), Writable: false, Emit: prop.EmitFalse},
			"RSSISamplingPeriod": {Value: uint16(0), Writable: false, Emit: prop.EmitFalse},
		},
	}
	if _, err := prop.Export(m.conn, m.monitorPath, propsSpec); err != nil {
		return err
	}
	return m.conn.Export(monitorHandler{m: m}, m.monitorPath, advertisementMonitorIface)
}

type monitorHandler struct{ m *Monitor }

// Release is called by the daemon when the monitor is removed.
func (h monitorHandler) Release() *dbus.Error { return nil }

// DeviceFound implements spec.md §4.6: re-read the device's UUIDs,
// ignore it if the ASHA service is absent, otherwise subscribe to its
// property changes.
func (h monitorHandler) DeviceFound(device dbus.ObjectPath) *dbus.Error {
	h.m.onDeviceFound(device)
	return nil
}

// DeviceLost drops tracking state for a device the monitor no longer
// sees.
func (h monitorHandler) DeviceLost(device dbus.ObjectPath) *dbus.Error {
	h.m.mu.Lock()
	delete(h.m.devices, device)
	h.m.mu.Unlock()
	return nil
}

func (m *Monitor) onDeviceFound(path dbus.ObjectPath) {
	obj := m.conn.Object(bluezService, path)
	var uuids []string
	if err := obj.Call("org.freedesktop.DBus.Properties.Get", 0, deviceInterface, "UUIDs").Store(&uuids); err != nil {
		return
	}
	if !hasASHAService(uuids) {
		return
	}

	m.mu.Lock()
	m.devices[path] = &deviceState{}
	m.mu.Unlock()

	if err := m.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		m.log.Debug("failed subscribing to device property changes", map[string]interface{}{"path": string(path), "err": err.Error()})
	}
}

// HandlePropertiesChanged processes one PropertiesChanged signal for a
// tracked device: Connected/Paired flags update local state; an RSSI
// update triggers Connect/Pair once it strictly exceeds the configured
// threshold for that device's pairing class (spec.md §8: "equals the
// threshold does NOT trigger connect").
func (m *Monitor) HandlePropertiesChanged(ctx context.Context, sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	if iface != deviceInterface {
		return
	}
	m.mu.Lock()
	dev, tracked := m.devices[sig.Path]
	m.mu.Unlock()
	if !tracked {
		return
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)

	if v, ok := changed["Connected"]; ok {
		if b, ok := v.Value().(bool); ok {
			m.mu.Lock()
			dev.connected = b
			m.mu.Unlock()
		}
	}
	if v, ok := changed["Paired"]; ok {
		if b, ok := v.Value().(bool); ok {
			m.mu.Lock()
			dev.paired = b
			m.mu.Unlock()
		}
	}
	if v, ok := changed["RSSI"]; ok {
		m.handleRSSI(ctx, sig.Path, dev, v)
	}
}

func (m *Monitor) handleRSSI(ctx context.Context, path dbus.ObjectPath, dev *deviceState, v dbus.Variant) {
	m.mu.Lock()
	connected, paired := dev.connected, dev.paired
	m.mu.Unlock()

	rssi, ok := v.Value().(int16)
	if !ok {
		return
	}
	if !m.rssiClearsThreshold(connected, paired, rssi) {
		return
	}

	m.connectToDevice(ctx, path, paired)
}

// rssiClearsThreshold decides whether an RSSI reading is strong enough
// to attempt Connect/Pair, per spec.md §8: equal to the configured
// threshold does NOT clear it, only strictly greater does.
func (m *Monitor) rssiClearsThreshold(connected, paired bool, rssi int16) bool {
	if connected || rssi == 0 {
		return false
	}
	threshold := m.rssiUnpaired
	if paired {
		threshold = m.rssiPaired
	}
	if threshold == 0 {
		return false
	}
	return int(rssi) > threshold
}

func (m *Monitor) connectToDevice(ctx context.Context, path dbus.ObjectPath, alreadyPaired bool) {
	method := "Pair"
	if alreadyPaired {
		method = "Connect"
	}
	obj := m.conn.Object(bluezService, path)
	if call := obj.CallWithContext(ctx, deviceInterface+"."+method, 0); call.Err != nil {
		m.log.Warn("auto-reconnect call failed", map[string]interface{}{"path": string(path), "method": method, "err": call.Err.Error()})
	}
}

func hasASHAService(uuids []string) bool {
	for _, u := range uuids {
		if u == ashaServiceUUID {
			return true
		}
	}
	return false
}

// ashaServiceUUIDLE returns the 16-byte little-endian form of the ASHA
// service UUID for the Patterns advertising-data filter.
func ashaServiceUUIDLE() []byte {
	u := uuid.MustParse(ashaServiceUUID)
	b, _ := u.MarshalBinary()
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}
