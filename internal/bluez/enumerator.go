// Package bluez subscribes to the system Bluetooth daemon's
// object-manager tree and emits candidate-peripheral add/remove events
// (spec.md §2's "Bluetooth enumerator", §4.6's DeviceFound logic).
// Grounded on the GetManagedObjects/adapter-discovery pattern in
// bluetooth/linux.go (the teacher), generalized from BlueZ's generic
// Adapter1/Device1 model to the ASHA service filter.
package bluez

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/asha-audio/asha/internal/asha"
	"github.com/asha-audio/asha/internal/errors"
	"github.com/asha-audio/asha/internal/gatt"
	"github.com/asha-audio/asha/internal/logging"
)

const (
	bluezService         = "org.bluez"
	rootPath             = "/"
	objectManagerIface   = "org.freedesktop.DBus.ObjectManager"
	deviceInterface      = "org.bluez.Device1"
	gattCharInterface    = "org.bluez.GattCharacteristic1"
	interfacesAddedSig   = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"
	interfacesRemovedSig = "org.freedesktop.DBus.ObjectManager.InterfacesRemoved"
)

// ASHA GATT UUIDs, spec.md §6.
const (
	ServiceUUID         = "0000fdf0-0000-1000-8000-00805f9b34fb"
	propertiesCharUUID  = "6333651e-c481-4a3e-9169-7c902aad37bb"
	audioControlCharUUID = "f0d4de7e-4a88-476c-9d9f-1937b0996cc0"
	statusCharUUID      = "38663f1a-e711-4cac-b641-326b56404837"
	volumeCharUUID      = "00e4ca9e-ab14-41e4-8823-f9e70c7e91df"
	psmCharUUID         = "2d410339-82b6-42aa-b34e-e2e01df8cc1a"
)

// Candidate is a discovered peripheral with its resolved ASHA
// characteristic handles, ready for the Coordinator to admit.
type Candidate struct {
	DevicePath dbus.ObjectPath
	MAC        [6]byte
	Name       string
	Alias      string
	Properties asha.ReadOnlyProperties
	Chars      asha.Characteristics
}

// Enumerator watches BlueZ's object tree for ASHA-capable peripherals.
type Enumerator struct {
	conn *dbus.Conn
	log  *logging.Logger

	onAdd    func(Candidate)
	onRemove func(dbus.ObjectPath, uint64)

	mu    sync.Mutex
	known map[dbus.ObjectPath]uint64 // device path -> hi_sync_id, for remove lookups
}

// New builds an Enumerator on conn. onAdd/onRemove are invoked from
// the control loop goroutine processing D-Bus signals.
func New(conn *dbus.Conn, log *logging.Logger, onAdd func(Candidate), onRemove func(dbus.ObjectPath, uint64)) *Enumerator {
	return &Enumerator{
		conn:     conn,
		log:      log.WithComponent("bluez"),
		onAdd:    onAdd,
		onRemove: onRemove,
		known:    make(map[dbus.ObjectPath]uint64),
	}
}

// ScanExisting walks the current object-manager tree once, admitting
// any already-connected ASHA-capable peripherals found.
func (e *Enumerator) ScanExisting(ctx context.Context) error {
	objects, err := e.managedObjects(ctx)
	if err != nil {
		return errors.NewPeerError(errors.ErrBluetoothUnavailable, rootPath, err)
	}
	for path, ifaces := range objects {
		devProps, ok := ifaces[deviceInterface]
		if !ok {
			continue
		}
		e.considerDevice(ctx, path, devProps)
	}
	return nil
}

// Run subscribes to InterfacesAdded/Removed and PropertiesChanged,
// dispatching until ctx is cancelled. Intended to run on the control
// loop goroutine.
func (e *Enumerator) Run(ctx context.Context) error {
	if err := e.conn.AddMatchSignal(
		dbus.WithMatchInterface(objectManagerIface),
	); err != nil {
		return err
	}
	if err := e.conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return err
	}

	ch := make(chan *dbus.Signal, 64)
	e.conn.Signal(ch)
	defer e.conn.RemoveSignal(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			e.handleSignal(ctx, sig)
		}
	}
}

func (e *Enumerator) handleSignal(ctx context.Context, sig *dbus.Signal) {
	switch sig.Name {
	case interfacesAddedSig:
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if devProps, ok := ifaces[deviceInterface]; ok {
			e.considerDevice(ctx, path, devProps)
		}
	case interfacesRemovedSig:
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		removed, _ := sig.Body[1].([]string)
		for _, iface := range removed {
			if iface == deviceInterface {
				e.forget(path)
			}
		}
	case "org.freedesktop.DBus.Properties.PropertiesChanged":
		e.handlePropertiesChanged(ctx, sig)
	}
}

// handlePropertiesChanged reacts to a device's Connected flag flipping
// to false while it was still a known side: the peripheral disappeared
// mid-pairing and must go through the same RemoveSide path as an
// InterfacesRemoved event.
func (e *Enumerator) handlePropertiesChanged(ctx context.Context, sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	if iface != deviceInterface {
		return
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	connected, ok := changed["Connected"]
	if !ok {
		return
	}
	if isConnected, ok := connected.Value().(bool); ok && !isConnected {
		e.forget(sig.Path)
	}
}

func (e *Enumerator) forget(path dbus.ObjectPath) {
	e.mu.Lock()
	hiSyncID, tracked := e.known[path]
	delete(e.known, path)
	e.mu.Unlock()

	if tracked {
		e.onRemove(path, hiSyncID)
	}
}

// considerDevice implements spec.md §4.6's DeviceFound logic: check
// the UUIDs property for the ASHA service before doing anything else,
// then resolve and validate ReadOnlyProperties.
func (e *Enumerator) considerDevice(ctx context.Context, path dbus.ObjectPath, devProps map[string]dbus.Variant) {
	uuids, _ := devProps["UUIDs"].Value().([]string)
	if !hasASHAService(uuids) {
		return
	}
	connected, _ := devProps["Connected"].Value().(bool)
	if !connected {
		return
	}

	mac, err := macFromAddress(devProps["Address"])
	if err != nil {
		e.log.Warn("device missing usable Address property", map[string]interface{}{"path": string(path)})
		return
	}
	name, _ := devProps["Name"].Value().(string)
	alias, _ := devProps["Alias"].Value().(string)

	objects, err := e.managedObjects(ctx)
	if err != nil {
		e.log.Warn("GetManagedObjects failed while resolving characteristics", map[string]interface{}{"err": err.Error()})
		return
	}

	chars, err := e.resolveCharacteristics(path, objects)
	if err != nil {
		e.log.Debug("device not fully exposing ASHA GATT service yet", map[string]interface{}{"path": string(path), "err": err.Error()})
		return
	}

	raw, err := chars.Properties.Read(ctx)
	if err != nil {
		e.log.Warn("failed reading ReadOnlyProperties", map[string]interface{}{"path": string(path), "err": err.Error()})
		return
	}
	props, err := asha.ParseReadOnlyProperties(raw)
	if err != nil {
		e.log.Warn("malformed ReadOnlyProperties", map[string]interface{}{"path": string(path), "err": err.Error()})
		return
	}
	if !props.Valid() {
		e.log.Info("rejecting device failing ASHA feature check", map[string]interface{}{"path": string(path)})
		return
	}

	e.mu.Lock()
	e.known[path] = props.HiSyncID
	e.mu.Unlock()

	e.onAdd(Candidate{
		DevicePath: path,
		MAC:        mac,
		Name:       name,
		Alias:      alias,
		Properties: props,
		Chars:      chars,
	})
}

// resolveCharacteristics scans objects for the five ASHA UUIDs nested
// under devicePath.
func (e *Enumerator) resolveCharacteristics(devicePath dbus.ObjectPath, objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) (asha.Characteristics, error) {
	var out asha.Characteristics
	for path, ifaces := range objects {
		charProps, ok := ifaces[gattCharInterface]
		if !ok {
			continue
		}
		if !pathUnder(path, devicePath) {
			continue
		}
		uuid, _ := charProps["UUID"].Value().(string)
		c := gatt.New(e.conn, path, uuid, e.log)
		switch uuid {
		case propertiesCharUUID:
			out.Properties = c
		case audioControlCharUUID:
			out.AudioControl = c
		case statusCharUUID:
			out.Status = c
		case volumeCharUUID:
			out.VolumeOpt = c
		case psmCharUUID:
			out.PSMOut = c
		}
	}
	if out.Properties == nil || out.AudioControl == nil || out.Status == nil || out.PSMOut == nil {
		return asha.Characteristics{}, errors.NewPeerError(errors.ErrProtocolViolation, string(devicePath), nil)
	}
	return out, nil
}

func (e *Enumerator) managedObjects(ctx context.Context) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := e.conn.Object(bluezService, dbus.ObjectPath(rootPath))
	call := obj.CallWithContext(ctx, objectManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&objects); err != nil {
		return nil, err
	}
	return objects, nil
}

func hasASHAService(uuids []string) bool {
	for _, u := range uuids {
		if u == ServiceUUID {
			return true
		}
	}
	return false
}

func pathUnder(path, parent dbus.ObjectPath) bool {
	p, pp := string(path), string(parent)
	return len(p) > len(pp) && p[:len(pp)] == pp && p[len(pp)] == '/'
}
