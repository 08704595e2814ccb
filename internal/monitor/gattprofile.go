package monitor

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/asha-audio/asha/internal/logging"
)

const (
	gattManagerIface = "org.bluez.GattManager1"
	profileInterface = "org.bluez.GattProfile1"
	profilePath      = dbus.ObjectPath("/org/bluez/asha/profile")
)

// GattProfile is the GATT profile stub of spec.md §2: it exports an
// org.bluez.GattProfile1 object (Release only) at profilePath and
// passes that path to GattManager1.RegisterApplication. It holds no
// characteristics, exports no UUIDs property and no ObjectManager, so
// the ASHA service UUID itself is not handed to the daemon. Grounded on
// original_source/asha/GattProfile.cxx.
type GattProfile struct {
	conn *dbus.Conn
	log  *logging.Logger
}

// NewGattProfile builds a GattProfile bound to conn.
func NewGattProfile(conn *dbus.Conn, log *logging.Logger) *GattProfile {
	return &GattProfile{conn: conn, log: log.WithComponent("gattprofile")}
}

// Start exports org.bluez.GattProfile1 at profilePath and calls
// GattManager1.RegisterApplication.
func (p *GattProfile) Start(ctx context.Context) error {
	if err := p.conn.Export(profileHandler{}, profilePath, profileInterface); err != nil {
		return err
	}

	obj := p.conn.Object(bluezService, adapterPath)
	opts := map[string]dbus.Variant{}
	call := obj.CallWithContext(ctx, gattManagerIface+".RegisterApplication", 0, profilePath, opts)
	if call.Err != nil {
		p.log.Warn("RegisterApplication failed", map[string]interface{}{"err": call.Err.Error()})
		return call.Err
	}
	p.log.Info("registered GATT profile", map[string]interface{}{"path": string(profilePath), "uuid": ashaServiceUUID})
	return nil
}

// Stop unregisters the profile.
func (p *GattProfile) Stop(ctx context.Context) {
	obj := p.conn.Object(bluezService, adapterPath)
	if call := obj.CallWithContext(ctx, gattManagerIface+".UnregisterApplication", 0, profilePath); call.Err != nil {
		p.log.Debug("UnregisterApplication failed", map[string]interface{}{"err": call.Err.Error()})
	}
}

type profileHandler struct{}

// Release is called by the daemon when the profile is unregistered.
func (profileHandler) Release() *dbus.Error { return nil }
