// Package gatt wraps a single remote BlueZ GATT characteristic object
// behind the four operations spec.md §4.1 names: read, write-request,
// write-command, and notify. Grounded on the D-Bus method-call and
// PropertiesChanged-signal patterns in bluetooth/linux.go (the teacher)
// and, for the request/cancellation shape, original_source/asha/Characteristic.cxx.
package gatt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	ashaerrors "github.com/asha-audio/asha/internal/errors"
	"github.com/asha-audio/asha/internal/logging"
)

const (
	bluezService         = "org.bluez"
	gattCharInterface    = "org.bluez.GattCharacteristic1"
	propertiesInterface  = "org.freedesktop.DBus.Properties"
	propertiesChangedSig = "org.freedesktop.DBus.Properties.PropertiesChanged"
)

// callTimeout bounds every pending GATT call, per spec.md §7: "Pending
// GATT call timeouts expire at 5s, producing PeerGone."
const callTimeout = 5 * time.Second

// Kind classifies a Characteristic error the way spec.md §4.1 requires:
// by kind, not by a numeric D-Bus error code.
type Kind int

const (
	KindNotConnected Kind = iota
	KindIoError
	KindInvalidReply
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotConnected:
		return "not connected"
	case KindInvalidReply:
		return "invalid reply"
	case KindTimeout:
		return "timeout"
	default:
		return "io error"
	}
}

// Error is the typed error Characteristic operations return. Token
// identifies which Characteristic instance produced it, so repeated
// failures against a peripheral that keeps getting re-discovered (and
// re-wrapped in a fresh Characteristic) can be told apart in logs.
type Error struct {
	Kind  Kind
	Path  dbus.ObjectPath
	Token string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("characteristic %s [%s]: %s: %v", e.Path, e.Token, e.Kind, e.Err)
	}
	return fmt.Sprintf("characteristic %s [%s]: %s", e.Path, e.Token, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Characteristic is a typed wrapper around one remote GATT attribute.
// Zero value is not usable; build with New.
type Characteristic struct {
	conn *dbus.Conn
	path dbus.ObjectPath
	uuid string
	log  *logging.Logger

	token string // per-instance identity, surfaced in Error for log correlation

	mu           sync.Mutex
	cancel       context.CancelFunc
	subscribed   bool
	notifyCh     chan *dbus.Signal
	notifyCancel context.CancelFunc
	callback     func([]byte)
}

// New wraps the characteristic object at path and records uuid as its
// UUID; it makes no D-Bus call and does not check uuid against the
// remote object.
func New(conn *dbus.Conn, path dbus.ObjectPath, uuid_ string, log *logging.Logger) *Characteristic {
	return &Characteristic{
		conn:  conn,
		path:  path,
		uuid:  uuid_,
		log:   log.WithComponent("gatt"),
		token: uuid.NewString(),
	}
}

// Path returns the underlying D-Bus object path.
func (c *Characteristic) Path() dbus.ObjectPath { return c.path }

// UUID returns the 128-bit UUID this characteristic was constructed for.
func (c *Characteristic) UUID() string { return c.uuid }

func (c *Characteristic) object() dbus.BusObject {
	return c.conn.Object(bluezService, c.path)
}

// Read issues GattCharacteristic1.ReadValue and returns the raw bytes.
func (c *Characteristic) Read(ctx context.Context) ([]byte, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	var value []byte
	call := c.object().CallWithContext(ctx, gattCharInterface+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, c.classify(call.Err)
	}
	if err := call.Store(&value); err != nil {
		return nil, &Error{Kind: KindInvalidReply, Path: c.path, Token: c.token, Err: err}
	}
	return value, nil
}

// WriteRequest issues GattCharacteristic1.WriteValue with type=request
// and waits for the daemon's acknowledgement.
func (c *Characteristic) WriteRequest(ctx context.Context, payload []byte) error {
	return c.write(ctx, payload, "request")
}

// WriteCommand issues GattCharacteristic1.WriteValue with type=command:
// fire-and-forget, no acknowledgement from the peripheral.
func (c *Characteristic) WriteCommand(ctx context.Context, payload []byte) error {
	return c.write(ctx, payload, "command")
}

func (c *Characteristic) write(ctx context.Context, payload []byte, writeType string) error {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	opts := map[string]dbus.Variant{"type": dbus.MakeVariant(writeType)}
	call := c.object().CallWithContext(ctx, gattCharInterface+".WriteValue", 0, payload, opts)
	if call.Err != nil {
		return c.classify(call.Err)
	}
	return nil
}

// Subscribe arms a notification callback, idempotently: a second call
// replaces the previous callback rather than double-subscribing
// (spec.md §4.1).
func (c *Characteristic) Subscribe(ctx context.Context, cb func([]byte)) error {
	c.mu.Lock()
	alreadySubscribed := c.subscribed
	c.callback = cb
	c.mu.Unlock()

	if alreadySubscribed {
		return nil
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	if call := c.object().CallWithContext(ctx, gattCharInterface+".StartNotify", 0); call.Err != nil {
		return c.classify(call.Err)
	}

	if err := c.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(c.path),
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return &Error{Kind: KindIoError, Path: c.path, Token: c.token, Err: err}
	}

	sigCtx, sigCancel := context.WithCancel(context.Background())
	ch := make(chan *dbus.Signal, 16)
	c.conn.Signal(ch)

	c.mu.Lock()
	c.subscribed = true
	c.notifyCh = ch
	c.notifyCancel = sigCancel
	c.mu.Unlock()

	go c.dispatchSignals(sigCtx, ch)
	return nil
}

func (c *Characteristic) dispatchSignals(ctx context.Context, ch chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if sig == nil || sig.Path != c.path || sig.Name != propertiesChangedSig {
				continue
			}
			value, ok := extractValue(sig.Body)
			if !ok {
				continue
			}
			c.mu.Lock()
			cb := c.callback
			c.mu.Unlock()
			if cb != nil {
				cb(value)
			}
		}
	}
}

// extractValue pulls the "Value" key out of a PropertiesChanged
// (interface, changed-map, invalidated) signal body.
func extractValue(body []interface{}) ([]byte, bool) {
	if len(body) < 2 {
		return nil, false
	}
	changed, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, false
	}
	v, ok := changed["Value"]
	if !ok {
		return nil, false
	}
	value, ok := v.Value().([]byte)
	return value, ok
}

// Unsubscribe tears the notification down. Safe to call when not
// subscribed. Guaranteed by Close to run on drop (spec.md §4.1).
func (c *Characteristic) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = false
	cancel := c.notifyCancel
	ch := c.notifyCh
	c.notifyCh = nil
	c.notifyCancel = nil
	c.callback = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		c.conn.RemoveSignal(ch)
	}

	ctx, tcancel := c.withDeadline(ctx)
	defer tcancel()
	if call := c.object().CallWithContext(ctx, gattCharInterface+".StopNotify", 0); call.Err != nil {
		return c.classify(call.Err)
	}
	return nil
}

// Close cancels whichever call is currently in flight and tears down
// the subscription. Spec.md §5: "All pending GATT calls are cancelled
// when a Characteristic is dropped." Only one call is ever in flight
// per Characteristic, so c.cancel always names the right one.
func (c *Characteristic) Close() error {
	c.log.Debug("closing characteristic", map[string]interface{}{"token": c.token})
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.Unsubscribe(context.Background())
}

// withDeadline derives a bounded context for one call and records its
// cancel func as c.cancel, so a concurrent Close can reach in and
// cancel whatever is currently outstanding. The returned cancel
// replaces whatever Close would otherwise have found; that's fine,
// since a Characteristic never has two calls in flight at once.
func (c *Characteristic) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	var dctx context.Context
	var dcancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		dctx, dcancel = context.WithCancel(ctx)
	} else {
		dctx, dcancel = context.WithTimeout(ctx, callTimeout)
	}
	c.mu.Lock()
	c.cancel = dcancel
	c.mu.Unlock()
	return dctx, dcancel
}

func (c *Characteristic) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Path: c.path, Token: c.token, Err: ashaerrors.NewPeerError(ashaerrors.ErrPeerGone, string(c.path), err)}
	}
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		switch dbusErr.Name {
		case "org.bluez.Error.NotConnected", "org.freedesktop.DBus.Error.ServiceUnknown":
			return &Error{Kind: KindNotConnected, Path: c.path, Token: c.token, Err: err}
		}
	}
	return &Error{Kind: KindIoError, Path: c.path, Token: c.token, Err: err}
}
