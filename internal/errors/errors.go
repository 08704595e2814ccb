// Package errors defines the asha daemon's error kinds (spec.md §7) as
// sentinels usable with errors.Is/errors.As, plus the AppendError helper
// used to combine independent failures without an external multierror
// dependency.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Policy for each is spelled out in spec.md §7:
// most are recoverable at the scope of one Side; BluetoothUnavailable
// and ConfigInvalid are fatal at startup.
var (
	// ErrBluetoothUnavailable means the system Bluetooth daemon could
	// not be reached at all. Fatal at startup.
	ErrBluetoothUnavailable = errors.New("bluetooth daemon unavailable")

	// ErrPeerGone means a peripheral disappeared or stopped answering.
	// Recoverable per-side: triggers Side teardown.
	ErrPeerGone = errors.New("peer gone")

	// ErrProtocolViolation means a characteristic reply had the wrong
	// size, an unexpected status code, or otherwise broke the ASHA
	// wire contract. The offending side is disconnected.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTransportFull means an L2CAP socket was not writable (credit
	// exhaustion). Non-fatal: the caller drops the frame and counts it.
	ErrTransportFull = errors.New("transport full")

	// ErrCapabilityDenied means a RawHci command could not be issued
	// because the process lacks CAP_NET_RAW. internal/rawhci logs the
	// denial once per process, not once per side; the stream continues
	// at default link parameters.
	ErrCapabilityDenied = errors.New("capability denied")

	// ErrConfigInvalid means a config file or flag value was out of
	// range or unrecognized. Fatal at parse time.
	ErrConfigInvalid = errors.New("invalid configuration")
)

// PeerError wraps one of the sentinel kinds above with the MAC or
// object path of the side it concerns, so callers can log context
// while still matching with errors.Is(err, ErrPeerGone) etc.
type PeerError struct {
	Kind error
	Path string
	Err  error
}

func (e *PeerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Path)
}

func (e *PeerError) Unwrap() error { return e.Kind }

// NewPeerError builds a PeerError for the given side path.
func NewPeerError(kind error, path string, cause error) error {
	return &PeerError{Kind: kind, Path: path, Err: cause}
}

// AppendError joins baseErr and newErr with errors.Join, skipping a nil
// operand rather than wrapping it. Used the way the original implementation
// accumulates independent teardown failures (closing a socket and
// cancelling a subscription) into one returned error.
func AppendError(baseErr, newErr error) error {
	if newErr == nil {
		return baseErr
	}
	if baseErr == nil {
		return newErr
	}
	return errors.Join(baseErr, newErr)
}

// AppendErrorf formats newErr and appends it via AppendError.
func AppendErrorf(baseErr error, format string, args ...interface{}) error {
	return AppendError(baseErr, fmt.Errorf(format, args...))
}
