package asha

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/asha-audio/asha/internal/logging"
)

// DeviceState is the pairing state machine, spec.md §4.4.
type DeviceState int

const (
	DeviceStopped DeviceState = iota
	DeviceStreamInit
	DeviceStreaming
)

func (d DeviceState) String() string {
	switch d {
	case DeviceStopped:
		return "STOPPED"
	case DeviceStreamInit:
		return "STREAM_INIT"
	case DeviceStreaming:
		return "STREAMING"
	default:
		return "UNKNOWN"
	}
}

// Device is a pair of sides sharing one hi_sync_id (spec.md §3, §4.4).
// Every method except SendAudio, SetStreamVolume and SetExternalVolume
// is called only from the Coordinator's single task loop; those three
// run on the audio thread and take mu, the one cross-thread lock
// spec.md §5 names.
type Device struct {
	HiSyncID uint64
	Name     string
	Alias    string

	mu      sync.Mutex
	order   []dbus.ObjectPath
	sides   map[dbus.ObjectPath]*Side
	state   DeviceState
	pending map[dbus.ObjectPath]bool

	encoders encoderState
	audioSeq uint8
	volume   int8

	log        *logging.Logger
	newEncoder NewEncoderFunc

	// onDisconnect is invoked (still holding mu) from SendAudio when a
	// side's socket dies outside of a controlled Stop, so the owner can
	// schedule restartAfterDisconnect on the control loop rather than
	// the audio thread (spec.md §8 scenario 7).
	onDisconnect func(path dbus.ObjectPath)
}

// NewDevice constructs an empty, stopped Device.
func NewDevice(hiSyncID uint64, newEncoder NewEncoderFunc, volume int8, log *logging.Logger) *Device {
	return &Device{
		HiSyncID:   hiSyncID,
		sides:      make(map[dbus.ObjectPath]*Side),
		pending:    make(map[dbus.ObjectPath]bool),
		state:      DeviceStopped,
		volume:     volume,
		newEncoder: newEncoder,
		log:        log.WithComponent("device"),
	}
}

// SetDisconnectHandler installs the callback SendAudio uses to report
// a side whose socket died outside of a controlled Stop. Set once by
// the Coordinator right after NewDevice.
func (d *Device) SetDisconnectHandler(fn func(path dbus.ObjectPath)) {
	d.mu.Lock()
	d.onDisconnect = fn
	d.mu.Unlock()
}

// State returns the pairing state machine's current position.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SideCount reports how many sides are currently attached (0, 1, or 2
// per spec.md §3's invariant).
func (d *Device) SideCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sides)
}

// otherPresent reports whether a side other than the one at path is
// currently READY or has a Start pending (which includes a side that
// stopThenRestart is about to restart), per the SUPPLEMENTED FEATURES
// real-time semantics: it reflects live state, not membership. Caller
// must hold d.mu.
func (d *Device) otherPresent(path dbus.ObjectPath) bool {
	for p, side := range d.sides {
		if p == path {
			continue
		}
		if side.State() == SideReady || d.pending[p] {
			return true
		}
	}
	return false
}

// AddSide inserts side, subscribes it to status notifications via its
// own Start call, and issues Start(other_side_present) (spec.md §4.4).
// When the Device was STREAMING, every other currently-READY side is
// stopped first and restarted afterward, since the peripherals require
// symmetric other-side-present parameters.
func (d *Device) AddSide(ctx context.Context, path dbus.ObjectPath, side *Side) {
	d.mu.Lock()
	wasStreaming := d.state == DeviceStreaming
	d.sides[path] = side
	d.order = append(d.order, path)
	d.pending[path] = false
	d.state = DeviceStreamInit
	others := d.readySidesExcept(path)
	d.mu.Unlock()

	restart := func() {
		d.startSide(ctx, path, side)
	}

	if !wasStreaming || len(others) == 0 {
		restart()
		return
	}

	d.stopThenRestart(ctx, others, restart)
}

// RemoveSide reverses AddSide. STOPPED is a programming error per
// spec.md §4.4 and is logged rather than acted on.
func (d *Device) RemoveSide(ctx context.Context, path dbus.ObjectPath) {
	d.mu.Lock()
	side, ok := d.sides[path]
	if !ok {
		d.mu.Unlock()
		return
	}
	wasStreaming := d.state == DeviceStreaming
	delete(d.sides, path)
	delete(d.pending, path)
	d.order = removePath(d.order, path)
	remaining := make([]dbus.ObjectPath, 0, len(d.sides))
	for p := range d.sides {
		remaining = append(remaining, p)
	}

	switch d.state {
	case DeviceStopped:
		d.log.Error("RemoveSide called while already STOPPED", map[string]interface{}{"path": string(path)})
	case DeviceStreaming, DeviceStreamInit:
		if len(remaining) == 0 {
			d.state = DeviceStopped
		} else {
			d.state = DeviceStreamInit
		}
	}
	d.mu.Unlock()

	side.Close()

	if wasStreaming && len(remaining) > 0 {
		d.stopThenRestart(ctx, remaining, func() {})
	}
}

// readySidesExcept returns the sides other than path currently in
// SideReady. Caller must hold d.mu.
func (d *Device) readySidesExcept(path dbus.ObjectPath) []dbus.ObjectPath {
	var out []dbus.ObjectPath
	for _, p := range d.order {
		if p == path {
			continue
		}
		if s, ok := d.sides[p]; ok && s.State() == SideReady {
			out = append(out, p)
		}
	}
	return out
}

// stopThenRestart stops every side in paths, in iteration order, and
// once every Stop callback has returned, restarts them plus runs then.
// Spec.md §4.4: "they stop in iteration order and are not restarted
// until every active Stop callback returns; starts proceed concurrently."
func (d *Device) stopThenRestart(ctx context.Context, paths []dbus.ObjectPath, then func()) {
	var wg sync.WaitGroup
	for _, p := range paths {
		d.mu.Lock()
		side, ok := d.sides[p]
		d.mu.Unlock()
		if !ok {
			continue
		}
		wg.Add(1)
		side.Stop(ctx, func(ok bool) {
			d.onStopped(side, ok)
			wg.Done()
		})
	}
	wg.Wait()

	d.mu.Lock()
	for _, p := range paths {
		if _, ok := d.sides[p]; ok {
			d.pending[p] = true
		}
	}
	d.mu.Unlock()

	then()
	for _, p := range paths {
		d.mu.Lock()
		side, ok := d.sides[p]
		d.mu.Unlock()
		if ok {
			d.startSide(ctx, p, side)
		}
	}
}

func (d *Device) startSide(ctx context.Context, path dbus.ObjectPath, side *Side) {
	d.mu.Lock()
	d.pending[path] = true
	other := d.otherPresent(path)
	d.mu.Unlock()

	side.Start(ctx, other, func(ok bool) {
		d.onStarted(side, ok)
	})
}

// onStarted settles one side's Start attempt. When every STREAM_INIT
// side has reached READY, the encoder state is reset and the Device
// moves to STREAMING (spec.md §4.4).
func (d *Device) onStarted(side *Side, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending[side.Path] = false
	if !ok {
		return
	}
	if d.state != DeviceStreamInit {
		return
	}
	for _, waiting := range d.pending {
		if waiting {
			return
		}
	}
	for _, s := range d.sides {
		if s.State() != SideReady {
			return
		}
	}
	d.encoders = newEncoderState(d.newEncoder)
	d.audioSeq = 0
	d.state = DeviceStreaming
}

// onStopped settles one side's Stop; it only logs an unclean
// acknowledgement. The restart with the current other-present flag
// (spec.md §4.4) happens in stopThenRestart's second pass.
func (d *Device) onStopped(side *Side, ok bool) {
	if !ok {
		d.log.Warn("STOP not acknowledged cleanly", map[string]interface{}{"path": string(side.Path)})
	}
}

// SendAudio drops the frame unless STREAMING and every side is READY,
// per spec.md §4.4. It polls each socket for POLLOUT with a zero
// timeout; any non-writable side drops the whole frame. Returns true
// if the frame was delivered to at least one side.
//
// A side whose WriteAudioFrame reports WriteDisconnected has already
// torn itself down to SideStopped (spec.md §8 scenario 7: "socket
// returns ECONNRESET during write_audio_frame"); this drops the
// Device back to STREAM_INIT and hands the path to onDisconnect so
// the owner can restart the surviving side with other_state=0 on the
// control loop, never on this audio-thread call.
func (d *Device) SendAudio(left, right []int16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != DeviceStreaming || len(d.sides) == 0 {
		return false
	}
	for _, s := range d.sides {
		if s.State() != SideReady {
			return false
		}
		if !pollWritable(s.fd) {
			return false
		}
	}

	seq := d.audioSeq
	delivered := false
	var disconnected []dbus.ObjectPath

	if len(d.sides) == 1 {
		mono := mixMono(left, right)
		payload := d.encoders.left.Encode(mono)
		for p, s := range d.sides {
			s.SetSequence(seq)
			switch s.WriteAudioFrame(payload) {
			case WriteOk:
				delivered = true
			case WriteDisconnected:
				disconnected = append(disconnected, p)
			}
		}
	} else {
		leftPayload := d.encoders.left.Encode(left)
		rightPayload := d.encoders.right.Encode(right)
		for p, s := range d.sides {
			s.SetSequence(seq)
			payload := leftPayload
			if s.Right() {
				payload = rightPayload
			}
			switch s.WriteAudioFrame(payload) {
			case WriteOk:
				delivered = true
			case WriteDisconnected:
				disconnected = append(disconnected, p)
			}
		}
	}

	if delivered {
		d.audioSeq = seq + 1
	}

	if len(disconnected) > 0 {
		d.state = DeviceStreamInit
		if d.onDisconnect != nil {
			for _, p := range disconnected {
				d.onDisconnect(p)
			}
		}
	}

	return delivered
}

// restartAfterDisconnect completes spec.md §8 scenario 7: once the
// Device has dropped to STREAM_INIT after path's socket died, every
// still-READY side is stopped and restarted so its other_state byte
// reflects the departure (otherPresent recomputes to false for path
// automatically, since it is no longer SideReady).
func (d *Device) restartAfterDisconnect(ctx context.Context, path dbus.ObjectPath) {
	d.mu.Lock()
	if d.state != DeviceStreamInit {
		d.mu.Unlock()
		return
	}
	survivors := d.readySidesExcept(path)
	d.mu.Unlock()

	if len(survivors) == 0 {
		return
	}
	d.stopThenRestart(ctx, survivors, func() {})
}

// SideFilter selects which sides an operation like SetVolume applies
// to: all of them, or one ear.
type SideFilter int

const (
	FilterAll SideFilter = iota
	FilterLeft
	FilterRight
)

func (f SideFilter) matches(s *Side) bool {
	switch f {
	case FilterLeft:
		return !s.Right()
	case FilterRight:
		return s.Right()
	default:
		return true
	}
}

// SetStreamVolume forwards a locally-stored volume to matching sides.
func (d *Device) SetStreamVolume(ctx context.Context, filter SideFilter, v int8) error {
	return d.setVolume(ctx, filter, v, false)
}

// SetExternalVolume forwards a volume write to the optional volume
// characteristic on matching sides.
func (d *Device) SetExternalVolume(ctx context.Context, filter SideFilter, v int8) error {
	return d.setVolume(ctx, filter, v, true)
}

func (d *Device) setVolume(ctx context.Context, filter SideFilter, v int8, external bool) error {
	d.mu.Lock()
	d.volume = v
	targets := make([]*Side, 0, len(d.sides))
	for _, s := range d.sides {
		if filter.matches(s) {
			targets = append(targets, s)
		}
	}
	d.mu.Unlock()

	var firstErr error
	for _, s := range targets {
		if err := s.SetVolume(ctx, v, external); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func removePath(paths []dbus.ObjectPath, target dbus.ObjectPath) []dbus.ObjectPath {
	out := paths[:0]
	for _, p := range paths {
		if p != target {
			out = append(out, p)
		}
	}
	return out
}
