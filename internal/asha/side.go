// Package asha implements the ASHA device/side pairing state machine,
// the audio send path, and the wire types shared between them
// (spec.md §3, §4.3, §4.4). Grounded on bluetooth/linux.go (the
// teacher's BlueZ device wrapper) for the D-Bus-callback-driven state
// machine shape, and original_source/asha/Side.cxx for the exact
// transition table and write-audio-frame result set.
package asha

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/godbus/dbus/v5"

	ashaerrors "github.com/asha-audio/asha/internal/errors"
	"github.com/asha-audio/asha/internal/gatt"
	"github.com/asha-audio/asha/internal/logging"
	"github.com/asha-audio/asha/internal/rawhci"
)

// SideState is the per-side state machine, spec.md §4.3.
type SideState int

const (
	SideStopped SideState = iota
	SideConnecting
	SideWaitingForReady
	SideReady
	SideWaitingForStop
)

func (s SideState) String() string {
	switch s {
	case SideStopped:
		return "STOPPED"
	case SideConnecting:
		return "CONNECTING"
	case SideWaitingForReady:
		return "WAITING_FOR_READY"
	case SideReady:
		return "READY"
	case SideWaitingForStop:
		return "WAITING_FOR_STOP"
	default:
		return "UNKNOWN"
	}
}

// WriteResult is the outcome of WriteAudioFrame, spec.md §4.3.
type WriteResult int

const (
	WriteOk WriteResult = iota
	WriteWouldBlock
	WriteDisconnected
	WriteNotReady
	WriteTruncated
	WriteOversized
)

const (
	audioOpStart  = 1
	audioOpStop   = 2
	audioOpStatus = 3

	codecG722At16kHz = 1
	audioTypeMedia   = 0

	statusOK               = 0
	statusUnknownCommand   = -1
	statusIllegalParameter = -2

	audioFramePayloadSize = 160
	audioSDUSize          = 1 + audioFramePayloadSize
)

// Characteristics bundles the five handles a Side reads and writes,
// per spec.md §6's GATT surface table.
type Characteristics struct {
	Properties   *gatt.Characteristic
	AudioControl *gatt.Characteristic
	Status       *gatt.Characteristic
	VolumeOpt    *gatt.Characteristic
	PSMOut       *gatt.Characteristic
}

// LinkTuning carries the RawHci tuning parameters sourced from the
// daemon's configuration (spec.md §4.2's tuning table, §6's
// --interval/--timeout/--celength/--phy1m/--phy2m flags).
type LinkTuning struct {
	Phy1M, Phy2M bool
	Interval     uint16 // x1.25ms
	Timeout      uint16 // x10ms
	CELength     uint16 // x0.625ms
}

// Side is one physical hearing device (spec.md §3, §4.3).
type Side struct {
	Path dbus.ObjectPath
	MAC  [6]byte
	Name string
	Alias string

	Properties ReadOnlyProperties
	chars      Characteristics

	psm    uint16
	fd     int
	volume int8
	sequence uint8

	state  SideState
	log    *logging.Logger
	tuning LinkTuning

	pendingStatus func(ok bool)
	hci           *rawhci.Controller
}

// NewSide builds a Side from a discovered peripheral's properties and
// characteristic handles. It starts in SideStopped with no socket, per
// the spec.md §4.3 invariant "never has a socket while in STOPPED."
func NewSide(path dbus.ObjectPath, mac [6]byte, name, alias string, props ReadOnlyProperties, chars Characteristics, volume int8, tuning LinkTuning, log *logging.Logger) *Side {
	return &Side{
		Path:       path,
		MAC:        mac,
		Name:       name,
		Alias:      alias,
		Properties: props,
		chars:      chars,
		volume:     volume,
		state:      SideStopped,
		fd:         -1,
		tuning:     tuning,
		log:        log.WithComponent("side"),
	}
}

// State returns the side's current state-machine position.
func (s *Side) State() SideState { return s.state }

// Right reports whether this is the right-ear side.
func (s *Side) Right() bool { return s.Properties.Right() }

// Start drives the side from STOPPED through CONNECTING and
// WAITING_FOR_READY, invoking done(ok) once a status notification
// settles the outcome or the bring-up fails outright. otherPresent is
// written into the START payload's trailing byte per spec.md §6.
func (s *Side) Start(ctx context.Context, otherPresent bool, done func(ok bool)) {
	s.state = SideConnecting

	psmBytes, err := s.chars.PSMOut.Read(ctx)
	if err != nil || len(psmBytes) != 2 {
		s.log.Warn("failed reading PSM, side stays stopped", map[string]interface{}{"path": string(s.Path)})
		s.state = SideStopped
		done(false)
		return
	}
	s.psm = binary.LittleEndian.Uint16(psmBytes)

	fd, err := openL2CAPCoC(s.MAC, s.psm)
	if err != nil {
		s.log.Warn("L2CAP connect failed", map[string]interface{}{"path": string(s.Path), "err": err.Error()})
		s.state = SideStopped
		done(false)
		return
	}
	s.fd = fd

	if hci, err := rawhci.Open(s.MAC, s.log); err != nil {
		s.log.Warn("raw HCI tuning unavailable", map[string]interface{}{"err": err.Error()})
	} else {
		s.hci = hci
		s.tuneLink()
	}

	if err := s.chars.Status.Subscribe(ctx, s.onStatusNotification); err != nil {
		s.log.Warn("status subscribe failed", map[string]interface{}{"path": string(s.Path), "err": err.Error()})
		s.closeSocket()
		s.state = SideStopped
		done(false)
		return
	}

	s.state = SideWaitingForReady
	s.sequence = 0
	s.pendingStatus = done

	other := byte(0)
	if otherPresent {
		other = 1
	}
	payload := []byte{audioOpStart, codecG722At16kHz, audioTypeMedia, byte(s.volume), other}
	if err := s.chars.AudioControl.WriteRequest(ctx, payload); err != nil {
		s.log.Warn("START write failed", map[string]interface{}{"path": string(s.Path), "err": err.Error()})
		s.pendingStatus = nil
		s.closeSocket()
		s.state = SideStopped
		done(false)
	}
}

// tuneLink issues the three non-standard link parameters spec.md §4.2
// names, using the configured Phy1M/Phy2M/Interval/Timeout/CELength
// values, and logs (without failing) on each error.
func (s *Side) tuneLink() {
	if err := s.hci.SetPhy(s.tuning.Phy1M, s.tuning.Phy2M); err != nil {
		s.log.Debug("PHY negotiation skipped", map[string]interface{}{"err": err.Error()})
	}
	if err := s.hci.SetDataLength(251, 2120); err != nil {
		s.log.Debug("data length extension skipped", map[string]interface{}{"err": err.Error()})
	}
	if s.tuning.Interval > 0 {
		if err := s.hci.SetConnectionUpdate(s.tuning.Interval, s.tuning.Interval, 0, s.tuning.Timeout, s.tuning.CELength, s.tuning.CELength); err != nil {
			s.log.Debug("connection update skipped", map[string]interface{}{"err": err.Error()})
		}
	}
}

// Stop drives the side from READY through WAITING_FOR_STOP, invoking
// done(ok) when the STOP is acknowledged.
func (s *Side) Stop(ctx context.Context, done func(ok bool)) {
	if s.state != SideReady {
		done(true)
		return
	}
	s.state = SideWaitingForStop
	s.pendingStatus = done
	if err := s.chars.AudioControl.WriteRequest(ctx, []byte{audioOpStop}); err != nil {
		s.log.Warn("STOP write failed", map[string]interface{}{"path": string(s.Path), "err": err.Error()})
		s.pendingStatus = nil
		s.teardown()
		done(false)
	}
}

// onStatusNotification handles the single signed status byte spec.md
// §4.3 describes. A pending Start/Stop callback, if any, settles here;
// any other notification is logged and discarded.
func (s *Side) onStatusNotification(value []byte) {
	if len(value) != 1 {
		s.log.Warn("malformed status notification", map[string]interface{}{"path": string(s.Path), "len": len(value)})
		return
	}
	status := int8(value[0])

	cb := s.pendingStatus
	s.pendingStatus = nil

	if cb == nil {
		s.log.Debug("status notification with no pending callback, discarded", map[string]interface{}{"path": string(s.Path), "status": status})
		return
	}

	ok := status == statusOK
	switch s.state {
	case SideWaitingForReady:
		if ok {
			s.state = SideReady
		} else {
			s.teardown()
		}
	case SideWaitingForStop:
		s.teardown()
	}
	cb(ok)
}

// WriteAudioFrame sends one 161-byte SDU (sequence byte then 160
// bytes of G.722) and classifies the outcome per spec.md §4.3.
func (s *Side) WriteAudioFrame(payload []byte) WriteResult {
	if s.state != SideReady {
		return WriteNotReady
	}
	if len(payload) != audioFramePayloadSize {
		return WriteOversized
	}

	sdu := make([]byte, audioSDUSize)
	sdu[0] = s.sequence
	copy(sdu[1:], payload)

	n, err := writeDontWait(s.fd, sdu)
	if err != nil {
		if isWouldBlock(err) {
			return WriteWouldBlock
		}
		s.log.Warn("audio write failed, tearing down", map[string]interface{}{"err": s.sideError(err).Error()})
		s.teardown()
		return WriteDisconnected
	}
	if n < len(sdu) {
		return WriteTruncated
	}
	return WriteOk
}

// SetSequence assigns the shared audio_seq byte Device computed for
// this frame; Side.sequence is only ever touched by the audio thread
// (spec.md §5).
func (s *Side) SetSequence(seq uint8) { s.sequence = seq }

// SetVolume updates the per-side stored volume (spec.md §4.4
// set_stream_volume/set_external_volume).
func (s *Side) SetVolume(ctx context.Context, v int8, external bool) error {
	s.volume = v
	if !external {
		return nil
	}
	if s.chars.VolumeOpt == nil {
		return nil
	}
	return s.chars.VolumeOpt.WriteCommand(ctx, []byte{byte(v)})
}

// Close cancels in-flight operations and releases the socket,
// unconditionally (spec.md §5 "scoped resources... on all exit paths").
func (s *Side) Close() error {
	s.pendingStatus = nil
	if err := s.chars.Status.Close(); err != nil {
		s.log.Debug("status characteristic close", map[string]interface{}{"err": err.Error()})
	}
	s.closeSocket()
	if s.hci != nil {
		s.hci.Close()
		s.hci = nil
	}
	return nil
}

func (s *Side) teardown() {
	s.closeSocket()
	s.state = SideStopped
}

func (s *Side) closeSocket() {
	if s.fd >= 0 {
		closeFd(s.fd)
		s.fd = -1
	}
}

// sideError wraps a classification failure with the side's path and
// MAC, used by WriteAudioFrame when logging a failed audio write.
func (s *Side) sideError(err error) error {
	return ashaerrors.NewPeerError(ashaerrors.ErrPeerGone, fmt.Sprintf("%s (%s)", s.Path, macString(s.MAC)), err)
}
