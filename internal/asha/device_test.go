package asha

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/asha-audio/asha/internal/logging"
)

// socketpairFd returns one end of a connected, non-blocking SOCK_STREAM
// pair so WriteAudioFrame/pollWritable exercise real syscalls without a
// live Bluetooth stack, and a cleanup func closing both ends.
func socketpairFd(t *testing.T) (int, func()) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	return fds[0], func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	}
}

func readySide(t *testing.T, path dbus.ObjectPath, right bool, log *logging.Logger) (*Side, func()) {
	fd, cleanup := socketpairFd(t)
	caps := uint8(0)
	if right {
		caps = CapabilityRightSide
	}
	s := &Side{
		Path:       path,
		Properties: ReadOnlyProperties{Version: 1, Capabilities: caps, FeatureMap: FeatureAudioStreaming}.WithCodecs(CodecG722At16kHz),
		state:      SideReady,
		fd:         fd,
		log:        log.WithComponent("side"),
	}
	return s, cleanup
}

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.ErrorLevel, logging.TextFormat, nullWriter{})
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestSendAudioDropsUnlessStreaming(t *testing.T) {
	log := testLogger()
	d := NewDevice(1, NewSilenceEncoder, -20, log)
	side, cleanup := readySide(t, "/dev/a", false, log)
	defer cleanup()
	d.sides["/dev/a"] = side

	left := make([]int16, FrameSamplesForTest)
	right := make([]int16, FrameSamplesForTest)
	require.False(t, d.SendAudio(left, right))
	require.Equal(t, uint8(0), d.audioSeq)
}

func TestSendAudioMonoMixSingleSide(t *testing.T) {
	log := testLogger()
	d := NewDevice(1, NewSilenceEncoder, -20, log)
	side, cleanup := readySide(t, "/dev/a", false, log)
	defer cleanup()
	d.sides["/dev/a"] = side
	d.state = DeviceStreaming
	d.encoders = newEncoderState(NewSilenceEncoder)

	left := make([]int16, FrameSamplesForTest)
	right := make([]int16, FrameSamplesForTest)
	require.True(t, d.SendAudio(left, right))
	require.Equal(t, uint8(1), d.audioSeq)
}

func TestSendAudioStereoTwoSidesSharedSequence(t *testing.T) {
	log := testLogger()
	d := NewDevice(2, NewSilenceEncoder, -20, log)
	left, cleanupL := readySide(t, "/dev/l", false, log)
	right, cleanupR := readySide(t, "/dev/r", true, log)
	defer cleanupL()
	defer cleanupR()
	d.sides["/dev/l"] = left
	d.sides["/dev/r"] = right
	d.state = DeviceStreaming
	d.encoders = newEncoderState(NewSilenceEncoder)

	before := d.audioSeq
	require.True(t, d.SendAudio(make([]int16, FrameSamplesForTest), make([]int16, FrameSamplesForTest)))
	require.Equal(t, before+1, d.audioSeq)
	require.Equal(t, left.sequence, right.sequence)
}

func TestSendAudioDisconnectedSideTriggersRestart(t *testing.T) {
	log := testLogger()
	d := NewDevice(3, NewSilenceEncoder, -20, log)
	left, cleanupL := readySide(t, "/dev/l", false, log)
	right, cleanupR := readySide(t, "/dev/r", true, log)
	defer cleanupL()
	defer cleanupR()
	d.sides["/dev/l"] = left
	d.sides["/dev/r"] = right
	d.state = DeviceStreaming
	d.encoders = newEncoderState(NewSilenceEncoder)

	var gotDisconnect dbus.ObjectPath
	d.SetDisconnectHandler(func(path dbus.ObjectPath) {
		gotDisconnect = path
	})

	// Simulate the socket returning ECONNRESET (spec.md §8 scenario 7):
	// shutting down the write half makes the next write on this still-
	// pollable fd fail with EPIPE, which WriteAudioFrame classifies the
	// same way as a real disconnect.
	require.NoError(t, unix.Shutdown(left.fd, unix.SHUT_WR))

	delivered := d.SendAudio(make([]int16, FrameSamplesForTest), make([]int16, FrameSamplesForTest))
	require.True(t, delivered, "the surviving right side should still receive its frame")
	require.Equal(t, SideStopped, left.State())
	require.Equal(t, DeviceStreamInit, d.state)
	require.Equal(t, dbus.ObjectPath("/dev/l"), gotDisconnect)
}

func TestWriteAudioFrameNotReadyWhenStopped(t *testing.T) {
	s := &Side{state: SideStopped, fd: -1}
	require.Equal(t, WriteNotReady, s.WriteAudioFrame(make([]byte, audioFramePayloadSize)))
}

func TestWriteAudioFrameOversized(t *testing.T) {
	fd, cleanup := socketpairFd(t)
	defer cleanup()
	s := &Side{state: SideReady, fd: fd}
	require.Equal(t, WriteOversized, s.WriteAudioFrame(make([]byte, audioFramePayloadSize+1)))
}

// FrameSamplesForTest mirrors buffer.FrameSamples so these tests do not
// need to import the buffer package.
const FrameSamplesForTest = 320
