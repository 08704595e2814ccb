// Package buffer implements the four pacing strategies spec.md §4.5
// names between an upstream PCM producer and Device.SendAudio: None,
// Threaded, Poll4/Poll8, and Timed. Grounded on the teacher's driver
// interface + concrete-driver-per-hardware pattern (drivers package)
// for the "single behaviour interface, four implementations sharing a
// counters struct" shape spec.md §9 calls for explicitly, in place of
// the original's inheritance hierarchy.
package buffer

import (
	"sync/atomic"
	"time"
)

// FrameSamples is the fixed PCM frame size spec.md §3 names: 320 i16
// samples per channel, 20ms at 16kHz.
const FrameSamples = 320

// Frame is one 20ms stereo PCM frame.
type Frame struct {
	Left  [FrameSamples]int16
	Right [FrameSamples]int16
}

// Algorithm names the four variants, matching the config keys spec.md
// §6 lists under buffer_algorithm.
type Algorithm string

const (
	AlgorithmNone     Algorithm = "none"
	AlgorithmThreaded Algorithm = "threaded"
	AlgorithmPoll4    Algorithm = "poll4"
	AlgorithmPoll8    Algorithm = "poll8"
	AlgorithmTimed    Algorithm = "timed"
)

// DeliverFunc is the callback supplied by the Coordinator that
// ultimately calls Device.SendAudio, per spec.md §4.5.
type DeliverFunc func(*Frame) bool

// Buffer is the single behaviour interface spec.md §9 calls for: "a
// single behaviour trait with four implementations and a factory keyed
// by config enum."
type Buffer interface {
	// NextBuffer returns a frame for the producer to fill, or nil if
	// the ring is full (an overrun).
	NextBuffer() *Frame
	// SendBuffer commits the frame most recently returned by
	// NextBuffer for delivery.
	SendBuffer()
	// Counters returns a snapshot of this buffer's bookkeeping.
	Counters() Counters
	// Close releases any background goroutine.
	Close()
}

// Counters is the shared bookkeeping struct spec.md §4.5 requires of
// every variant: "occupancy, high-water, overruns, failed writes,
// silence-frames inserted." Composed into each variant rather than
// inherited, per spec.md §9.
type Counters struct {
	Occupancy        int64
	HighWater        int64
	Overruns         int64
	FailedWrites     int64
	SilenceInserted  int64
	RingDropped      int64
}

type counterState struct {
	occupancy       atomic.Int64
	highWater       atomic.Int64
	overruns        atomic.Int64
	failedWrites    atomic.Int64
	silenceInserted atomic.Int64
	ringDropped     atomic.Int64
}

func (c *counterState) snapshot() Counters {
	return Counters{
		Occupancy:       c.occupancy.Load(),
		HighWater:       c.highWater.Load(),
		Overruns:        c.overruns.Load(),
		FailedWrites:    c.failedWrites.Load(),
		SilenceInserted: c.silenceInserted.Load(),
		RingDropped:     c.ringDropped.Load(),
	}
}

func (c *counterState) setOccupancy(n int64) {
	c.occupancy.Store(n)
	for {
		hw := c.highWater.Load()
		if n <= hw || c.highWater.CompareAndSwap(hw, n) {
			return
		}
	}
}

// New builds the Buffer variant named by alg. deliver is called on
// every committed frame (synchronously for None/Poll/Timed, from the
// delivery goroutine for Threaded).
func New(alg Algorithm, deliver DeliverFunc) Buffer {
	switch alg {
	case AlgorithmThreaded:
		return newThreaded(deliver)
	case AlgorithmPoll4:
		return newPoll(4, deliver)
	case AlgorithmPoll8:
		return newPoll(8, deliver)
	case AlgorithmTimed:
		return newTimed(deliver)
	default:
		return newNone(deliver)
	}
}

// streamDepth is the gap, in frame periods, beyond which Poll/Timed
// inject a silence prefix (spec.md §4.5: "exceeds 8 × 20ms").
const streamDepth = 8 * 20 * time.Millisecond

// silencePrefixFrames is the fixed silence-prefix length spec.md §4.5
// and the end-to-end scenario table (#5) both specify: six frames.
const silencePrefixFrames = 6
