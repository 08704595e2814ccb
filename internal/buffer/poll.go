package buffer

import "time"

// pollBuffer is the single-threaded ring-of-N variant (N=4 or 8),
// spec.md §4.5: "next_buffer first drains as many frames as the
// device will accept; send_buffer increments write." A silence prefix
// of six frames is injected whenever the gap since the previous
// send_buffer exceeds streamDepth.
type pollBuffer struct {
	counterState

	size    int
	frames  []Frame
	readIdx int
	writeIdx int

	deliver      DeliverFunc
	lastSend     time.Time
	haveLastSend bool
}

func newPoll(size int, deliver DeliverFunc) *pollBuffer {
	return &pollBuffer{size: size, frames: make([]Frame, size), deliver: deliver}
}

func (b *pollBuffer) occupancy() int { return b.writeIdx - b.readIdx }

// NextBuffer drains as many frames as the device will currently
// accept, then returns the next free slot, or nil on overrun.
func (b *pollBuffer) NextBuffer() *Frame {
	b.drain()
	if b.occupancy() >= b.size {
		b.overruns.Add(1)
		b.ringDropped.Add(1)
		return nil
	}
	b.setOccupancy(int64(b.occupancy()))
	return &b.frames[b.writeIdx%b.size]
}

// SendBuffer commits the frame and injects a silence prefix first if
// the gap since the previous call exceeded streamDepth (spec.md §8
// scenario 5).
func (b *pollBuffer) SendBuffer() {
	now := time.Now()
	if b.haveLastSend && now.Sub(b.lastSend) > streamDepth {
		for i := 0; i < silencePrefixFrames; i++ {
			var silence Frame
			b.silenceInserted.Add(1)
			if !b.deliver(&silence) {
				b.failedWrites.Add(1)
			}
		}
	}
	b.lastSend = now
	b.haveLastSend = true

	b.writeIdx++
	b.setOccupancy(int64(b.occupancy()))
	b.drain()
}

// drain delivers as many queued frames as the downstream device will
// accept; a failed delivery stops the drain for this call (the
// downstream Device is not currently writable).
func (b *pollBuffer) drain() {
	for b.occupancy() > 0 {
		frame := &b.frames[b.readIdx%b.size]
		if !b.deliver(frame) {
			b.failedWrites.Add(1)
			return
		}
		b.readIdx++
		b.setOccupancy(int64(b.occupancy()))
	}
}

func (b *pollBuffer) Counters() Counters { return b.snapshot() }

func (b *pollBuffer) Close() {}
