package buffer

import "time"

// timedBuffer is the degenerate ring-of-1 variant: the same
// silence-prefix rule as Poll, otherwise an immediate send (spec.md
// §4.5).
type timedBuffer struct {
	counterState

	scratch Frame
	deliver DeliverFunc

	lastSend     time.Time
	haveLastSend bool
}

func newTimed(deliver DeliverFunc) *timedBuffer {
	return &timedBuffer{deliver: deliver}
}

func (b *timedBuffer) NextBuffer() *Frame {
	b.setOccupancy(1)
	return &b.scratch
}

func (b *timedBuffer) SendBuffer() {
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

	if !b.deliver(&b.scratch) {
		b.failedWrites.Add(1)
	}
	b.setOccupancy(0)
}

func (b *timedBuffer) Counters() Counters { return b.snapshot() }

func (b *timedBuffer) Close() {}
