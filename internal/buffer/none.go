package buffer

// noneBuffer is the pass-through variant: "next_buffer returns a
// single scratch frame; send_buffer calls the callback synchronously"
// (spec.md §4.5).
type noneBuffer struct {
	counterState
	scratch Frame
	deliver DeliverFunc
}

func newNone(deliver DeliverFunc) *noneBuffer {
	return &noneBuffer{deliver: deliver}
}

func (b *noneBuffer) NextBuffer() *Frame {
	b.setOccupancy(1)
	return &b.scratch
}

func (b *noneBuffer) SendBuffer() {
	if !b.deliver(&b.scratch) {
		b.failedWrites.Add(1)
	}
	b.setOccupancy(0)
}

func (b *noneBuffer) Counters() Counters { return b.snapshot() }

func (b *noneBuffer) Close() {}
