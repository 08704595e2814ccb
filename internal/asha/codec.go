package asha

// Encoder is the external G.722 collaborator spec.md §1 explicitly
// treats as a black box out of scope: "the G.722 codec itself (treated
// as a black-box encoder)". Device only needs one channel's worth of
// state and one method, so that boundary is expressed as this
// interface rather than a concrete codec implementation.
type Encoder interface {
	// Encode converts 320 16kHz PCM samples (20ms at one byte per two
	// samples) into 160 bytes of G.722 at 16kHz.
	Encode(pcm []int16) []byte
}

// encoderState bundles the two independent per-channel encoder
// instances a Device holds (spec.md §3: "encoder_state_left,
// encoder_state_right"). NewEncoder is supplied by the caller so the
// asha package never constructs a concrete codec itself.
type encoderState struct {
	left  Encoder
	right Encoder
}

// NewEncoderFunc constructs one fresh, independent Encoder instance.
// Device calls it twice: once per channel, since G.722 is stateful and
// the two sides' histories must not interleave.
type NewEncoderFunc func() Encoder

func newEncoderState(newEncoder NewEncoderFunc) encoderState {
	return encoderState{left: newEncoder(), right: newEncoder()}
}

// mixMono computes the arithmetic mean of two channels sample-by-
// sample, used when a Device has only one side present (spec.md §4.4,
// scenario 4).
func mixMono(l, r []int16) []int16 {
	out := make([]int16, len(l))
	for i := range l {
		out[i] = int16((int32(l[i]) + int32(r[i])) / 2)
	}
	return out
}

// silenceEncoder satisfies Encoder without linking a real G.722
// implementation. G.722 itself is out of scope (spec.md §1); this
// exists only so the Device/Coordinator wiring has something concrete
// to call until a real codec package is linked in at the call site
// that constructs a Coordinator.
type silenceEncoder struct{}

// NewSilenceEncoder builds a placeholder Encoder producing
// zero-filled 160-byte frames. Both cmd/ashad and the tests pass it to
// their Devices; no real G.722 encoder is linked into this tree.
func NewSilenceEncoder() Encoder { return silenceEncoder{} }

func (silenceEncoder) Encode(pcm []int16) []byte {
	return make([]byte, len(pcm)/2)
}
