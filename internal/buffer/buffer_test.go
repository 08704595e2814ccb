package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNoneDeliversSynchronously(t *testing.T) {
	delivered := 0
	b := New(AlgorithmNone, func(*Frame) bool {
		delivered++
		return true
	})
	defer b.Close()

	f := b.NextBuffer()
	require.NotNil(t, f)
	b.SendBuffer()
	require.Equal(t, 1, delivered)
}

func TestPollDrainsAcceptedFrames(t *testing.T) {
	accept := true
	delivered := 0
	b := New(AlgorithmPoll4, func(*Frame) bool {
		if !accept {
			return false
		}
		delivered++
		return true
	})
	defer b.Close()

	accept = false
	for i := 0; i < 4; i++ {
		f := b.NextBuffer()
		require.NotNil(t, f)
		b.SendBuffer()
	}
	// ring now full and not draining.
	require.Nil(t, b.NextBuffer())

	accept = true
	f := b.NextBuffer() // triggers a drain of the backlog first.
	require.NotNil(t, f)
	b.SendBuffer()
	require.Greater(t, delivered, 0)
}

func TestPollInjectsSilencePrefixAfterGap(t *testing.T) {
	var silenceCount, realCount int
	b := New(AlgorithmPoll4, func(f *Frame) bool {
		zero := true
		for _, s := range f.Left {
			if s != 0 {
				zero = false
				break
			}
		}
		if zero {
			silenceCount++
		} else {
			realCount++
		}
		return true
	})
	defer b.Close()

	f := b.NextBuffer()
	f.Left[0] = 1
	b.SendBuffer()

	time.Sleep(200 * time.Millisecond)

	f = b.NextBuffer()
	f.Left[0] = 2
	b.SendBuffer()

	require.GreaterOrEqual(t, silenceCount, silencePrefixFrames)
	require.Equal(t, int64(silenceCount), b.Counters().SilenceInserted)
}

func TestTimedImmediateSend(t *testing.T) {
	delivered := 0
	b := New(AlgorithmTimed, func(*Frame) bool {
		delivered++
		return true
	})
	defer b.Close()

	b.NextBuffer()
	b.SendBuffer()
	require.Equal(t, 1, delivered)
}

func TestThreadedOverrunIncrementsCounters(t *testing.T) {
	b := New(AlgorithmThreaded, func(*Frame) bool { return true })
	defer b.Close()

	var overran bool
	for i := 0; i < threadedRingSize+2; i++ {
		f := b.NextBuffer()
		if f == nil {
			overran = true
			continue
		}
		b.SendBuffer()
	}

	require.True(t, overran)
	require.Greater(t, b.Counters().Overruns, int64(0))
	require.Greater(t, b.Counters().RingDropped, int64(0))
}

func TestThreadedHighWaterTracksMaxOccupancy(t *testing.T) {
	tb := newThreaded(func(*Frame) bool { return true })
	defer tb.Close()

	tb.NextBuffer()
	tb.SendBuffer()
	tb.NextBuffer()
	tb.SendBuffer()

	require.GreaterOrEqual(t, tb.Counters().HighWater, int64(1))
}
