package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatFrame(amplitude int16, n int) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = amplitude
	}
	return frame
}

// primedBuffer returns a buffer fed enough consecutive frames to cross
// the 60 ms priming threshold.
func primedBuffer(t *testing.T) *UserAudioBuffer {
	t.Helper()
	buf := NewUserAudioBuffer(1, DefaultUserBufferConfig())
	for seq := int64(0); seq < 7; seq++ {
		buf.AddSamples(flatFrame(10000, 480), seq, false)
	}
	return buf
}

func TestReadBeforePrimingReturnsSilence(t *testing.T) {
	buf := NewUserAudioBuffer(1, DefaultUserBufferConfig())
	buf.AddSamples(flatFrame(10000, 480), 0, false)

	out := make([]float32, 480)
	out[0] = 7 // must be overwritten with silence
	n := buf.ReadFloat(out)

	assert.Equal(t, 0, n)
	for _, s := range out {
		assert.Equal(t, float32(0), s)
	}
	assert.False(t, buf.Active() && n > 0)
}

func TestFadeInOnFirstRead(t *testing.T) {
	buf := primedBuffer(t)

	out := make([]float32, 480)
	n := buf.ReadFloat(out)
	require.Equal(t, 480, n)

	// Constant input means the envelope is exactly the fade ramp:
	// monotonically non-decreasing from (near) zero.
	assert.InDelta(t, 0.0, out[0], 1e-5)
	for i := 1; i < n; i++ {
		assert.GreaterOrEqual(t, out[i], out[i-1], "index %d", i)
	}
	assert.Equal(t, uint64(1), buf.GetStats().FadeIns)

	// The second read is past the fade: flat signal.
	n = buf.ReadFloat(out)
	require.Equal(t, 480, n)
	assert.InDelta(t, 10000.0/32768.0, out[0], 1e-5)
	assert.InDelta(t, 10000.0/32768.0, out[479], 1e-5)
}

func TestFadeOutOnTalkEnd(t *testing.T) {
	buf := primedBuffer(t)
	buf.NotifyTalkingEnded()

	out := make([]float32, 480)

	// Drain all seven buffered frames; the last non-empty read carries
	// the fade-out.
	var lastFrame []float32
	for {
		n := buf.ReadFloat(out)
		if n == 0 {
			break
		}
		lastFrame = append(lastFrame[:0], out[:n]...)
	}

	require.NotNil(t, lastFrame)
	for i := 1; i < len(lastFrame); i++ {
		assert.LessOrEqual(t, lastFrame[i], lastFrame[i-1], "index %d", i)
	}
	assert.InDelta(t, 0.0, lastFrame[len(lastFrame)-1], 1e-5)
	assert.Equal(t, uint64(1), buf.GetStats().FadeOuts)

	// After the stream drained, the next read is empty.
	assert.Equal(t, 0, buf.ReadFloat(out))
}

func TestUnderrunRestartsPriming(t *testing.T) {
	buf := primedBuffer(t)

	out := make([]float32, 480)
	for i := 0; i < 7; i++ {
		require.Equal(t, 480, buf.ReadFloat(out))
	}

	// Buffer is empty: underrun, playback stops.
	assert.Equal(t, 0, buf.ReadFloat(out))
	assert.Equal(t, uint64(1), buf.GetStats().BufferUnderruns)

	// One new frame is not enough to restart; priming applies again.
	buf.AddSamples(flatFrame(5000, 480), 10, false)
	assert.Equal(t, 0, buf.ReadFloat(out))

	// Refill past the threshold: playback restarts with a fresh fade-in.
	for seq := int64(11); seq < 17; seq++ {
		buf.AddSamples(flatFrame(5000, 480), seq, false)
	}
	require.Equal(t, 480, buf.ReadFloat(out))
	assert.Equal(t, uint64(2), buf.GetStats().FadeIns)
}

func TestBufferBoundAndOverruns(t *testing.T) {
	config := DefaultUserBufferConfig()
	buf := NewUserAudioBuffer(1, config)
	maxSamples := config.MaxBufferMs * config.SampleRate / 1000

	for seq := int64(0); seq < 40; seq++ {
		buf.AddSamples(flatFrame(100, 480), seq, false)
		assert.LessOrEqual(t, buf.GetStats().CurrentBufferSize, maxSamples)
	}

	// 40 frames of 480 = 19200 samples against a 9600 cap: twenty of
	// the adds must each have evicted.
	assert.Equal(t, uint64(20), buf.GetStats().BufferOverruns)
}

func TestSequenceGapCounting(t *testing.T) {
	buf := NewUserAudioBuffer(1, DefaultUserBufferConfig())

	for _, seq := range []int64{0, 1, 2, 4} {
		buf.AddSamples(flatFrame(100, 480), seq, false)
	}

	stats := buf.GetStats()
	assert.Equal(t, uint64(1), stats.SequenceGaps)
	assert.Equal(t, int64(4), stats.LastSequence)
}

func TestSequenceIncrementAdapts(t *testing.T) {
	buf := NewUserAudioBuffer(1, DefaultUserBufferConfig())

	// A sender packing 20 ms per packet advances the sequence by 2.
	for _, seq := range []int64{0, 2, 4, 6} {
		buf.AddSamples(flatFrame(100, 960), seq, false)
	}

	assert.Equal(t, int64(2), buf.SequenceIncrement())
	// After adaptation the even stride no longer counts as a gap.
	assert.Equal(t, uint64(1), buf.GetStats().SequenceGaps)
}

func TestPLCFramesCounted(t *testing.T) {
	buf := NewUserAudioBuffer(1, DefaultUserBufferConfig())

	buf.AddSamples(flatFrame(100, 480), 0, false)
	buf.AddSamples(flatFrame(100, 480), 1, true)

	stats := buf.GetStats()
	assert.Equal(t, uint64(1), stats.PLCFrames)
	assert.Equal(t, uint64(1), stats.PacketsDecoded)
	assert.Equal(t, uint64(2), stats.PacketsReceived)
}

func TestReset(t *testing.T) {
	buf := primedBuffer(t)

	out := make([]float32, 480)
	require.Equal(t, 480, buf.ReadFloat(out))

	buf.Reset()

	assert.Equal(t, int64(-1), buf.LastSequence())
	assert.Equal(t, 0, buf.ReadFloat(out))
	assert.Equal(t, UserBufferStats{}, buf.GetStats())
}
