package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// passthroughEncoder records what it is asked to encode.
type passthroughEncoder struct {
	frames [][]int16
	fail   bool
}

func (e *passthroughEncoder) Encode(pcm []int16) ([]byte, error) {
	if e.fail {
		return nil, assert.AnError
	}
	e.frames = append(e.frames, append([]int16(nil), pcm...))
	return []byte{0xAB}, nil
}

func newTestPipeline(encoder Encoder, onFrame EncodedFrameFunc) *CapturePipeline {
	config := DefaultCaptureConfig()
	// A high threshold keeps the VAD closed for quiet test signals.
	config.VAD.Threshold = 0.1
	return NewCapturePipeline(config, encoder, onFrame)
}

func TestAccumulatorAssemblesCodecFrames(t *testing.T) {
	enc := &passthroughEncoder{}
	var emitted int
	p := newTestPipeline(enc, func(payload []byte, samples int) {
		emitted++
		assert.Equal(t, 480, samples)
	})
	p.SetVADEnabled(false) // exercise framing, not gating

	// Device delivers awkward 160-sample chunks; nine of them are
	// exactly three codec frames.
	chunk := flatFrame(1000, 160)
	for i := 0; i < 9; i++ {
		p.ProcessInput(chunk)
	}

	assert.Equal(t, 3, emitted)
	assert.Equal(t, uint64(3), p.GetStats().FramesEncoded)
	require.Len(t, enc.frames, 3)
	assert.Len(t, enc.frames[0], 480)
}

func TestVADGatesQuietFrames(t *testing.T) {
	enc := &passthroughEncoder{}
	var emitted int
	p := newTestPipeline(enc, func(payload []byte, samples int) { emitted++ })

	// Near-silence never opens the gate.
	for i := 0; i < 20; i++ {
		p.ProcessInput(flatFrame(50, 480))
	}

	assert.Equal(t, 0, emitted)
	assert.Equal(t, uint64(20), p.GetStats().FramesGated)

	// Loud speech opens it.
	for i := 0; i < 20; i++ {
		p.ProcessInput(flatFrame(16000, 480))
	}
	assert.Greater(t, emitted, 0)
}

func TestPushToTalkOverridesVAD(t *testing.T) {
	enc := &passthroughEncoder{}
	var emitted int
	p := newTestPipeline(enc, func(payload []byte, samples int) { emitted++ })

	p.SetPushToTalk(true)
	p.ProcessInput(flatFrame(0, 480)) // pure silence still transmits
	assert.Equal(t, 1, emitted)

	p.SetPushToTalk(false)
	p.ProcessInput(flatFrame(0, 480))
	assert.Equal(t, 1, emitted)
}

func TestEncodeFailureCounted(t *testing.T) {
	enc := &passthroughEncoder{fail: true}
	var emitted int
	p := newTestPipeline(enc, func(payload []byte, samples int) { emitted++ })
	p.SetVADEnabled(false)

	p.ProcessInput(flatFrame(1000, 480))

	assert.Equal(t, 0, emitted)
	assert.Equal(t, uint64(1), p.GetStats().EncodeFailures)
}

func TestBacklogBounded(t *testing.T) {
	// No encoder: frames accumulate only if the pipeline fails to
	// consume them, and the accumulator itself must stay bounded.
	p := newTestPipeline(nil, nil)
	p.SetVADEnabled(false)

	huge := flatFrame(100, 480*50)
	p.ProcessInput(huge)

	stats := p.GetStats()
	assert.Greater(t, stats.SamplesDropped, uint64(0))
}

func TestEffectsRunBeforeEncoder(t *testing.T) {
	enc := &passthroughEncoder{}
	p := newTestPipeline(enc, func(payload []byte, samples int) {})
	p.SetVADEnabled(false)

	gain, err := NewGainEffect(0.0) // hard mute
	require.NoError(t, err)
	p.Effects().Add(gain)

	p.ProcessInput(flatFrame(16000, 480))

	require.Len(t, enc.frames, 1)
	for _, s := range enc.frames[0] {
		assert.Equal(t, int16(0), s, "effect output must reach the encoder")
	}
}

func TestInputLevelMetering(t *testing.T) {
	p := newTestPipeline(nil, nil)
	p.SetVADEnabled(false)

	for i := 0; i < 50; i++ {
		p.ProcessInput(flatFrame(16384, 480))
	}
	assert.InDelta(t, 0.5, p.InputLevel(), 0.05)
}

func TestCaptureReset(t *testing.T) {
	p := newTestPipeline(nil, nil)

	p.ProcessInput(flatFrame(16000, 100)) // partial frame stays buffered
	p.Reset()

	p.mu.Lock()
	assert.Empty(t, p.accumulator)
	p.mu.Unlock()
	assert.Equal(t, float32(0), p.InputLevel())
}
