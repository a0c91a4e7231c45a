package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrossfadeTables(t *testing.T) {
	cf := NewCrossfade(480)

	assert.Equal(t, 480, cf.FadeLength())

	// Fade-in starts at zero and rises monotonically toward one.
	assert.InDelta(t, 0.0, cf.fadeIn[0], 1e-6)
	for i := 1; i < 480; i++ {
		assert.GreaterOrEqual(t, cf.fadeIn[i], cf.fadeIn[i-1])
	}
	assert.Greater(t, float64(cf.fadeIn[479]), 0.99)

	// Fade-out is the mirror image.
	assert.Greater(t, float64(cf.fadeOut[0]), 0.99)
	assert.InDelta(t, 0.0, cf.fadeOut[479], 1e-6)
}

func TestApplyFadeInEnvelope(t *testing.T) {
	cf := NewCrossfade(480)

	samples := make([]float32, 480)
	for i := range samples {
		samples[i] = 1.0
	}
	cf.ApplyFadeIn(samples)

	for i := 1; i < len(samples); i++ {
		assert.GreaterOrEqual(t, samples[i], samples[i-1], "index %d", i)
	}
}

func TestApplyFadeOutShortFrame(t *testing.T) {
	cf := NewCrossfade(480)

	// Fewer samples than the ramp: the tail of the table applies, so
	// the last sample still lands at (near) zero.
	samples := make([]float32, 100)
	for i := range samples {
		samples[i] = 1.0
	}
	cf.ApplyFadeOut(samples)

	for i := 1; i < len(samples); i++ {
		assert.LessOrEqual(t, samples[i], samples[i-1], "index %d", i)
	}
	assert.InDelta(t, 0.0, samples[99], 1e-6)
}

func TestFloatMixerClipping(t *testing.T) {
	m := NewFloatMixer(4)

	loud := []float32{1.0, 1.0, 1.0, 1.0}
	m.Add(loud)
	m.Add(loud)

	out := make([]int16, 4)
	m.GetMixed(out)

	for _, s := range out {
		assert.Equal(t, int16(32767), s)
	}
}

func TestFloatMixerSum(t *testing.T) {
	m := NewFloatMixer(3)

	m.Add([]float32{0.25, -0.25, 0.5})
	m.Add([]float32{0.25, -0.25, 0.0})

	out := make([]int16, 3)
	m.GetMixed(out)

	require.InDelta(t, 0.5*32767, float64(out[0]), 1.0)
	require.InDelta(t, -0.5*32767, float64(out[1]), 1.0)
	require.InDelta(t, 0.5*32767, float64(out[2]), 1.0)
}

func TestFloatMixerClear(t *testing.T) {
	m := NewFloatMixer(2)
	m.Add([]float32{1.0, 1.0})
	m.Clear()

	out := []int16{99, 99}
	m.GetMixed(out)
	assert.Equal(t, []int16{0, 0}, out)
}
