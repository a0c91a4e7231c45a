package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGainEffect(t *testing.T) {
	gain, err := NewGainEffect(2.0)
	require.NoError(t, err)

	samples := []int16{1000, -1000, 30000}
	require.NoError(t, gain.Process(samples))

	assert.Equal(t, int16(2000), samples[0])
	assert.Equal(t, int16(-2000), samples[1])
	assert.Equal(t, int16(32767), samples[2], "clipped, not wrapped")
}

func TestGainValidation(t *testing.T) {
	_, err := NewGainEffect(-0.1)
	assert.Error(t, err)

	_, err = NewGainEffect(5.0)
	assert.Error(t, err)

	gain, err := NewGainEffect(1.0)
	require.NoError(t, err)
	assert.Error(t, gain.SetGain(10))
	assert.NoError(t, gain.SetGain(0.5))
}

func TestAutoGainConverges(t *testing.T) {
	agc, err := NewAutoGainEffect(0.25, 4.0)
	require.NoError(t, err)

	// A quiet constant signal (~0.06 RMS) should be pulled up toward
	// the 0.25 target over successive frames.
	for i := 0; i < 200; i++ {
		frame := flatFrame(2000, 480)
		require.NoError(t, agc.Process(frame))
	}

	assert.Greater(t, agc.CurrentGain(), 2.0)
	assert.LessOrEqual(t, agc.CurrentGain(), 4.0)
}

func TestNoiseGate(t *testing.T) {
	gate, err := NewNoiseGateEffect(0.02)
	require.NoError(t, err)

	hiss := flatFrame(300, 480) // ~0.009 RMS, below floor
	require.NoError(t, gate.Process(hiss))
	for _, s := range hiss {
		assert.Equal(t, int16(0), s)
	}

	speech := flatFrame(8000, 480)
	require.NoError(t, gate.Process(speech))
	assert.Equal(t, int16(8000), speech[0], "speech passes untouched")
}

func TestEffectChainOrderAndToggle(t *testing.T) {
	chain := NewEffectChain()

	double, err := NewGainEffect(2.0)
	require.NoError(t, err)
	halve, err := NewGainEffect(0.5)
	require.NoError(t, err)
	chain.Add(double)
	chain.Add(halve)

	samples := []int16{1000}
	require.NoError(t, chain.Process(samples))
	assert.Equal(t, int16(1000), samples[0], "2x then 0.5x is unity")

	chain.SetEnabled(false)
	require.NoError(t, double.SetGain(4.0))
	require.NoError(t, chain.Process(samples))
	assert.Equal(t, int16(1000), samples[0], "disabled chain is a no-op")
}
