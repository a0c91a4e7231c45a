package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedFrames pushes count frames of constant amplitude through the
// detector in 480-sample (10 ms) steps, returning the final verdict.
func feedFrames(v *VoiceActivityDetector, amplitude int16, count int) bool {
	frame := flatFrame(amplitude, 480)
	voice := false
	for i := 0; i < count; i++ {
		voice = v.Process(frame)
	}
	return voice
}

func TestVADHysteresis(t *testing.T) {
	v := NewVoiceActivityDetector(VADConfig{
		SampleRate:     48000,
		Threshold:      0.1,
		MinSignalLevel: 0.01,
		AttackMs:       10,
		HoldMs:         300,
	})

	// 10 ms of silence: no voice.
	assert.False(t, feedFrames(v, 0, 1))

	// Tone at amplitude 0.5. The smoothed level needs a few frames to
	// cross the 0.1 threshold, then the 10 ms attack arms within one
	// more frame. It must be on well before 50 ms of tone is over.
	tone := int16(0.5 * 32767)
	voiceOn := false
	for i := 0; i < 5; i++ {
		if feedFrames(v, tone, 1) {
			voiceOn = true
			break
		}
	}
	require.True(t, voiceOn, "voice must trigger within 50 ms of tone")

	// Tone ends. The 300 ms hold keeps the gate open for at least the
	// next 29 frames (the smoothed level may re-prime it briefly).
	for i := 0; i < 29; i++ {
		assert.True(t, feedFrames(v, 0, 1), "frame %d inside hold window", i)
	}

	// Once the hold expires the gate closes; give the residual smoothed
	// level room to decay first.
	closed := false
	for i := 0; i < 50; i++ {
		if !feedFrames(v, 0, 1) {
			closed = true
			break
		}
	}
	assert.True(t, closed, "gate must close after the hold window")
}

func TestVADIgnoresQuietSignal(t *testing.T) {
	v := NewVoiceActivityDetector(VADConfig{
		SampleRate:     48000,
		Threshold:      0.1,
		MinSignalLevel: 0.01,
		AttackMs:       10,
		HoldMs:         100,
	})

	// Amplitude 0.05 stays below the 0.1 threshold forever.
	quiet := int16(0.05 * 32767)
	assert.False(t, feedFrames(v, quiet, 100))
}

func TestVADMinSignalLevelFloor(t *testing.T) {
	// Threshold of zero alone must not open the gate on near-silence;
	// the absolute floor still applies.
	v := NewVoiceActivityDetector(VADConfig{
		SampleRate:     48000,
		Threshold:      0,
		MinSignalLevel: 0.05,
		AttackMs:       10,
		HoldMs:         100,
	})

	assert.False(t, feedFrames(v, int16(0.01*32767), 50))
	assert.True(t, feedFrames(v, int16(0.5*32767), 10))
}

func TestVADThresholdClamped(t *testing.T) {
	v := NewVoiceActivityDetector(DefaultVADConfig())

	v.SetThreshold(-0.5)
	assert.Equal(t, float32(0), v.Threshold())

	v.SetThreshold(1.5)
	assert.Equal(t, float32(1), v.Threshold())

	v.SetThreshold(0.3)
	assert.InDelta(t, 0.3, v.Threshold(), 1e-6)
}

func TestVADSignalLevelMetering(t *testing.T) {
	v := NewVoiceActivityDetector(DefaultVADConfig())

	assert.Equal(t, float32(0), v.SignalLevel())
	feedFrames(v, 16384, 50)
	assert.InDelta(t, 0.5, v.SignalLevel(), 0.05)
}

func TestVADReset(t *testing.T) {
	v := NewVoiceActivityDetector(DefaultVADConfig())

	feedFrames(v, 16384, 20)
	require.True(t, v.VoiceDetected())

	v.Reset()
	assert.False(t, v.VoiceDetected())
	assert.Equal(t, float32(0), v.SignalLevel())
}
