package audio

import (
	"fmt"
	"math"
	"sync"
)

// Effect is one in-place stage of the capture preprocessor chain. The
// platform Speex preprocessor is the richer external option; these
// effects cover the same denoise/AGC slot with pure-Go processing.
type Effect interface {
	// Process applies the effect to one frame of PCM samples in place.
	Process(samples []int16) error
	// Name returns a human-readable effect name.
	Name() string
}

// GainEffect applies a fixed linear gain with clipping protection.
type GainEffect struct {
	mu   sync.Mutex
	gain float64
}

// NewGainEffect creates a gain stage. Gain 1.0 is unity; values above
// 4.0 are rejected as distortion, not amplification.
func NewGainEffect(gain float64) (*GainEffect, error) {
	if gain < 0 {
		return nil, fmt.Errorf("audio: gain cannot be negative: %f", gain)
	}
	if gain > 4.0 {
		return nil, fmt.Errorf("audio: gain too high (max 4.0): %f", gain)
	}
	return &GainEffect{gain: gain}, nil
}

// Process multiplies each sample by the gain factor, saturating at the
// int16 range.
func (e *GainEffect) Process(samples []int16) error {
	e.mu.Lock()
	gain := e.gain
	e.mu.Unlock()

	for i, s := range samples {
		samples[i] = clampInt16(float64(s) * gain)
	}
	return nil
}

// Name returns the effect name.
func (e *GainEffect) Name() string { return "gain" }

// SetGain updates the gain factor.
func (e *GainEffect) SetGain(gain float64) error {
	if gain < 0 || gain > 4.0 {
		return fmt.Errorf("audio: gain out of range: %f", gain)
	}
	e.mu.Lock()
	e.gain = gain
	e.mu.Unlock()
	return nil
}

// AutoGainEffect tracks the frame RMS toward a target level, standing
// in for the Speex AGC.
type AutoGainEffect struct {
	mu          sync.Mutex
	targetLevel float64
	maxGain     float64
	currentGain float64
}

// NewAutoGainEffect creates an AGC stage aiming at targetLevel (0..1
// RMS) with gain capped at maxGain.
func NewAutoGainEffect(targetLevel, maxGain float64) (*AutoGainEffect, error) {
	if targetLevel <= 0 || targetLevel > 1 {
		return nil, fmt.Errorf("audio: AGC target out of range: %f", targetLevel)
	}
	if maxGain < 1 {
		return nil, fmt.Errorf("audio: AGC max gain below unity: %f", maxGain)
	}
	return &AutoGainEffect{
		targetLevel: targetLevel,
		maxGain:     maxGain,
		currentGain: 1.0,
	}, nil
}

// Process measures the frame level and eases the gain toward the target
// before applying it.
func (e *AutoGainEffect) Process(samples []int16) error {
	if len(samples) == 0 {
		return nil
	}

	var sum float64
	for _, s := range samples {
		n := float64(s) / 32768.0
		sum += n * n
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	e.mu.Lock()
	defer e.mu.Unlock()

	if rms > 1e-4 {
		desired := e.targetLevel / rms
		if desired > e.maxGain {
			desired = e.maxGain
		}
		// Ease toward the desired gain so level changes do not pump.
		e.currentGain = e.currentGain*0.9 + desired*0.1
	}

	for i, s := range samples {
		samples[i] = clampInt16(float64(s) * e.currentGain)
	}
	return nil
}

// Name returns the effect name.
func (e *AutoGainEffect) Name() string { return "auto-gain" }

// CurrentGain returns the momentary AGC gain, for metering.
func (e *AutoGainEffect) CurrentGain() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentGain
}

// NoiseGateEffect zeroes frames whose RMS falls below a floor, a cheap
// stand-in for spectral denoise on steady background hiss.
type NoiseGateEffect struct {
	mu    sync.Mutex
	floor float64
}

// NewNoiseGateEffect creates a gate with the given RMS floor (0..1).
func NewNoiseGateEffect(floor float64) (*NoiseGateEffect, error) {
	if floor < 0 || floor > 1 {
		return nil, fmt.Errorf("audio: noise floor out of range: %f", floor)
	}
	return &NoiseGateEffect{floor: floor}, nil
}

// Process silences the frame when it is below the floor.
func (e *NoiseGateEffect) Process(samples []int16) error {
	var sum float64
	for _, s := range samples {
		n := float64(s) / 32768.0
		sum += n * n
	}
	if len(samples) == 0 {
		return nil
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	e.mu.Lock()
	floor := e.floor
	e.mu.Unlock()

	if rms < floor {
		for i := range samples {
			samples[i] = 0
		}
	}
	return nil
}

// Name returns the effect name.
func (e *NoiseGateEffect) Name() string { return "noise-gate" }

// EffectChain runs a sequence of effects over each capture frame.
type EffectChain struct {
	mu      sync.Mutex
	effects []Effect
	enabled bool
}

// NewEffectChain creates an empty, enabled chain.
func NewEffectChain() *EffectChain {
	return &EffectChain{enabled: true}
}

// Add appends an effect to the chain.
func (c *EffectChain) Add(effect Effect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.effects = append(c.effects, effect)
}

// SetEnabled toggles the whole chain.
func (c *EffectChain) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// Process runs every effect in order. The first failing effect aborts
// the frame's processing but leaves already-applied stages in place.
func (c *EffectChain) Process(samples []int16) error {
	c.mu.Lock()
	enabled := c.enabled
	effects := c.effects
	c.mu.Unlock()

	if !enabled {
		return nil
	}
	for _, e := range effects {
		if err := e.Process(samples); err != nil {
			return fmt.Errorf("audio: effect %s: %w", e.Name(), err)
		}
	}
	return nil
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
