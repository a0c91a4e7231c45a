package audio

import (
	"math"
	"sync"
)

// VADConfig tunes the energy detector.
type VADConfig struct {
	SampleRate     int
	Threshold      float32 // smoothed-level threshold, 0..1
	MinSignalLevel float32 // absolute floor below which voice is never detected
	AttackMs       int     // sustained signal required before voice turns on
	HoldMs         int     // hang time after the signal drops
}

// DefaultVADConfig returns tuning suitable for close-mic speech.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SampleRate:     DefaultSampleRate,
		Threshold:      0.05,
		MinSignalLevel: 0.01,
		AttackMs:       10,
		HoldMs:         300,
	}
}

// vadSmoothing is the exponential smoothing factor applied to the per
// frame RMS before thresholding.
const vadSmoothing = 0.1

// VoiceActivityDetector is an RMS energy detector with attack and hold
// hysteresis: the level must stay above threshold for AttackMs before
// voice turns on, and voice stays on for HoldMs after the level drops.
// It gates the encode path so silence is never transmitted.
type VoiceActivityDetector struct {
	mu sync.Mutex

	config        VADConfig
	threshold     float32
	attackSamples int
	holdSamples   int

	attackCounter int
	holdCounter   int

	voiceDetected bool
	smoothedLevel float32
}

// NewVoiceActivityDetector creates a detector with the given tuning.
func NewVoiceActivityDetector(config VADConfig) *VoiceActivityDetector {
	if config.SampleRate == 0 {
		config = DefaultVADConfig()
	}
	return &VoiceActivityDetector{
		config:        config,
		threshold:     clampUnit(config.Threshold),
		attackSamples: config.AttackMs * config.SampleRate / 1000,
		holdSamples:   config.HoldMs * config.SampleRate / 1000,
	}
}

// Process feeds one frame of samples and returns whether voice is
// currently detected.
func (v *VoiceActivityDetector) Process(samples []int16) bool {
	rms := frameRMS(samples)

	v.mu.Lock()
	defer v.mu.Unlock()

	v.smoothedLevel = v.smoothedLevel*(1-vadSmoothing) + rms*vadSmoothing

	above := v.smoothedLevel > v.threshold && v.smoothedLevel > v.config.MinSignalLevel
	if above {
		v.attackCounter += len(samples)
		if v.attackCounter >= v.attackSamples {
			v.voiceDetected = true
			v.holdCounter = v.holdSamples
		}
	} else {
		v.attackCounter = 0
		if v.holdCounter > 0 {
			v.holdCounter -= len(samples)
			if v.holdCounter <= 0 {
				v.voiceDetected = false
				v.holdCounter = 0
			}
		}
	}

	return v.voiceDetected
}

// VoiceDetected returns the current gate state without feeding audio.
func (v *VoiceActivityDetector) VoiceDetected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.voiceDetected
}

// SignalLevel returns the smoothed input level, 0..1, for metering.
func (v *VoiceActivityDetector) SignalLevel() float32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.smoothedLevel
}

// SetThreshold updates the detection threshold, clamped to [0, 1].
func (v *VoiceActivityDetector) SetThreshold(threshold float32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.threshold = clampUnit(threshold)
}

// Threshold returns the current detection threshold.
func (v *VoiceActivityDetector) Threshold() float32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.threshold
}

// Reset clears all detector state.
func (v *VoiceActivityDetector) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.voiceDetected = false
	v.smoothedLevel = 0
	v.attackCounter = 0
	v.holdCounter = 0
}

func frameRMS(samples []int16) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		n := float64(s) / 32768.0
		sum += n * n
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}

func clampUnit(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
