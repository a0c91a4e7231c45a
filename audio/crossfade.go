package audio

import "math"

// DefaultFrameSize is 10 ms at 48 kHz, the codec frame this engine
// works in everywhere.
const DefaultFrameSize = 480

// DefaultSampleRate is the negotiated voice sample rate.
const DefaultSampleRate = 48000

// Crossfade holds precomputed sine-window ramps for one frame size.
// Fade-in is applied to the first frame of a just-started stream and
// fade-out to the final frame of a transmission, masking the clicks a
// hard start or stop would produce.
type Crossfade struct {
	length  int
	fadeIn  []float32
	fadeOut []float32
}

// NewCrossfade builds the fade tables for the given frame size.
func NewCrossfade(frameSize int) *Crossfade {
	cf := &Crossfade{
		length:  frameSize,
		fadeIn:  make([]float32, frameSize),
		fadeOut: make([]float32, frameSize),
	}

	mul := math.Pi / (2.0 * float64(frameSize))
	for i := 0; i < frameSize; i++ {
		cf.fadeIn[i] = float32(math.Sin(float64(i) * mul))
		cf.fadeOut[i] = float32(math.Sin(float64(frameSize-i-1) * mul))
	}
	return cf
}

// FadeLength returns the ramp length in samples.
func (cf *Crossfade) FadeLength() int {
	return cf.length
}

// ApplyFadeIn ramps up the leading samples in place.
func (cf *Crossfade) ApplyFadeIn(samples []float32) {
	n := len(samples)
	if n > cf.length {
		n = cf.length
	}
	for i := 0; i < n; i++ {
		samples[i] *= cf.fadeIn[i]
	}
}

// ApplyFadeOut ramps down the trailing samples in place. When fewer
// samples than the fade length are present, the tail of the ramp is
// used so the signal still reaches zero.
func (cf *Crossfade) ApplyFadeOut(samples []float32) {
	n := len(samples)
	apply := n
	if apply > cf.length {
		apply = cf.length
	}
	start := n - apply
	tableStart := cf.length - apply
	for i := 0; i < apply; i++ {
		samples[start+i] *= cf.fadeOut[tableStart+i]
	}
}

// FloatMixer accumulates float frames from every active speaker and
// converts the sum to clip-safe 16-bit PCM.
type FloatMixer struct {
	frameSize int
	mix       []float32
}

// NewFloatMixer creates a mixer for the given frame size.
func NewFloatMixer(frameSize int) *FloatMixer {
	return &FloatMixer{
		frameSize: frameSize,
		mix:       make([]float32, frameSize),
	}
}

// Clear zeroes the accumulator for the next mix cycle.
func (m *FloatMixer) Clear() {
	for i := range m.mix {
		m.mix[i] = 0
	}
}

// Add sums samples element-wise into the accumulator.
func (m *FloatMixer) Add(samples []float32) {
	n := len(samples)
	if n > m.frameSize {
		n = m.frameSize
	}
	for i := 0; i < n; i++ {
		m.mix[i] += samples[i]
	}
}

// GetMixed clamps the accumulated signal to [-1, +1] and writes 16-bit
// PCM into output.
func (m *FloatMixer) GetMixed(output []int16) {
	n := len(output)
	if n > m.frameSize {
		n = m.frameSize
	}
	for i := 0; i < n; i++ {
		sample := m.mix[i]
		if sample > 1.0 {
			sample = 1.0
		}
		if sample < -1.0 {
			sample = -1.0
		}
		output[i] = int16(sample * 32767.0)
	}
}

// Buffer exposes the raw accumulator, mainly for tests and metering.
func (m *FloatMixer) Buffer() []float32 {
	return m.mix
}
