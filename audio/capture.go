package audio

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// CaptureConfig tunes the capture pipeline.
type CaptureConfig struct {
	FrameSize  int
	SampleRate int
	VAD        VADConfig
	VADEnabled bool
	// MaxBacklogFrames caps the accumulator; device bursts beyond it
	// drop the oldest audio rather than growing without bound.
	MaxBacklogFrames int
}

// DefaultCaptureConfig returns the standard 480-sample pipeline with
// VAD gating on.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		FrameSize:        DefaultFrameSize,
		SampleRate:       DefaultSampleRate,
		VAD:              DefaultVADConfig(),
		VADEnabled:       true,
		MaxBacklogFrames: 10,
	}
}

// CaptureStats counts capture-side behavior.
type CaptureStats struct {
	FramesProcessed uint64
	FramesEncoded   uint64
	FramesGated     uint64
	SamplesDropped  uint64
	EncodeFailures  uint64
}

// Encoder is the codec surface the pipeline needs; *OpusCodec satisfies
// it.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// EncodedFrameFunc receives each encoded payload together with the
// number of PCM samples it covers.
type EncodedFrameFunc func(payload []byte, samples int)

// CapturePipeline accumulates variable-size device frames into fixed
// codec frames, runs the preprocessor chain and the VAD gate, encodes
// frames that pass, and hands payloads to the sender callback. It runs
// entirely on the device capture thread.
type CapturePipeline struct {
	config CaptureConfig

	mu          sync.Mutex
	accumulator []int16
	pushToTalk  bool
	stats       CaptureStats

	vad     *VoiceActivityDetector
	effects *EffectChain
	encoder Encoder
	onFrame EncodedFrameFunc
}

// NewCapturePipeline builds a pipeline around an encoder and a frame
// callback. The effect chain starts empty; callers add stages as
// configured.
func NewCapturePipeline(config CaptureConfig, encoder Encoder, onFrame EncodedFrameFunc) *CapturePipeline {
	if config.FrameSize == 0 {
		config = DefaultCaptureConfig()
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewCapturePipeline",
		"frame_size":  config.FrameSize,
		"sample_rate": config.SampleRate,
		"vad_enabled": config.VADEnabled,
	}).Debug("Creating capture pipeline")

	return &CapturePipeline{
		config:  config,
		vad:     NewVoiceActivityDetector(config.VAD),
		effects: NewEffectChain(),
		encoder: encoder,
		onFrame: onFrame,
	}
}

// Effects exposes the preprocessor chain for configuration.
func (p *CapturePipeline) Effects() *EffectChain {
	return p.effects
}

// VAD exposes the detector for threshold adjustment and metering.
func (p *CapturePipeline) VAD() *VoiceActivityDetector {
	return p.vad
}

// SetPushToTalk asserts or releases the transmit override. While
// asserted, frames are sent regardless of the VAD verdict.
func (p *CapturePipeline) SetPushToTalk(active bool) {
	p.mu.Lock()
	p.pushToTalk = active
	p.mu.Unlock()
}

// SetVADEnabled toggles VAD gating. With gating off every frame is
// encoded and sent.
func (p *CapturePipeline) SetVADEnabled(enabled bool) {
	p.mu.Lock()
	p.config.VADEnabled = enabled
	p.mu.Unlock()
}

// InputLevel returns the smoothed microphone level for metering.
func (p *CapturePipeline) InputLevel() float32 {
	return p.vad.SignalLevel()
}

// VoiceDetected reports the current VAD gate state.
func (p *CapturePipeline) VoiceDetected() bool {
	return p.vad.VoiceDetected()
}

// GetStats returns a snapshot of pipeline counters.
func (p *CapturePipeline) GetStats() CaptureStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// ProcessInput accepts one device buffer and drives the whole
// accumulate → preprocess → gate → encode → emit path for every full
// codec frame it completes.
func (p *CapturePipeline) ProcessInput(samples []int16) {
	p.mu.Lock()

	p.accumulator = append(p.accumulator, samples...)
	if max := p.config.MaxBacklogFrames * p.config.FrameSize; len(p.accumulator) > max {
		drop := len(p.accumulator) - max
		p.accumulator = p.accumulator[drop:]
		p.stats.SamplesDropped += uint64(drop)
	}

	var frames [][]int16
	for len(p.accumulator) >= p.config.FrameSize {
		frame := make([]int16, p.config.FrameSize)
		copy(frame, p.accumulator[:p.config.FrameSize])
		p.accumulator = p.accumulator[p.config.FrameSize:]
		frames = append(frames, frame)
	}
	vadEnabled := p.config.VADEnabled
	pushToTalk := p.pushToTalk
	p.mu.Unlock()

	for _, frame := range frames {
		p.processFrame(frame, vadEnabled, pushToTalk)
	}
}

func (p *CapturePipeline) processFrame(frame []int16, vadEnabled, pushToTalk bool) {
	p.mu.Lock()
	p.stats.FramesProcessed++
	p.mu.Unlock()

	if err := p.effects.Process(frame); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "CapturePipeline.processFrame",
			"error":    err.Error(),
		}).Debug("Preprocessor failed, sending frame unprocessed")
	}

	voice := p.vad.Process(frame)

	transmit := pushToTalk || voice || !vadEnabled
	if !transmit {
		p.mu.Lock()
		p.stats.FramesGated++
		p.mu.Unlock()
		return
	}

	if p.encoder == nil || p.onFrame == nil {
		return
	}

	payload, err := p.encoder.Encode(frame)
	if err != nil {
		p.mu.Lock()
		p.stats.EncodeFailures++
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.stats.FramesEncoded++
	p.mu.Unlock()

	p.onFrame(payload, len(frame))
}

// Reset drops buffered input and clears VAD state, for use across
// mute/unmute and reconnects.
func (p *CapturePipeline) Reset() {
	p.mu.Lock()
	p.accumulator = p.accumulator[:0]
	p.mu.Unlock()
	p.vad.Reset()
}
