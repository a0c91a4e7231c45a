package audio

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// UserBufferConfig tunes one speaker's playback buffer. The buffer plays
// frames in arrival order; it does not reorder them by sequence.
type UserBufferConfig struct {
	SampleRate  int
	FrameSize   int
	MinBufferMs int // buffered audio required before playback starts
	MaxBufferMs int // cap before the oldest samples are evicted
}

// DefaultUserBufferConfig returns the tuning used by the playback
// engine: 60 ms of priming against jitter, 200 ms cap against drift.
func DefaultUserBufferConfig() UserBufferConfig {
	return UserBufferConfig{
		SampleRate:  DefaultSampleRate,
		FrameSize:   DefaultFrameSize,
		MinBufferMs: 60,
		MaxBufferMs: 200,
	}
}

// UserBufferStats counts one speaker's buffer behavior.
type UserBufferStats struct {
	PacketsReceived   uint64
	PacketsDecoded    uint64
	PLCFrames         uint64
	SequenceGaps      uint64
	BufferOverruns    uint64
	BufferUnderruns   uint64
	FadeIns           uint64
	FadeOuts          uint64
	LastSequence      int64
	CurrentBufferSize int
	MaxGapMs          int
}

// UserAudioBuffer is the per-speaker jitter buffer over decoded float
// samples. Writers append decoded frames in arrival order; the playback
// loop drains it one frame at a time. Playback starts only once
// MinBufferMs of audio has accumulated and restarts (with a fresh
// fade-in) after every underrun.
type UserAudioBuffer struct {
	userID uint32
	config UserBufferConfig
	fade   *Crossfade

	mu sync.Mutex

	buffer []float32 // FIFO of decoded samples
	head   int       // index of the first unread sample

	minBufferSamples int
	maxBufferSamples int

	lastSequence      int64
	sequenceIncrement int64

	playbackStarted bool
	needsFadeIn     bool
	needsFadeOut    bool
	lastPacketTime  time.Time

	stats UserBufferStats
}

// NewUserAudioBuffer creates a buffer for one speaker session.
func NewUserAudioBuffer(userID uint32, config UserBufferConfig) *UserAudioBuffer {
	if config.SampleRate == 0 {
		config = DefaultUserBufferConfig()
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewUserAudioBuffer",
		"user_id":  userID,
		"min_ms":   config.MinBufferMs,
		"max_ms":   config.MaxBufferMs,
	}).Debug("Creating user audio buffer")

	return &UserAudioBuffer{
		userID:            userID,
		config:            config,
		fade:              NewCrossfade(config.FrameSize),
		minBufferSamples:  config.MinBufferMs * config.SampleRate / 1000,
		maxBufferSamples:  config.MaxBufferMs * config.SampleRate / 1000,
		lastSequence:      -1,
		sequenceIncrement: 1,
		needsFadeIn:       true,
		lastPacketTime:    time.Now(),
	}
}

// UserID returns the owning session id.
func (b *UserAudioBuffer) UserID() uint32 {
	return b.userID
}

// AddSamples appends a decoded frame. The int16 samples are converted
// to float (s/32768) on the way in; overflow evicts from the front so a
// slow reader can never pin more than MaxBufferMs of audio.
func (b *UserAudioBuffer) AddSamples(samples []int16, sequence int64, isPLC bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.lastSequence >= 0 {
		if gap := int(now.Sub(b.lastPacketTime).Milliseconds()); gap > b.stats.MaxGapMs {
			b.stats.MaxGapMs = gap
		}
	}
	b.lastPacketTime = now

	b.detectSequenceGap(sequence)

	b.stats.PacketsReceived++
	if isPLC {
		b.stats.PLCFrames++
	} else {
		b.stats.PacketsDecoded++
	}
	b.stats.LastSequence = sequence
	b.lastSequence = sequence

	for _, s := range samples {
		b.buffer = append(b.buffer, float32(s)/32768.0)
	}

	if excess := b.size() - b.maxBufferSamples; excess > 0 {
		b.head += excess
		b.stats.BufferOverruns++
	}
	b.compact()

	b.stats.CurrentBufferSize = b.size()
}

// detectSequenceGap counts discontinuities and adapts the expected
// per-packet increment, since senders may pack 10–100 ms per packet.
func (b *UserAudioBuffer) detectSequenceGap(sequence int64) {
	if b.lastSequence < 0 {
		return
	}

	expected := b.lastSequence + b.sequenceIncrement
	if sequence == expected {
		return
	}

	gap := sequence - b.lastSequence
	if gap > b.sequenceIncrement {
		b.stats.SequenceGaps++
	}
	if gap > 0 && gap < 100 {
		b.sequenceIncrement = gap
	}
}

// ReadFloat fills output with up to one frame of audio and returns the
// number of real samples written; the remainder is zero-padded. A
// return of 0 means silence: either still priming or underrun.
func (b *UserAudioBuffer) ReadFloat(output []float32) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.playbackStarted {
		if b.size() >= b.minBufferSamples {
			b.playbackStarted = true
			b.needsFadeIn = true
		} else {
			zero(output)
			return 0
		}
	}

	if b.size() == 0 {
		b.playbackStarted = false
		b.needsFadeIn = true
		b.stats.BufferUnderruns++
		zero(output)
		return 0
	}

	n := b.size()
	if n > len(output) {
		n = len(output)
	}
	copy(output[:n], b.buffer[b.head:b.head+n])
	b.head += n
	b.compact()
	zero(output[n:])

	if b.needsFadeIn {
		b.fade.ApplyFadeIn(output[:n])
		b.needsFadeIn = false
		b.stats.FadeIns++
	}

	if b.needsFadeOut && b.size() == 0 {
		b.fade.ApplyFadeOut(output[:n])
		b.needsFadeOut = false
		b.stats.FadeOuts++
	}

	b.stats.CurrentBufferSize = b.size()
	return n
}

// NotifyTalkingEnded arms a fade-out for the last frame of the current
// transmission.
func (b *UserAudioBuffer) NotifyTalkingEnded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.needsFadeOut = true
}

// Ready reports whether enough audio is buffered to start playback.
func (b *UserAudioBuffer) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size() >= b.minBufferSamples
}

// Active reports whether the speaker is mid-stream: buffered audio
// remains or playback has started.
func (b *UserAudioBuffer) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size() > 0 || b.playbackStarted
}

// LastSequence returns the most recent sequence fed to the buffer, or
// -1 if none.
func (b *UserAudioBuffer) LastSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSequence
}

// SequenceIncrement returns the adapted per-packet sequence step.
func (b *UserAudioBuffer) SequenceIncrement() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequenceIncrement
}

// GetStats returns a snapshot of the buffer counters.
func (b *UserAudioBuffer) GetStats() UserBufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Reset drops all audio and statistics, returning to the pristine
// pre-playback state.
func (b *UserAudioBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buffer = b.buffer[:0]
	b.head = 0
	b.lastSequence = -1
	b.sequenceIncrement = 1
	b.playbackStarted = false
	b.needsFadeIn = true
	b.needsFadeOut = false
	b.stats = UserBufferStats{}
}

func (b *UserAudioBuffer) size() int {
	return len(b.buffer) - b.head
}

// compact reclaims consumed head space once it dominates the slice, so
// the FIFO stays O(1) amortized without unbounded growth.
func (b *UserAudioBuffer) compact() {
	if b.head == 0 {
		return
	}
	if b.head >= len(b.buffer) {
		b.buffer = b.buffer[:0]
		b.head = 0
		return
	}
	if b.head > b.maxBufferSamples {
		n := copy(b.buffer, b.buffer[b.head:])
		b.buffer = b.buffer[:n]
		b.head = 0
	}
}

func zero(s []float32) {
	for i := range s {
		s[i] = 0
	}
}
