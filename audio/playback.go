package audio

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// PlaybackMixer owns the per-speaker buffer table and produces the
// mixed device output. One MixNext call services one device buffer on
// the audio-priority playback thread: it pulls a frame from every
// active speaker, sums them in float, and clamps to int16.
type PlaybackMixer struct {
	frameSize    int
	bufferConfig UserBufferConfig

	mu      sync.Mutex
	buffers map[uint32]*UserAudioBuffer

	mixer *FloatMixer
	tmp   []float32

	callbackCount atomic.Uint64
}

// NewPlaybackMixer creates an empty mixer table.
func NewPlaybackMixer(bufferConfig UserBufferConfig) *PlaybackMixer {
	if bufferConfig.SampleRate == 0 {
		bufferConfig = DefaultUserBufferConfig()
	}
	return &PlaybackMixer{
		frameSize:    bufferConfig.FrameSize,
		bufferConfig: bufferConfig,
		buffers:      make(map[uint32]*UserAudioBuffer),
		mixer:        NewFloatMixer(bufferConfig.FrameSize),
		tmp:          make([]float32, bufferConfig.FrameSize),
	}
}

// AddUserAudio feeds one decoded frame into the speaker's buffer,
// creating the buffer on first contact.
func (m *PlaybackMixer) AddUserAudio(userID uint32, samples []int16, sequence int64, isPLC bool) {
	m.mu.Lock()
	buf, ok := m.buffers[userID]
	if !ok {
		buf = NewUserAudioBuffer(userID, m.bufferConfig)
		m.buffers[userID] = buf
	}
	m.mu.Unlock()

	buf.AddSamples(samples, sequence, isPLC)
}

// RemoveUser evicts a speaker's buffer, typically on UserRemove.
func (m *PlaybackMixer) RemoveUser(userID uint32) {
	m.mu.Lock()
	_, ok := m.buffers[userID]
	delete(m.buffers, userID)
	m.mu.Unlock()

	if ok {
		logrus.WithFields(logrus.Fields{
			"function": "PlaybackMixer.RemoveUser",
			"user_id":  userID,
		}).Debug("Evicted user audio buffer")
	}
}

// NotifyTalkingEnded arms a fade-out on the speaker's next read.
func (m *PlaybackMixer) NotifyTalkingEnded(userID uint32) {
	m.mu.Lock()
	buf, ok := m.buffers[userID]
	m.mu.Unlock()

	if ok {
		buf.NotifyTalkingEnded()
	}
}

// MixNext renders one output buffer: pulls a frame from each speaker
// present at loop entry, mixes, and converts to int16. It returns the
// number of speakers that contributed audio.
func (m *PlaybackMixer) MixNext(output []int16) int {
	// Snapshot the buffer set so the iteration sees a consistent table
	// without holding the table lock across per-buffer work.
	m.mu.Lock()
	snapshot := make([]*UserAudioBuffer, 0, len(m.buffers))
	for _, buf := range m.buffers {
		snapshot = append(snapshot, buf)
	}
	m.mu.Unlock()

	m.mixer.Clear()

	contributors := 0
	for _, buf := range snapshot {
		if n := buf.ReadFloat(m.tmp); n > 0 {
			m.mixer.Add(m.tmp)
			contributors++
		}
	}

	m.mixer.GetMixed(output)
	m.callbackCount.Add(1)
	return contributors
}

// PlaybackCallbackCount returns the number of MixNext iterations, used
// by the surrounding layer to detect a stalled device callback.
func (m *PlaybackMixer) PlaybackCallbackCount() uint64 {
	return m.callbackCount.Load()
}

// FrameSize returns the per-iteration output size in samples.
func (m *PlaybackMixer) FrameSize() int {
	return m.frameSize
}

// ActiveUsers lists the sessions with live buffers, ascending.
func (m *PlaybackMixer) ActiveUsers() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uint32, 0, len(m.buffers))
	for id := range m.buffers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// UserBuffer returns one speaker's buffer, if present.
func (m *PlaybackMixer) UserBuffer(userID uint32) (*UserAudioBuffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[userID]
	return buf, ok
}

// Reset drops every speaker buffer, for disconnects.
func (m *PlaybackMixer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers = make(map[uint32]*UserAudioBuffer)
}
