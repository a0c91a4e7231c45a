package audio

import (
	"sort"
	"sync"
)

// JitterConfig tunes the legacy single-stream jitter buffer.
type JitterConfig struct {
	SampleRate    int
	FrameSize     int
	TargetDelayMs int
	MinDelayMs    int
}

// DefaultJitterConfig returns a 40 ms minimum / 60 ms target delay.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		SampleRate:    DefaultSampleRate,
		FrameSize:     DefaultFrameSize,
		TargetDelayMs: 60,
		MinDelayMs:    40,
	}
}

// maxJitterPackets caps the reorder window.
const maxJitterPackets = 100

// JitterStats counts jitter-buffer behavior.
type JitterStats struct {
	CurrentDelayMs   int
	PacketsReceived  int
	PacketsLost      int
	PacketsLate      int
	PacketsReordered int
	LossRate         float32
}

type jitterPacket struct {
	data     []int16
	sequence uint32
}

// JitterBuffer is the sequence-keyed single-stream reorder buffer used
// for callback-style decoding. The multi-speaker playback path uses
// UserAudioBuffer instead; this one survives for single-stream
// consumers and as a loss-accounting reference.
type JitterBuffer struct {
	mu sync.Mutex

	config  JitterConfig
	packets map[uint32]jitterPacket

	nextPlaySequence uint32
	initialized      bool
	currentDelayMs   int

	packetsReceived  int
	packetsLost      int
	packetsLate      int
	packetsReordered int
}

// NewJitterBuffer creates a buffer with the given tuning.
func NewJitterBuffer(config JitterConfig) *JitterBuffer {
	if config.SampleRate == 0 {
		config = DefaultJitterConfig()
	}
	return &JitterBuffer{
		config:         config,
		packets:        make(map[uint32]jitterPacket),
		currentDelayMs: config.TargetDelayMs,
	}
}

// Put stores one decoded packet. Packets older than the play position
// are dropped as late; packets arriving behind the current maximum are
// counted as reordered; the oldest packets are evicted over the cap.
func (j *JitterBuffer) Put(data []int16, sequence uint32) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.packetsReceived++

	if !j.initialized {
		j.nextPlaySequence = sequence
		j.initialized = true
	}

	if sequence < j.nextPlaySequence {
		j.packetsLate++
		return
	}

	if max, ok := j.maxSequence(); ok && sequence < max {
		j.packetsReordered++
	}

	j.packets[sequence] = jitterPacket{
		data:     append([]int16(nil), data...),
		sequence: sequence,
	}

	for len(j.packets) > maxJitterPackets {
		if min, ok := j.minSequence(); ok {
			delete(j.packets, min)
		}
	}
}

// Get fills output with the next frame in sequence order and returns
// the sample count, or 0 for silence while the buffer builds up. A
// missing sequence skips forward to the next available packet, counting
// the intervening ones as lost.
func (j *JitterBuffer) Get(output []int16) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.initialized || len(j.packets) == 0 {
		zeroInt16(output)
		return 0
	}

	minPackets := j.config.MinDelayMs * j.config.SampleRate / (j.config.FrameSize * 1000)
	if len(j.packets) < minPackets {
		zeroInt16(output)
		return 0
	}

	if pkt, ok := j.packets[j.nextPlaySequence]; ok {
		n := j.emit(pkt, output)
		delete(j.packets, pkt.sequence)
		j.nextPlaySequence++
		return n
	}

	// Expected packet is missing: skip ahead to the smallest available
	// sequence, counting everything in between as lost.
	j.packetsLost++
	min, ok := j.minSequence()
	if !ok {
		zeroInt16(output)
		return 0
	}
	if j.nextPlaySequence < min {
		skipped := int(min - j.nextPlaySequence)
		j.packetsLost += skipped - 1 // the first gap is already counted
		j.nextPlaySequence = min
	}

	pkt := j.packets[min]
	n := j.emit(pkt, output)
	delete(j.packets, min)
	j.nextPlaySequence = min + 1
	return n
}

func (j *JitterBuffer) emit(pkt jitterPacket, output []int16) int {
	n := len(pkt.data)
	if n > len(output) {
		n = len(output)
	}
	copy(output[:n], pkt.data[:n])
	zeroInt16(output[n:])
	return n
}

// HasData reports whether any packet is buffered.
func (j *JitterBuffer) HasData() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.packets) > 0
}

// GetStats returns a snapshot including the derived loss rate.
func (j *JitterBuffer) GetStats() JitterStats {
	j.mu.Lock()
	defer j.mu.Unlock()

	stats := JitterStats{
		CurrentDelayMs:   j.currentDelayMs,
		PacketsReceived:  j.packetsReceived,
		PacketsLost:      j.packetsLost,
		PacketsLate:      j.packetsLate,
		PacketsReordered: j.packetsReordered,
	}
	if j.packetsReceived > 0 {
		stats.LossRate = float32(j.packetsLost) / float32(j.packetsReceived)
	}
	return stats
}

// Reset returns the buffer to its uninitialized state.
func (j *JitterBuffer) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.packets = make(map[uint32]jitterPacket)
	j.nextPlaySequence = 0
	j.initialized = false
	j.currentDelayMs = j.config.TargetDelayMs
	j.packetsReceived = 0
	j.packetsLost = 0
	j.packetsLate = 0
	j.packetsReordered = 0
}

func (j *JitterBuffer) minSequence() (uint32, bool) {
	return j.boundSequence(func(a, b uint32) bool { return a < b })
}

func (j *JitterBuffer) maxSequence() (uint32, bool) {
	return j.boundSequence(func(a, b uint32) bool { return a > b })
}

func (j *JitterBuffer) boundSequence(better func(a, b uint32) bool) (uint32, bool) {
	first := true
	var bound uint32
	for seq := range j.packets {
		if first || better(seq, bound) {
			bound = seq
			first = false
		}
	}
	return bound, !first
}

// Sequences returns the buffered sequence numbers in ascending order,
// for tests and debugging.
func (j *JitterBuffer) Sequences() []uint32 {
	j.mu.Lock()
	defer j.mu.Unlock()

	seqs := make([]uint32, 0, len(j.packets))
	for seq := range j.packets {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(a, b int) bool { return seqs[a] < seqs[b] })
	return seqs
}

func zeroInt16(s []int16) {
	for i := range s {
		s[i] = 0
	}
}
