// Package audio implements the voice-engine audio path: per-speaker
// jitter buffers with sine-window crossfade, a clip-safe float mixer,
// energy-based voice activity detection, the Opus codec adapter, the
// capture pipeline that gates and encodes microphone frames, and the
// playback engine that mixes all active speakers into the device
// buffer.
//
// The package never references the protocol engine. Decoded speech
// arrives through a plain (session, pcm, sequence) call, and encoded
// frames leave the capture pipeline through a callback, so the
// dependency between networking and audio stays one-way.
package audio
