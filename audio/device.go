package audio

// The platform audio device is an external collaborator. These
// interfaces are the whole contract the engine consumes; an
// implementation wraps CoreAudio, ALSA, a file, or a test double.

// CaptureDevice produces microphone frames on its own thread. The
// callback receives 48 kHz mono int16 samples in device-sized chunks,
// which need not match the codec frame size.
type CaptureDevice interface {
	Start(fn func(samples []int16)) error
	Stop() error
}

// PlaybackDevice pulls rendered output on its own thread. The callback
// must fill the presented buffer completely on every invocation.
type PlaybackDevice interface {
	Start(fn func(out []int16)) error
	Stop() error
}
