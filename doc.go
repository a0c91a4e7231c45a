// Package mumblecore implements the voice-communication core of a
// Mumble 1.3 client: the TLS control connection and its state machine,
// OCB-AES128 sealed UDP voice, per-speaker jitter-buffered playback
// with crossfade, and a VAD-gated Opus capture path.
//
// Example:
//
//	options := mumblecore.NewOptions()
//	options.Server.Host = "voice.example.com"
//	options.Server.Username = "alice"
//
//	engine, err := mumblecore.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine.OnStateChange(func(state protocol.ConnectionState) {
//	    fmt.Println("state:", state)
//	})
//
//	if err := engine.Connect(); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Disconnect()
//
//	// Wire the platform audio device:
//	//   capture thread -> engine.ProcessCapturedAudio(samples)
//	//   playback thread -> engine.RenderPlayback(out)
//
// The platform audio device, TLS stack and Opus codec are external
// collaborators; the engine consumes them through narrow interfaces and
// owns everything in between.
package mumblecore
