package mumblecore

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sayses/mumblecore/audio"
	"github.com/sayses/mumblecore/crypto"
	"github.com/sayses/mumblecore/metrics"
	"github.com/sayses/mumblecore/protocol"
	"github.com/sayses/mumblecore/transport"
)

// Engine ties the protocol client, the audio engine and the UDP
// transport together. The protocol side owns the roster and the crypto
// state; the audio side owns the per-speaker buffers; they meet only at
// the decoded-audio callback and the session id.
type Engine struct {
	options *Options

	client *protocol.Client
	mixer  *audio.PlaybackMixer

	encoder *audio.OpusCodec
	capture *audio.CapturePipeline

	pinger *transport.UDPPinger
	sender *transport.VoiceSender

	collectors *metrics.Collectors

	decMu    sync.Mutex
	decoders map[uint32]*audio.OpusCodec

	seqMu        sync.Mutex
	sendSequence int64
	transmitting bool

	onStateChange func(protocol.ConnectionState)
	onPingResult  func(success bool, latencyMs float64)
}

// New assembles an engine from validated options.
func New(options *Options) (*Engine, error) {
	if options == nil {
		options = NewOptions()
	}

	encoder, err := audio.NewOpusCodec(options.codecConfig())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		options:    options,
		mixer:      audio.NewPlaybackMixer(options.bufferConfig()),
		encoder:    encoder,
		pinger:     transport.NewUDPPinger(),
		collectors: metrics.Default(),
		decoders:   make(map[uint32]*audio.OpusCodec),
	}

	e.client = protocol.NewClient(e.newDecoder, e.deliverAudio)
	e.sender = transport.NewVoiceSender(e.client.CryptState(), e.client.SendVoiceTunnel)
	e.capture = audio.NewCapturePipeline(options.captureConfig(), encoder, e.sendEncodedFrame)

	if err := e.buildEffects(); err != nil {
		return nil, err
	}

	e.client.OnStateChange(func(state protocol.ConnectionState) {
		e.collectors.ConnectionState.Set(float64(state))
		if e.onStateChange != nil {
			e.onStateChange(state)
		}
	})
	e.client.OnUserRemoved(func(u protocol.User) {
		e.mixer.NotifyTalkingEnded(u.Session)
		e.mixer.RemoveUser(u.Session)
		e.dropDecoder(u.Session)
	})
	e.pinger.SetDatagramHandler(e.ingestDatagram)

	return e, nil
}

func (e *Engine) buildEffects() error {
	chain := e.capture.Effects()

	if e.options.Effects.NoiseFloor > 0 {
		gate, err := audio.NewNoiseGateEffect(e.options.Effects.NoiseFloor)
		if err != nil {
			return err
		}
		chain.Add(gate)
	}
	if e.options.Effects.AutoGainTarget > 0 {
		agc, err := audio.NewAutoGainEffect(e.options.Effects.AutoGainTarget, 4.0)
		if err != nil {
			return err
		}
		chain.Add(agc)
	}
	if e.options.Effects.Gain > 0 && e.options.Effects.Gain != 1.0 {
		gain, err := audio.NewGainEffect(e.options.Effects.Gain)
		if err != nil {
			return err
		}
		chain.Add(gain)
	}
	return nil
}

// Connect validates options, brings up the control connection and
// starts the UDP reachability probe.
func (e *Engine) Connect() error {
	if err := e.options.Validate(); err != nil {
		return err
	}

	if err := e.client.Connect(e.options.protocolConfig()); err != nil {
		return err
	}

	if err := e.pinger.Start(e.options.Server.Host, e.options.Server.Port, e.pingResult); err != nil {
		// Voice still works over the tunnel; log and carry on.
		logrus.WithFields(logrus.Fields{
			"function": "Engine.Connect",
			"error":    err.Error(),
		}).Warn("UDP probe unavailable, voice will use the TCP tunnel")
	} else {
		e.sender.SetUDPConn(e.pinger.Conn())
	}

	return nil
}

// Disconnect tears everything down: probe, control connection, speaker
// buffers, capture state. Idempotent.
func (e *Engine) Disconnect() {
	e.pinger.Stop()
	e.sender.SetUDPAvailable(false)
	e.client.Disconnect()
	e.mixer.Reset()
	e.capture.Reset()

	e.decMu.Lock()
	for session, dec := range e.decoders {
		dec.Close()
		delete(e.decoders, session)
	}
	e.decMu.Unlock()

	e.seqMu.Lock()
	e.sendSequence = 0
	e.transmitting = false
	e.seqMu.Unlock()
}

// pingResult feeds probe verdicts into the transport selector.
func (e *Engine) pingResult(success bool, latencyMs float64) {
	e.sender.SetUDPAvailable(success)
	if success {
		e.collectors.UDPAvailable.Set(1)
		e.collectors.UDPPingLatencyMs.Set(latencyMs)
	} else {
		e.collectors.UDPAvailable.Set(0)
	}
	if e.onPingResult != nil {
		e.onPingResult(success, latencyMs)
	}
}

// newDecoder is the protocol client's per-session decoder factory; the
// engine keeps its own handle for PLC synthesis.
func (e *Engine) newDecoder(session uint32) (protocol.VoiceDecoder, error) {
	config := e.options.codecConfig()
	dec, err := audio.NewOpusDecoderOnly(config)
	if err != nil {
		return nil, err
	}

	e.decMu.Lock()
	e.decoders[session] = dec
	e.decMu.Unlock()
	return dec, nil
}

func (e *Engine) dropDecoder(session uint32) {
	e.decMu.Lock()
	if dec, ok := e.decoders[session]; ok {
		dec.Close()
		delete(e.decoders, session)
	}
	e.decMu.Unlock()
}

// deliverAudio is the one-way edge from protocol into audio. When
// exactly one packet is missing ahead of the arriving one, a single
// concealment frame is synthesized from decoder state to keep playback
// continuous.
func (e *Engine) deliverAudio(session uint32, pcm []int16, sequence int64) {
	if buf, ok := e.mixer.UserBuffer(session); ok {
		last := buf.LastSequence()
		inc := buf.SequenceIncrement()
		if last >= 0 && sequence == last+2*inc {
			e.concealOne(session, last+inc)
		}
	}

	e.mixer.AddUserAudio(session, pcm, sequence, false)
	e.collectors.VoicePacketsDecoded.Inc()
	e.collectors.ActiveSpeakers.Set(float64(len(e.mixer.ActiveUsers())))
}

func (e *Engine) concealOne(session uint32, sequence int64) {
	e.decMu.Lock()
	dec := e.decoders[session]
	e.decMu.Unlock()
	if dec == nil {
		return
	}

	plc, err := dec.DecodePLC()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.concealOne",
			"session":  session,
			"error":    err.Error(),
		}).Debug("PLC synthesis failed")
		return
	}

	e.mixer.AddUserAudio(session, plc, sequence, true)
	e.collectors.PLCFrames.Inc()
}

// ingestDatagram opens an encrypted voice datagram from the probe
// socket and feeds it down the normal voice path. Tag failures trigger
// one resync request per failure run.
func (e *Engine) ingestDatagram(data []byte) {
	crypt := e.client.CryptState()
	if !crypt.Valid() {
		return
	}

	alreadyDesynced := crypt.NeedsResync()
	plain, err := crypt.Decrypt(data)
	if err != nil {
		if errors.Is(err, crypto.ErrTagMismatch) {
			e.collectors.CryptoTagFailures.Inc()
			if !alreadyDesynced {
				e.collectors.CryptoResyncs.Inc()
				if err := e.client.RequestCryptResync(); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "Engine.ingestDatagram",
						"error":    err.Error(),
					}).Warn("Crypt resync request failed")
				}
			}
		}
		return
	}

	e.client.IngestVoice(plain)
}

// ProcessCapturedAudio accepts one device capture buffer; call it from
// the platform capture callback.
func (e *Engine) ProcessCapturedAudio(samples []int16) {
	e.capture.ProcessInput(samples)
}

// RenderPlayback fills one device output buffer with the mixed voices
// of every active speaker; call it from the platform playback callback.
func (e *Engine) RenderPlayback(out []int16) {
	e.mixer.MixNext(out)
}

// sendEncodedFrame packages one encoded capture frame as a voice packet
// and routes it through the transport selector. The sequence advances
// by one per codec frame covered.
func (e *Engine) sendEncodedFrame(payload []byte, samples int) {
	e.seqMu.Lock()
	seq := e.sendSequence
	frames := int64(samples / audio.DefaultFrameSize)
	if frames < 1 {
		frames = 1
	}
	e.sendSequence += frames
	e.transmitting = true
	e.seqMu.Unlock()

	packet := protocol.EncodeVoicePacket(protocol.CodecOpus, 0, seq, payload, false)
	if err := e.sender.Send(packet); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.sendEncodedFrame",
			"error":    err.Error(),
		}).Debug("Voice send failed")
	}
	e.collectors.FramesEncoded.Inc()
}

// EndTransmission marks the end of the current talk spurt with an empty
// terminator packet, letting receivers fade out immediately instead of
// waiting for an underrun. Call it when push-to-talk releases or the
// capture stream stops.
func (e *Engine) EndTransmission() {
	e.seqMu.Lock()
	active := e.transmitting
	seq := e.sendSequence
	e.transmitting = false
	e.seqMu.Unlock()

	if !active {
		return
	}

	packet := protocol.EncodeVoicePacket(protocol.CodecOpus, 0, seq, nil, true)
	if err := e.sender.Send(packet); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.EndTransmission",
			"error":    err.Error(),
		}).Debug("Terminator send failed")
	}
}

// Accessors and passthroughs.

// Client exposes the protocol client for roster queries and callbacks.
func (e *Engine) Client() *protocol.Client { return e.client }

// Mixer exposes the playback mixer table.
func (e *Engine) Mixer() *audio.PlaybackMixer { return e.mixer }

// Capture exposes the capture pipeline for VAD tuning and metering.
func (e *Engine) Capture() *audio.CapturePipeline { return e.capture }

// OnStateChange registers the connection state callback.
func (e *Engine) OnStateChange(cb func(protocol.ConnectionState)) { e.onStateChange = cb }

// OnPingResult registers a callback for UDP probe verdicts.
func (e *Engine) OnPingResult(cb func(success bool, latencyMs float64)) { e.onPingResult = cb }

// State returns the control connection state.
func (e *Engine) State() protocol.ConnectionState { return e.client.State() }

// LocalSession returns the session assigned by the server, or zero.
func (e *Engine) LocalSession() uint32 { return e.client.LocalSession() }

// JoinChannel moves the local user to a channel.
func (e *Engine) JoinChannel(channelID uint32) error { return e.client.JoinChannel(channelID) }

// SetSelfMute toggles self-mute. Muting ends the current transmission
// and resets the capture pipeline; frames captured while muted still go
// through the VAD gate and are encoded and sent.
func (e *Engine) SetSelfMute(mute bool) error {
	if mute {
		e.EndTransmission()
		e.capture.Reset()
	}
	return e.client.SetSelfMute(mute)
}

// SetSelfDeaf toggles self-deafen.
func (e *Engine) SetSelfDeaf(deaf bool) error { return e.client.SetSelfDeaf(deaf) }

// SetPushToTalk asserts or releases the transmit override.
func (e *Engine) SetPushToTalk(active bool) {
	e.capture.SetPushToTalk(active)
	if !active {
		e.EndTransmission()
	}
}

// SetVADThreshold adjusts the capture gate threshold, clamped to [0,1].
func (e *Engine) SetVADThreshold(threshold float32) {
	e.capture.VAD().SetThreshold(threshold)
}

// InputLevel returns the smoothed microphone level for UI metering.
func (e *Engine) InputLevel() float32 { return e.capture.InputLevel() }

// PlaybackCallbackCount returns the playback iteration counter used for
// stall detection.
func (e *Engine) PlaybackCallbackCount() uint64 { return e.mixer.PlaybackCallbackCount() }

// UDPAvailable reports whether voice currently rides encrypted UDP.
func (e *Engine) UDPAvailable() bool { return e.sender.UDPAvailable() }

// UDPLatency returns the last UDP round-trip in milliseconds.
func (e *Engine) UDPLatency() float64 { return e.pinger.Latency() }
