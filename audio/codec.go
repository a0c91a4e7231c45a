package audio

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	opus "gopkg.in/hraban/opus.v2"
)

// CodecConfig tunes the Opus encoder; the decoder takes only the rate
// and channel count.
type CodecConfig struct {
	SampleRate int
	Channels   int
	FrameSize  int
	Bitrate    int // bits/s; 0 means 64 kbps
	Complexity int // 0..10
	DTX        bool
	InbandFEC  bool
	PacketLoss int // expected loss percentage for FEC tuning
}

// DefaultCodecConfig matches the voice settings the engine runs with:
// VOIP tuning, 64 kbps, FEC against 10% loss.
func DefaultCodecConfig() CodecConfig {
	return CodecConfig{
		SampleRate: DefaultSampleRate,
		Channels:   1,
		FrameSize:  DefaultFrameSize,
		Bitrate:    64000,
		Complexity: 10,
		DTX:        true,
		InbandFEC:  true,
		PacketLoss: 10,
	}
}

// maxOpusPacket bounds one encoded frame. Voice frames at 64 kbps are
// far smaller; this is the codec's own recommended ceiling.
const maxOpusPacket = 4000

// OpusCodec adapts libopus for a single voice stream: framed encode and
// decode plus packet-loss concealment. Encode and decode sides keep
// independent state and may be used from different goroutines.
type OpusCodec struct {
	config CodecConfig

	encMu   sync.Mutex
	encoder *opus.Encoder

	decMu   sync.Mutex
	decoder *opus.Decoder
}

// NewOpusCodec creates encoder and decoder state for one stream.
func NewOpusCodec(config CodecConfig) (*OpusCodec, error) {
	if config.SampleRate == 0 {
		config = DefaultCodecConfig()
	}
	if config.Bitrate == 0 {
		config.Bitrate = 64000
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewOpusCodec",
		"sample_rate": config.SampleRate,
		"bitrate":     config.Bitrate,
		"complexity":  config.Complexity,
	}).Debug("Creating Opus codec")

	c := &OpusCodec{config: config}
	if err := c.initState(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewOpusDecoderOnly creates decoder-only state, used for per-speaker
// receive streams where no encoder is needed.
func NewOpusDecoderOnly(config CodecConfig) (*OpusCodec, error) {
	if config.SampleRate == 0 {
		config = DefaultCodecConfig()
	}

	decoder, err := opus.NewDecoder(config.SampleRate, config.Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusCodec{config: config, decoder: decoder}, nil
}

func (c *OpusCodec) initState() error {
	encoder, err := opus.NewEncoder(c.config.SampleRate, c.config.Channels, opus.AppVoIP)
	if err != nil {
		return fmt.Errorf("audio: create opus encoder: %w", err)
	}

	if err := encoder.SetBitrate(c.config.Bitrate); err != nil {
		return fmt.Errorf("audio: set bitrate: %w", err)
	}
	if err := encoder.SetComplexity(c.config.Complexity); err != nil {
		return fmt.Errorf("audio: set complexity: %w", err)
	}
	if err := encoder.SetDTX(c.config.DTX); err != nil {
		return fmt.Errorf("audio: set DTX: %w", err)
	}
	if err := encoder.SetInBandFEC(c.config.InbandFEC); err != nil {
		return fmt.Errorf("audio: set FEC: %w", err)
	}
	if c.config.PacketLoss > 0 {
		if err := encoder.SetPacketLossPerc(c.config.PacketLoss); err != nil {
			return fmt.Errorf("audio: set packet loss: %w", err)
		}
	}

	decoder, err := opus.NewDecoder(c.config.SampleRate, c.config.Channels)
	if err != nil {
		return fmt.Errorf("audio: create opus decoder: %w", err)
	}

	c.encoder = encoder
	c.decoder = decoder
	return nil
}

// FrameSize returns the codec frame size in samples.
func (c *OpusCodec) FrameSize() int {
	return c.config.FrameSize
}

// SampleRate returns the codec sample rate.
func (c *OpusCodec) SampleRate() int {
	return c.config.SampleRate
}

// Encode compresses exactly one frame of PCM and returns the Opus
// payload.
func (c *OpusCodec) Encode(pcm []int16) ([]byte, error) {
	c.encMu.Lock()
	defer c.encMu.Unlock()

	if c.encoder == nil {
		return nil, fmt.Errorf("audio: codec has no encoder")
	}

	buf := make([]byte, maxOpusPacket)
	n, err := c.encoder.Encode(pcm, buf)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return buf[:n], nil
}

// Decode expands one Opus payload to PCM.
func (c *OpusCodec) Decode(data []byte) ([]int16, error) {
	c.decMu.Lock()
	defer c.decMu.Unlock()

	// An Opus packet may carry up to 120 ms of audio.
	pcm := make([]int16, c.config.SampleRate/1000*120*c.config.Channels)
	n, err := c.decoder.Decode(data, pcm)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return pcm[:n*c.config.Channels], nil
}

// DecodePLC synthesizes one concealment frame from decoder state, used
// to paper over a single lost packet.
func (c *OpusCodec) DecodePLC() ([]int16, error) {
	c.decMu.Lock()
	defer c.decMu.Unlock()

	pcm := make([]int16, c.config.FrameSize*c.config.Channels)
	if err := c.decoder.DecodePLC(pcm); err != nil {
		return nil, fmt.Errorf("audio: opus PLC: %w", err)
	}
	return pcm, nil
}

// Close releases the codec state.
func (c *OpusCodec) Close() error {
	// libopus state is garbage-collected by the binding; nothing to free
	// explicitly. Close exists so stream owners can treat codecs as
	// scoped resources.
	return nil
}

// Reset recreates encoder and decoder state, dropping inter-frame
// prediction history.
func (c *OpusCodec) Reset() error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	c.decMu.Lock()
	defer c.decMu.Unlock()

	if c.encoder == nil {
		decoder, err := opus.NewDecoder(c.config.SampleRate, c.config.Channels)
		if err != nil {
			return fmt.Errorf("audio: reset opus decoder: %w", err)
		}
		c.decoder = decoder
		return nil
	}
	return c.initState()
}
