package mumblecore

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sayses/mumblecore/audio"
	"github.com/sayses/mumblecore/protocol"
)

// Options configures an Engine. LoadOptions starts from the NewOptions
// defaults, so partial YAML files configure only what they name. Of the
// explicit zero values, only the playback buffer sizes and the codec
// bitrate fall back to defaults; the others are used as given.
type Options struct {
	Server struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`

		CertificateFile    string `yaml:"certificate_file"`
		PrivateKeyFile     string `yaml:"private_key_file"`
		PKCS12File         string `yaml:"pkcs12_file"`
		PKCS12Password     string `yaml:"pkcs12_password"`
		ValidateServerCert bool   `yaml:"validate_server_cert"`
	} `yaml:"server"`

	Codec struct {
		Bitrate    int  `yaml:"bitrate"`
		Complexity int  `yaml:"complexity"`
		DTX        bool `yaml:"dtx"`
		InbandFEC  bool `yaml:"inband_fec"`
		PacketLoss int  `yaml:"packet_loss"`
	} `yaml:"codec"`

	VAD struct {
		Enabled        bool    `yaml:"enabled"`
		Threshold      float32 `yaml:"threshold"`
		MinSignalLevel float32 `yaml:"min_signal_level"`
		AttackMs       int     `yaml:"attack_ms"`
		HoldMs         int     `yaml:"hold_ms"`
	} `yaml:"vad"`

	Playback struct {
		MinBufferMs int `yaml:"min_buffer_ms"`
		MaxBufferMs int `yaml:"max_buffer_ms"`
	} `yaml:"playback"`

	Effects struct {
		Gain           float64 `yaml:"gain"`             // 0 disables the stage
		AutoGainTarget float64 `yaml:"auto_gain_target"` // 0 disables the stage
		NoiseFloor     float64 `yaml:"noise_floor"`      // 0 disables the stage
	} `yaml:"effects"`

	Release   string `yaml:"release"`
	OS        string `yaml:"os"`
	OSVersion string `yaml:"os_version"`
}

// NewOptions returns the engine defaults: 48 kHz mono Opus at 64 kbps
// with FEC, VAD gating on, 60/200 ms playback buffering.
func NewOptions() *Options {
	o := &Options{}
	o.Server.Port = protocol.DefaultPort

	o.Codec.Bitrate = 64000
	o.Codec.Complexity = 10
	o.Codec.DTX = true
	o.Codec.InbandFEC = true
	o.Codec.PacketLoss = 10

	vad := audio.DefaultVADConfig()
	o.VAD.Enabled = true
	o.VAD.Threshold = vad.Threshold
	o.VAD.MinSignalLevel = vad.MinSignalLevel
	o.VAD.AttackMs = vad.AttackMs
	o.VAD.HoldMs = vad.HoldMs

	buffer := audio.DefaultUserBufferConfig()
	o.Playback.MinBufferMs = buffer.MinBufferMs
	o.Playback.MaxBufferMs = buffer.MaxBufferMs

	o.Release = "mumblecore"
	o.OS = "go"
	return o
}

// LoadOptions reads a YAML options file over the defaults.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mumblecore: read options: %w", err)
	}

	o := NewOptions()
	if err := yaml.Unmarshal(data, o); err != nil {
		return nil, fmt.Errorf("mumblecore: parse options: %w", err)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Validate rejects option combinations the engine cannot run with.
func (o *Options) Validate() error {
	if o.Server.Host == "" {
		return fmt.Errorf("mumblecore: server host is required")
	}
	if o.Server.Username == "" {
		return fmt.Errorf("mumblecore: username is required")
	}
	if o.Codec.Complexity < 0 || o.Codec.Complexity > 10 {
		return fmt.Errorf("mumblecore: codec complexity out of range: %d", o.Codec.Complexity)
	}
	if o.Playback.MinBufferMs > o.Playback.MaxBufferMs {
		return fmt.Errorf("mumblecore: min buffer %d ms exceeds max %d ms",
			o.Playback.MinBufferMs, o.Playback.MaxBufferMs)
	}
	return nil
}

func (o *Options) protocolConfig() protocol.Config {
	return protocol.Config{
		Host:     o.Server.Host,
		Port:     o.Server.Port,
		Username: o.Server.Username,
		Password: o.Server.Password,
		TLS: protocol.TLSSettings{
			CertificateFile:    o.Server.CertificateFile,
			PrivateKeyFile:     o.Server.PrivateKeyFile,
			PKCS12File:         o.Server.PKCS12File,
			PKCS12Password:     o.Server.PKCS12Password,
			ValidateServerCert: o.Server.ValidateServerCert,
		},
		Release:   o.Release,
		OS:        o.OS,
		OSVersion: o.OSVersion,
	}
}

func (o *Options) codecConfig() audio.CodecConfig {
	config := audio.DefaultCodecConfig()
	config.Bitrate = o.Codec.Bitrate
	config.Complexity = o.Codec.Complexity
	config.DTX = o.Codec.DTX
	config.InbandFEC = o.Codec.InbandFEC
	config.PacketLoss = o.Codec.PacketLoss
	return config
}

func (o *Options) captureConfig() audio.CaptureConfig {
	config := audio.DefaultCaptureConfig()
	config.VADEnabled = o.VAD.Enabled
	config.VAD.Threshold = o.VAD.Threshold
	config.VAD.MinSignalLevel = o.VAD.MinSignalLevel
	config.VAD.AttackMs = o.VAD.AttackMs
	config.VAD.HoldMs = o.VAD.HoldMs
	return config
}

func (o *Options) bufferConfig() audio.UserBufferConfig {
	config := audio.DefaultUserBufferConfig()
	if o.Playback.MinBufferMs > 0 {
		config.MinBufferMs = o.Playback.MinBufferMs
	}
	if o.Playback.MaxBufferMs > 0 {
		config.MaxBufferMs = o.Playback.MaxBufferMs
	}
	return config
}
