// Package metrics exposes the voice engine's counters as Prometheus
// collectors. Registration happens lazily on first use and is
// idempotent; a process that never scrapes pays only for atomic
// increments.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every metric the engine reports.
type Collectors struct {
	VoicePacketsDecoded prometheus.Counter
	VoicePacketsDropped prometheus.Counter
	PLCFrames           prometheus.Counter
	CryptoTagFailures   prometheus.Counter
	CryptoResyncs       prometheus.Counter
	BufferOverruns      prometheus.Counter
	BufferUnderruns     prometheus.Counter
	FramesEncoded       prometheus.Counter
	FramesGated         prometheus.Counter
	UDPPingLatencyMs    prometheus.Gauge
	UDPAvailable        prometheus.Gauge
	ConnectionState     prometheus.Gauge
	ActiveSpeakers      prometheus.Gauge
}

var (
	once       sync.Once
	collectors *Collectors
)

// Default returns the process-wide collector set, registering it with
// the default Prometheus registry on first call.
func Default() *Collectors {
	once.Do(func() {
		collectors = newCollectors()
		collectors.register(prometheus.DefaultRegisterer)
	})
	return collectors
}

func newCollectors() *Collectors {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mumblecore",
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mumblecore",
			Name:      name,
			Help:      help,
		})
	}

	return &Collectors{
		VoicePacketsDecoded: counter("voice_packets_decoded_total", "Voice packets decoded and delivered to playback."),
		VoicePacketsDropped: counter("voice_packets_dropped_total", "Voice packets dropped for bad headers or decode failures."),
		PLCFrames:           counter("plc_frames_total", "Concealment frames synthesized for lost packets."),
		CryptoTagFailures:   counter("crypto_tag_failures_total", "UDP packets rejected by the OCB tag check."),
		CryptoResyncs:       counter("crypto_resyncs_total", "Crypt resync requests sent to the server."),
		BufferOverruns:      counter("buffer_overruns_total", "Per-speaker buffer evictions from overflow."),
		BufferUnderruns:     counter("buffer_underruns_total", "Per-speaker buffer underruns during playback."),
		FramesEncoded:       counter("frames_encoded_total", "Capture frames encoded and handed to the sender."),
		FramesGated:         counter("frames_gated_total", "Capture frames suppressed by the VAD gate."),
		UDPPingLatencyMs:    gauge("udp_ping_latency_ms", "Last measured UDP round-trip in milliseconds."),
		UDPAvailable:        gauge("udp_available", "1 when encrypted UDP voice is usable, else 0."),
		ConnectionState:     gauge("connection_state", "Control connection state as its numeric enum value."),
		ActiveSpeakers:      gauge("active_speakers", "Speakers with live playback buffers."),
	}
}

func (c *Collectors) register(r prometheus.Registerer) {
	for _, collector := range []prometheus.Collector{
		c.VoicePacketsDecoded, c.VoicePacketsDropped, c.PLCFrames,
		c.CryptoTagFailures, c.CryptoResyncs,
		c.BufferOverruns, c.BufferUnderruns,
		c.FramesEncoded, c.FramesGated,
		c.UDPPingLatencyMs, c.UDPAvailable, c.ConnectionState, c.ActiveSpeakers,
	} {
		// AlreadyRegisteredError only; collectors are process-wide.
		_ = r.Register(collector)
	}
}

// NewForRegistry builds an independent collector set registered with r,
// for tests and embedders that avoid the default registry.
func NewForRegistry(r prometheus.Registerer) *Collectors {
	c := newCollectors()
	c.register(r)
	return c
}
