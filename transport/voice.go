package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Sealer encrypts a voice packet for the UDP path. The protocol
// engine's OCB crypt state satisfies it.
type Sealer interface {
	Encrypt(plain []byte) ([]byte, error)
	Valid() bool
}

// TunnelFunc carries a voice packet over the TCP control channel as a
// UDPTunnel frame.
type TunnelFunc func(packet []byte) error

// ErrNoRoute is returned when neither UDP nor a tunnel is configured.
var ErrNoRoute = errors.New("transport: no voice route available")

// VoiceSenderStats counts outgoing voice routing.
type VoiceSenderStats struct {
	SentUDP       uint64
	SentTunnel    uint64
	DroppedUDP    uint64
	SealFailures  uint64
	RouteFailures uint64
}

// VoiceSender routes outgoing voice packets. Per-packet it picks
// encrypted UDP when the pinger has proven reachability and crypto is
// keyed, and the TCP tunnel otherwise. UDP send errors are dropped
// silently (voice is loss-tolerant); tunnel errors surface to the
// caller because a TCP failure is fatal to the connection.
type VoiceSender struct {
	mu     sync.Mutex
	conn   *net.UDPConn
	sealer Sealer
	tunnel TunnelFunc

	udpAvailable atomic.Bool

	sentUDP       atomic.Uint64
	sentTunnel    atomic.Uint64
	droppedUDP    atomic.Uint64
	sealFailures  atomic.Uint64
	routeFailures atomic.Uint64
}

// NewVoiceSender wires the sealer and tunnel path. The UDP socket is
// attached later, once the pinger has established one.
func NewVoiceSender(sealer Sealer, tunnel TunnelFunc) *VoiceSender {
	return &VoiceSender{sealer: sealer, tunnel: tunnel}
}

// SetUDPConn attaches the socket used for encrypted voice, normally the
// pinger's probe socket.
func (s *VoiceSender) SetUDPConn(conn *net.UDPConn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// SetUDPAvailable flips the route selector; driven by ping results.
func (s *VoiceSender) SetUDPAvailable(available bool) {
	prev := s.udpAvailable.Swap(available)
	if prev != available {
		logrus.WithFields(logrus.Fields{
			"function":  "VoiceSender.SetUDPAvailable",
			"available": available,
		}).Info("Voice transport switched")
	}
}

// UDPAvailable reports the current route selector state.
func (s *VoiceSender) UDPAvailable() bool {
	return s.udpAvailable.Load()
}

// Send routes one voice packet. The packet is the plain client-form
// voice packet; sealing happens here when the UDP route is taken.
func (s *VoiceSender) Send(packet []byte) error {
	if s.udpAvailable.Load() && s.sealer != nil && s.sealer.Valid() {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			sealed, err := s.sealer.Encrypt(packet)
			if err != nil {
				// Counter exhaustion or a rekey race: fall through to
				// the tunnel rather than lose the frame.
				s.sealFailures.Add(1)
			} else {
				if _, err := conn.Write(sealed); err != nil {
					s.droppedUDP.Add(1)
					return nil
				}
				s.sentUDP.Add(1)
				return nil
			}
		}
	}

	if s.tunnel == nil {
		s.routeFailures.Add(1)
		return ErrNoRoute
	}
	if err := s.tunnel(packet); err != nil {
		s.routeFailures.Add(1)
		return err
	}
	s.sentTunnel.Add(1)
	return nil
}

// GetStats returns a snapshot of routing counters.
func (s *VoiceSender) GetStats() VoiceSenderStats {
	return VoiceSenderStats{
		SentUDP:       s.sentUDP.Load(),
		SentTunnel:    s.sentTunnel.Load(),
		DroppedUDP:    s.droppedUDP.Load(),
		SealFailures:  s.sealFailures.Load(),
		RouteFailures: s.routeFailures.Load(),
	}
}
