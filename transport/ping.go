package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// udpPingType is the leading byte of a Mumble UDP ping datagram.
const udpPingType = 0x20

const (
	pingInterval = 5 * time.Second
	pingTimeout  = 2 * time.Second
	pingTick     = 100 * time.Millisecond
	maxRetries   = 3
)

// PingCallback reports a reachability verdict: success with the
// measured round-trip in milliseconds, or failure after the retry
// budget is spent.
type PingCallback func(success bool, latencyMs float64)

// DatagramFunc receives non-ping datagrams arriving on the probe
// socket, i.e. encrypted voice sent down by the server over UDP.
type DatagramFunc func(data []byte)

// UDPPinger probes the server's UDP port from its own goroutine. A
// response to the 9-byte ping datagram marks UDP as available and
// measures latency; three consecutive timeouts, whether or not an
// earlier ping succeeded, mark it unavailable and end the probe, reported
// exactly once.
type UDPPinger struct {
	mu       sync.Mutex
	conn     *net.UDPConn
	callback PingCallback
	onData   DatagramFunc

	running      atomic.Bool
	udpAvailable atomic.Bool
	latencyUs    atomic.Int64

	pingsSent     atomic.Uint64
	pongsReceived atomic.Uint64

	done chan struct{}
}

// NewUDPPinger creates an idle pinger.
func NewUDPPinger() *UDPPinger {
	return &UDPPinger{}
}

// SetDatagramHandler installs the receiver for non-ping traffic on the
// probe socket. Set it before Start; the handler runs on the pinger
// goroutine.
func (p *UDPPinger) SetDatagramHandler(fn DatagramFunc) {
	p.mu.Lock()
	p.onData = fn
	p.mu.Unlock()
}

// Start resolves the server address, opens the probe socket and begins
// pinging. The callback runs on the pinger goroutine.
func (p *UDPPinger) Start(host string, port int, callback PingCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return fmt.Errorf("transport: pinger already running")
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("transport: resolve %s:%d: %w", host, port, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("transport: open ping socket: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "UDPPinger.Start",
		"host":     host,
		"port":     port,
	}).Debug("Starting UDP reachability probe")

	p.conn = conn
	p.callback = callback
	p.udpAvailable.Store(false)
	p.running.Store(true)
	p.done = make(chan struct{})

	go p.pingLoop(conn, callback, p.done)
	return nil
}

// Stop halts the probe loop and closes the socket. Safe to call twice.
// The mutex is not held while joining the goroutine, which may itself
// be dispatching a datagram.
func (p *UDPPinger) Stop() {
	p.mu.Lock()
	if !p.running.Load() {
		p.mu.Unlock()
		return
	}
	p.running.Store(false)
	conn := p.conn
	done := p.done
	p.mu.Unlock()

	conn.Close()
	<-done

	p.mu.Lock()
	p.conn = nil
	p.mu.Unlock()
}

// Available reports whether a ping has been answered.
func (p *UDPPinger) Available() bool {
	return p.udpAvailable.Load()
}

// Latency returns the last measured round-trip in milliseconds.
func (p *UDPPinger) Latency() float64 {
	return float64(p.latencyUs.Load()) / 1000.0
}

// Conn exposes the probe socket, which doubles as the voice socket once
// UDP is known to work.
func (p *UDPPinger) Conn() *net.UDPConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *UDPPinger) pingLoop(conn *net.UDPConn, callback PingCallback, done chan struct{}) {
	defer close(done)

	retries := 0
	for p.running.Load() && retries < maxRetries {
		sent := time.Now()
		if err := p.sendPing(conn, sent); err != nil {
			retries++
			p.drainInterval(conn)
			continue
		}

		if p.receivePong(conn, sent) {
			if callback != nil {
				callback(true, p.Latency())
			}
			retries = 0
		} else {
			retries++
		}

		p.drainInterval(conn)
	}

	if retries >= maxRetries {
		// Either UDP never worked, or a previously good path went dark.
		// Both end with the tunnel carrying voice; report the verdict
		// exactly once.
		p.udpAvailable.Store(false)
		logrus.WithFields(logrus.Fields{
			"function": "UDPPinger.pingLoop",
			"retries":  retries,
		}).Info("UDP unreachable, voice will use the TCP tunnel")
		if callback != nil {
			callback(false, 0)
		}
	}
}

// sendPing writes the 9-byte probe: type byte then the send time in
// little-endian microseconds, echoed back verbatim by the server.
func (p *UDPPinger) sendPing(conn *net.UDPConn, sent time.Time) error {
	var packet [9]byte
	packet[0] = udpPingType
	binary.LittleEndian.PutUint64(packet[1:], uint64(sent.UnixMicro()))

	if _, err := conn.Write(packet[:]); err != nil {
		return err
	}
	p.pingsSent.Add(1)
	return nil
}

// receivePong polls for a matching reply in short slices so Stop is
// honored within one tick. Voice datagrams arriving in the meantime go
// straight to the datagram handler.
func (p *UDPPinger) receivePong(conn *net.UDPConn, sent time.Time) bool {
	deadline := time.Now().Add(pingTimeout)
	buf := make([]byte, 2048)

	for p.running.Load() && time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(pingTick))
		n, err := conn.Read(buf)
		if err != nil {
			continue
		}
		if n >= 1 && buf[0] == udpPingType {
			rtt := time.Since(sent)
			p.latencyUs.Store(rtt.Microseconds())
			p.udpAvailable.Store(true)
			p.pongsReceived.Add(1)
			return true
		}
		p.dispatchDatagram(buf[:n])
	}
	return false
}

// drainInterval waits out the ping cadence in 100 ms read slices,
// honoring Stop on each one and forwarding any voice datagrams that
// arrive between probes.
func (p *UDPPinger) drainInterval(conn *net.UDPConn) {
	deadline := time.Now().Add(pingInterval)
	buf := make([]byte, 2048)

	for p.running.Load() && time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(pingTick))
		n, err := conn.Read(buf)
		if err != nil {
			continue
		}
		if n >= 1 && buf[0] == udpPingType {
			continue // stray pong from a retransmit
		}
		p.dispatchDatagram(buf[:n])
	}
}

func (p *UDPPinger) dispatchDatagram(data []byte) {
	if len(data) == 0 {
		return
	}
	p.mu.Lock()
	onData := p.onData
	p.mu.Unlock()
	if onData != nil {
		onData(append([]byte(nil), data...))
	}
}
