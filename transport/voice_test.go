package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sayses/mumblecore/crypto"
)

func testSealer(t *testing.T) *crypto.CryptState {
	t.Helper()
	key := make([]byte, 16)
	nonce := make([]byte, 16)
	cs := crypto.NewCryptState()
	require.NoError(t, cs.Init(key, nonce, nonce))
	return cs
}

func TestSendFallsBackToTunnelWithoutUDP(t *testing.T) {
	var tunneled [][]byte
	s := NewVoiceSender(testSealer(t), func(packet []byte) error {
		tunneled = append(tunneled, packet)
		return nil
	})

	require.NoError(t, s.Send([]byte{0x80, 0x01}))

	require.Len(t, tunneled, 1)
	assert.Equal(t, uint64(1), s.GetStats().SentTunnel)
	assert.Equal(t, uint64(0), s.GetStats().SentUDP)
}

func TestSendUsesEncryptedUDPWhenAvailable(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer server.Close()

	conn, err := net.DialUDP("udp", nil, server.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	sealer := testSealer(t)
	s := NewVoiceSender(sealer, func(packet []byte) error {
		t.Fatal("tunnel must not be used while UDP is available")
		return nil
	})
	s.SetUDPConn(conn)
	s.SetUDPAvailable(true)

	packet := []byte{0x80, 0x01, 0x02, 0x03}
	require.NoError(t, s.Send(packet))

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 128)
	n, _, err := server.ReadFromUDP(buf)
	require.NoError(t, err)

	// On the wire: counter byte, 3 tag bytes, ciphertext.
	assert.Equal(t, len(packet)+crypto.Overhead, n)
	assert.Equal(t, uint64(1), s.GetStats().SentUDP)

	// A receiver keyed the same way opens it back to the voice packet.
	receiver := testSealer(t)
	plain, err := receiver.Decrypt(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, packet, plain)
}

func TestSendTunnelsWhileCryptoUnkeyed(t *testing.T) {
	var tunneled int
	s := NewVoiceSender(crypto.NewCryptState(), func(packet []byte) error {
		tunneled++
		return nil
	})
	s.SetUDPAvailable(true) // reachable but not keyed

	require.NoError(t, s.Send([]byte{0x80}))
	assert.Equal(t, 1, tunneled)
}

func TestSendNoRoute(t *testing.T) {
	s := NewVoiceSender(nil, nil)
	assert.ErrorIs(t, s.Send([]byte{0x80}), ErrNoRoute)
	assert.Equal(t, uint64(1), s.GetStats().RouteFailures)
}

func TestTunnelErrorPropagates(t *testing.T) {
	s := NewVoiceSender(nil, func(packet []byte) error {
		return assert.AnError
	})
	assert.ErrorIs(t, s.Send([]byte{0x80}), assert.AnError)
}
