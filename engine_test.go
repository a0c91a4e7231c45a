package mumblecore

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sayses/mumblecore/audio"
	"github.com/sayses/mumblecore/crypto"
	"github.com/sayses/mumblecore/protocol"
	"github.com/sayses/mumblecore/transport"
)

func testOptions() *Options {
	o := NewOptions()
	o.Server.Host = "127.0.0.1"
	o.Server.Username = "tester"
	return o
}

func sineFrame(freq float64, amplitude int16, n int) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = int16(float64(amplitude) * math.Sin(2*math.Pi*freq*float64(i)/48000.0))
	}
	return frame
}

func TestEngineAssembly(t *testing.T) {
	e, err := New(testOptions())
	require.NoError(t, err)

	assert.Equal(t, protocol.StateDisconnected, e.State())
	assert.Equal(t, uint32(0), e.LocalSession())
	assert.False(t, e.UDPAvailable())
	assert.NotNil(t, e.Client())
	assert.NotNil(t, e.Mixer())
	assert.NotNil(t, e.Capture())
}

func TestDeliverAudioFeedsMixer(t *testing.T) {
	e, err := New(testOptions())
	require.NoError(t, err)

	frame := sineFrame(440, 10000, 480)
	for seq := int64(0); seq < 7; seq++ {
		e.deliverAudio(42, frame, seq)
	}

	buf, ok := e.Mixer().UserBuffer(42)
	require.True(t, ok)
	assert.Equal(t, uint64(7), buf.GetStats().PacketsReceived)

	// Enough buffered to cross priming: the next playback iteration
	// renders audio from this speaker.
	out := make([]int16, 480)
	assert.Equal(t, 1, e.Mixer().MixNext(out))
	assert.Equal(t, uint64(1), e.PlaybackCallbackCount())
}

func TestLossTriggersSinglePLCFrame(t *testing.T) {
	e, err := New(testOptions())
	require.NoError(t, err)

	// Create the per-session decoder the way the protocol client would,
	// and give it real decoder state to extrapolate from.
	dec, err := e.newDecoder(42)
	require.NoError(t, err)

	enc, err := audio.NewOpusCodec(audio.DefaultCodecConfig())
	require.NoError(t, err)

	frame := sineFrame(440, 10000, 480)
	for i := 0; i < 3; i++ {
		payload, err := enc.Encode(frame)
		require.NoError(t, err)
		pcm, err := dec.Decode(payload)
		require.NoError(t, err)
		e.deliverAudio(42, pcm, int64(i))
	}

	// Sequence 3 is lost; sequence 4 arrives next. The engine must
	// synthesize exactly one concealment frame for the hole.
	payload, err := enc.Encode(frame)
	require.NoError(t, err)
	pcm, err := dec.Decode(payload)
	require.NoError(t, err)
	e.deliverAudio(42, pcm, 4)

	buf, ok := e.Mixer().UserBuffer(42)
	require.True(t, ok)
	stats := buf.GetStats()
	assert.Equal(t, uint64(1), stats.PLCFrames)
	assert.Equal(t, uint64(5), stats.PacketsReceived)
	assert.Equal(t, int64(4), stats.LastSequence)
}

func TestCaptureToSendPath(t *testing.T) {
	e, err := New(testOptions())
	require.NoError(t, err)

	var mu sync.Mutex
	var packets [][]byte
	e.sender = transport.NewVoiceSender(nil, func(packet []byte) error {
		mu.Lock()
		defer mu.Unlock()
		packets = append(packets, append([]byte(nil), packet...))
		return nil
	})

	// Loud speech passes the VAD gate after its attack window.
	frame := sineFrame(200, 20000, 480)
	for i := 0; i < 20; i++ {
		e.ProcessCapturedAudio(frame)
	}
	e.EndTransmission()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(packets), 2)

	// Every packet is a client-form Opus voice packet with a strictly
	// increasing sequence; the final one is the empty terminator.
	var lastSeq int64 = -1
	for i, packet := range packets {
		require.NotEmpty(t, packet)
		assert.Equal(t, byte(protocol.CodecOpus)<<5, packet[0]&0xE0, "packet %d", i)

		seq, n, err := protocol.ConsumeVarint(packet[1:])
		require.NoError(t, err)
		assert.Greater(t, seq, lastSeq, "packet %d", i)
		lastSeq = seq
		_ = n
	}

	terminator := packets[len(packets)-1]
	seq, n, err := protocol.ConsumeVarint(terminator[1:])
	require.NoError(t, err)
	header, _, err := protocol.ConsumeVarint(terminator[1+n:])
	require.NoError(t, err)
	assert.Equal(t, int64(0x2000), header&0x2000, "terminator bit set")
	assert.Equal(t, int64(0), header&0x1FFF, "terminator carries no payload")
	_ = seq
}

func TestIngestDatagramTagMismatchArmsResync(t *testing.T) {
	e, err := New(testOptions())
	require.NoError(t, err)

	key := make([]byte, 16)
	cn := make([]byte, 16)
	sn := make([]byte, 16)
	require.NoError(t, e.client.CryptState().Init(key, cn, sn))

	// A peer keyed with swapped nonces produces packets we can open.
	peer := crypto.NewCryptState()
	require.NoError(t, peer.Init(key, sn, cn))

	sealed, err := peer.Encrypt([]byte{byte(protocol.CodecOpus) << 5, 0x01, 0x00, 0x00})
	require.NoError(t, err)

	// Corrupt the tag: the engine must mark the state for resync.
	sealed[1] ^= 0xFF
	e.ingestDatagram(sealed)

	assert.True(t, e.client.CryptState().NeedsResync())
}

func TestIngestDatagramValidPacketReachesVoicePath(t *testing.T) {
	e, err := New(testOptions())
	require.NoError(t, err)

	key := make([]byte, 16)
	cn := make([]byte, 16)
	sn := make([]byte, 16)
	require.NoError(t, e.client.CryptState().Init(key, cn, sn))

	peer := crypto.NewCryptState()
	require.NoError(t, peer.Init(key, sn, cn))

	// A syntactically valid Opus voice packet whose payload is not
	// decodable; it must be counted, never fatal.
	voice := []byte{byte(protocol.CodecOpus) << 5}
	voice = protocol.AppendVarint(voice, 42) // session
	voice = protocol.AppendVarint(voice, 0)  // sequence
	voice = protocol.AppendVarint(voice, 0)  // zero-length opus frame

	sealed, err := peer.Encrypt(voice)
	require.NoError(t, err)

	before := e.client.GetStats()
	e.ingestDatagram(sealed)
	after := e.client.GetStats()

	assert.Equal(t, before.BadVoiceHeaders+1, after.BadVoiceHeaders)
	assert.False(t, e.client.CryptState().NeedsResync())
}

func TestDisconnectIdempotentAndClean(t *testing.T) {
	e, err := New(testOptions())
	require.NoError(t, err)

	e.deliverAudio(5, sineFrame(440, 1000, 480), 0)
	_, err = e.newDecoder(5)
	require.NoError(t, err)

	e.Disconnect()
	e.Disconnect()

	assert.Equal(t, protocol.StateDisconnected, e.State())
	assert.Empty(t, e.Mixer().ActiveUsers())

	e.decMu.Lock()
	assert.Empty(t, e.decoders)
	e.decMu.Unlock()
}

func TestPingResultDrivesTransportSelection(t *testing.T) {
	e, err := New(testOptions())
	require.NoError(t, err)

	var mu sync.Mutex
	var verdicts []bool
	e.OnPingResult(func(success bool, latencyMs float64) {
		mu.Lock()
		defer mu.Unlock()
		verdicts = append(verdicts, success)
	})

	e.pingResult(true, 12.5)
	assert.True(t, e.UDPAvailable())

	e.pingResult(false, 0)
	assert.False(t, e.UDPAvailable())

	mu.Lock()
	assert.Equal(t, []bool{true, false}, verdicts)
	mu.Unlock()

	// Allow any pinger goroutine shutdown to settle before the test
	// binary exits.
	time.Sleep(10 * time.Millisecond)
}
