package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyMaterial() (key, clientNonce, serverNonce []byte) {
	key = make([]byte, BlockSize)
	clientNonce = make([]byte, BlockSize)
	serverNonce = make([]byte, BlockSize)
	for i := 0; i < BlockSize; i++ {
		key[i] = byte(i)
		clientNonce[i] = byte(0x40 + i)
		serverNonce[i] = byte(0x80 + i)
	}
	return
}

// pairedStates returns a sender and a receiver sharing key material, with
// the sender's client nonce acting as the receiver's server nonce.
func pairedStates(t *testing.T) (*CryptState, *CryptState) {
	t.Helper()

	key, clientNonce, serverNonce := testKeyMaterial()

	sender := NewCryptState()
	require.NoError(t, sender.Init(key, clientNonce, serverNonce))

	receiver := NewCryptState()
	require.NoError(t, receiver.Init(key, serverNonce, clientNonce))

	return sender, receiver
}

func TestInitValidation(t *testing.T) {
	cs := NewCryptState()

	assert.False(t, cs.Valid())
	assert.ErrorIs(t, cs.Init(make([]byte, 15), make([]byte, 16), make([]byte, 16)), ErrKeySize)
	assert.ErrorIs(t, cs.Init(make([]byte, 16), make([]byte, 16), make([]byte, 8)), ErrKeySize)

	key, cn, sn := testKeyMaterial()
	require.NoError(t, cs.Init(key, cn, sn))
	assert.True(t, cs.Valid())
	assert.False(t, cs.NeedsResync())
}

func TestEncryptBeforeInit(t *testing.T) {
	cs := NewCryptState()

	_, err := cs.Encrypt([]byte("voice"))
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = cs.Decrypt(make([]byte, 16))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestRoundTripLengths(t *testing.T) {
	lengths := []int{0, 1, 15, 16, 17, 31, 100, 960}

	for _, n := range lengths {
		sender, receiver := pairedStates(t)

		plain := make([]byte, n)
		for i := range plain {
			plain[i] = byte(i * 7)
		}

		sealed, err := sender.Encrypt(plain)
		require.NoError(t, err, "length %d", n)
		require.Len(t, sealed, n+Overhead)

		opened, err := receiver.Decrypt(sealed)
		require.NoError(t, err, "length %d", n)
		assert.True(t, bytes.Equal(plain, opened), "length %d", n)
	}
}

func TestEncryptCounterAdvances(t *testing.T) {
	sender, receiver := pairedStates(t)

	for i := 1; i <= 5; i++ {
		sealed, err := sender.Encrypt([]byte("frame"))
		require.NoError(t, err)
		assert.Equal(t, byte(i), sealed[0], "nonce LSB must equal seal count")

		_, err = receiver.Decrypt(sealed)
		require.NoError(t, err)
	}

	assert.Equal(t, uint32(5), receiver.GetStats().Good)
}

func TestTagMismatchSignalsResync(t *testing.T) {
	for flip := 1; flip <= TagSize; flip++ {
		sender, receiver := pairedStates(t)

		sealed, err := sender.Encrypt([]byte("some voice payload"))
		require.NoError(t, err)

		before := receiver.GetStats()
		sealed[flip] ^= 0xFF

		_, err = receiver.Decrypt(sealed)
		assert.ErrorIs(t, err, ErrTagMismatch)
		assert.True(t, receiver.NeedsResync())
		assert.Equal(t, before.Good, receiver.GetStats().Good, "dec counter must not advance")
	}
}

func TestCorruptCiphertextRejected(t *testing.T) {
	sender, receiver := pairedStates(t)

	sealed, err := sender.Encrypt(bytes.Repeat([]byte{0x55}, 48))
	require.NoError(t, err)

	sealed[Overhead+10] ^= 0x01

	_, err = receiver.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrTagMismatch)
}

func TestDecryptTooShort(t *testing.T) {
	_, receiver := pairedStates(t)

	_, err := receiver.Decrypt([]byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, ErrPacketTooShort)
}

func TestLossAndReorderAccounting(t *testing.T) {
	sender, receiver := pairedStates(t)

	var sealed [][]byte
	for i := 0; i < 4; i++ {
		p, err := sender.Encrypt([]byte{byte(i)})
		require.NoError(t, err)
		sealed = append(sealed, p)
	}

	// Deliver 1, skip 2 and 3, deliver 4 (two counters missing), then 3 late.
	_, err := receiver.Decrypt(sealed[0])
	require.NoError(t, err)

	_, err = receiver.Decrypt(sealed[3])
	require.NoError(t, err)

	stats := receiver.GetStats()
	assert.Equal(t, uint32(2), stats.Lost)

	_, err = receiver.Decrypt(sealed[2])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), receiver.GetStats().Late)
}

func TestSetServerNonceClearsResync(t *testing.T) {
	sender, receiver := pairedStates(t)

	sealed, err := sender.Encrypt([]byte("payload"))
	require.NoError(t, err)

	sealed[1] ^= 0xFF
	_, err = receiver.Decrypt(sealed)
	require.ErrorIs(t, err, ErrTagMismatch)
	require.True(t, receiver.NeedsResync())

	_, _, serverNonce := testKeyMaterial()
	require.NoError(t, receiver.SetServerNonce(serverNonce))
	assert.False(t, receiver.NeedsResync())
	assert.Equal(t, uint32(1), receiver.GetStats().Resync)
}

func TestRekeyResetsCounters(t *testing.T) {
	sender, _ := pairedStates(t)

	for i := 0; i < 3; i++ {
		_, err := sender.Encrypt([]byte("x"))
		require.NoError(t, err)
	}

	key, cn, sn := testKeyMaterial()
	require.NoError(t, sender.Init(key, cn, sn))

	sealed, err := sender.Encrypt([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, byte(1), sealed[0])
}
