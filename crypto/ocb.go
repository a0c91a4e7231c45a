package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// BlockSize is the AES block size in bytes.
const BlockSize = 16

// TagSize is the number of authentication tag bytes carried on the wire.
const TagSize = 3

// Overhead is the total per-packet expansion: one nonce byte plus the
// truncated tag.
const Overhead = 1 + TagSize

var (
	// ErrNotInitialized is returned when Encrypt or Decrypt is called
	// before Init has installed key material.
	ErrNotInitialized = errors.New("crypto: state not initialized")

	// ErrKeySize is returned by Init when the key or a nonce is not
	// exactly 16 bytes.
	ErrKeySize = errors.New("crypto: key and nonces must be 16 bytes")

	// ErrTagMismatch is returned by Decrypt when the truncated tag does
	// not match. The caller should request a fresh CryptSetup.
	ErrTagMismatch = errors.New("crypto: packet tag mismatch")

	// ErrPacketTooShort is returned by Decrypt for inputs shorter than
	// the fixed overhead.
	ErrPacketTooShort = errors.New("crypto: packet too short")

	// ErrNonceExhausted is returned by Encrypt when the send counter has
	// reached its ceiling; a new CryptSetup is required before any
	// further packet can be sealed.
	ErrNonceExhausted = errors.New("crypto: encrypt nonce exhausted, resync required")
)

// Stats reports the decrypt-side packet accounting of a CryptState.
type Stats struct {
	Good   uint32
	Late   uint32
	Lost   uint32
	Resync uint32
}

// CryptState holds the OCB-AES128 state for one Mumble UDP association.
//
// A single state handles both directions: the client nonce seeds the
// encrypt (send) counter and the server nonce seeds the decrypt (receive)
// counter. Init, Encrypt and Decrypt are mutually exclusive; the state is
// safe for concurrent use.
type CryptState struct {
	mu sync.Mutex

	block       cipher.Block
	clientNonce [BlockSize]byte
	serverNonce [BlockSize]byte

	// l = E_K(0^128), the per-block offset increment.
	l [BlockSize]byte

	encryptNonce uint32
	decryptNonce uint32

	good   uint32
	late   uint32
	lost   uint32
	resync uint32

	initialized bool
	needResync  bool
}

// NewCryptState creates an empty, uninitialized cipher state.
func NewCryptState() *CryptState {
	return &CryptState{}
}

// Init installs the session key and the two directional nonces, resets
// both counters to zero and derives the OCB subkey L = E_K(0^128).
//
// Init may be called again at any time to rekey; the call is atomic with
// respect to Encrypt and Decrypt.
func (cs *CryptState) Init(key, clientNonce, serverNonce []byte) error {
	if len(key) != BlockSize || len(clientNonce) != BlockSize || len(serverNonce) != BlockSize {
		return ErrKeySize
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}

	cs.block = block
	copy(cs.clientNonce[:], clientNonce)
	copy(cs.serverNonce[:], serverNonce)

	var zero [BlockSize]byte
	block.Encrypt(cs.l[:], zero[:])

	cs.encryptNonce = 0
	cs.decryptNonce = 0
	cs.good = 0
	cs.late = 0
	cs.lost = 0
	cs.resync = 0
	cs.needResync = false
	cs.initialized = true

	logrus.WithFields(logrus.Fields{
		"function": "CryptState.Init",
	}).Debug("OCB-AES128 state initialized")

	return nil
}

// SetServerNonce replaces the decrypt nonce without touching the key or
// the encrypt side. Used for the short-form CryptSetup resync reply.
func (cs *CryptState) SetServerNonce(serverNonce []byte) error {
	if len(serverNonce) != BlockSize {
		return ErrKeySize
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	copy(cs.serverNonce[:], serverNonce)
	cs.decryptNonce = 0
	cs.needResync = false
	cs.resync++

	return nil
}

// Valid reports whether Init has completed.
func (cs *CryptState) Valid() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.initialized
}

// NeedsResync reports whether a tag failure has been observed since the
// last successful (re)initialization.
func (cs *CryptState) NeedsResync() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.needResync
}

// GetStats returns a snapshot of decrypt-side packet accounting.
func (cs *CryptState) GetStats() Stats {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return Stats{Good: cs.good, Late: cs.late, Lost: cs.lost, Resync: cs.resync}
}

// Encrypt seals plain into a new slice of len(plain)+Overhead bytes:
// one byte of nonce counter LSB, three tag bytes, then the OCB
// ciphertext. The send counter advances by exactly one per call.
func (cs *CryptState) Encrypt(plain []byte) ([]byte, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.initialized {
		return nil, ErrNotInitialized
	}
	if cs.encryptNonce == ^uint32(0) {
		return nil, ErrNonceExhausted
	}

	cs.encryptNonce++

	var nonce [BlockSize]byte
	copy(nonce[:], cs.clientNonce[:])
	putCounter(&nonce, cs.encryptNonce)

	dst := make([]byte, len(plain)+Overhead)
	var tag [BlockSize]byte
	cs.ocbEncrypt(plain, dst[Overhead:], &nonce, &tag)

	dst[0] = byte(cs.encryptNonce)
	dst[1] = tag[0]
	dst[2] = tag[1]
	dst[3] = tag[2]

	return dst, nil
}

// Decrypt opens a sealed packet produced by the peer. On tag mismatch it
// marks the state as needing resync, leaves the decrypt counter
// untouched and returns ErrTagMismatch.
func (cs *CryptState) Decrypt(sealed []byte) ([]byte, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.initialized {
		return nil, ErrNotInitialized
	}
	if len(sealed) < Overhead {
		return nil, ErrPacketTooShort
	}

	// Reconstruct the full 32-bit counter from its transmitted low byte,
	// interpreting the delta as a signed 8-bit offset from the expected
	// counter value.
	diff := int8(sealed[0] - byte(cs.decryptNonce))
	predicted := cs.decryptNonce + uint32(int32(diff))

	var nonce [BlockSize]byte
	copy(nonce[:], cs.serverNonce[:])
	putCounter(&nonce, predicted)

	plain := make([]byte, len(sealed)-Overhead)
	var tag [BlockSize]byte
	cs.ocbDecrypt(sealed[Overhead:], plain, &nonce, &tag)

	if subtle.ConstantTimeCompare(tag[:TagSize], sealed[1:Overhead]) != 1 {
		cs.needResync = true
		logrus.WithFields(logrus.Fields{
			"function": "CryptState.Decrypt",
			"counter":  predicted,
		}).Warn("Voice packet tag mismatch, resync needed")
		return nil, ErrTagMismatch
	}

	// Encrypt numbers packets from 1, so while the decrypt counter is
	// still zero the next expected counter is 1.
	lost := int32(diff)
	if cs.decryptNonce == 0 {
		lost--
	}
	if diff < 0 {
		cs.late++
	} else if lost > 0 {
		cs.lost += uint32(lost)
	}
	cs.good++
	cs.decryptNonce = predicted + 1

	return plain, nil
}

// ocbEncrypt runs the OCB core forward: src is plaintext, dst receives
// ciphertext, and the full 16-byte tag is written out. The checksum
// accumulates plaintext blocks.
func (cs *CryptState) ocbEncrypt(src, dst []byte, nonce, tag *[BlockSize]byte) {
	var offset, checksum, tmp [BlockSize]byte

	cs.block.Encrypt(offset[:], nonce[:])

	full := len(src) / BlockSize
	for i := 0; i < full; i++ {
		blockIn := src[i*BlockSize : (i+1)*BlockSize]
		blockOut := dst[i*BlockSize : (i+1)*BlockSize]

		xorBlock(&offset, &offset, &cs.l)
		xorInto(tmp[:], blockIn, offset[:])
		cs.block.Encrypt(tmp[:], tmp[:])
		xorInto(blockOut, tmp[:], offset[:])
		xorBytes(checksum[:], blockIn)
	}

	if rem := len(src) % BlockSize; rem > 0 {
		shiftBlock(&offset)

		var pad [BlockSize]byte
		cs.block.Encrypt(pad[:], offset[:])

		base := full * BlockSize
		for i := 0; i < rem; i++ {
			dst[base+i] = src[base+i] ^ pad[i]
			checksum[i] ^= src[base+i]
		}
		checksum[rem] ^= 0x80
	}

	xorBlock(&checksum, &checksum, &offset)
	cs.block.Encrypt(tag[:], checksum[:])
}

// ocbDecrypt inverts ocbEncrypt: src is ciphertext, dst receives the
// recovered plaintext. Full blocks go through the AES inverse
// permutation inside the XEX whitening; the final partial block is a
// pad XOR and needs no inverse. The tag checksum accumulates the
// recovered plaintext, so a caller comparing tags gets an authentic
// verdict over what was actually decrypted.
func (cs *CryptState) ocbDecrypt(src, dst []byte, nonce, tag *[BlockSize]byte) {
	var offset, checksum, tmp [BlockSize]byte

	cs.block.Encrypt(offset[:], nonce[:])

	full := len(src) / BlockSize
	for i := 0; i < full; i++ {
		blockIn := src[i*BlockSize : (i+1)*BlockSize]
		blockOut := dst[i*BlockSize : (i+1)*BlockSize]

		xorBlock(&offset, &offset, &cs.l)
		xorInto(tmp[:], blockIn, offset[:])
		cs.block.Decrypt(tmp[:], tmp[:])
		xorInto(blockOut, tmp[:], offset[:])
		xorBytes(checksum[:], blockOut)
	}

	if rem := len(src) % BlockSize; rem > 0 {
		shiftBlock(&offset)

		var pad [BlockSize]byte
		cs.block.Encrypt(pad[:], offset[:])

		base := full * BlockSize
		for i := 0; i < rem; i++ {
			dst[base+i] = src[base+i] ^ pad[i]
			checksum[i] ^= dst[base+i]
		}
		checksum[rem] ^= 0x80
	}

	xorBlock(&checksum, &checksum, &offset)
	cs.block.Encrypt(tag[:], checksum[:])
}

// putCounter overwrites the first four nonce bytes with the little-endian
// counter value.
func putCounter(nonce *[BlockSize]byte, ctr uint32) {
	nonce[0] = byte(ctr)
	nonce[1] = byte(ctr >> 8)
	nonce[2] = byte(ctr >> 16)
	nonce[3] = byte(ctr >> 24)
}

// shiftBlock doubles the block in GF(2^128) with the 0x87 reduction
// polynomial.
func shiftBlock(b *[BlockSize]byte) {
	carry := b[0] >> 7
	for i := 0; i < BlockSize-1; i++ {
		b[i] = b[i]<<1 | b[i+1]>>7
	}
	b[BlockSize-1] <<= 1
	if carry != 0 {
		b[BlockSize-1] ^= 0x87
	}
}

func xorBlock(dst, a, b *[BlockSize]byte) {
	for i := 0; i < BlockSize; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

func xorInto(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

func xorBytes(dst, src []byte) {
	for i := range src {
		dst[i] ^= src[i]
	}
}
