// Package crypto implements the OCB-AES128 cipher state used to seal and
// open Mumble UDP voice datagrams.
//
// Mumble's UDP voice channel uses OCB (Offset Codebook) mode over AES-128
// with a truncated 24-bit authentication tag and a 32-bit sliding nonce
// counter carried in the low byte of every packet. The key and the two
// directional nonces arrive over the TLS control channel in a CryptSetup
// message.
//
// Example:
//
//	state := crypto.NewCryptState()
//	if err := state.Init(key, clientNonce, serverNonce); err != nil {
//	    log.Fatal(err)
//	}
//
//	sealed, err := state.Encrypt(voicePacket)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// sealed is len(voicePacket)+4 bytes: [ctr_lsb | tag[0:3] | ciphertext]
package crypto
