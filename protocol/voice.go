package protocol

import (
	"errors"
	"fmt"
)

// CodecType occupies the top three bits of a voice packet header.
type CodecType byte

const (
	CodecCELTAlpha CodecType = 0
	CodecPing      CodecType = 1
	CodecSpeex     CodecType = 2
	CodecCELTBeta  CodecType = 3
	CodecOpus      CodecType = 4
)

// opusTerminator marks the last frame of a transmission in the Opus
// length header; the low 13 bits carry the payload length.
const (
	opusTerminator = 0x2000
	opusLengthMask = 0x1FFF
)

var (
	// ErrVoiceTooShort is returned when a voice packet lacks even a
	// header byte.
	ErrVoiceTooShort = errors.New("protocol: voice packet too short")

	// ErrVoicePayload is returned when the Opus length header points
	// past the end of the packet.
	ErrVoicePayload = errors.New("protocol: voice payload length out of range")
)

// VoicePacket is the parsed form of a UDPTunnel payload or a decrypted
// UDP datagram. Session is populated only on the receive side; the
// sender's own session is implicit.
type VoicePacket struct {
	Codec    CodecType
	Target   byte
	Session  uint32
	Sequence int64
	Payload  []byte
	Last     bool
}

// ParseVoicePacket parses a server-to-client voice packet: header byte,
// varint session, varint sequence, then the codec payload. For Opus the
// payload is self-delimited by a varint length with a terminator bit.
func ParseVoicePacket(data []byte) (*VoicePacket, error) {
	if len(data) < 1 {
		return nil, ErrVoiceTooShort
	}

	pkt := &VoicePacket{
		Codec:  CodecType(data[0] >> 5),
		Target: data[0] & 0x1F,
	}
	rest := data[1:]

	session, n, err := ConsumeVarint(rest)
	if err != nil {
		return nil, fmt.Errorf("protocol: voice session: %w", err)
	}
	pkt.Session = uint32(session)
	rest = rest[n:]

	seq, n, err := ConsumeVarint(rest)
	if err != nil {
		return nil, fmt.Errorf("protocol: voice sequence: %w", err)
	}
	pkt.Sequence = seq
	rest = rest[n:]

	switch pkt.Codec {
	case CodecOpus:
		header, n, err := ConsumeVarint(rest)
		if err != nil {
			return nil, fmt.Errorf("protocol: opus length: %w", err)
		}
		rest = rest[n:]

		length := int(header & opusLengthMask)
		if length > len(rest) {
			return nil, ErrVoicePayload
		}
		pkt.Payload = rest[:length]
		pkt.Last = header&opusTerminator != 0

	default:
		// Legacy CELT/Speex framing is not decoded by this client; the
		// raw remainder is preserved so callers can count and drop it.
		pkt.Payload = rest
	}

	return pkt, nil
}

// EncodeVoicePacket builds a client-to-server voice packet. The session
// id is omitted: servers derive it from the connection.
func EncodeVoicePacket(codec CodecType, target byte, sequence int64, payload []byte, last bool) []byte {
	b := make([]byte, 0, len(payload)+8)
	b = append(b, byte(codec)<<5|target&0x1F)
	b = AppendVarint(b, sequence)

	if codec == CodecOpus {
		header := int64(len(payload) & opusLengthMask)
		if last {
			header |= opusTerminator
		}
		b = AppendVarint(b, header)
	}

	return append(b, payload...)
}
