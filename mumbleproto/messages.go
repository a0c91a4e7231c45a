package mumbleproto

import "google.golang.org/protobuf/encoding/protowire"

// Version announces protocol and build information (message type 0).
type Version struct {
	Version   *uint32 // (major<<16)|(minor<<8)|patch
	Release   *string
	OS        *string
	OSVersion *string
}

// Marshal encodes the message to protobuf wire format.
func (m *Version) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.Version)
	b = appendString(b, 2, m.Release)
	b = appendString(b, 3, m.OS)
	b = appendString(b, 4, m.OSVersion)
	return b, nil
}

// Unmarshal decodes the message from protobuf wire format.
func (m *Version) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte) int {
		switch num {
		case 1:
			return readUint32(payload, &m.Version)
		case 2:
			return readString(payload, &m.Release)
		case 3:
			return readString(payload, &m.OS)
		case 4:
			return readString(payload, &m.OSVersion)
		}
		return 0
	})
}

// Authenticate carries the client's credentials (message type 2).
type Authenticate struct {
	Username *string
	Password *string
	Tokens   []string
	Opus     *bool
}

func (m *Authenticate) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Username)
	b = appendString(b, 2, m.Password)
	for i := range m.Tokens {
		b = appendString(b, 3, &m.Tokens[i])
	}
	b = appendBool(b, 5, m.Opus)
	return b, nil
}

func (m *Authenticate) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte) int {
		switch num {
		case 1:
			return readString(payload, &m.Username)
		case 2:
			return readString(payload, &m.Password)
		case 3:
			var s *string
			n := readString(payload, &s)
			if n >= 0 {
				m.Tokens = append(m.Tokens, *s)
			}
			return n
		case 5:
			return readBool(payload, &m.Opus)
		}
		return 0
	})
}

// Ping is the control-channel keepalive (message type 3). The crypt
// statistics ride along so the server can observe UDP health.
type Ping struct {
	Timestamp *uint64
	Good      *uint32
	Late      *uint32
	Lost      *uint32
	Resync    *uint32
}

func (m *Ping) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint64(b, 1, m.Timestamp)
	b = appendUint32(b, 2, m.Good)
	b = appendUint32(b, 3, m.Late)
	b = appendUint32(b, 4, m.Lost)
	b = appendUint32(b, 5, m.Resync)
	return b, nil
}

func (m *Ping) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte) int {
		switch num {
		case 1:
			return readUint64(payload, &m.Timestamp)
		case 2:
			return readUint32(payload, &m.Good)
		case 3:
			return readUint32(payload, &m.Late)
		case 4:
			return readUint32(payload, &m.Lost)
		case 5:
			return readUint32(payload, &m.Resync)
		}
		return 0
	})
}

// Reject reports a refused connection (message type 4).
type Reject struct {
	Type   *uint32
	Reason *string
}

func (m *Reject) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.Type)
	b = appendString(b, 2, m.Reason)
	return b, nil
}

func (m *Reject) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte) int {
		switch num {
		case 1:
			return readUint32(payload, &m.Type)
		case 2:
			return readString(payload, &m.Reason)
		}
		return 0
	})
}

// ServerSync completes the connection handshake (message type 5).
type ServerSync struct {
	Session      *uint32
	MaxBandwidth *uint32
	WelcomeText  *string
	Permissions  *uint64
}

func (m *ServerSync) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.Session)
	b = appendUint32(b, 2, m.MaxBandwidth)
	b = appendString(b, 3, m.WelcomeText)
	b = appendUint64(b, 4, m.Permissions)
	return b, nil
}

func (m *ServerSync) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte) int {
		switch num {
		case 1:
			return readUint32(payload, &m.Session)
		case 2:
			return readUint32(payload, &m.MaxBandwidth)
		case 3:
			return readString(payload, &m.WelcomeText)
		case 4:
			return readUint64(payload, &m.Permissions)
		}
		return 0
	})
}

// ChannelRemove deletes a channel from the tree (message type 6).
type ChannelRemove struct {
	ChannelID *uint32
}

func (m *ChannelRemove) Marshal() ([]byte, error) {
	return appendUint32(nil, 1, m.ChannelID), nil
}

func (m *ChannelRemove) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte) int {
		if num == 1 {
			return readUint32(payload, &m.ChannelID)
		}
		return 0
	})
}

// ChannelState creates or updates a channel (message type 7).
type ChannelState struct {
	ChannelID   *uint32
	Parent      *uint32
	Name        *string
	Links       []uint32
	Description *string
	LinksAdd    []uint32
	LinksRemove []uint32
	Temporary   *bool
	Position    *int32
}

func (m *ChannelState) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.ChannelID)
	b = appendUint32(b, 2, m.Parent)
	b = appendString(b, 3, m.Name)
	b = appendUint32List(b, 4, m.Links)
	b = appendString(b, 5, m.Description)
	b = appendUint32List(b, 6, m.LinksAdd)
	b = appendUint32List(b, 7, m.LinksRemove)
	b = appendBool(b, 8, m.Temporary)
	b = appendInt32(b, 9, m.Position)
	return b, nil
}

func (m *ChannelState) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte) int {
		switch num {
		case 1:
			return readUint32(payload, &m.ChannelID)
		case 2:
			return readUint32(payload, &m.Parent)
		case 3:
			return readString(payload, &m.Name)
		case 4:
			return readUint32List(payload, typ, &m.Links)
		case 5:
			return readString(payload, &m.Description)
		case 6:
			return readUint32List(payload, typ, &m.LinksAdd)
		case 7:
			return readUint32List(payload, typ, &m.LinksRemove)
		case 8:
			return readBool(payload, &m.Temporary)
		case 9:
			return readInt32(payload, &m.Position)
		}
		return 0
	})
}

// UserRemove announces a user leaving or being removed (message type 8).
type UserRemove struct {
	Session *uint32
	Actor   *uint32
	Reason  *string
	Ban     *bool
}

func (m *UserRemove) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.Session)
	b = appendUint32(b, 2, m.Actor)
	b = appendString(b, 3, m.Reason)
	b = appendBool(b, 4, m.Ban)
	return b, nil
}

func (m *UserRemove) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte) int {
		switch num {
		case 1:
			return readUint32(payload, &m.Session)
		case 2:
			return readUint32(payload, &m.Actor)
		case 3:
			return readString(payload, &m.Reason)
		case 4:
			return readBool(payload, &m.Ban)
		}
		return 0
	})
}

// UserState creates or updates a user (message type 9). Absent fields
// leave the prior roster value intact.
type UserState struct {
	Session         *uint32
	Actor           *uint32
	Name            *string
	UserID          *uint32
	ChannelID       *uint32
	Mute            *bool
	Deaf            *bool
	Suppress        *bool
	SelfMute        *bool
	SelfDeaf        *bool
	Comment         *string
	PrioritySpeaker *bool
	Recording       *bool
}

func (m *UserState) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.Session)
	b = appendUint32(b, 2, m.Actor)
	b = appendString(b, 3, m.Name)
	b = appendUint32(b, 4, m.UserID)
	b = appendUint32(b, 5, m.ChannelID)
	b = appendBool(b, 6, m.Mute)
	b = appendBool(b, 7, m.Deaf)
	b = appendBool(b, 8, m.Suppress)
	b = appendBool(b, 9, m.SelfMute)
	b = appendBool(b, 10, m.SelfDeaf)
	b = appendString(b, 14, m.Comment)
	b = appendBool(b, 18, m.PrioritySpeaker)
	b = appendBool(b, 19, m.Recording)
	return b, nil
}

func (m *UserState) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte) int {
		switch num {
		case 1:
			return readUint32(payload, &m.Session)
		case 2:
			return readUint32(payload, &m.Actor)
		case 3:
			return readString(payload, &m.Name)
		case 4:
			return readUint32(payload, &m.UserID)
		case 5:
			return readUint32(payload, &m.ChannelID)
		case 6:
			return readBool(payload, &m.Mute)
		case 7:
			return readBool(payload, &m.Deaf)
		case 8:
			return readBool(payload, &m.Suppress)
		case 9:
			return readBool(payload, &m.SelfMute)
		case 10:
			return readBool(payload, &m.SelfDeaf)
		case 14:
			return readString(payload, &m.Comment)
		case 18:
			return readBool(payload, &m.PrioritySpeaker)
		case 19:
			return readBool(payload, &m.Recording)
		}
		return 0
	})
}

// CryptSetup carries OCB key material (message type 15). The full form
// has all three fields; the resync reply carries only ServerNonce.
type CryptSetup struct {
	Key         []byte
	ClientNonce []byte
	ServerNonce []byte
}

func (m *CryptSetup) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, m.Key)
	b = appendBytes(b, 2, m.ClientNonce)
	b = appendBytes(b, 3, m.ServerNonce)
	return b, nil
}

func (m *CryptSetup) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte) int {
		switch num {
		case 1:
			return readBytes(payload, &m.Key)
		case 2:
			return readBytes(payload, &m.ClientNonce)
		case 3:
			return readBytes(payload, &m.ServerNonce)
		}
		return 0
	})
}

// CodecVersion announces the server's codec negotiation (message type 21).
type CodecVersion struct {
	Alpha       *int32
	Beta        *int32
	PreferAlpha *bool
	Opus        *bool
}

func (m *CodecVersion) Marshal() ([]byte, error) {
	var b []byte
	b = appendInt32(b, 1, m.Alpha)
	b = appendInt32(b, 2, m.Beta)
	b = appendBool(b, 3, m.PreferAlpha)
	b = appendBool(b, 4, m.Opus)
	return b, nil
}

func (m *CodecVersion) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte) int {
		switch num {
		case 1:
			return readInt32(payload, &m.Alpha)
		case 2:
			return readInt32(payload, &m.Beta)
		case 3:
			return readBool(payload, &m.PreferAlpha)
		case 4:
			return readBool(payload, &m.Opus)
		}
		return 0
	})
}

// ServerConfig carries server limits and policy (message type 24).
type ServerConfig struct {
	MaxBandwidth *uint32
	WelcomeText  *string
	AllowHTML    *bool
	MaxUsers     *uint32
}

func (m *ServerConfig) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.MaxBandwidth)
	b = appendString(b, 2, m.WelcomeText)
	b = appendBool(b, 3, m.AllowHTML)
	b = appendUint32(b, 6, m.MaxUsers)
	return b, nil
}

func (m *ServerConfig) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte) int {
		switch num {
		case 1:
			return readUint32(payload, &m.MaxBandwidth)
		case 2:
			return readString(payload, &m.WelcomeText)
		case 3:
			return readBool(payload, &m.AllowHTML)
		case 6:
			return readUint32(payload, &m.MaxUsers)
		}
		return 0
	})
}

// PermissionQuery reports the client's permissions in a channel
// (message type 20).
type PermissionQuery struct {
	ChannelID   *uint32
	Permissions *uint32
	Flush       *bool
}

func (m *PermissionQuery) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.ChannelID)
	b = appendUint32(b, 2, m.Permissions)
	b = appendBool(b, 3, m.Flush)
	return b, nil
}

func (m *PermissionQuery) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte) int {
		switch num {
		case 1:
			return readUint32(payload, &m.ChannelID)
		case 2:
			return readUint32(payload, &m.Permissions)
		case 3:
			return readBool(payload, &m.Flush)
		}
		return 0
	})
}
