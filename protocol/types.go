package protocol

// MessageType identifies a control-channel message. The integer values
// are fixed by the Mumble 1.3 wire protocol and must match the server's
// ordering exactly.
type MessageType uint16

const (
	MessageVersion MessageType = iota
	MessageUDPTunnel
	MessageAuthenticate
	MessagePing
	MessageReject
	MessageServerSync
	MessageChannelRemove
	MessageChannelState
	MessageUserRemove
	MessageUserState
	MessageBanList
	MessageTextMessage
	MessagePermissionDenied
	MessageACL
	MessageQueryUsers
	MessageCryptSetup
	MessageContextActionModify
	MessageContextAction
	MessageUserList
	MessageVoiceTarget
	MessagePermissionQuery
	MessageCodecVersion
	MessageUserStats
	MessageRequestBlob
	MessageServerConfig
	MessageSuggestConfig
)

// ConnectionState tracks the lifecycle of a control connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateSynchronizing
	StateSynchronized
	StateDisconnecting
	StateFailed
)

// String returns a human-readable state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSynchronizing:
		return "synchronizing"
	case StateSynchronized:
		return "synchronized"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RejectReason mirrors the server's Reject.type codes.
type RejectReason uint32

const (
	RejectNone RejectReason = iota
	RejectWrongVersion
	RejectInvalidUsername
	RejectWrongPassword
	RejectUsernameInUse
	RejectServerFull
	RejectNoCertificate
	RejectAuthenticatorFail
)

// String returns a human-readable reject reason.
func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectWrongVersion:
		return "wrong version"
	case RejectInvalidUsername:
		return "invalid username"
	case RejectWrongPassword:
		return "wrong password"
	case RejectUsernameInUse:
		return "username in use"
	case RejectServerFull:
		return "server full"
	case RejectNoCertificate:
		return "no certificate"
	case RejectAuthenticatorFail:
		return "authenticator failed"
	default:
		return "unknown"
	}
}

// Channel is one entry in the server's channel tree.
type Channel struct {
	ID          uint32
	ParentID    uint32
	Name        string
	Description string
	Position    int32
	Temporary   bool
	Linked      []uint32
}

// User is one connected session on the server.
type User struct {
	Session   uint32
	ChannelID uint32
	Name      string
	Comment   string
	Mute      bool
	Deaf      bool
	SelfMute  bool
	SelfDeaf  bool
	Suppress  bool
	Recording bool
	Priority  int32
}

// ServerInfo aggregates the server's welcome and limits, populated from
// ServerSync and ServerConfig.
type ServerInfo struct {
	WelcomeMessage string
	MaxBandwidth   uint32
	MaxUsers       uint32
	AllowHTML      bool
	ServerVersion  uint32
}

// Stats counts receive-path anomalies. None of them are fatal; the
// reader keeps going.
type Stats struct {
	MessagesReceived uint64
	ParseErrors      uint64
	UnknownMessages  uint64
	VoicePackets     uint64
	DecodeFailures   uint64
	BadVoiceHeaders  uint64
}
