package protocol

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sayses/mumblecore/crypto"
	"github.com/sayses/mumblecore/mumbleproto"
)

// ClientVersion is the protocol version this client advertises:
// (major<<16)|(minor<<8)|patch for Mumble 1.3.0.
const ClientVersion uint32 = 1<<16 | 3<<8

// DefaultPort is the standard Mumble server port.
const DefaultPort = 64738

// maxPayloadBytes bounds a single control message. Anything larger is a
// protocol violation, not a message worth buffering.
const maxPayloadBytes = 8 * 1024 * 1024

var (
	// ErrNotConnected is returned when an operation needs a live
	// control connection and there is none.
	ErrNotConnected = errors.New("protocol: not connected")

	// ErrAlreadyConnected is returned by Connect when the client is not
	// in the Disconnected state.
	ErrAlreadyConnected = errors.New("protocol: connect while not disconnected")
)

// Config carries everything Connect needs.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Tokens   []string

	TLS TLSSettings

	// DialTimeout bounds TCP connect plus TLS handshake. Zero means
	// 10 seconds.
	DialTimeout time.Duration

	// PingInterval is the control-channel keepalive cadence. Zero means
	// 15 seconds.
	PingInterval time.Duration

	// Release, OS and OSVersion are advertised in the Version message.
	Release   string
	OS        string
	OSVersion string
}

// VoiceDecoder decodes one speaker's Opus stream to 48 kHz mono PCM.
// Implementations keep per-stream state, so each session gets its own.
type VoiceDecoder interface {
	Decode(data []byte) ([]int16, error)
	Close() error
}

// DecoderFactory builds a fresh VoiceDecoder for a newly heard session.
type DecoderFactory func(session uint32) (VoiceDecoder, error)

// AudioSink receives decoded speech. It is the single forward edge from
// the protocol engine into the audio engine.
type AudioSink func(session uint32, pcm []int16, sequence int64)

// Client is the Mumble control-channel state machine.
//
// The reader goroutine is the only writer of the roster maps; the send
// mutex serializes header+payload writes so messages never interleave
// on the TLS stream. All mutex holds are short and never enclose
// network reads.
type Client struct {
	config Config

	state        atomic.Int32
	running      atomic.Bool
	localSession atomic.Uint32

	conn   *tls.Conn
	sendMu sync.Mutex

	mu         sync.Mutex // roster and server info
	channels   map[uint32]Channel
	users      map[uint32]User
	serverInfo ServerInfo

	crypt *crypto.CryptState

	decodersMu     sync.Mutex
	decoders       map[uint32]VoiceDecoder
	decoderFactory DecoderFactory
	audioSink      AudioSink

	statsMu sync.Mutex
	stats   Stats

	wg           sync.WaitGroup
	pingMu       sync.Mutex
	pingCancel   context.CancelFunc
	pingStarted  bool
	disconnectMu sync.Mutex

	epoch time.Time

	onState          func(ConnectionState)
	onChannelAdded   func(Channel)
	onChannelUpdated func(Channel)
	onChannelRemoved func(Channel)
	onUserAdded      func(User)
	onUserUpdated    func(User)
	onUserRemoved    func(User)
	onReject         func(RejectReason, string)
	onServerInfo     func(ServerInfo)
	onCryptSetup     func()
	onCryptResync    func()
}

// NewClient creates a disconnected client. The decoder factory and audio
// sink wire the voice ingress path; either may be nil, in which case
// voice packets are counted and dropped.
func NewClient(factory DecoderFactory, sink AudioSink) *Client {
	return &Client{
		channels:       make(map[uint32]Channel),
		users:          make(map[uint32]User),
		decoders:       make(map[uint32]VoiceDecoder),
		decoderFactory: factory,
		audioSink:      sink,
		crypt:          crypto.NewCryptState(),
		epoch:          time.Now(),
	}
}

// Callback registration. Callbacks for received messages run on the
// reader goroutine; the state callback also fires on the goroutine that
// calls Connect or Disconnect or whose send fails, and OnCryptResync
// fires on the caller of RequestCryptResync. Callbacks must not block.

func (c *Client) OnStateChange(cb func(ConnectionState)) { c.onState = cb }
func (c *Client) OnChannelAdded(cb func(Channel))        { c.onChannelAdded = cb }
func (c *Client) OnChannelUpdated(cb func(Channel))      { c.onChannelUpdated = cb }
func (c *Client) OnChannelRemoved(cb func(Channel))      { c.onChannelRemoved = cb }
func (c *Client) OnUserAdded(cb func(User))              { c.onUserAdded = cb }
func (c *Client) OnUserUpdated(cb func(User))            { c.onUserUpdated = cb }
func (c *Client) OnUserRemoved(cb func(User))            { c.onUserRemoved = cb }
func (c *Client) OnReject(cb func(RejectReason, string)) { c.onReject = cb }
func (c *Client) OnServerInfo(cb func(ServerInfo))       { c.onServerInfo = cb }

// OnCryptSetup fires after a full CryptSetup has initialized the OCB
// state; from then on encrypted UDP voice is possible.
func (c *Client) OnCryptSetup(cb func()) { c.onCryptSetup = cb }

// OnCryptResync fires when the decrypt state reports a tag mismatch and
// a resync request has been sent.
func (c *Client) OnCryptResync(cb func()) { c.onCryptResync = cb }

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// LocalSession returns the session id assigned by ServerSync, or zero.
func (c *Client) LocalSession() uint32 {
	return c.localSession.Load()
}

// CryptState exposes the UDP cipher state shared with the voice
// transport.
func (c *Client) CryptState() *crypto.CryptState {
	return c.crypt
}

// GetStats returns a snapshot of receive-path counters.
func (c *Client) GetStats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// GetChannels returns a snapshot of the channel tree.
func (c *Client) GetChannels() []Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		result = append(result, ch)
	}
	return result
}

// GetChannel looks up one channel by id.
func (c *Client) GetChannel(id uint32) (Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// GetUsers returns a snapshot of all known users.
func (c *Client) GetUsers() []User {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]User, 0, len(c.users))
	for _, u := range c.users {
		result = append(result, u)
	}
	return result
}

// GetUsersInChannel returns the users whose current channel is id.
func (c *Client) GetUsersInChannel(id uint32) []User {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []User
	for _, u := range c.users {
		if u.ChannelID == id {
			result = append(result, u)
		}
	}
	return result
}

// GetServerInfo returns the server's welcome and limits as known so far.
func (c *Client) GetServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Connect resolves the host, establishes TCP+TLS, sends Version and
// Authenticate, and starts the reader goroutine. On TLS or socket
// failure the client returns to Disconnected with prior state cleared.
func (c *Client) Connect(config Config) error {
	if !c.setStateFrom(StateDisconnected, StateConnecting) {
		return ErrAlreadyConnected
	}

	c.config = config
	if c.config.Port == 0 {
		c.config.Port = DefaultPort
	}
	if c.config.DialTimeout == 0 {
		c.config.DialTimeout = 10 * time.Second
	}
	if c.config.PingInterval == 0 {
		c.config.PingInterval = 15 * time.Second
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.Connect",
		"host":     c.config.Host,
		"port":     c.config.Port,
		"username": c.config.Username,
	}).Info("Connecting to Mumble server")

	tlsConfig, err := buildTLSConfig(c.config.TLS, c.config.Host)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	dialer := &net.Dialer{Timeout: c.config.DialTimeout}
	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))

	conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("protocol: dial %s: %w", addr, err)
	}

	c.conn = conn
	c.running.Store(true)
	c.setState(StateConnected)

	c.wg.Add(1)
	go c.readLoop()

	if err := c.sendVersion(); err != nil {
		return err
	}

	// Synchronizing is entered before Authenticate hits the wire so the
	// reader's verdict (ServerSync or Reject) can never be overwritten
	// by this goroutine.
	c.setState(StateSynchronizing)
	if err := c.sendAuthenticate(); err != nil {
		return err
	}

	return nil
}

// Disconnect tears the connection down and joins the reader and ping
// goroutines. It is idempotent and safe from any state.
func (c *Client) Disconnect() {
	c.disconnectMu.Lock()
	defer c.disconnectMu.Unlock()

	if c.State() == StateDisconnected {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.Disconnect",
	}).Info("Disconnecting from Mumble server")

	c.setState(StateDisconnecting)
	c.running.Store(false)

	c.pingMu.Lock()
	if c.pingCancel != nil {
		c.pingCancel()
		c.pingCancel = nil
	}
	c.pingStarted = false
	c.pingMu.Unlock()

	if c.conn != nil {
		// Close sends the TLS close_notify and unblocks the reader.
		c.conn.Close()
	}

	c.wg.Wait()

	c.sendMu.Lock()
	c.conn = nil
	c.sendMu.Unlock()

	c.mu.Lock()
	c.channels = make(map[uint32]Channel)
	c.users = make(map[uint32]User)
	c.serverInfo = ServerInfo{}
	c.mu.Unlock()

	c.decodersMu.Lock()
	for session, dec := range c.decoders {
		dec.Close()
		delete(c.decoders, session)
	}
	c.decodersMu.Unlock()

	c.localSession.Store(0)
	c.setState(StateDisconnected)
}

// JoinChannel asks the server to move the local user.
func (c *Client) JoinChannel(channelID uint32) error {
	return c.sendMessage(MessageUserState, &mumbleproto.UserState{
		Session:   mumbleproto.Uint32(c.localSession.Load()),
		ChannelID: mumbleproto.Uint32(channelID),
	})
}

// SetSelfMute toggles the local user's self-mute flag.
func (c *Client) SetSelfMute(mute bool) error {
	return c.sendMessage(MessageUserState, &mumbleproto.UserState{
		Session:  mumbleproto.Uint32(c.localSession.Load()),
		SelfMute: mumbleproto.Bool(mute),
	})
}

// SetSelfDeaf toggles the local user's self-deafen flag.
func (c *Client) SetSelfDeaf(deaf bool) error {
	return c.sendMessage(MessageUserState, &mumbleproto.UserState{
		Session:  mumbleproto.Uint32(c.localSession.Load()),
		SelfDeaf: mumbleproto.Bool(deaf),
	})
}

// SendVoiceTunnel wraps an already-built voice packet in a UDPTunnel
// control frame, for when UDP is unavailable.
func (c *Client) SendVoiceTunnel(packet []byte) error {
	return c.sendRaw(MessageUDPTunnel, packet)
}

// RequestCryptResync asks the server for a fresh server nonce after a
// run of tag failures. The reply is a CryptSetup bearing only
// server_nonce.
func (c *Client) RequestCryptResync() error {
	err := c.sendMessage(MessageCryptSetup, &mumbleproto.CryptSetup{})
	if err == nil && c.onCryptResync != nil {
		c.onCryptResync()
	}
	return err
}

// IngestVoice runs a decrypted (or tunneled) voice packet through the
// decode path. Errors are absorbed into stats; voice never kills the
// connection.
func (c *Client) IngestVoice(data []byte) {
	pkt, err := ParseVoicePacket(data)
	if err != nil {
		c.bumpStats(func(s *Stats) { s.BadVoiceHeaders++ })
		return
	}

	if pkt.Codec == CodecPing {
		return
	}
	if pkt.Codec != CodecOpus || len(pkt.Payload) == 0 {
		c.bumpStats(func(s *Stats) { s.BadVoiceHeaders++ })
		return
	}

	dec := c.decoderFor(pkt.Session)
	if dec == nil || c.audioSink == nil {
		return
	}

	pcm, err := dec.Decode(pkt.Payload)
	if err != nil {
		c.bumpStats(func(s *Stats) { s.DecodeFailures++ })
		logrus.WithFields(logrus.Fields{
			"function": "Client.IngestVoice",
			"session":  pkt.Session,
			"sequence": pkt.Sequence,
			"error":    err.Error(),
		}).Debug("Opus decode failed, dropping frame")
		return
	}

	c.bumpStats(func(s *Stats) { s.VoicePackets++ })
	c.audioSink(pkt.Session, pcm, pkt.Sequence)
}

// decoderFor returns the per-session decoder, creating it on first use.
func (c *Client) decoderFor(session uint32) VoiceDecoder {
	if c.decoderFactory == nil {
		return nil
	}

	c.decodersMu.Lock()
	defer c.decodersMu.Unlock()

	if dec, ok := c.decoders[session]; ok {
		return dec
	}

	dec, err := c.decoderFactory(session)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.decoderFor",
			"session":  session,
			"error":    err.Error(),
		}).Error("Failed to create voice decoder")
		return nil
	}
	c.decoders[session] = dec
	return dec
}

// readLoop owns all blocking TLS reads: a 6-byte header, then exactly
// length payload bytes. Short reads spanning TLS records are looped
// over by io.ReadFull; a genuine EOF or error while running is fatal.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for c.running.Load() {
		msgType, payload, err := readFrame(c.conn)
		if err != nil {
			if c.running.Load() {
				logrus.WithFields(logrus.Fields{
					"function": "Client.readLoop",
					"error":    err.Error(),
				}).Error("Control channel read failed")
				c.setState(StateFailed)
			}
			return
		}

		c.bumpStats(func(s *Stats) { s.MessagesReceived++ })
		c.handleMessage(msgType, payload)
	}
}

// readFrame reads one length-prefixed control frame from r.
func readFrame(r io.Reader) (MessageType, []byte, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	msgType := MessageType(binary.BigEndian.Uint16(header[0:2]))
	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxPayloadBytes {
		return 0, nil, fmt.Errorf("protocol: oversized frame: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	return msgType, payload, nil
}

// pingLoop sends a keepalive every PingInterval while Synchronized.
func (c *Client) pingLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.running.Load() || c.State() != StateSynchronized {
				continue
			}
			if err := c.sendPing(); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendVersion() error {
	return c.sendMessage(MessageVersion, &mumbleproto.Version{
		Version:   mumbleproto.Uint32(ClientVersion),
		Release:   mumbleproto.String(c.config.Release),
		OS:        mumbleproto.String(c.config.OS),
		OSVersion: mumbleproto.String(c.config.OSVersion),
	})
}

func (c *Client) sendAuthenticate() error {
	auth := &mumbleproto.Authenticate{
		Username: mumbleproto.String(c.config.Username),
		Opus:     mumbleproto.Bool(true),
		Tokens:   c.config.Tokens,
	}
	if c.config.Password != "" {
		auth.Password = mumbleproto.String(c.config.Password)
	}
	return c.sendMessage(MessageAuthenticate, auth)
}

func (c *Client) sendPing() error {
	cryptStats := c.crypt.GetStats()
	return c.sendMessage(MessagePing, &mumbleproto.Ping{
		Timestamp: mumbleproto.Uint64(uint64(time.Since(c.epoch).Milliseconds())),
		Good:      mumbleproto.Uint32(cryptStats.Good),
		Late:      mumbleproto.Uint32(cryptStats.Late),
		Lost:      mumbleproto.Uint32(cryptStats.Lost),
		Resync:    mumbleproto.Uint32(cryptStats.Resync),
	})
}

func (c *Client) sendMessage(msgType MessageType, msg mumbleproto.Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("protocol: marshal %d: %w", msgType, err)
	}
	return c.sendRaw(msgType, payload)
}

// sendRaw writes one framed message. The mutex covers header plus
// payload so concurrent senders cannot interleave.
func (c *Client) sendRaw(msgType MessageType, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	var header [6]byte
	binary.BigEndian.PutUint16(header[0:2], uint16(msgType))
	binary.BigEndian.PutUint32(header[2:6], uint32(len(payload)))

	if _, err := c.conn.Write(header[:]); err != nil {
		c.failSend(err)
		return err
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			c.failSend(err)
			return err
		}
	}
	return nil
}

func (c *Client) failSend(err error) {
	if c.running.Load() {
		logrus.WithFields(logrus.Fields{
			"function": "Client.sendRaw",
			"error":    err.Error(),
		}).Error("Control channel write failed")
		c.setState(StateFailed)
	}
}

// handleMessage dispatches one control message. Parse failures bump a
// counter and are otherwise ignored; only connection loss and a Reject
// move the client to Failed.
func (c *Client) handleMessage(msgType MessageType, payload []byte) {
	switch msgType {
	case MessageVersion:
		c.handleVersion(payload)
	case MessageUDPTunnel:
		c.IngestVoice(payload)
	case MessagePing:
		// Replies are observed but not required for liveness.
	case MessageReject:
		c.handleReject(payload)
	case MessageServerSync:
		c.handleServerSync(payload)
	case MessageChannelRemove:
		c.handleChannelRemove(payload)
	case MessageChannelState:
		c.handleChannelState(payload)
	case MessageUserRemove:
		c.handleUserRemove(payload)
	case MessageUserState:
		c.handleUserState(payload)
	case MessageCryptSetup:
		c.handleCryptSetup(payload)
	case MessageCodecVersion:
		c.handleCodecVersion(payload)
	case MessagePermissionQuery:
		c.handlePermissionQuery(payload)
	case MessageServerConfig:
		c.handleServerConfig(payload)
	default:
		c.bumpStats(func(s *Stats) { s.UnknownMessages++ })
	}
}

func (c *Client) handleVersion(payload []byte) {
	var msg mumbleproto.Version
	if err := msg.Unmarshal(payload); err != nil {
		c.parseError("Version", err)
		return
	}
	if msg.Version != nil {
		c.mu.Lock()
		c.serverInfo.ServerVersion = *msg.Version
		c.mu.Unlock()
	}
}

func (c *Client) handleReject(payload []byte) {
	var msg mumbleproto.Reject
	if err := msg.Unmarshal(payload); err != nil {
		c.parseError("Reject", err)
		return
	}

	reason := RejectNone
	if msg.Type != nil {
		reason = RejectReason(*msg.Type)
	}
	text := ""
	if msg.Reason != nil {
		text = *msg.Reason
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.handleReject",
		"reason":   reason.String(),
		"message":  text,
	}).Warn("Server rejected connection")

	c.setState(StateFailed)
	if c.onReject != nil {
		c.onReject(reason, text)
	}
}

func (c *Client) handleServerSync(payload []byte) {
	var msg mumbleproto.ServerSync
	if err := msg.Unmarshal(payload); err != nil {
		c.parseError("ServerSync", err)
		return
	}

	if msg.Session != nil {
		c.localSession.Store(*msg.Session)
	}

	c.mu.Lock()
	if msg.WelcomeText != nil {
		c.serverInfo.WelcomeMessage = *msg.WelcomeText
	}
	if msg.MaxBandwidth != nil {
		c.serverInfo.MaxBandwidth = *msg.MaxBandwidth
	}
	info := c.serverInfo
	c.mu.Unlock()

	c.setState(StateSynchronized)
	c.startPing()

	if c.onServerInfo != nil {
		c.onServerInfo(info)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.handleServerSync",
		"session":  c.localSession.Load(),
	}).Info("Server synchronization complete")
}

func (c *Client) startPing() {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()

	if c.pingStarted || !c.running.Load() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.pingCancel = cancel
	c.pingStarted = true
	c.wg.Add(1)
	go c.pingLoop(ctx)
}

func (c *Client) handleChannelState(payload []byte) {
	var msg mumbleproto.ChannelState
	if err := msg.Unmarshal(payload); err != nil {
		c.parseError("ChannelState", err)
		return
	}
	if msg.ChannelID == nil {
		return
	}

	c.mu.Lock()
	ch, exists := c.channels[*msg.ChannelID]
	ch.ID = *msg.ChannelID
	if msg.Parent != nil {
		ch.ParentID = *msg.Parent
	}
	if msg.Name != nil {
		ch.Name = *msg.Name
	}
	if msg.Description != nil {
		ch.Description = *msg.Description
	}
	if msg.Position != nil {
		ch.Position = *msg.Position
	}
	if msg.Temporary != nil {
		ch.Temporary = *msg.Temporary
	}
	if msg.Links != nil {
		ch.Linked = append([]uint32(nil), msg.Links...)
	}
	for _, add := range msg.LinksAdd {
		ch.Linked = appendUniqueLink(ch.Linked, add)
	}
	for _, rm := range msg.LinksRemove {
		ch.Linked = removeLink(ch.Linked, rm)
	}
	c.channels[ch.ID] = ch
	c.mu.Unlock()

	if exists {
		if c.onChannelUpdated != nil {
			c.onChannelUpdated(ch)
		}
	} else if c.onChannelAdded != nil {
		c.onChannelAdded(ch)
	}
}

func (c *Client) handleChannelRemove(payload []byte) {
	var msg mumbleproto.ChannelRemove
	if err := msg.Unmarshal(payload); err != nil {
		c.parseError("ChannelRemove", err)
		return
	}
	if msg.ChannelID == nil {
		return
	}

	c.mu.Lock()
	ch, ok := c.channels[*msg.ChannelID]
	if ok {
		delete(c.channels, *msg.ChannelID)
	}
	c.mu.Unlock()

	if ok && c.onChannelRemoved != nil {
		c.onChannelRemoved(ch)
	}
}

func (c *Client) handleUserState(payload []byte) {
	var msg mumbleproto.UserState
	if err := msg.Unmarshal(payload); err != nil {
		c.parseError("UserState", err)
		return
	}
	if msg.Session == nil {
		return
	}

	c.mu.Lock()
	u, exists := c.users[*msg.Session]
	u.Session = *msg.Session
	if msg.ChannelID != nil {
		u.ChannelID = *msg.ChannelID
	}
	if msg.Name != nil {
		u.Name = *msg.Name
	}
	if msg.Comment != nil {
		u.Comment = *msg.Comment
	}
	if msg.Mute != nil {
		u.Mute = *msg.Mute
	}
	if msg.Deaf != nil {
		u.Deaf = *msg.Deaf
	}
	if msg.SelfMute != nil {
		u.SelfMute = *msg.SelfMute
	}
	if msg.SelfDeaf != nil {
		u.SelfDeaf = *msg.SelfDeaf
	}
	if msg.Suppress != nil {
		u.Suppress = *msg.Suppress
	}
	if msg.Recording != nil {
		u.Recording = *msg.Recording
	}
	if msg.PrioritySpeaker != nil {
		if *msg.PrioritySpeaker {
			u.Priority = 1
		} else {
			u.Priority = 0
		}
	}
	c.users[u.Session] = u
	c.mu.Unlock()

	if exists {
		if c.onUserUpdated != nil {
			c.onUserUpdated(u)
		}
	} else if c.onUserAdded != nil {
		c.onUserAdded(u)
	}
}

func (c *Client) handleUserRemove(payload []byte) {
	var msg mumbleproto.UserRemove
	if err := msg.Unmarshal(payload); err != nil {
		c.parseError("UserRemove", err)
		return
	}
	if msg.Session == nil {
		return
	}

	c.mu.Lock()
	u, ok := c.users[*msg.Session]
	if ok {
		delete(c.users, *msg.Session)
	}
	c.mu.Unlock()

	c.decodersMu.Lock()
	if dec, found := c.decoders[*msg.Session]; found {
		dec.Close()
		delete(c.decoders, *msg.Session)
	}
	c.decodersMu.Unlock()

	if ok && c.onUserRemoved != nil {
		c.onUserRemoved(u)
	}
}

func (c *Client) handleCryptSetup(payload []byte) {
	var msg mumbleproto.CryptSetup
	if err := msg.Unmarshal(payload); err != nil {
		c.parseError("CryptSetup", err)
		return
	}

	switch {
	case msg.Key != nil && msg.ClientNonce != nil && msg.ServerNonce != nil:
		if err := c.crypt.Init(msg.Key, msg.ClientNonce, msg.ServerNonce); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Client.handleCryptSetup",
				"error":    err.Error(),
			}).Error("CryptSetup rejected")
			return
		}
		if c.onCryptSetup != nil {
			c.onCryptSetup()
		}

	case msg.ServerNonce != nil:
		if err := c.crypt.SetServerNonce(msg.ServerNonce); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Client.handleCryptSetup",
				"error":    err.Error(),
			}).Error("CryptSetup resync rejected")
		}
	}
}

func (c *Client) handleCodecVersion(payload []byte) {
	var msg mumbleproto.CodecVersion
	if err := msg.Unmarshal(payload); err != nil {
		c.parseError("CodecVersion", err)
		return
	}
	if msg.Opus != nil && !*msg.Opus {
		logrus.WithFields(logrus.Fields{
			"function": "Client.handleCodecVersion",
		}).Warn("Server does not prefer Opus; legacy codecs are not supported")
	}
}

func (c *Client) handlePermissionQuery(payload []byte) {
	var msg mumbleproto.PermissionQuery
	if err := msg.Unmarshal(payload); err != nil {
		c.parseError("PermissionQuery", err)
	}
	// Permissions are observed only; this client does not enforce ACLs.
}

func (c *Client) handleServerConfig(payload []byte) {
	var msg mumbleproto.ServerConfig
	if err := msg.Unmarshal(payload); err != nil {
		c.parseError("ServerConfig", err)
		return
	}

	c.mu.Lock()
	if msg.MaxBandwidth != nil {
		c.serverInfo.MaxBandwidth = *msg.MaxBandwidth
	}
	if msg.WelcomeText != nil {
		c.serverInfo.WelcomeMessage = *msg.WelcomeText
	}
	if msg.AllowHTML != nil {
		c.serverInfo.AllowHTML = *msg.AllowHTML
	}
	if msg.MaxUsers != nil {
		c.serverInfo.MaxUsers = *msg.MaxUsers
	}
	info := c.serverInfo
	c.mu.Unlock()

	if c.onServerInfo != nil {
		c.onServerInfo(info)
	}
}

func (c *Client) parseError(what string, err error) {
	c.bumpStats(func(s *Stats) { s.ParseErrors++ })
	logrus.WithFields(logrus.Fields{
		"function": "Client.handleMessage",
		"message":  what,
		"error":    err.Error(),
	}).Debug("Dropping unparseable control message")
}

func (c *Client) bumpStats(fn func(*Stats)) {
	c.statsMu.Lock()
	fn(&c.stats)
	c.statsMu.Unlock()
}

// setState unconditionally transitions and fires the state callback if
// the state actually changed.
func (c *Client) setState(next ConnectionState) {
	prev := ConnectionState(c.state.Swap(int32(next)))
	if prev == next {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.setState",
		"from":     prev.String(),
		"to":       next.String(),
	}).Debug("Connection state changed")

	if c.onState != nil {
		c.onState(next)
	}
}

// setStateFrom transitions only when the current state matches from.
func (c *Client) setStateFrom(from, to ConnectionState) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if c.onState != nil {
		c.onState(to)
	}
	return true
}

func appendUniqueLink(links []uint32, id uint32) []uint32 {
	for _, l := range links {
		if l == id {
			return links
		}
	}
	return append(links, id)
}

func removeLink(links []uint32, id uint32) []uint32 {
	out := links[:0]
	for _, l := range links {
		if l != id {
			out = append(out, l)
		}
	}
	return out
}
