// Package orchestrator is the client half of the signaling core: it
// drives one coordination connection per participant, queues outbound
// negotiation payloads while disconnected, reconnects with backoff, and
// owns one PeerSession per remote party.
package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/castline/signaling/internal/protocol"
)

// Status is the coordination-connection state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reconnection policy: delay = reconnectBase × 2^attempt, capped at
// maxReconnectAttempts, after which the orchestrator goes to
// StatusFailed and stops retrying on its own.
const (
	reconnectBase        = 2 * time.Second
	maxReconnectAttempts = 5
)

// countdownTicks is the number of one-second ticks between session end
// and the OnSessionEnd callback.
const countdownTicks = 20

var (
	// ErrNotConnected rejects actions that need a live connection.
	ErrNotConnected = errors.New("not connected to coordination service")
	// ErrInvalidTransition rejects Q&A actions outside their state.
	ErrInvalidTransition = errors.New("invalid Q&A state transition")
	// ErrSessionEnded rejects actions after the one-shot teardown.
	ErrSessionEnded = errors.New("session already ended")
)

// socket is the minimal coordination-connection surface; satisfied by
// *websocket.Conn and by test fakes.
type socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Config wires one orchestrator instance. One instance per logical
// participant; nothing here is ever shared across participants.
type Config struct {
	ServerURL string
	UserID    string
	Role      string // protocol.RoleHost or protocol.RoleViewer
	StreamID  string // host identity of the session
	Transport TransportFactory
	Media     MediaProvider
	Logger    *zap.Logger
}

// Callbacks surface orchestrator events to the embedding application.
// All fields are optional and are invoked without internal locks held.
type Callbacks struct {
	OnStatusChange  func(s Status)
	OnQAStateChange func(s QAState)
	OnChat          func(p protocol.ChatPayload)
	OnPeerList      func(peers []string)
	OnQARequest     func(from string) // host side: a viewer asked for Q&A
	OnRemoteStream  func(remoteID string, stream MediaStream)
	OnNotice        func(text string) // user-visible notifications
	OnCountdownTick func(remaining int)
	OnSessionEnd    func()
}

// Orchestrator coordinates one participant's signaling connection and
// peer sessions. All state mutation is serialized behind mu; inbound
// frames are dispatched to completion one at a time by the read loop,
// which preserves per-remote-party signal ordering.
type Orchestrator struct {
	cfg Config
	cbs Callbacks
	log *zap.Logger

	mu           sync.Mutex
	status       Status
	conn         socket
	pending      []protocol.Envelope
	peers        map[string]*PeerSession
	qa           QAState
	localStream  MediaStream
	attempts     int
	sessionEnded bool
	closed       bool
	cancelRetry  func()

	// Injection points for tests; defaults dial gorilla and use
	// real timers/goroutines.
	dial  func(url string) (socket, error)
	after func(d time.Duration, fn func()) (cancel func())
	spawn func(fn func())
}

// New creates an orchestrator. It does not connect.
func New(cfg Config, cbs Callbacks) (*Orchestrator, error) {
	if cfg.UserID == "" || cfg.StreamID == "" || cfg.ServerURL == "" {
		return nil, errors.New("orchestrator: user id, stream id and server url are required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("orchestrator: transport factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:   cfg,
		cbs:   cbs,
		log:   cfg.Logger.With(zap.String("participant_id", cfg.UserID)),
		peers: make(map[string]*PeerSession),
	}
	o.dial = func(url string) (socket, error) {
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	o.after = func(d time.Duration, fn func()) func() {
		t := time.AfterFunc(d, fn)
		return func() { t.Stop() }
	}
	o.spawn = func(fn func()) { go fn() }
	return o, nil
}

// Status returns the connection state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// QAStatus returns the Q&A state.
func (o *Orchestrator) QAStatus() QAState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.qa
}

// SetLocalStream hands the orchestrator an already-captured media
// stream (the host's camera). Hosts call this before Connect so
// inbound viewer negotiations can be answered with media attached.
func (o *Orchestrator) SetLocalStream(s MediaStream) {
	o.mu.Lock()
	o.localStream = s
	o.mu.Unlock()
}

// Connect transitions disconnected → connecting → connected, sends the
// register envelope and flushes the pending-signal queue in order. A
// dial failure enters the reconnection policy.
func (o *Orchestrator) Connect() error {
	o.mu.Lock()
	if o.sessionEnded || o.closed {
		o.mu.Unlock()
		return ErrSessionEnded
	}
	if o.status == StatusConnecting || o.status == StatusConnected {
		o.mu.Unlock()
		return nil
	}
	o.status = StatusConnecting
	url := o.cfg.ServerURL
	o.mu.Unlock()
	o.notifyStatus(StatusConnecting)

	conn, err := o.dial(url)
	if err != nil {
		o.log.Warn("dial failed", zap.Error(err))
		o.scheduleReconnect()
		return fmt.Errorf("dial %s: %w", url, err)
	}

	o.mu.Lock()
	if o.sessionEnded || o.closed {
		o.mu.Unlock()
		_ = conn.Close()
		return ErrSessionEnded
	}
	o.conn = conn
	o.status = StatusConnected
	o.attempts = 0
	queued := o.pending
	o.pending = nil
	register := protocol.MustEnvelope(protocol.TypeRegister, protocol.RegisterPayload{
		UserID:   o.cfg.UserID,
		Role:     o.cfg.Role,
		StreamID: o.cfg.StreamID,
	})
	_ = conn.WriteJSON(register)
	for _, env := range queued {
		_ = conn.WriteJSON(env)
	}
	o.mu.Unlock()
	o.notifyStatus(StatusConnected)

	if o.cfg.Role == protocol.RoleViewer {
		// The viewer always initiates toward the host.
		o.ensurePeer(o.cfg.StreamID, true, nil)
	}

	o.spawn(func() { o.readLoop(conn) })
	return nil
}

// Retry re-enters connecting after the automatic policy has given up.
func (o *Orchestrator) Retry() error {
	o.mu.Lock()
	if o.status != StatusFailed {
		o.mu.Unlock()
		return fmt.Errorf("retry from %s: %w", o.status, ErrInvalidTransition)
	}
	o.status = StatusDisconnected
	o.attempts = 0
	o.mu.Unlock()
	return o.Connect()
}

// Close is the deliberate local teardown: no reconnect, all peer
// sessions destroyed, captured media released. No countdown runs; that
// belongs to the remote session-end path.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	o.teardown()
}

func (o *Orchestrator) readLoop(conn socket) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		env, err := protocol.Parse(data)
		if err != nil {
			o.log.Warn("malformed frame dropped", zap.Error(err))
			continue
		}
		o.handleEnvelope(env)
	}
	_ = conn.Close()
	o.onSocketClosed(conn)
}

// onSocketClosed runs the reconnection policy unless the close was
// deliberate.
func (o *Orchestrator) onSocketClosed(conn socket) {
	o.mu.Lock()
	if o.conn != conn {
		// A stale read loop from a superseded connection.
		o.mu.Unlock()
		return
	}
	o.conn = nil
	suppressed := o.sessionEnded || o.closed
	o.status = StatusDisconnected
	o.mu.Unlock()
	o.notifyStatus(StatusDisconnected)
	if !suppressed {
		o.scheduleReconnect()
	}
}

func (o *Orchestrator) scheduleReconnect() {
	o.mu.Lock()
	if o.sessionEnded || o.closed {
		o.mu.Unlock()
		return
	}
	if o.attempts >= maxReconnectAttempts {
		o.status = StatusFailed
		o.mu.Unlock()
		o.log.Warn("reconnect attempts exhausted")
		o.notifyStatus(StatusFailed)
		return
	}
	delay := reconnectBase * (1 << o.attempts)
	o.attempts++
	o.status = StatusDisconnected
	o.cancelRetry = o.after(delay, func() { _ = o.Connect() })
	attempt := o.attempts
	o.mu.Unlock()
	o.log.Info("reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)
}

// handleEnvelope dispatches one inbound frame to completion.
func (o *Orchestrator) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSignal:
		o.handleSignal(env)
	case protocol.TypeApprove:
		o.handleApprove(env)
	case protocol.TypeDeny:
		o.handleDeny(env)
	case protocol.TypeChat:
		o.handleChat(env)
	case protocol.TypeQAStream:
		o.handleQAStream(env)
	case protocol.TypePeerList:
		o.handlePeerList(env)
	case protocol.TypeRequest:
		o.handleRequest(env)
	default:
		o.log.Debug("unhandled envelope type", zap.String("type", env.Type))
	}
}

// handleSignal feeds the negotiation payload to the PeerSession for its
// origin, creating a responder session on demand when local media is
// ready. When it is not, the frame is dropped; the remote side's
// negotiation protocol tolerates the loss.
func (o *Orchestrator) handleSignal(env protocol.Envelope) {
	var p protocol.SignalPayload
	if err := env.Decode(&p); err != nil {
		o.log.Warn("malformed signal payload", zap.Error(err))
		return
	}
	if p.To != o.cfg.UserID {
		return
	}
	o.mu.Lock()
	ps, ok := o.peers[p.From]
	stream := o.localStream
	o.mu.Unlock()
	if !ok {
		if stream == nil {
			o.log.Debug("signal dropped, local media not ready", zap.String("from", p.From))
			return
		}
		ps = o.ensurePeer(p.From, false, stream)
		if ps == nil {
			return
		}
	}
	ps.Signal(p.Signal)
}

func (o *Orchestrator) handleRequest(env protocol.Envelope) {
	var p protocol.AddressedPayload
	if err := env.Decode(&p); err != nil {
		o.log.Warn("malformed request payload", zap.Error(err))
		return
	}
	if p.To != o.cfg.UserID {
		return
	}
	if o.cbs.OnQARequest != nil {
		o.cbs.OnQARequest(p.From)
	}
}

func (o *Orchestrator) handleChat(env protocol.Envelope) {
	var p protocol.ChatPayload
	if err := env.Decode(&p); err != nil {
		o.log.Warn("malformed chat payload", zap.Error(err))
		return
	}
	if p.Text == protocol.SessionClosedText {
		o.endSession()
	}
	if o.cbs.OnChat != nil {
		o.cbs.OnChat(p)
	}
}

// handleQAStream opens an initiator session toward a newly announced
// Q&A participant, carrying our own stream when we hold one.
func (o *Orchestrator) handleQAStream(env protocol.Envelope) {
	var p protocol.QAStreamPayload
	if err := env.Decode(&p); err != nil {
		o.log.Warn("malformed qa_stream payload", zap.Error(err))
		return
	}
	if p.From == o.cfg.UserID {
		return
	}
	o.mu.Lock()
	stream := o.localStream
	o.mu.Unlock()
	o.ensurePeer(p.From, true, stream)
}

func (o *Orchestrator) handlePeerList(env protocol.Envelope) {
	var p protocol.PeerListPayload
	if err := env.Decode(&p); err != nil {
		o.log.Warn("malformed peer_list payload", zap.Error(err))
		return
	}
	peers := make([]string, 0, len(p.Peers))
	for _, id := range p.Peers {
		if id != o.cfg.UserID {
			peers = append(peers, id)
		}
	}
	if o.cbs.OnPeerList != nil {
		o.cbs.OnPeerList(peers)
	}
}

// SendChat sends a chat message. Chat is not queued while disconnected.
func (o *Orchestrator) SendChat(text string) error {
	var to *string
	if o.cfg.Role == protocol.RoleViewer {
		to = &o.cfg.StreamID
	}
	sentBy := "Viewer"
	if o.cfg.Role == protocol.RoleHost {
		sentBy = "Host"
	}
	return o.send(protocol.MustEnvelope(protocol.TypeChat, protocol.ChatPayload{
		From:   o.cfg.UserID,
		To:     to,
		Text:   text,
		SentBy: sentBy,
	}))
}

// MuteParticipant silences a participant service-side (host action).
func (o *Orchestrator) MuteParticipant(id string) error {
	return o.send(protocol.MustEnvelope(protocol.TypeMute, protocol.MutePayload{UserID: id}))
}

// UnmuteParticipant lifts a service-side mute (host action).
func (o *Orchestrator) UnmuteParticipant(id string) error {
	return o.send(protocol.MustEnvelope(protocol.TypeUnmute, protocol.MutePayload{UserID: id}))
}

// send writes an envelope immediately or fails with ErrNotConnected.
func (o *Orchestrator) send(env protocol.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != StatusConnected || o.conn == nil {
		return ErrNotConnected
	}
	return o.conn.WriteJSON(env)
}

// sendOrQueue writes an envelope immediately when connected, otherwise
// appends it to the pending queue flushed FIFO on the next connect.
// Used for negotiation payloads, which must not be lost to a transient
// disconnect.
func (o *Orchestrator) sendOrQueue(env protocol.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sessionEnded || o.closed {
		return
	}
	if o.status == StatusConnected && o.conn != nil {
		if err := o.conn.WriteJSON(env); err == nil {
			return
		}
	}
	o.pending = append(o.pending, env)
}

func (o *Orchestrator) notifyStatus(s Status) {
	if o.cbs.OnStatusChange != nil {
		o.cbs.OnStatusChange(s)
	}
}

func (o *Orchestrator) notifyQA(s QAState) {
	if o.cbs.OnQAStateChange != nil {
		o.cbs.OnQAStateChange(s)
	}
}
