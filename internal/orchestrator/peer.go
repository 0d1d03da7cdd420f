package orchestrator

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/castline/signaling/internal/protocol"
)

// Peer negotiation failures are retried locally with a fixed delay
// before the session is marked failed.
const (
	maxPeerRetries = 3
	peerRetryDelay = 2 * time.Second
)

// MediaStream is an opaque captured or received media source. Close
// releases the underlying devices or tracks.
type MediaStream interface {
	ID() string
	Close() error
}

// MediaProvider yields a local capture stream. Acquisition may fail
// (no device, permission denied); failures degrade state, never crash.
type MediaProvider interface {
	GetUserMedia() (MediaStream, error)
}

// TransportEvents are the callbacks a Transport fires. Events for one
// transport arrive in order; the orchestrator serializes them with the
// rest of its dispatch.
type TransportEvents struct {
	OnSignal func(payload json.RawMessage)
	OnStream func(stream MediaStream)
	OnError  func(err error)
	OnClose  func()
}

// Transport is one opaque peer negotiation owned by a PeerSession. The
// orchestrator only moves payloads in and out of it.
type Transport interface {
	Signal(payload json.RawMessage) error
	AddStream(stream MediaStream) error
	Close() error
}

// TransportFactory builds a transport for one remote party. initiator
// is true when the local side opens the negotiation.
type TransportFactory func(initiator bool, ev TransportEvents) (Transport, error)

// PeerState is the PeerSession lifecycle.
type PeerState int

const (
	PeerNegotiating PeerState = iota
	PeerConnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNegotiating:
		return "negotiating"
	case PeerConnected:
		return "connected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerSession is one negotiation/media relationship with one remote
// party. Exactly one exists per remote identity; it owns its transport
// exclusively and is removed from the orchestrator's index on close or
// exhausted retries.
type PeerSession struct {
	remoteID  string
	initiator bool
	orch      *Orchestrator
	log       *zap.Logger

	// guarded by orch.mu
	transport    Transport
	state        PeerState
	retries      int
	localStream  MediaStream
	remoteStream MediaStream
	cancelRetry  func()
}

// ensurePeer returns the session for remote, creating one if none
// exists. A duplicate creation request is a no-op returning the
// existing session. stream, when non-nil, is attached to the new
// transport.
func (o *Orchestrator) ensurePeer(remote string, initiator bool, stream MediaStream) *PeerSession {
	o.mu.Lock()
	if o.sessionEnded || o.closed {
		o.mu.Unlock()
		return nil
	}
	if ps, ok := o.peers[remote]; ok {
		o.mu.Unlock()
		return ps
	}
	ps := &PeerSession{
		remoteID:    remote,
		initiator:   initiator,
		orch:        o,
		log:         o.log.With(zap.String("remote_id", remote)),
		state:       PeerNegotiating,
		localStream: stream,
	}
	o.peers[remote] = ps
	o.mu.Unlock()

	if err := ps.openTransport(); err != nil {
		o.log.Warn("peer transport creation failed", zap.String("remote_id", remote), zap.Error(err))
		o.removePeer(remote)
		return nil
	}
	ps.log.Info("peer session opened", zap.Bool("initiator", initiator))
	return ps
}

// openTransport builds (or rebuilds, on retry) the underlying
// transport. Never called with orch.mu held: factories may fire events
// synchronously.
func (ps *PeerSession) openTransport() error {
	t, err := ps.orch.cfg.Transport(ps.initiator, TransportEvents{
		OnSignal: ps.onSignal,
		OnStream: ps.onStream,
		OnError:  ps.onError,
		OnClose:  ps.onClose,
	})
	if err != nil {
		return err
	}
	ps.orch.mu.Lock()
	ps.transport = t
	stream := ps.localStream
	ps.orch.mu.Unlock()
	if stream != nil {
		if err := t.AddStream(stream); err != nil {
			ps.log.Warn("attach local stream failed", zap.Error(err))
		}
	}
	return nil
}

// Signal feeds an inbound negotiation payload. Payloads for one remote
// are fed in arrival order; the read loop guarantees it by dispatching
// one frame to completion at a time.
func (ps *PeerSession) Signal(payload json.RawMessage) {
	ps.orch.mu.Lock()
	t := ps.transport
	state := ps.state
	ps.orch.mu.Unlock()
	if t == nil || state == PeerClosed || state == PeerFailed {
		return
	}
	if err := t.Signal(payload); err != nil {
		ps.log.Warn("signal rejected by transport", zap.Error(err))
	}
}

// AttachStream adds a local stream to the live transport (Q&A
// promotion attaches the new capture to every existing session).
func (ps *PeerSession) AttachStream(stream MediaStream) {
	ps.orch.mu.Lock()
	ps.localStream = stream
	t := ps.transport
	ps.orch.mu.Unlock()
	if t != nil {
		if err := t.AddStream(stream); err != nil {
			ps.log.Warn("attach stream failed", zap.Error(err))
		}
	}
}

// State returns the lifecycle state.
func (ps *PeerSession) State() PeerState {
	ps.orch.mu.Lock()
	defer ps.orch.mu.Unlock()
	return ps.state
}

// RemoteID returns the remote participant identity.
func (ps *PeerSession) RemoteID() string { return ps.remoteID }

// close tears the session down and removes it from the index.
func (ps *PeerSession) close(terminal PeerState) {
	ps.orch.mu.Lock()
	if ps.state == PeerClosed {
		ps.orch.mu.Unlock()
		return
	}
	ps.state = terminal
	t := ps.transport
	ps.transport = nil
	if ps.cancelRetry != nil {
		ps.cancelRetry()
		ps.cancelRetry = nil
	}
	ps.orch.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
	ps.orch.removePeer(ps.remoteID)
}

func (ps *PeerSession) onSignal(payload json.RawMessage) {
	env := protocol.MustEnvelope(protocol.TypeSignal, protocol.SignalPayload{
		To:     ps.remoteID,
		From:   ps.orch.cfg.UserID,
		Signal: payload,
	})
	ps.orch.sendOrQueue(env)
}

func (ps *PeerSession) onStream(stream MediaStream) {
	ps.orch.mu.Lock()
	ps.remoteStream = stream
	ps.state = PeerConnected
	ps.retries = 0
	ps.orch.mu.Unlock()
	ps.log.Info("remote stream received")
	if ps.orch.cbs.OnRemoteStream != nil {
		ps.orch.cbs.OnRemoteStream(ps.remoteID, stream)
	}
}

// onError retries the negotiation a bounded number of times by
// rebuilding the transport, then gives up and marks the session
// failed. Exhaustion never crashes the orchestrator.
func (ps *PeerSession) onError(err error) {
	ps.orch.mu.Lock()
	if ps.state == PeerClosed || ps.state == PeerFailed {
		ps.orch.mu.Unlock()
		return
	}
	if ps.retries >= maxPeerRetries {
		ps.orch.mu.Unlock()
		ps.log.Warn("peer negotiation retries exhausted", zap.Error(err))
		ps.close(PeerFailed)
		return
	}
	ps.retries++
	ps.state = PeerNegotiating
	t := ps.transport
	ps.transport = nil
	retry := ps.retries
	ps.cancelRetry = ps.orch.after(peerRetryDelay, func() {
		ps.orch.mu.Lock()
		ended := ps.orch.sessionEnded || ps.orch.closed || ps.state == PeerClosed
		ps.orch.mu.Unlock()
		if ended {
			return
		}
		if err := ps.openTransport(); err != nil {
			ps.onError(err)
		}
	})
	ps.orch.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
	ps.log.Warn("peer negotiation error, retrying",
		zap.Int("retry", retry),
		zap.Error(err),
	)
}

func (ps *PeerSession) onClose() {
	ps.close(PeerClosed)
}

func (o *Orchestrator) removePeer(remote string) {
	o.mu.Lock()
	delete(o.peers, remote)
	o.mu.Unlock()
}

// PeerCount returns the number of live peer sessions.
func (o *Orchestrator) PeerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.peers)
}
