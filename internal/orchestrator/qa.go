package orchestrator

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/castline/signaling/internal/protocol"
)

// QAState is the viewer-local Q&A promotion state.
type QAState int

const (
	QAIdle QAState = iota
	QARequested
	QAApproved
)

func (s QAState) String() string {
	switch s {
	case QAIdle:
		return "idle"
	case QARequested:
		return "requested"
	case QAApproved:
		return "approved"
	default:
		return "unknown"
	}
}

// RequestQA asks the host for Q&A promotion: idle → requested. The
// action is rejected while disconnected or outside the idle state; no
// envelope is sent in that case.
func (o *Orchestrator) RequestQA() error {
	o.mu.Lock()
	if o.status != StatusConnected || o.conn == nil {
		o.mu.Unlock()
		return ErrNotConnected
	}
	if o.qa != QAIdle {
		o.mu.Unlock()
		return fmt.Errorf("request from %s: %w", o.qa, ErrInvalidTransition)
	}
	env := protocol.MustEnvelope(protocol.TypeRequest, protocol.AddressedPayload{
		To:   o.cfg.StreamID,
		From: o.cfg.UserID,
	})
	if err := o.conn.WriteJSON(env); err != nil {
		o.mu.Unlock()
		return err
	}
	o.qa = QARequested
	o.mu.Unlock()
	o.notifyQA(QARequested)
	return nil
}

// ApproveQA grants a viewer's Q&A request (host action): sends the
// approval and announces the new Q&A stream to everyone else.
func (o *Orchestrator) ApproveQA(viewerID string) error {
	approve := protocol.MustEnvelope(protocol.TypeApprove, protocol.AddressedPayload{
		To:   viewerID,
		From: o.cfg.UserID,
	})
	if err := o.send(approve); err != nil {
		return err
	}
	announce := protocol.MustEnvelope(protocol.TypeQAStream, protocol.QAStreamPayload{From: viewerID})
	return o.send(announce)
}

// DenyQA declines a viewer's Q&A request (host action).
func (o *Orchestrator) DenyQA(viewerID string) error {
	return o.send(protocol.MustEnvelope(protocol.TypeDeny, protocol.AddressedPayload{
		To:   viewerID,
		From: o.cfg.UserID,
	}))
}

// handleApprove transitions requested → approved and starts the media
// acquisition that completes the promotion. Approvals in any other
// state are ignored.
func (o *Orchestrator) handleApprove(env protocol.Envelope) {
	var p protocol.AddressedPayload
	if err := env.Decode(&p); err != nil {
		o.log.Warn("malformed approve payload", zap.Error(err))
		return
	}
	if p.To != o.cfg.UserID {
		return
	}
	o.mu.Lock()
	if o.qa != QARequested {
		o.mu.Unlock()
		return
	}
	o.qa = QAApproved
	o.mu.Unlock()
	o.notifyQA(QAApproved)
	// Capture is asynchronous; its failure reverts the optimistic
	// transition instead of crashing the dispatch loop.
	o.spawn(o.completePromotion)
}

// completePromotion acquires local media, attaches it to the host
// session and every Q&A session, and announces availability. A capture
// failure falls back to idle with a user-visible notice.
func (o *Orchestrator) completePromotion() {
	if o.cfg.Media == nil {
		o.failPromotion(fmt.Errorf("no media provider configured"))
		return
	}
	stream, err := o.cfg.Media.GetUserMedia()
	if err != nil {
		o.failPromotion(err)
		return
	}

	o.mu.Lock()
	if o.sessionEnded || o.closed {
		o.mu.Unlock()
		_ = stream.Close()
		return
	}
	o.localStream = stream
	sessions := make([]*PeerSession, 0, len(o.peers))
	for _, ps := range o.peers {
		sessions = append(sessions, ps)
	}
	o.mu.Unlock()

	for _, ps := range sessions {
		ps.AttachStream(stream)
	}
	o.sendOrQueue(protocol.MustEnvelope(protocol.TypeQAStream, protocol.QAStreamPayload{
		From: o.cfg.UserID,
	}))
	o.log.Info("Q&A promotion complete")
}

func (o *Orchestrator) failPromotion(err error) {
	o.log.Warn("media capture failed, reverting to idle", zap.Error(err))
	o.mu.Lock()
	o.qa = QAIdle
	o.mu.Unlock()
	o.notifyQA(QAIdle)
	if o.cbs.OnNotice != nil {
		o.cbs.OnNotice("Could not start camera/microphone")
	}
}

// handleDeny transitions requested → idle with a user-visible notice.
func (o *Orchestrator) handleDeny(env protocol.Envelope) {
	var p protocol.AddressedPayload
	if err := env.Decode(&p); err != nil {
		o.log.Warn("malformed deny payload", zap.Error(err))
		return
	}
	if p.To != o.cfg.UserID {
		return
	}
	o.mu.Lock()
	if o.qa != QARequested {
		o.mu.Unlock()
		return
	}
	o.qa = QAIdle
	o.mu.Unlock()
	o.notifyQA(QAIdle)
	if o.cbs.OnNotice != nil {
		o.cbs.OnNotice("Request Denied")
	}
}

// EndSession broadcasts the session-closed chat to all participants and
// runs the local teardown (host action).
func (o *Orchestrator) EndSession() error {
	if err := o.SendChat(protocol.SessionClosedText); err != nil {
		return err
	}
	o.endSession()
	return nil
}

// endSession is the one-shot terminal transition: close the signaling
// connection without reconnecting, destroy every peer session, release
// captured media and start the departure countdown. A second trigger
// (the broadcast can arrive twice) is ignored.
func (o *Orchestrator) endSession() {
	o.mu.Lock()
	if o.sessionEnded {
		o.mu.Unlock()
		return
	}
	o.sessionEnded = true
	o.mu.Unlock()

	o.teardown()
	if o.cbs.OnNotice != nil {
		o.cbs.OnNotice("Session Ended")
	}
	o.log.Info("session ended, countdown started")
	o.countdownTick(countdownTicks)
}

// teardown synchronously closes the connection, every peer session and
// the local capture. Safe to call more than once.
func (o *Orchestrator) teardown() {
	o.mu.Lock()
	conn := o.conn
	o.conn = nil
	if o.cancelRetry != nil {
		o.cancelRetry()
		o.cancelRetry = nil
	}
	sessions := make([]*PeerSession, 0, len(o.peers))
	for _, ps := range o.peers {
		sessions = append(sessions, ps)
	}
	stream := o.localStream
	o.localStream = nil
	o.pending = nil
	o.status = StatusDisconnected
	o.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, ps := range sessions {
		ps.close(PeerClosed)
	}
	if stream != nil {
		_ = stream.Close()
	}
	o.notifyStatus(StatusDisconnected)
}

func (o *Orchestrator) countdownTick(remaining int) {
	if o.cbs.OnCountdownTick != nil {
		o.cbs.OnCountdownTick(remaining)
	}
	if remaining <= 0 {
		if o.cbs.OnSessionEnd != nil {
			o.cbs.OnSessionEnd()
		}
		return
	}
	o.after(time.Second, func() { o.countdownTick(remaining - 1) })
}
