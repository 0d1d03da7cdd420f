// Package rtc implements the orchestrator's opaque peer transport on
// pion/webrtc: offer/answer plus trickle ICE, serialized into the
// signal payload the same way the browser peers frame it.
package rtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/castline/signaling/internal/orchestrator"
)

// signalMessage is the negotiation payload shape: either a session
// description ({type, sdp}) or a trickled candidate ({candidate}).
type signalMessage struct {
	Type      string                   `json:"type,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// NewFactory returns a TransportFactory producing pion-backed peers
// with the given ICE servers.
func NewFactory(iceURLs []string, log *zap.Logger) orchestrator.TransportFactory {
	cfg := webrtc.Configuration{ICEServers: parseICEServers(iceURLs)}
	return func(initiator bool, ev orchestrator.TransportEvents) (orchestrator.Transport, error) {
		return newPeer(cfg, initiator, ev, log)
	}
}

// peer owns one RTCPeerConnection.
type peer struct {
	pc  *webrtc.PeerConnection
	ev  orchestrator.TransportEvents
	log *zap.Logger

	mu           sync.Mutex
	remoteSet    bool
	pendingCands []webrtc.ICECandidateInit
	streamFired  bool
	closed       bool
}

func newPeer(cfg webrtc.Configuration, initiator bool, ev orchestrator.TransportEvents, log *zap.Logger) (*peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	p := &peer{pc: pc, ev: ev, log: log}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.emit(signalMessage{Candidate: &init})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.mu.Lock()
		fired := p.streamFired
		p.streamFired = true
		p.mu.Unlock()
		go discardRTP(track)
		if !fired && p.ev.OnStream != nil {
			p.ev.OnStream(&RemoteStream{id: track.StreamID()})
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			if p.ev.OnError != nil {
				p.ev.OnError(fmt.Errorf("peer connection failed"))
			}
		case webrtc.PeerConnectionStateClosed:
			p.mu.Lock()
			closed := p.closed
			p.closed = true
			p.mu.Unlock()
			if !closed && p.ev.OnClose != nil {
				p.ev.OnClose()
			}
		}
	})

	if initiator {
		// Receive-only transceivers so the offer carries media
		// sections even before a local stream is attached.
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = pc.Close()
				return nil, err
			}
		}
		go p.sendOffer()
	}
	return p, nil
}

func (p *peer) sendOffer() {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.fail(err)
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.fail(err)
		return
	}
	p.emit(signalMessage{Type: offer.Type.String(), SDP: offer.SDP})
}

// Signal consumes one inbound negotiation payload. Candidates arriving
// before the remote description are buffered and applied after it.
func (p *peer) Signal(payload json.RawMessage) error {
	var msg signalMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("parse signal payload: %w", err)
	}
	switch {
	case msg.Type == "offer":
		if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
		}); err != nil {
			return err
		}
		p.flushCandidates()
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return err
		}
		p.emit(signalMessage{Type: answer.Type.String(), SDP: answer.SDP})
		return nil
	case msg.Type == "answer":
		if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
		}); err != nil {
			return err
		}
		p.flushCandidates()
		return nil
	case msg.Candidate != nil:
		p.mu.Lock()
		if !p.remoteSet {
			p.pendingCands = append(p.pendingCands, *msg.Candidate)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		return p.pc.AddICECandidate(*msg.Candidate)
	default:
		return fmt.Errorf("unrecognized signal payload")
	}
}

func (p *peer) flushCandidates() {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pendingCands
	p.pendingCands = nil
	p.mu.Unlock()
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Warn("buffered candidate rejected", zap.Error(err))
		}
	}
}

// AddStream attaches the local tracks to the connection.
func (p *peer) AddStream(stream orchestrator.MediaStream) error {
	local, ok := stream.(*LocalStream)
	if !ok {
		return fmt.Errorf("unsupported stream type %T", stream)
	}
	for _, track := range local.Tracks() {
		if _, err := p.pc.AddTrack(track); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts the peer connection.
func (p *peer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}

func (p *peer) emit(msg signalMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		p.fail(err)
		return
	}
	if p.ev.OnSignal != nil {
		p.ev.OnSignal(raw)
	}
}

func (p *peer) fail(err error) {
	p.log.Warn("negotiation error", zap.Error(err))
	if p.ev.OnError != nil {
		p.ev.OnError(err)
	}
}

// discardRTP drains a remote track; consumers that render media read
// it themselves, this core only needs the stream event.
func discardRTP(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

var defaultICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

func parseICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return defaultICE
	}
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(out) == 0 {
		return defaultICE
	}
	return out
}
