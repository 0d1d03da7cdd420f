// Package coordinator is the server half of the signaling core: it
// accepts participant connections, binds them to registry entries on
// register, and feeds every subsequent frame through the message
// router.
package coordinator

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/castline/signaling/internal/protocol"
	"github.com/castline/signaling/internal/registry"
	"github.com/castline/signaling/internal/router"
)

const (
	// PingInterval and PongWait drive the heartbeat.
	PingInterval = 30
	PongWait     = 60
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// Broadcaster publishes broadcast envelopes for cross-instance
// delivery. Nil disables the bridge and fanout stays local.
type Broadcaster interface {
	Publish(env protocol.Envelope) error
}

// Subscriber delivers envelopes published by any instance, this one
// included.
type Subscriber interface {
	Subscribe(handler func(env protocol.Envelope)) (cancel func(), err error)
}

// Service owns one registry and one router and coordinates all
// connected participants of this instance.
type Service struct {
	reg    *registry.Registry
	router *router.Router
	bridge Broadcaster
	log    *zap.Logger
}

// New creates the coordination service. bridge may be nil.
func New(reg *registry.Registry, rt *router.Router, bridge Broadcaster, log *zap.Logger) *Service {
	return &Service{reg: reg, router: rt, bridge: bridge, log: log}
}

// Start subscribes to the cross-instance bridge. Returns a cancel
// function; both are no-ops when no subscriber is configured.
func (s *Service) Start(sub Subscriber) (func(), error) {
	if sub == nil {
		return func() {}, nil
	}
	cancel, err := sub.Subscribe(func(env protocol.Envelope) {
		// The publishing instance already arbitrated the sender;
		// only the fanout runs here.
		s.deliver(s.router.Fanout(env))
	})
	if err != nil {
		return nil, err
	}
	return cancel, nil
}

// ServeWs upgrades the request and runs the connection until it closes.
// Exactly one read loop per connection processes frames serially, which
// is what preserves per-remote-party signal ordering.
func (s *Service) ServeWs() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		conn := newWSConn(ws, s, s.log)
		go conn.writePump()
		conn.readPump()
	}
}

// ParticipantCount returns the number of registered participants.
func (s *Service) ParticipantCount() int { return s.reg.Count() }

// SessionCount returns the number of live sessions.
func (s *Service) SessionCount() int { return s.reg.SessionCount() }

// handleFrame routes one inbound frame to completion. register is
// intercepted here because binding needs the connection itself; all
// other types go through the routing table.
func (s *Service) handleFrame(c *wsConn, env protocol.Envelope) {
	if env.Type == protocol.TypeRegister {
		s.handleRegister(c, env)
		return
	}
	if c.participantID == "" {
		s.log.Debug("frame before registration dropped", zap.String("type", env.Type))
		return
	}

	deliveries := s.router.Route(c.participantID, env)
	if len(deliveries) == 0 {
		return
	}
	// Broadcast types go through the bridge when configured so each
	// instance delivers exactly once (the subscriber callback fans
	// out, including to this instance's own clients).
	if s.bridge != nil && isBroadcast(env.Type) {
		if err := s.bridge.Publish(env); err == nil {
			return
		}
		s.log.Warn("bridge publish failed, delivering locally", zap.String("type", env.Type))
	}
	s.deliver(deliveries)
}

func (s *Service) handleRegister(c *wsConn, env protocol.Envelope) {
	var p protocol.RegisterPayload
	if err := env.Decode(&p); err != nil {
		s.log.Warn("malformed register payload", zap.Error(err))
		return
	}
	if p.UserID == "" {
		s.log.Warn("register without userId dropped")
		return
	}
	c.participantID = p.UserID
	c.streamID = p.StreamID
	s.reg.Register(p.UserID, p.Role, p.StreamID, c)
	s.log.Info("participant registered",
		zap.String("participant_id", p.UserID),
		zap.String("role", p.Role),
		zap.String("stream_id", p.StreamID),
	)
	s.broadcastPeerList(p.StreamID)
}

// handleClose removes the registry entry bound to the connection and
// tells the remaining session members who is left.
func (s *Service) handleClose(c *wsConn) {
	if c.participantID == "" {
		return
	}
	if _, ok := s.reg.RemoveConn(c.participantID, c); ok {
		s.log.Info("participant disconnected", zap.String("participant_id", c.participantID))
		s.broadcastPeerList(c.streamID)
	}
}

// broadcastPeerList sends the session's membership to its members.
// Unlike chat, membership is meaningless across sessions, so this is
// the one fanout scoped by stream id.
func (s *Service) broadcastPeerList(streamID string) {
	peers := s.reg.SessionPeers(streamID)
	env := protocol.MustEnvelope(protocol.TypePeerList, protocol.PeerListPayload{Peers: peers})
	for _, id := range peers {
		if p, ok := s.reg.Lookup(id); ok && p.Conn != nil {
			_ = p.Conn.Send(env)
		}
	}
}

func (s *Service) deliver(deliveries []router.Delivery) {
	for _, d := range deliveries {
		p, ok := s.reg.Lookup(d.To)
		if !ok || p.Conn == nil {
			continue
		}
		if err := p.Conn.Send(d.Env); err != nil {
			s.log.Debug("delivery dropped",
				zap.String("to", d.To),
				zap.String("type", d.Env.Type),
				zap.Error(err),
			)
		}
	}
}

func isBroadcast(typ string) bool {
	return typ == protocol.TypeChat || typ == protocol.TypeQAStream
}
