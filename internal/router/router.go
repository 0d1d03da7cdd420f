// Package router decides, per envelope type, which registry entries
// receive a copy. Routing is role-agnostic: the Q&A workflow is
// enforced by clients choosing whom to address, never by server policy.
package router

import (
	"go.uber.org/zap"

	"github.com/castline/signaling/internal/protocol"
	"github.com/castline/signaling/internal/registry"
)

// Delivery is one (recipient, envelope) pair produced by routing.
type Delivery struct {
	To  string
	Env protocol.Envelope
}

// Router is a pure dispatch table over envelope type. Its only state is
// registry access; Route is a function of (registry snapshot, envelope).
type Router struct {
	reg *registry.Registry
	log *zap.Logger
}

// New creates a router over the given registry.
func New(reg *registry.Registry, log *zap.Logger) *Router {
	return &Router{reg: reg, log: log}
}

// Route computes the deliveries for env, applying mute/unmute side
// effects to the registry. It never sends; the caller owns delivery.
// Malformed or unknown envelopes yield no deliveries and a diagnostic.
// Registration is not handled here: binding a connection to an identity
// is the coordination service's job.
func (r *Router) Route(sender string, env protocol.Envelope) []Delivery {
	switch env.Type {
	case protocol.TypeSignal:
		return r.routeSignal(env)
	case protocol.TypeRequest:
		return r.routeRequest(env)
	case protocol.TypeApprove, protocol.TypeDeny:
		return r.routeAddressed(env)
	case protocol.TypeChat:
		return r.routeChat(env)
	case protocol.TypeQAStream:
		return r.Fanout(env)
	case protocol.TypeMute:
		return r.setMuted(env, true)
	case protocol.TypeUnmute:
		return r.setMuted(env, false)
	default:
		r.log.Warn("unknown envelope type dropped",
			zap.String("type", env.Type),
			zap.String("sender", sender),
		)
		return nil
	}
}

// routeSignal unicasts the envelope verbatim to payload.to; a missing
// target is a silent drop (the negotiation protocol tolerates loss).
func (r *Router) routeSignal(env protocol.Envelope) []Delivery {
	var p protocol.SignalPayload
	if err := env.Decode(&p); err != nil {
		r.log.Warn("malformed signal payload", zap.Error(err))
		return nil
	}
	if _, ok := r.reg.Lookup(p.To); !ok {
		r.log.Debug("signal target not registered", zap.String("to", p.To))
		return nil
	}
	return []Delivery{{To: p.To, Env: env}}
}

// routeRequest forwards a Q&A request, except that a muted sender gets
// a synthesized deny back instead: mute suppresses even the ability to
// ask.
func (r *Router) routeRequest(env protocol.Envelope) []Delivery {
	var p protocol.AddressedPayload
	if err := env.Decode(&p); err != nil {
		r.log.Warn("malformed request payload", zap.Error(err))
		return nil
	}
	if sender, ok := r.reg.Lookup(p.From); ok && sender.Muted {
		deny := protocol.MustEnvelope(protocol.TypeDeny, protocol.AddressedPayload{
			To:   p.From,
			From: p.To,
		})
		return []Delivery{{To: p.From, Env: deny}}
	}
	if _, ok := r.reg.Lookup(p.To); !ok {
		return nil
	}
	return []Delivery{{To: p.To, Env: env}}
}

func (r *Router) routeAddressed(env protocol.Envelope) []Delivery {
	var p protocol.AddressedPayload
	if err := env.Decode(&p); err != nil {
		r.log.Warn("malformed payload", zap.String("type", env.Type), zap.Error(err))
		return nil
	}
	if _, ok := r.reg.Lookup(p.To); !ok {
		return nil
	}
	return []Delivery{{To: p.To, Env: env}}
}

// routeChat broadcasts to every registered participant, sender
// included, unless the sender is unknown or muted, in which case the
// message vanishes with no feedback.
func (r *Router) routeChat(env protocol.Envelope) []Delivery {
	var p protocol.ChatPayload
	if err := env.Decode(&p); err != nil {
		r.log.Warn("malformed chat payload", zap.Error(err))
		return nil
	}
	sender, ok := r.reg.Lookup(p.From)
	if !ok || sender.Muted {
		return nil
	}
	return r.Fanout(env)
}

// Fanout computes the broadcast deliveries for chat and qa_stream
// without sender checks: chat goes to everyone, qa_stream to everyone
// except its originator. The cross-instance bridge re-enters here after
// the publishing instance has already arbitrated the sender.
func (r *Router) Fanout(env protocol.Envelope) []Delivery {
	var exclude string
	if env.Type == protocol.TypeQAStream {
		var p protocol.QAStreamPayload
		if err := env.Decode(&p); err != nil {
			r.log.Warn("malformed qa_stream payload", zap.Error(err))
			return nil
		}
		exclude = p.From
	}
	var out []Delivery
	r.reg.ForEach(func(p registry.Participant) {
		if exclude != "" && p.ID == exclude {
			return
		}
		out = append(out, Delivery{To: p.ID, Env: env})
	})
	return out
}

func (r *Router) setMuted(env protocol.Envelope, muted bool) []Delivery {
	var p protocol.MutePayload
	if err := env.Decode(&p); err != nil {
		r.log.Warn("malformed mute payload", zap.Error(err))
		return nil
	}
	r.reg.SetMuted(p.UserID, muted)
	return nil
}
