// Package registry holds the in-memory participant registry: the single
// shared-mutation point of the coordination service.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/castline/signaling/internal/protocol"
)

// Conn is the send side of a participant's signaling connection. The
// registry entry owns it exclusively and closes it when the entry is
// removed or replaced.
type Conn interface {
	Send(env protocol.Envelope) error
	Close() error
}

// Participant is one registered entry. Session membership is derived:
// every participant whose StreamID equals a host identity belongs to
// that host's session.
type Participant struct {
	ID       string
	Role     string
	StreamID string
	Muted    bool
	Conn     Conn
}

// Registry maps participant identity to connection, role and mute
// state. All mutation is serialized behind one mutex; iteration order
// is insertion order so broadcast send order is reproducible.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Participant
	order   []string
	log     *zap.Logger
}

// New creates an empty registry.
func New(log *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Participant),
		log:     log,
	}
}

// Register inserts or replaces the entry for id, always unmuted. A
// replaced entry's connection is closed; the original server leaked it.
func (r *Registry) Register(id, role, streamID string, conn Conn) {
	r.mu.Lock()
	var replaced Conn
	if prev, ok := r.entries[id]; ok {
		replaced = prev.Conn
	} else {
		r.order = append(r.order, id)
	}
	r.entries[id] = &Participant{ID: id, Role: role, StreamID: streamID, Conn: conn}
	r.mu.Unlock()

	if replaced != nil && replaced != conn {
		_ = replaced.Close()
	}
	r.log.Debug("participant registered",
		zap.String("participant_id", id),
		zap.String("role", role),
		zap.String("stream_id", streamID),
	)
}

// Lookup returns a copy of the entry for id.
func (r *Registry) Lookup(id string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Remove deletes the entry for id and closes its connection. Returns
// the removed entry so callers can fan out membership updates.
func (r *Registry) Remove(id string) (Participant, bool) {
	r.mu.Lock()
	p, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return Participant{}, false
	}
	delete(r.entries, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	removed := *p
	r.mu.Unlock()

	if removed.Conn != nil {
		_ = removed.Conn.Close()
	}
	r.log.Debug("participant removed", zap.String("participant_id", id))
	return removed, true
}

// RemoveConn removes the entry for id only if it still owns conn. A
// superseded connection closing late must not evict the entry that
// replaced it.
func (r *Registry) RemoveConn(id string, conn Conn) (Participant, bool) {
	r.mu.Lock()
	p, ok := r.entries[id]
	if !ok || p.Conn != conn {
		r.mu.Unlock()
		return Participant{}, false
	}
	delete(r.entries, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	removed := *p
	r.mu.Unlock()

	if removed.Conn != nil {
		_ = removed.Conn.Close()
	}
	r.log.Debug("participant removed", zap.String("participant_id", id))
	return removed, true
}

// SetMuted updates the mute flag. A missing id is a no-op: mute target
// arbitration happens here and nowhere else.
func (r *Registry) SetMuted(id string, muted bool) {
	r.mu.Lock()
	if p, ok := r.entries[id]; ok {
		p.Muted = muted
	}
	r.mu.Unlock()
}

// ForEach calls fn for a point-in-time snapshot of all entries in
// insertion order. fn runs without the registry lock held, so a slow
// or closing connection cannot block registration.
func (r *Registry) ForEach(fn func(p Participant)) {
	for _, p := range r.snapshot() {
		fn(p)
	}
}

func (r *Registry) snapshot() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		if p, ok := r.entries[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// SessionPeers returns the identities of every participant whose
// StreamID matches, in insertion order.
func (r *Registry) SessionPeers(streamID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var peers []string
	for _, id := range r.order {
		if p, ok := r.entries[id]; ok && p.StreamID == streamID {
			peers = append(peers, p.ID)
		}
	}
	return peers
}

// Count returns the number of registered participants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SessionCount returns the number of distinct sessions with at least
// one registered member.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, p := range r.entries {
		seen[p.StreamID] = struct{}{}
	}
	return len(seen)
}
