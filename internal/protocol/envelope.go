// Package protocol defines the signaling wire format: a JSON envelope
// {type, payload} exchanged as text frames over a WebSocket connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope types.
const (
	TypeRegister = "register"
	TypeSignal   = "signal"
	TypeChat     = "chat"
	TypeMute     = "mute"
	TypeUnmute   = "unmute"
	TypeRequest  = "request"
	TypeApprove  = "approve"
	TypeDeny     = "deny"
	TypeQAStream = "qa_stream"
	TypePeerList = "peer_list"
)

// Participant roles.
const (
	RoleHost   = "host"
	RoleViewer = "viewer"
)

// SessionClosedText is the chat text the host broadcasts to end a
// session. Receivers treat it as a one-shot teardown trigger.
const SessionClosedText = "Session Closed"

// Envelope is the only frame shape on the wire. Payload is kept raw so
// relayed frames (signal in particular) pass through byte-for-byte.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RegisterPayload binds a connection to a participant identity.
// StreamID is the host identity of the session being joined; a host
// registers with StreamID equal to its own UserID.
type RegisterPayload struct {
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	StreamID string `json:"streamId"`
}

// SignalPayload carries an opaque peer-negotiation blob between two
// participants. The coordination service never inspects Signal.
type SignalPayload struct {
	To     string          `json:"to"`
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

// ChatPayload is a chat message. To is the session host for viewer
// messages and null for host broadcasts.
type ChatPayload struct {
	From   string  `json:"from"`
	To     *string `json:"to"`
	Text   string  `json:"text"`
	SentBy string  `json:"sentBy,omitempty"`
}

// MutePayload targets a participant for mute/unmute.
type MutePayload struct {
	UserID string `json:"userId"`
}

// AddressedPayload is the shape shared by request, approve and deny.
type AddressedPayload struct {
	To   string `json:"to"`
	From string `json:"from"`
}

// QAStreamPayload announces that From now publishes a Q&A stream.
type QAStreamPayload struct {
	From string  `json:"from"`
	To   *string `json:"to"`
}

// PeerListPayload is service-originated: the current members of the
// sender's session.
type PeerListPayload struct {
	Peers []string `json:"peers"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: raw}, nil
}

// MustEnvelope is NewEnvelope for payload types that cannot fail to
// marshal (all payload structs in this package).
func MustEnvelope(typ string, payload interface{}) Envelope {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out interface{}) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Marshal serializes the envelope to a wire frame.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Parse deserializes a wire frame into an envelope.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("parse envelope: missing type")
	}
	return env, nil
}
