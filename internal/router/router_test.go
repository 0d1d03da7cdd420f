package router

import (
	"bytes"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/castline/signaling/internal/protocol"
	"github.com/castline/signaling/internal/registry"
)

type nopConn struct{}

func (nopConn) Send(protocol.Envelope) error { return nil }
func (nopConn) Close() error                 { return nil }

func setup(t *testing.T, ids ...string) (*registry.Registry, *Router) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	for _, id := range ids {
		role := protocol.RoleViewer
		if id == "h1" {
			role = protocol.RoleHost
		}
		reg.Register(id, role, "h1", nopConn{})
	}
	return reg, New(reg, zap.NewNop())
}

func recipients(ds []Delivery) []string {
	var out []string
	for _, d := range ds {
		out = append(out, d.To)
	}
	return out
}

func TestSignalUnicastVerbatim(t *testing.T) {
	_, rt := setup(t, "h1", "v1", "v2")
	raw := json.RawMessage(`{"sdp":"offer-blob","custom":1}`)
	env := protocol.MustEnvelope(protocol.TypeSignal, protocol.SignalPayload{
		To: "v1", From: "h1", Signal: raw,
	})

	ds := rt.Route("h1", env)
	if len(ds) != 1 || ds[0].To != "v1" {
		t.Fatalf("expected single delivery to v1, got %v", recipients(ds))
	}
	got, _ := ds[0].Env.Marshal()
	want, _ := env.Marshal()
	if !bytes.Equal(got, want) {
		t.Errorf("signal envelope must be relayed unchanged:\n got %s\nwant %s", got, want)
	}
}

func TestSignalToAbsentTargetDropped(t *testing.T) {
	_, rt := setup(t, "h1")
	env := protocol.MustEnvelope(protocol.TypeSignal, protocol.SignalPayload{To: "ghost", From: "h1"})
	if ds := rt.Route("h1", env); len(ds) != 0 {
		t.Errorf("expected silent drop, got %v", recipients(ds))
	}
}

func TestChatBroadcastIncludesSender(t *testing.T) {
	_, rt := setup(t, "h1", "v1", "v2")
	env := protocol.MustEnvelope(protocol.TypeChat, protocol.ChatPayload{From: "v1", Text: "hi"})

	ds := rt.Route("v1", env)
	got := recipients(ds)
	want := []string{"h1", "v1", "v2"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestChatFromMutedSenderVanishes(t *testing.T) {
	reg, rt := setup(t, "h1", "v1", "v2")
	env := protocol.MustEnvelope(protocol.TypeChat, protocol.ChatPayload{From: "v1", Text: "hi"})

	reg.SetMuted("v1", true)
	if ds := rt.Route("v1", env); len(ds) != 0 {
		t.Fatalf("muted sender's chat must reach nobody, got %v", recipients(ds))
	}

	reg.SetMuted("v1", false)
	if ds := rt.Route("v1", env); len(ds) != 3 {
		t.Fatalf("unmuted sender's chat must reach everyone, got %v", recipients(ds))
	}
}

func TestChatFromUnknownSenderDropped(t *testing.T) {
	_, rt := setup(t, "h1")
	env := protocol.MustEnvelope(protocol.TypeChat, protocol.ChatPayload{From: "ghost", Text: "hi"})
	if ds := rt.Route("ghost", env); len(ds) != 0 {
		t.Errorf("unknown sender's chat must be dropped")
	}
}

func TestRequestForwardedToTarget(t *testing.T) {
	_, rt := setup(t, "h1", "v1")
	env := protocol.MustEnvelope(protocol.TypeRequest, protocol.AddressedPayload{To: "h1", From: "v1"})

	ds := rt.Route("v1", env)
	if len(ds) != 1 || ds[0].To != "h1" || ds[0].Env.Type != protocol.TypeRequest {
		t.Fatalf("expected request forwarded to h1, got %v", ds)
	}
}

func TestRequestFromMutedSenderSynthesizesDeny(t *testing.T) {
	reg, rt := setup(t, "h1", "v1")
	reg.SetMuted("v1", true)
	env := protocol.MustEnvelope(protocol.TypeRequest, protocol.AddressedPayload{To: "h1", From: "v1"})

	ds := rt.Route("v1", env)
	if len(ds) != 1 {
		t.Fatalf("expected exactly one synthesized deny, got %d deliveries", len(ds))
	}
	if ds[0].To != "v1" || ds[0].Env.Type != protocol.TypeDeny {
		t.Fatalf("expected deny back to sender, got %s to %s", ds[0].Env.Type, ds[0].To)
	}
	var p protocol.AddressedPayload
	if err := ds[0].Env.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.To != "v1" || p.From != "h1" {
		t.Errorf("deny should appear to come from the request target, got %+v", p)
	}
}

func TestApproveDenyUnicast(t *testing.T) {
	_, rt := setup(t, "h1", "v1")
	for _, typ := range []string{protocol.TypeApprove, protocol.TypeDeny} {
		env := protocol.MustEnvelope(typ, protocol.AddressedPayload{To: "v1", From: "h1"})
		ds := rt.Route("h1", env)
		if len(ds) != 1 || ds[0].To != "v1" {
			t.Errorf("%s: expected unicast to v1, got %v", typ, recipients(ds))
		}
	}
	env := protocol.MustEnvelope(protocol.TypeApprove, protocol.AddressedPayload{To: "ghost", From: "h1"})
	if ds := rt.Route("h1", env); len(ds) != 0 {
		t.Errorf("approve to absent target must be dropped")
	}
}

func TestQAStreamExcludesOriginator(t *testing.T) {
	_, rt := setup(t, "h1", "v1", "v2")
	env := protocol.MustEnvelope(protocol.TypeQAStream, protocol.QAStreamPayload{From: "v1"})

	ds := rt.Route("v1", env)
	for _, d := range ds {
		if d.To == "v1" {
			t.Fatalf("originator must not receive its own qa_stream")
		}
	}
	if len(ds) != 2 {
		t.Errorf("expected 2 recipients, got %v", recipients(ds))
	}
}

func TestMuteUnmuteSideEffectOnly(t *testing.T) {
	reg, rt := setup(t, "h1", "v1")

	env := protocol.MustEnvelope(protocol.TypeMute, protocol.MutePayload{UserID: "v1"})
	if ds := rt.Route("h1", env); len(ds) != 0 {
		t.Fatalf("mute must produce no deliveries")
	}
	if p, _ := reg.Lookup("v1"); !p.Muted {
		t.Errorf("v1 should be muted")
	}

	env = protocol.MustEnvelope(protocol.TypeUnmute, protocol.MutePayload{UserID: "v1"})
	rt.Route("h1", env)
	if p, _ := reg.Lookup("v1"); p.Muted {
		t.Errorf("v1 should be unmuted")
	}
}

func TestUnknownAndMalformedDropped(t *testing.T) {
	_, rt := setup(t, "h1")
	if ds := rt.Route("h1", protocol.Envelope{Type: "bogus", Payload: []byte(`{}`)}); len(ds) != 0 {
		t.Errorf("unknown type must be dropped")
	}
	if ds := rt.Route("h1", protocol.Envelope{Type: protocol.TypeSignal, Payload: []byte(`not json`)}); len(ds) != 0 {
		t.Errorf("malformed payload must be dropped")
	}
}
