package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestParseRejectsMalformedFrames(t *testing.T) {
	cases := map[string]string{
		"not json":     `not json at all`,
		"missing type": `{"payload":{"from":"a"}}`,
		"empty type":   `{"type":"","payload":{}}`,
	}
	for name, frame := range cases {
		if _, err := Parse([]byte(frame)); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}

func TestParseKeepsPayloadRaw(t *testing.T) {
	frame := []byte(`{"type":"signal","payload":{"to":"h1","from":"v1","signal":{"sdp":"offer","x":[1,2]}}}`)
	env, err := Parse(frame)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeSignal {
		t.Fatalf("expected signal type, got %s", env.Type)
	}

	var p SignalPayload
	if err := env.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if string(p.Signal) != `{"sdp":"offer","x":[1,2]}` {
		t.Errorf("negotiation blob must survive untouched, got %s", p.Signal)
	}

	// Round trip through Marshal preserves the frame semantically.
	out, err := env.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	var a, b interface{}
	if err := json.Unmarshal(frame, &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(out, &b); err != nil {
		t.Fatal(err)
	}
	got, _ := json.Marshal(b)
	want, _ := json.Marshal(a)
	if !bytes.Equal(got, want) {
		t.Errorf("round trip changed the frame:\n got %s\nwant %s", got, want)
	}
}

func TestChatOmitsNullTargetForHost(t *testing.T) {
	env := MustEnvelope(TypeChat, ChatPayload{From: "h1", Text: "hi", SentBy: "Host"})
	var p ChatPayload
	if err := env.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.To != nil {
		t.Errorf("host chat target must stay null, got %v", *p.To)
	}

	to := "h1"
	env = MustEnvelope(TypeChat, ChatPayload{From: "v1", To: &to, Text: "hi", SentBy: "Viewer"})
	if err := env.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.To == nil || *p.To != "h1" {
		t.Errorf("viewer chat must carry the host id")
	}
}
