package coordinator

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/castline/signaling/internal/protocol"
	"github.com/castline/signaling/internal/registry"
	"github.com/castline/signaling/internal/router"
)

func newTestServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	reg := registry.New(log)
	svc := New(reg, router.New(reg, log), nil, log)
	engine := gin.New()
	engine.GET("/ws", svc.ServeWs())
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv, svc
}

// testFrames holds one inbound-frame channel per test connection. A
// single reader goroutine per connection feeds it; readType and
// expectNoFrame consume from it. Reading the websocket directly with a
// deadline would permanently poison the connection on timeout (gorilla
// makes read errors sticky), which expectNoFrame's window relies on.
var (
	testFramesMu sync.Mutex
	testFrames   = map[*websocket.Conn]chan []byte{}
)

func framesFor(conn *websocket.Conn) chan []byte {
	testFramesMu.Lock()
	defer testFramesMu.Unlock()
	return testFrames[conn]
}

func dialWs(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ch := make(chan []byte, 256)
	testFramesMu.Lock()
	testFrames[conn] = ch
	testFramesMu.Unlock()
	go func() {
		defer close(ch)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ch <- data
		}
	}()
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, typ string, payload interface{}) {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func register(t *testing.T, conn *websocket.Conn, userID, role, streamID string) {
	t.Helper()
	sendEnvelope(t, conn, protocol.TypeRegister, protocol.RegisterPayload{
		UserID: userID, Role: role, StreamID: streamID,
	})
}

// readType reads frames until one of the wanted type arrives, skipping
// interleaved peer_list updates.
func readType(t *testing.T, conn *websocket.Conn, want string) protocol.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-framesFor(conn):
			if !ok {
				t.Fatalf("waiting for %s: connection closed", want)
			}
			env, err := protocol.Parse(data)
			if err != nil {
				t.Fatalf("parse frame: %v", err)
			}
			if env.Type == want {
				return env
			}
		case <-timeout:
			t.Fatalf("waiting for %s: timeout", want)
		}
	}
}

// expectNoFrame asserts nothing but peer_list arrives within the window.
func expectNoFrame(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	timeout := time.After(window)
	for {
		select {
		case data, ok := <-framesFor(conn):
			if !ok {
				return
			}
			env, perr := protocol.Parse(data)
			if perr == nil && env.Type == protocol.TypePeerList {
				continue
			}
			t.Fatalf("unexpected frame: %s", data)
		case <-timeout:
			return // timeout is the expected outcome
		}
	}
}

func waitRegistered(t *testing.T, svc *Service, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for svc.ParticipantCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d participants, have %d", n, svc.ParticipantCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSignalRoutedToTargetOnly(t *testing.T) {
	srv, svc := newTestServer(t)
	host := dialWs(t, srv)
	viewer := dialWs(t, srv)
	other := dialWs(t, srv)

	register(t, host, "H1", protocol.RoleHost, "H1")
	register(t, viewer, "V1", protocol.RoleViewer, "H1")
	register(t, other, "V2", protocol.RoleViewer, "H1")
	waitRegistered(t, svc, 3)

	raw := json.RawMessage(`{"sdp":"blob"}`)
	sendEnvelope(t, viewer, protocol.TypeSignal, protocol.SignalPayload{To: "H1", From: "V1", Signal: raw})

	env := readType(t, host, protocol.TypeSignal)
	var p protocol.SignalPayload
	if err := env.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.To != "H1" || p.From != "V1" || string(p.Signal) != `{"sdp":"blob"}` {
		t.Errorf("signal payload altered in transit: %+v", p)
	}
	expectNoFrame(t, other, 200*time.Millisecond)
}

func TestChatBroadcastAndMuteArbitration(t *testing.T) {
	srv, svc := newTestServer(t)
	host := dialWs(t, srv)
	viewer := dialWs(t, srv)

	register(t, host, "H1", protocol.RoleHost, "H1")
	register(t, viewer, "V1", protocol.RoleViewer, "H1")
	waitRegistered(t, svc, 2)

	// Muted sender: zero deliveries anywhere.
	sendEnvelope(t, host, protocol.TypeMute, protocol.MutePayload{UserID: "V1"})
	time.Sleep(50 * time.Millisecond)
	sendEnvelope(t, viewer, protocol.TypeChat, protocol.ChatPayload{From: "V1", Text: "silenced"})
	expectNoFrame(t, host, 200*time.Millisecond)

	// Unmuted: everyone including the sender receives it.
	sendEnvelope(t, host, protocol.TypeUnmute, protocol.MutePayload{UserID: "V1"})
	time.Sleep(50 * time.Millisecond)
	sendEnvelope(t, viewer, protocol.TypeChat, protocol.ChatPayload{From: "V1", Text: "hello"})

	for name, conn := range map[string]*websocket.Conn{"host": host, "viewer": viewer} {
		env := readType(t, conn, protocol.TypeChat)
		var p protocol.ChatPayload
		if err := env.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if p.Text != "hello" {
			t.Errorf("%s: expected chat text hello, got %q", name, p.Text)
		}
	}
}

func TestRequestWhileMutedGetsSynthesizedDeny(t *testing.T) {
	srv, svc := newTestServer(t)
	host := dialWs(t, srv)
	viewer := dialWs(t, srv)

	register(t, host, "H1", protocol.RoleHost, "H1")
	register(t, viewer, "V1", protocol.RoleViewer, "H1")
	waitRegistered(t, svc, 2)

	sendEnvelope(t, host, protocol.TypeMute, protocol.MutePayload{UserID: "V1"})
	time.Sleep(50 * time.Millisecond)
	sendEnvelope(t, viewer, protocol.TypeRequest, protocol.AddressedPayload{To: "H1", From: "V1"})

	env := readType(t, viewer, protocol.TypeDeny)
	var p protocol.AddressedPayload
	if err := env.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.To != "V1" {
		t.Errorf("deny should target the muted requester, got %+v", p)
	}
	expectNoFrame(t, host, 200*time.Millisecond)
}

func TestQAWorkflowEndToEnd(t *testing.T) {
	srv, svc := newTestServer(t)
	host := dialWs(t, srv)
	viewer := dialWs(t, srv)
	other := dialWs(t, srv)

	register(t, host, "H1", protocol.RoleHost, "H1")
	register(t, viewer, "V1", protocol.RoleViewer, "H1")
	register(t, other, "V2", protocol.RoleViewer, "H1")
	waitRegistered(t, svc, 3)

	sendEnvelope(t, viewer, protocol.TypeRequest, protocol.AddressedPayload{To: "H1", From: "V1"})
	env := readType(t, host, protocol.TypeRequest)
	var req protocol.AddressedPayload
	if err := env.Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.To != "H1" || req.From != "V1" {
		t.Fatalf("unexpected request payload %+v", req)
	}

	sendEnvelope(t, host, protocol.TypeApprove, protocol.AddressedPayload{To: "V1", From: "H1"})
	readType(t, viewer, protocol.TypeApprove)

	sendEnvelope(t, viewer, protocol.TypeQAStream, protocol.QAStreamPayload{From: "V1"})
	readType(t, host, protocol.TypeQAStream)
	readType(t, other, protocol.TypeQAStream)
	expectNoFrame(t, viewer, 200*time.Millisecond)
}

func TestFramesBeforeRegistrationDropped(t *testing.T) {
	srv, svc := newTestServer(t)
	host := dialWs(t, srv)
	stranger := dialWs(t, srv)

	register(t, host, "H1", protocol.RoleHost, "H1")
	waitRegistered(t, svc, 1)

	sendEnvelope(t, stranger, protocol.TypeChat, protocol.ChatPayload{From: "H1", Text: "spoofed"})
	expectNoFrame(t, host, 200*time.Millisecond)
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	srv, svc := newTestServer(t)
	conn := dialWs(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	register(t, conn, "H1", protocol.RoleHost, "H1")
	waitRegistered(t, svc, 1)
}

func TestPeerListOnJoinAndLeave(t *testing.T) {
	srv, svc := newTestServer(t)
	host := dialWs(t, srv)
	register(t, host, "H1", protocol.RoleHost, "H1")
	waitRegistered(t, svc, 1)

	viewer := dialWs(t, srv)
	register(t, viewer, "V1", protocol.RoleViewer, "H1")

	// The host sees membership grow to include V1.
	deadline := time.Now().Add(2 * time.Second)
	for {
		env := readType(t, host, protocol.TypePeerList)
		var p protocol.PeerListPayload
		if err := env.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if contains(p.Peers, "V1") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("host never saw V1 in peer_list")
		}
	}

	viewer.Close()
	for {
		env := readType(t, host, protocol.TypePeerList)
		var p protocol.PeerListPayload
		if err := env.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if !contains(p.Peers, "V1") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("host never saw V1 leave")
		}
	}
	waitRegistered(t, svc, 1)
}

func TestDisconnectCleansRegistry(t *testing.T) {
	srv, svc := newTestServer(t)
	conn := dialWs(t, srv)
	register(t, conn, "H1", protocol.RoleHost, "H1")
	waitRegistered(t, svc, 1)

	conn.Close()
	waitRegistered(t, svc, 0)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
