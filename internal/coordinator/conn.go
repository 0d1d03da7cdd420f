package coordinator

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/castline/signaling/internal/protocol"
)

// ErrSendBufferFull reports a dropped frame for a slow receiver.
// Broadcast delivery is best-effort, so callers only log it.
var ErrSendBufferFull = errors.New("send buffer full")

// wsConn is one participant connection. It implements registry.Conn;
// the registry entry owns it and closes it on removal.
type wsConn struct {
	ws      *websocket.Conn
	svc     *Service
	log     *zap.Logger
	send    chan protocol.Envelope
	closeMu sync.Mutex
	closed  bool

	// Bound by the first register frame; read loop only.
	participantID string
	streamID      string
}

func newWSConn(ws *websocket.Conn, svc *Service, log *zap.Logger) *wsConn {
	return &wsConn{
		ws:   ws,
		svc:  svc,
		log:  log,
		send: make(chan protocol.Envelope, 256),
	}
}

// Send queues an envelope for the write pump. A full buffer drops the
// frame rather than blocking an unrelated sender's read loop.
func (c *wsConn) Send(env protocol.Envelope) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- env:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close shuts the socket and the send channel exactly once.
func (c *wsConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.closeMu.Unlock()
	return c.ws.Close()
}

// readPump reads frames until the socket dies. Each frame is processed
// to completion before the next read; a malformed frame is dropped and
// the connection stays open.
func (c *wsConn) readPump() {
	defer func() {
		c.svc.handleClose(c)
		_ = c.Close()
	}()

	c.ws.SetReadLimit(65536)
	_ = c.ws.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		env, err := protocol.Parse(data)
		if err != nil {
			c.log.Warn("malformed frame dropped", zap.Error(err))
			continue
		}
		c.svc.handleFrame(c, env)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
