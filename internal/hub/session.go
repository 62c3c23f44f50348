package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"alex/internal/logging"
	"alex/internal/worker/interp"
)

// writeDeadline bounds how long a control-frame write (Pong) may block.
const writeDeadline = 5 * time.Second

// Session adapts a websocket connection to the Hub's Sink interface. The
// socket is strictly outbound for log events; the read loop only exists
// to answer Ping with Pong and otherwise discard inbound frames, and to
// notice the peer going away so the session can unsubscribe.
type Session struct {
	conn   *websocket.Conn
	hub    *Hub
	id     string
	logger logging.Logger

	writeMu sync.Mutex
}

// NewSession wraps conn. Call Attach to subscribe it to an execution's
// events, then ReadLoop in the goroutine that owns conn.
func NewSession(hub *Hub, conn *websocket.Conn, logger logging.Logger) *Session {
	return &Session{conn: conn, hub: hub, logger: logging.OrNop(logger)}
}

// Attach subscribes the session to exeID's events, draining any buffered
// backlog (spec.md section 4.F's Subscribe behavior) before returning.
func (s *Session) Attach(ctx context.Context, exeID string) {
	s.id = s.hub.Subscribe(ctx, exeID, s)
}

// Send marshals event as JSON and writes it as a single text frame.
// gorilla/websocket connections are not safe for concurrent writes, so
// every Send serializes through writeMu.
func (s *Session) Send(event interp.LogEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// ReadLoop answers Ping with Pong and discards every other inbound frame
// until the connection closes, then unsubscribes the session from the
// Hub. Run this in the goroutine that owns the websocket connection.
func (s *Session) ReadLoop() {
	defer func() {
		if s.id != "" {
			s.hub.Unsubscribe(s.id)
		}
		_ = s.conn.Close()
	}()
	s.conn.SetPingHandler(func(appData string) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeDeadline))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
