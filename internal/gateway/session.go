package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beewhoo/roomcast/internal/hub"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings with this period. Must be less than the configured pong
	// wait.
	pingDivisor = 10
)

// session binds one registered connection to its websocket transport and
// runs the read/write pumps.
type session struct {
	gw   *Gateway
	conn *hub.Conn
	ws   *websocket.Conn

	teardown sync.Once
}

func newSession(gw *Gateway, c *hub.Conn, ws *websocket.Conn) *session {
	return &session{gw: gw, conn: c, ws: ws}
}

// close runs the disconnect path exactly once, whichever pump exits
// first.
func (s *session) close() {
	s.teardown.Do(func() {
		s.conn.Close()
		s.ws.Close()
		s.gw.disconnect(s.conn)
	})
}

// readPump pumps messages from the websocket into the dispatch table.
func (s *session) readPump() {
	defer s.close()

	pongWait := s.gw.cfg.PongWait
	s.ws.SetReadLimit(s.gw.cfg.MaxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.gw.logger.Warn().Err(err).Str("conn", s.conn.ID).Msg("WebSocket read error")
			}
			return
		}
		s.gw.dispatch(s.conn, message)
	}
}

// writePump drains the connection's outbox to the websocket and keeps the
// connection alive with pings.
func (s *session) writePump() {
	pingPeriod := s.gw.cfg.PongWait * (pingDivisor - 1) / pingDivisor
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case message, ok := <-s.conn.Outbox():
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-s.conn.Done():
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			s.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
