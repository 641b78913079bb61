package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/robot-orchestrator/internal/protocol"
)

// session wraps one WebSocket connection. Writes are serialized; reads
// happen on the handler goroutine only.
type session struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(conn *websocket.Conn, writeTimeout time.Duration) *session {
	return &session{conn: conn, writeTimeout: writeTimeout, done: make(chan struct{})}
}

// Send writes one envelope as a text frame
func (s *session) Send(msgType string, payload any) error {
	data, err := protocol.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.conn.SetWriteDeadline(time.Time{})
	return err
}

// Close ends the session with a normal closure
func (s *session) Close(reason string) error {
	s.closeWith(websocket.CloseNormalClosure, reason)
	return nil
}

// closeWith sends a close frame with code and closes the connection. Only
// the first call has an effect.
func (s *session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(s.writeTimeout))
		s.writeMu.Unlock()
		s.conn.Close()
		close(s.done)
	})
}

func (s *session) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

// pingLoop sends WebSocket pings until the session ends
func (s *session) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				// the read loop sees the broken connection and cleans up
				s.conn.Close()
				return
			}
		}
	}
}

// keepAlive arms the read deadline and extends it on every pong
func (s *session) keepAlive(timeout time.Duration) {
	s.conn.SetReadDeadline(time.Now().Add(timeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(timeout))
		return nil
	})
}
