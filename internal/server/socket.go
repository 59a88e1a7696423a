package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// wsSocket adapts a gorilla websocket to the connection.Socket boundary.
// Writes are serialized by writeMu; gorilla permits one concurrent reader
// and one concurrent writer, and the session loop is the only reader.
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func newWSSocket(conn *websocket.Conn, writeTimeout time.Duration) *wsSocket {
	return &wsSocket{conn: conn, writeTimeout: writeTimeout}
}

func (s *wsSocket) SendText(data string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		return errors.Wrap(err, "server: socket write")
	}
	return nil
}

func (s *wsSocket) ReceiveText() (string, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return "", errors.Wrap(err, "server: socket read")
	}
	return string(data), nil
}

// Close sends a close frame with the given code, then tears the socket
// down. Gorilla rejects control payloads over 125 bytes, so the reason is
// truncated to fit.
func (s *wsSocket) Close(code int, reason string) error {
	if len(reason) > 100 {
		reason = reason[:100]
	}
	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.writeMu.Unlock()

	if err := s.conn.Close(); err != nil {
		return errors.Wrap(err, "server: socket close")
	}
	return nil
}

// setReadDeadline bounds the next read; a zero time clears the deadline.
func (s *wsSocket) setReadDeadline(t time.Time) {
	_ = s.conn.SetReadDeadline(t)
}
