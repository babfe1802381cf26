// Package server adapts gateway WebSocket connections to the Transport used
// by sessions, one message per protocol line.
package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pending      []byte

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketTransport wraps an upgraded gateway connection. Each incoming
// message is one line; a newline is appended when the client omitted it.
func NewWebSocketTransport(conn *websocket.Conn, writeTimeout time.Duration) Transport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) next() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, normalizeReadError(err)
	}
	return data, nil
}

func (t *wsTransport) ReadLine() (string, error) {
	if len(t.pending) > 0 {
		line := t.pending
		t.pending = nil
		return string(line), nil
	}
	data, err := t.next()
	if err != nil {
		return "", err
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	return string(data), nil
}

// ReadChunk hands out raw message payloads, splitting those larger than p.
func (t *wsTransport) ReadChunk(p []byte) (int, error) {
	if len(t.pending) == 0 {
		data, err := t.next()
		if err != nil {
			return 0, err
		}
		t.pending = data
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *wsTransport) Write(p []byte) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	messageType := websocket.TextMessage
	if !utf8.Valid(p) {
		messageType = websocket.BinaryMessage
	}
	return t.conn.WriteMessage(messageType, p)
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := t.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
			t.closeErr = err
		}
		if err := t.conn.Close(); err != nil && t.closeErr == nil {
			t.closeErr = err
		}
	})
	return t.closeErr
}

func (t *wsTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// normalizeReadError reports a client close, or a connection dropped without
// a close frame, as io.EOF so the session treats it like a TCP peer hanging up.
func normalizeReadError(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure) {
		return io.EOF
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}
