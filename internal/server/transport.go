// Package server adapts raw stream connections to the line framed Transport
// used by sessions.
package server

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Transport is a peer's byte stream as seen by a Session. ReadLine and
// ReadChunk are only called from the session goroutine and Write only from
// the session's write pump, so implementations need not serialize them.
// Close may be called from any goroutine and more than once.
type Transport interface {
	// ReadLine returns the next line including its terminator. A line longer
	// than the transport's limit is returned in pieces. At end of stream it
	// returns any partial line together with io.EOF.
	ReadLine() (string, error)
	// ReadChunk reads raw bytes that follow the last line.
	ReadChunk(p []byte) (int, error)
	Write(p []byte) error
	Close() error
	RemoteAddr() net.Addr
}

const minLineSize = 16

type lineTransport struct {
	conn         net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewLineTransport wraps a stream connection in the newline framed protocol
// spoken by terminal clients.
func NewLineTransport(conn net.Conn, maxLineSize int, writeTimeout time.Duration) Transport {
	if maxLineSize < minLineSize {
		maxLineSize = minLineSize
	}
	return &lineTransport{
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, maxLineSize),
		writeTimeout: writeTimeout,
	}
}

func (t *lineTransport) ReadLine() (string, error) {
	line, err := t.reader.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return string(line), nil
	}
	return string(line), err
}

func (t *lineTransport) ReadChunk(p []byte) (int, error) {
	return t.reader.Read(p)
}

func (t *lineTransport) Write(p []byte) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := t.conn.Write(p)
	return err
}

func (t *lineTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *lineTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
