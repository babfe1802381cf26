package server

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkTransport replays fixed reads and then returns end.
type chunkTransport struct {
	chunks []string
	end    error
}

func (c *chunkTransport) ReadLine() (string, error) { return "", io.EOF }

func (c *chunkTransport) ReadChunk(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, c.end
	}
	n := copy(p, c.chunks[0])
	c.chunks = c.chunks[1:]
	return n, nil
}

func (c *chunkTransport) Write([]byte) error   { return nil }
func (c *chunkTransport) Close() error         { return nil }
func (c *chunkTransport) RemoteAddr() net.Addr { return nil }

func TestForwarderStopsAfterSentinel(t *testing.T) {
	reg := joinedRegistry(t, 8, "127.0.0.1:9001")
	d := NewDispatcher(reg, nil, nil)
	src := &chunkTransport{chunks: []string{"part one ", "part two*", "not sent"}, end: io.EOF}

	res, err := NewForwarder(src, d, "127.0.0.1:9001", 64).Run()
	require.NoError(t, err)

	assert.True(t, res.Complete)
	assert.False(t, res.PeerClosed)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, int64(18), res.Bytes)
	assert.Equal(t, []string{"part one ", "part two*"}, drain(reg.FindByAddress("127.0.0.1:9001")))
	assert.Equal(t, []string{"not sent"}, src.chunks)
}

func TestForwarderEOFIsPeerClose(t *testing.T) {
	reg := joinedRegistry(t, 8, "127.0.0.1:9001")
	d := NewDispatcher(reg, nil, nil)
	src := &chunkTransport{chunks: []string{"partial"}, end: io.EOF}

	res, err := NewForwarder(src, d, "127.0.0.1:9001", 64).Run()
	require.NoError(t, err)
	assert.True(t, res.PeerClosed)
	assert.False(t, res.Complete)
	assert.Equal(t, []string{"partial"}, drain(reg.FindByAddress("127.0.0.1:9001")))
}

func TestForwarderReadError(t *testing.T) {
	boom := errors.New("boom")
	d := NewDispatcher(NewRegistry(1), nil, nil)
	src := &chunkTransport{end: boom}

	res, err := NewForwarder(src, d, "127.0.0.1:9001", 64).Run()
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, res.Chunks)
}

func TestForwarderSplitsIntoChunkSize(t *testing.T) {
	reg := joinedRegistry(t, 8, "127.0.0.1:9001")
	d := NewDispatcher(reg, nil, nil)

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	src := NewLineTransport(serverSide, 16, 0)

	go func() {
		_, _ = clientSide.Write([]byte("0123456789abcdefXYZ*"))
	}()

	res, err := NewForwarder(src, d, "127.0.0.1:9001", 16).Run()
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, []string{"0123456789abcdef", "XYZ*"}, drain(reg.FindByAddress("127.0.0.1:9001")))
}
