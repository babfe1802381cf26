package server

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/gorelay/internal/auth"
)

const (
	testSecret  = "hunter2"
	lineTimeout = 2 * time.Second
	quietPeriod = 200 * time.Millisecond
)

type auditEntry struct {
	line string
	file string
}

type recordingSink struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (s *recordingSink) Record(line, file string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, auditEntry{line: line, file: file})
}

func (s *recordingSink) has(line, file string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.line == line && e.file == file {
			return true
		}
	}
	return false
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.AcceptDelay = 0
	cfg.WriteTimeout = time.Second
	cfg.AllowedOrigins = []string{"http://localhost:8080"}
	return cfg
}

func newTestHub(t *testing.T, cfg Config, opts ...HubOption) (*Hub, *recordingSink) {
	t.Helper()

	secret, err := auth.NewSecret(testSecret, auth.DJB2Hasher{})
	require.NoError(t, err)

	sink := &recordingSink{}
	all := append([]HubOption{
		WithLogger(zaptest.NewLogger(t)),
		WithAuditSink(sink),
	}, opts...)
	hub := NewHub(cfg, secret, all...)
	t.Cleanup(func() {
		_ = hub.Shutdown(5 * time.Second)
	})
	return hub, sink
}

// addrConn reports a fixed remote address so pipe peers can be targeted by
// directives.
type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c addrConn) RemoteAddr() net.Addr { return c.remote }

func mustTCPAddr(t *testing.T, addr string) net.Addr {
	t.Helper()
	a, err := net.ResolveTCPAddr("tcp", addr)
	require.NoError(t, err)
	return a
}

type testPeer struct {
	t       *testing.T
	conn    net.Conn
	session *Session
	lines   chan string
	eof     chan struct{}
}

// attachPeer connects a pipe peer at addr to hub without sending anything.
func attachPeer(t *testing.T, hub *Hub, addr string) *testPeer {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	transport := NewLineTransport(addrConn{Conn: serverSide, remote: mustTCPAddr(t, addr)}, hub.cfg.MaxLineSize, hub.cfg.WriteTimeout)
	session, err := hub.Attach(transport)
	require.NoError(t, err)

	p := &testPeer{
		t:       t,
		conn:    clientSide,
		session: session,
		lines:   make(chan string, 64),
		eof:     make(chan struct{}),
	}
	go p.readLoop()
	t.Cleanup(func() { _ = clientSide.Close() })
	return p
}

func (p *testPeer) readLoop() {
	defer close(p.eof)
	r := bufio.NewReader(p.conn)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			p.lines <- line
		}
		if err != nil {
			return
		}
	}
}

// joinPeer attaches a peer and completes the handshake with the test secret.
func joinPeer(t *testing.T, hub *Hub, addr, name string) *testPeer {
	t.Helper()
	p := attachPeer(t, hub, addr)
	p.send(name + "\n")
	p.send(testSecret + "\n")
	require.Eventually(t, func() bool {
		return p.session.State() == StateRelaying
	}, lineTimeout, 5*time.Millisecond, "peer %s never started relaying", name)
	return p
}

func (p *testPeer) send(s string) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetWriteDeadline(time.Now().Add(lineTimeout)))
	_, err := p.conn.Write([]byte(s))
	require.NoError(p.t, err)
}

func (p *testPeer) expectLine(want string) {
	p.t.Helper()
	select {
	case got := <-p.lines:
		require.Equal(p.t, want, got)
	case <-time.After(lineTimeout):
		p.t.Fatalf("timed out waiting for %q", want)
	}
}

func (p *testPeer) expectNoLine() {
	p.t.Helper()
	select {
	case got := <-p.lines:
		p.t.Fatalf("unexpected line %q", got)
	case <-time.After(quietPeriod):
	}
}

func (p *testPeer) expectClosed() {
	p.t.Helper()
	select {
	case <-p.eof:
	case <-time.After(lineTimeout):
		p.t.Fatal("connection was not closed")
	}
}

func (p *testPeer) waitDone() {
	p.t.Helper()
	select {
	case <-p.session.Done():
	case <-time.After(lineTimeout):
		p.t.Fatal("session did not finish")
	}
}
