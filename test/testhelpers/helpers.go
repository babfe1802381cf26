// Package testhelpers provides common utilities for the GoRelay integration
// tests: starting a full relay on loopback, dialing terminal and gateway
// peers, and asserting HTTP responses.
package testhelpers

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/gorelay/internal/audit"
	"github.com/Tyrowin/gorelay/internal/auth"
	"github.com/Tyrowin/gorelay/internal/server"
)

// Secret is the shared secret every relay started by StartRelay accepts.
const Secret = "hunter2"

// OriginURL is the browser origin the test gateway allows.
const OriginURL = "http://localhost:8080"

// ReadTimeout bounds every blocking read made by the helpers.
const ReadTimeout = 3 * time.Second

// Relay is a running relay with both listeners on loopback.
type Relay struct {
	Hub      *server.Hub
	TCPAddr  string
	Gateway  *httptest.Server
	AuditDir string
	Cancel   context.CancelFunc
	Served   <-chan error
}

// WebSocketURL returns the gateway's /ws endpoint.
func (r *Relay) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(r.Gateway.URL, "http") + "/ws"
}

// StartRelay starts a hub with cfg, a TCP accept loop and the HTTP gateway.
// Audit files go to a temporary directory. Everything is torn down when the
// test ends.
func StartRelay(t *testing.T, cfg *server.Config) *Relay {
	t.Helper()

	if cfg == nil {
		cfg = server.NewConfig()
	}
	cfg.AcceptDelay = 0
	cfg.AllowedOrigins = []string{OriginURL}
	cfg.Audit.Dir = t.TempDir()

	logger := zaptest.NewLogger(t)
	secret, err := auth.NewSecret(Secret, auth.DJB2Hasher{})
	if err != nil {
		t.Fatalf("Failed to create secret: %v", err)
	}

	registry := prometheus.NewRegistry()
	hub := server.NewHub(*cfg, secret,
		server.WithLogger(logger),
		server.WithAuditSink(audit.NewFileSink(cfg.Audit.Dir, logger)),
		server.WithMetrics(server.NewMetrics(registry)),
	)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- hub.Serve(ctx, ln) }()

	gateway := httptest.NewServer(server.SetupRoutes(hub, registry))

	t.Cleanup(func() {
		cancel()
		gateway.Close()
		_ = hub.Shutdown(5 * time.Second)
	})

	return &Relay{
		Hub:      hub,
		TCPAddr:  ln.Addr().String(),
		Gateway:  gateway,
		AuditDir: cfg.Audit.Dir,
		Cancel:   cancel,
		Served:   served,
	}
}

// Peer is a terminal client connected over TCP.
type Peer struct {
	Conn   net.Conn
	reader *bufio.Reader
}

// DialPeer connects to addr and sends the name and secret lines.
func DialPeer(t *testing.T, addr, name, secret string) *Peer {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, ReadTimeout)
	if err != nil {
		t.Fatalf("Failed to dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if _, err := conn.Write([]byte(name + "\n" + secret + "\n")); err != nil {
		t.Fatalf("Failed to send handshake: %v", err)
	}
	return &Peer{Conn: conn, reader: bufio.NewReader(conn)}
}

// Address returns the peer's address as the relay sees it.
func (p *Peer) Address() (host, port string) {
	host, port, _ = net.SplitHostPort(p.Conn.LocalAddr().String())
	return host, port
}

// Send writes s verbatim.
func (p *Peer) Send(t *testing.T, s string) {
	t.Helper()
	if _, err := p.Conn.Write([]byte(s)); err != nil {
		t.Fatalf("Failed to send %q: %v", s, err)
	}
}

// ReadLine returns the next newline terminated line.
func (p *Peer) ReadLine(t *testing.T) string {
	t.Helper()
	if err := p.Conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	line, err := p.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read line: %v", err)
	}
	return line
}

// ExpectLine fails the test unless the next line equals want.
func (p *Peer) ExpectLine(t *testing.T, want string) {
	t.Helper()
	if got := p.ReadLine(t); got != want {
		t.Fatalf("Expected line %q, got %q", want, got)
	}
}

// ExpectNothing fails the test if anything arrives within d.
func (p *Peer) ExpectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	if err := p.Conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	line, err := p.reader.ReadString('\n')
	if err == nil || line != "" {
		t.Fatalf("Expected no data, got %q", line)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("Expected read timeout, got %v", err)
	}
}

// ExpectClosed fails the test unless the relay closes the connection.
func (p *Peer) ExpectClosed(t *testing.T) {
	t.Helper()
	if err := p.Conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		if _, err := p.reader.ReadString('\n'); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("Connection was not closed by the relay")
			}
			return
		}
	}
}

// WaitFor polls cond until it holds or ReadTimeout passes.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(ReadTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// ConnectWebSocket dials the gateway with the given Origin header.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// SendText sends one protocol line as a text message.
func SendText(conn *websocket.Conn, line string) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(line))
}

// ReceiveText reads the next message payload.
func ReceiveText(conn *websocket.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		return "", err
	}
	_, data, err := conn.ReadMessage()
	return string(data), err
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}
