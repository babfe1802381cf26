// Package server implements the relay core for GoRelay. A Hub owns one
// connection Registry and one Dispatcher for the life of the process and runs
// a Session for every peer, whether it arrived over raw TCP or through the
// WebSocket gateway.
package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/audit"
	"github.com/Tyrowin/gorelay/internal/auth"
)

// Hub shares one registry and dispatcher between all sessions and tracks the
// session goroutines so Shutdown can wait for them.
type Hub struct {
	cfg        Config
	secret     *auth.Secret
	registry   *Registry
	dispatcher *Dispatcher
	audit      audit.Sink
	logger     *zap.Logger
	metrics    *Metrics
	origins    *originPolicy
	upgrader   websocket.Upgrader

	nextID atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*Session
	closed   bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger *zap.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithAuditSink sets where login and chat audit lines go.
func WithAuditSink(sink audit.Sink) HubOption {
	return func(h *Hub) {
		if sink != nil {
			h.audit = sink
		}
	}
}

// WithMetrics sets the collectors the hub reports to.
func WithMetrics(m *Metrics) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

// NewHub creates a hub that authenticates peers against secret.
func NewHub(cfg Config, secret *auth.Secret, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      sanitizeConfig(cfg),
		secret:   secret,
		audit:    audit.NopSink{},
		logger:   zap.NewNop(),
		sessions: make(map[uint64]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.registry = NewRegistry(h.cfg.MaxConnections)
	h.dispatcher = NewDispatcher(h.registry, h.logger, h.metrics)
	h.origins = newOriginPolicy(h.cfg.AllowedOrigins, h.logger)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.checkOrigin,
	}
	return h
}

// Config returns the sanitized configuration the hub runs with.
func (h *Hub) Config() Config { return h.cfg }

// Registry returns the shared connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Dispatcher returns the shared dispatcher.
func (h *Hub) Dispatcher() *Dispatcher { return h.dispatcher }

// Attach starts a session for t on a new goroutine. The hub owns t from here
// on, including when the session is rejected.
func (h *Hub) Attach(t Transport) (*Session, error) {
	if t == nil {
		return nil, errNilTransport
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = t.Close()
		return nil, ErrHubClosed
	}

	rec := NewRecord(h.nextID.Add(1), t.RemoteAddr(), uuid.NewString(), h.cfg.OutboxSize)
	s := newSession(h, rec, t)
	h.sessions[rec.ID] = s
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		defer h.forget(rec.ID)
		s.Run()
	}()
	return s, nil
}

func (h *Hub) forget(id uint64) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// Sessions returns the number of running sessions, including those still in
// the handshake.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown stops accepting sessions, closes every transport and waits for
// the session goroutines. It returns context.DeadlineExceeded if they have
// not finished within timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	h.cancel()

	for _, s := range sessions {
		s.closeTransport()
	}
	h.logger.Info("closed peer connections", zap.Int("count", len(sessions)))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timed out; some sessions may still be running")
		return context.DeadlineExceeded
	}
}

// closing reports whether Shutdown has started.
func (h *Hub) closing() bool {
	select {
	case <-h.ctx.Done():
		return true
	default:
		return false
	}
}

var errNilTransport = errors.New("server: nil transport")
