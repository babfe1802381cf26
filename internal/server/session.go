// Package server drives a single peer through the handshake, authentication,
// relaying and teardown states.
package server

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Session owns one peer connection. Run executes the state machine on the
// calling goroutine; a second goroutine drains the record's outbox to the
// transport.
type Session struct {
	hub       *Hub
	record    *Record
	transport Transport
	limiter   *rateLimiter

	// logger is fixed at construction and shared with the write pump and
	// Hub.Shutdown. peerLogger adds the display name and is only touched by
	// the goroutine running Run.
	logger     *zap.Logger
	peerLogger *zap.Logger

	state  atomic.Int32
	name   string
	joined bool

	// midLine is set while the rest of an overlong line is still arriving.
	// discarding is set while that line is being dropped by the rate limiter.
	midLine    bool
	discarding bool

	errMu sync.Mutex
	err   error

	writerDone chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

func newSession(h *Hub, rec *Record, t Transport) *Session {
	s := &Session{
		hub:       h,
		record:    rec,
		transport: t,
		logger: h.logger.With(
			zap.String("session", rec.Trace),
			zap.Uint64("id", rec.ID),
			zap.String("addr", rec.Address()),
		),
		limiter:    newRateLimiter(h.cfg.RateLimit.Burst, h.cfg.RateLimit.RefillInterval),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.peerLogger = s.logger
	s.state.Store(int32(StateHandshaking))
	return s
}

// ID returns the session's record id.
func (s *Session) ID() uint64 { return s.record.ID }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session was rejected, or nil.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// Run drives the session to a terminal state and releases everything it
// holds. It returns when the peer is gone.
func (s *Session) Run() {
	defer close(s.done)

	if err := s.hub.registry.Reserve(s.record); err != nil {
		s.setErr(err)
		s.state.Store(int32(StateRejected))
		s.hub.metrics.RecordRejection("registry_full")
		s.logger.Warn("rejecting connection", zap.Error(err))
		close(s.writerDone)
		s.closeTransport()
		return
	}
	s.hub.metrics.connectionOpened()

	go s.writePump()

	state := StateHandshaking
	for !state.Terminal() {
		s.state.Store(int32(state))
		state = s.step(state)
	}
	s.state.Store(int32(state))
	s.close()
}

func (s *Session) step(state State) State {
	switch state {
	case StateHandshaking:
		return s.handshake()
	case StateAuthenticating:
		return s.authenticate()
	case StateRelaying:
		return s.relay()
	default:
		return StateClosed
	}
}

func (s *Session) handshake() State {
	line, err := s.transport.ReadLine()
	if err != nil {
		return s.reject("read_error", fmt.Errorf("%w: read name: %w", ErrHandshakeRejected, err))
	}
	name := trimField(line)
	if !validField(name) {
		return s.reject("bad_name", fmt.Errorf("%w: name must be %d to %d bytes", ErrHandshakeRejected, MinFieldLength, MaxFieldLength-1))
	}
	s.name = name
	return StateAuthenticating
}

func (s *Session) authenticate() State {
	line, err := s.transport.ReadLine()
	if err != nil {
		return s.reject("read_error", fmt.Errorf("%w: read secret: %w", ErrHandshakeRejected, err))
	}
	candidate := trimField(line)
	if !validField(candidate) {
		return s.reject("bad_secret", fmt.Errorf("%w: secret must be %d to %d bytes", ErrHandshakeRejected, MinFieldLength, MaxFieldLength-1))
	}
	if !s.hub.secret.Verify(candidate) {
		s.hub.audit.Record(s.name+" entered an incorrect secret\n", s.hub.cfg.Audit.LoginLog)
		return s.reject("secret_mismatch", fmt.Errorf("%w: incorrect secret", ErrHandshakeRejected))
	}

	if !s.hub.registry.Join(s.record.ID, s.name) {
		return s.reject("join_failed", fmt.Errorf("%w: record no longer registered", ErrHandshakeRejected))
	}
	s.joined = true
	s.hub.metrics.peerJoined()
	s.peerLogger = s.logger.With(zap.String("name", s.name))

	notice := s.name + " has joined\n"
	s.hub.audit.Record(notice, s.hub.cfg.Audit.LoginLog)
	s.hub.audit.Record(notice, s.hub.cfg.Audit.ChatLog)
	s.hub.dispatcher.Broadcast(s.record.ID, []byte(notice))
	s.peerLogger.Info("peer joined")
	return StateRelaying
}

func (s *Session) reject(reason string, err error) State {
	s.setErr(err)
	s.hub.metrics.RecordRejection(reason)
	s.logger.Info("handshake rejected", zap.String("reason", reason), zap.Error(err))
	return StateRejected
}

func (s *Session) relay() State {
	for {
		line, err := s.transport.ReadLine()
		if line != "" {
			outcome := s.handleLine(line, err != nil)
			s.midLine = err == nil && !strings.HasSuffix(line, "\n")
			switch outcome {
			case lineExit:
				s.leave()
				return StateClosed
			case linePeerClosed:
				s.leave()
				return StateClosed
			case lineFailed:
				return StateClosed
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			s.leave()
		} else {
			s.peerLogger.Debug("read failed", zap.Error(err))
		}
		return StateClosed
	}
}

type lineOutcome int

const (
	lineHandled lineOutcome = iota
	lineExit
	linePeerClosed
	lineFailed
)

// handleLine acts on one piece returned by ReadLine. Only a piece that starts
// a line can be exit or a directive; the remainder of an overlong line is
// relayed as chat. last is set when no more input follows.
func (s *Session) handleLine(line string, last bool) lineOutcome {
	if s.midLine {
		return s.continueLine(line)
	}

	trimmed := strings.TrimRight(line, "\r\n")
	if trimmed == "" {
		return lineHandled
	}
	complete := last || strings.HasSuffix(line, "\n")
	if complete && trimmed == "exit" {
		return lineExit
	}

	s.hub.audit.Record(line, s.hub.cfg.Audit.ChatLog)

	if complete {
		if d, ok := ParseDirective(line); ok {
			return s.forward(d, line)
		}
	}

	s.discarding = !s.limiter.allow()
	if s.discarding {
		s.hub.metrics.recordRateLimited()
		s.peerLogger.Debug("rate limit exceeded; discarding line",
			zap.Int("burst", s.hub.cfg.RateLimit.Burst),
			zap.Duration("interval", s.hub.cfg.RateLimit.RefillInterval),
		)
		return lineHandled
	}
	s.hub.dispatcher.Broadcast(s.record.ID, []byte(line))
	return lineHandled
}

func (s *Session) continueLine(piece string) lineOutcome {
	s.hub.audit.Record(piece, s.hub.cfg.Audit.ChatLog)
	if !s.discarding {
		s.hub.dispatcher.Broadcast(s.record.ID, []byte(piece))
	}
	return lineHandled
}

func (s *Session) forward(d Directive, line string) lineOutcome {
	target := d.Target()
	s.hub.dispatcher.SendTo(target, []byte(line))

	res, err := NewForwarder(s.transport, s.hub.dispatcher, target, s.hub.cfg.ChunkSize).Run()
	s.peerLogger.Info("relayed stream",
		zap.String("target", target),
		zap.String("file", d.Filename),
		zap.Int("chunks", res.Chunks),
		zap.Int64("bytes", res.Bytes),
		zap.Bool("complete", res.Complete),
	)
	switch {
	case err != nil:
		s.peerLogger.Debug("relay read failed", zap.Error(err))
		return lineFailed
	case res.PeerClosed:
		return linePeerClosed
	default:
		return lineHandled
	}
}

func (s *Session) leave() {
	notice := s.name + " has left\n"
	s.hub.audit.Record(notice, s.hub.cfg.Audit.ChatLog)
	s.hub.audit.Record(notice, s.hub.cfg.Audit.LoginLog)
	s.hub.dispatcher.Broadcast(s.record.ID, []byte(notice))
	s.peerLogger.Info("peer left")
}

// close removes the record, lets the write pump flush what is queued and
// closes the transport. Safe to call more than once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.hub.registry.Remove(s.record.ID)
		s.awaitWriter()
		s.closeTransport()
		<-s.writerDone
		if s.joined {
			s.hub.metrics.peerLeft()
		}
		s.hub.metrics.connectionClosed()
		s.peerLogger.Debug("session closed", zap.Stringer("state", s.State()))
	})
}

// awaitWriter gives the write pump one write timeout to flush the closed
// outbox before the transport is torn down under it.
func (s *Session) awaitWriter() {
	timeout := s.hub.cfg.WriteTimeout
	if timeout <= 0 {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.writerDone:
	case <-timer.C:
		s.logger.Debug("write pump did not drain in time")
	}
}

func (s *Session) closeTransport() {
	if err := s.transport.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Debug("error closing transport", zap.Error(err))
	}
}
