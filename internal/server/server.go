// Package server implements the TCP accept loop that feeds terminal clients
// into the hub.
package server

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
)

// Serve accepts stream connections from listener until ctx is cancelled, the
// hub shuts down or the listener fails. Each connection gets a Session. The
// loop pauses AcceptDelay after every accept.
func (h *Hub) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stop()
	stopHub := context.AfterFunc(h.ctx, func() {
		_ = listener.Close()
	})
	defer stopHub()

	h.logger.Info("relay listening", zap.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || h.closing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				h.logger.Warn("temporary accept error", zap.Error(err))
				continue
			}
			return err
		}

		t := NewLineTransport(conn, h.cfg.MaxLineSize, h.cfg.WriteTimeout)
		if _, err := h.Attach(t); err != nil {
			h.logger.Warn("dropping connection", zap.String("addr", conn.RemoteAddr().String()), zap.Error(err))
			continue
		}

		if !sleepCtx(ctx, h.cfg.AcceptDelay) {
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
