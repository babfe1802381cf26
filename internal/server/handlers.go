// Package server exposes the HTTP handlers of the gateway: WebSocket upgrades
// into relay sessions and the health check.
package server

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// WebSocketHandler upgrades GET requests and attaches the connection to the
// hub as a relay session speaking the same line protocol as TCP peers.
func (h *Hub) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(int64(h.cfg.MaxLineSize))

	if _, err := h.Attach(NewWebSocketTransport(conn, h.cfg.WriteTimeout)); err != nil {
		h.logger.Warn("dropping gateway connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
	}
}

// HealthHandler responds with a plain text liveness message.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoRelay server is running!")
}
