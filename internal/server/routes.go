// Package server wires HTTP handlers into a ServeMux for the GoRelay gateway.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures the gateway routes: health check, WebSocket
// endpoint and, when gatherer is non-nil, Prometheus metrics.
func SetupRoutes(h *Hub, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", h.WebSocketHandler)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}
