// Package server fans chat lines out to registered peers and routes directed
// payloads to a single address.
package server

import (
	"go.uber.org/zap"
)

// Dispatcher delivers payloads to registered peers. Delivery is best-effort:
// each payload is queued once per recipient and a full outbox drops it for
// that recipient only.
type Dispatcher struct {
	registry *Registry
	logger   *zap.Logger
	metrics  *Metrics
}

// NewDispatcher builds a dispatcher on top of registry.
func NewDispatcher(registry *Registry, logger *zap.Logger, metrics *Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, logger: logger, metrics: metrics}
}

// Broadcast queues payload for every joined peer except senderID and returns
// how many peers accepted it.
func (d *Dispatcher) Broadcast(senderID uint64, payload []byte) int {
	msg := append([]byte(nil), payload...)
	delivered := 0
	d.registry.ForEachExcept(senderID, func(rec *Record) {
		if rec.deliver(msg) {
			delivered++
			return
		}
		d.metrics.RecordDropped()
		d.logger.Warn("dropping broadcast for slow peer",
			zap.Uint64("id", rec.ID),
			zap.String("addr", rec.Address()),
		)
	})
	d.metrics.RecordBroadcast(len(msg))
	return delivered
}

// SendTo queues payload for the peer at addr (ip:port). It reports whether a
// peer accepted it; an unknown address silently drops the payload.
func (d *Dispatcher) SendTo(addr string, payload []byte) bool {
	msg := append([]byte(nil), payload...)
	delivered := false
	found := d.registry.withAddress(addr, func(rec *Record) {
		delivered = rec.deliver(msg)
	})
	switch {
	case !found:
		d.logger.Debug("no peer for directed payload", zap.String("target", addr))
	case !delivered:
		d.metrics.RecordDropped()
		d.logger.Warn("dropping directed payload for slow peer", zap.String("target", addr))
	default:
		d.metrics.RecordDirected(len(msg))
	}
	return delivered
}
