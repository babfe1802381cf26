// Package server normalizes and validates HTTP origins for WebSocket gateway
// requests to enforce configured access control.
package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// originPolicy decides which browser origins may open a gateway session.
// It is built once from Config and never mutated.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   *zap.Logger
}

func newOriginPolicy(origins []string, logger *zap.Logger) *originPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized, allowAll := normalizeOrigins(origins, logger)
	p := &originPolicy{
		allowAll: allowAll,
		allowed:  make(map[string]struct{}, len(normalized)),
		logger:   logger,
	}
	for _, origin := range normalized {
		p.allowed[origin] = struct{}{}
	}
	return p
}

func normalizeOrigins(origins []string, logger *zap.Logger) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("ignoring invalid origin in configuration", zap.String("origin", origin))
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}

func (p *originPolicy) allows(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if p.allowAll {
		return true
	}

	_, exists := p.allowed[normalizedOrigin]
	return exists
}

// checkOrigin is the gateway upgrader's CheckOrigin hook.
func (p *originPolicy) checkOrigin(r *http.Request) bool {
	if p.allows(r) {
		return true
	}

	p.logger.Warn("blocked gateway connection from disallowed origin",
		zap.String("origin", r.Header.Get("Origin")),
		zap.String("remote", r.RemoteAddr),
	)
	return false
}
