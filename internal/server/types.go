// Package server defines the session states and small helpers shared by the
// hub, sessions and transports.
package server

import "strings"

// State is a session's position in the connection lifecycle.
type State int32

const (
	StateHandshaking State = iota
	StateAuthenticating
	StateRelaying
	StateClosed
	StateRejected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateRejected
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "io: read/write on closed pipe")
}

// trimField strips the whitespace and NUL bytes clients leave around
// handshake fields.
func trimField(s string) string {
	return strings.Trim(s, " \t\r\n\x00")
}

// validField reports whether a trimmed handshake field has an acceptable length.
func validField(s string) bool {
	return len(s) >= MinFieldLength && len(s) < MaxFieldLength
}
