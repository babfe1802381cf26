// Package server manages the outbound half of a session: the write pump that
// drains a peer's outbox to its transport.
package server

import (
	"go.uber.org/zap"
)

// writePump copies queued payloads to the transport until the registry closes
// the outbox. After a failed write the transport is closed, which unblocks the
// session's reader, and the rest of the outbox is discarded.
func (s *Session) writePump() {
	defer close(s.writerDone)

	failed := false
	for message := range s.record.outbox {
		if failed {
			continue
		}
		if !s.writeMessage(message) {
			failed = true
			s.closeTransport()
		}
	}
}

func (s *Session) writeMessage(message []byte) bool {
	if err := s.transport.Write(message); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Debug("error writing to peer", zap.Error(err))
		}
		return false
	}
	return true
}
