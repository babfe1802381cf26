// Package audit records login and chat activity to append-only log files.
//
// Sinks never report failures to their callers: a broken audit file must not
// interrupt the relay. Failures are reported through the sink's zap logger.
package audit

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Default audit file names.
const (
	LoginLog = "login.log"
	ChatLog  = "chatting.log"
)

// TimestampLayout is the prefix written in front of every text audit line.
const TimestampLayout = "[2006/01/02] 15:04:05"

// Sink receives audit lines addressed to a named log file.
// Implementations must be safe for concurrent use.
type Sink interface {
	Record(line, file string)
}

// NopSink discards every record.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(string, string) {}

// MultiSink fans records out to several sinks in order.
type MultiSink []Sink

// Record implements Sink.
func (m MultiSink) Record(line, file string) {
	for _, s := range m {
		if s != nil {
			s.Record(line, file)
		}
	}
}

// FormatLine prefixes line with the audit timestamp and guarantees a
// trailing newline.
func FormatLine(t time.Time, line string) string {
	var b strings.Builder
	b.Grow(len(TimestampLayout) + len(line) + 2)
	b.WriteString(t.Format(TimestampLayout))
	b.WriteByte(' ')
	b.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		b.WriteByte('\n')
	}
	return b.String()
}

// FileSink appends timestamped lines to text files under one directory.
type FileSink struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewFileSink creates a sink writing below dir. An empty dir means the
// working directory.
func NewFileSink(dir string, logger *zap.Logger) *FileSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSink{dir: dir, logger: logger, now: time.Now}
}

// Record implements Sink. The file name is reduced to its base name so a
// caller cannot escape the sink directory.
func (s *FileSink) Record(line, file string) {
	name := filepath.Base(file)
	if name == "." || name == string(filepath.Separator) {
		s.logger.Warn("audit record without file name dropped")
		return
	}
	path := filepath.Join(s.dir, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Warn("open audit file", zap.String("file", path), zap.Error(err))
		return
	}
	if _, err := f.WriteString(FormatLine(s.now(), line)); err != nil {
		s.logger.Warn("write audit file", zap.String("file", path), zap.Error(err))
	}
	if err := f.Close(); err != nil {
		s.logger.Warn("close audit file", zap.String("file", path), zap.Error(err))
	}
}

// Compile-time interface satisfaction checks.
var (
	_ Sink = NopSink{}
	_ Sink = MultiSink(nil)
	_ Sink = (*FileSink)(nil)
)
