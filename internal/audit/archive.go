// Package audit archives audit records as a CBOR event stream that can be
// replayed later.
package audit

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// Event is one archived audit record. CBOR encoding uses integer keys.
type Event struct {
	Time time.Time `cbor:"1,keyasint"`
	File string    `cbor:"2,keyasint"`
	Line string    `cbor:"3,keyasint"`
}

var (
	archiveEncMode cbor.EncMode
	archiveDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}
	archiveEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create audit CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	archiveDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create audit CBOR decoder mode: %v", err))
	}
}

// ArchiveSink appends every record as a CBOR Event to a single file.
// It is safe for concurrent use.
type ArchiveSink struct {
	file    *os.File
	encoder *cbor.Encoder
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewArchiveSink opens (or creates) the archive at path for appending.
func NewArchiveSink(path string, logger *zap.Logger) (*ArchiveSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open archive: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveSink{
		file:    f,
		encoder: archiveEncMode.NewEncoder(f),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Record implements Sink.
func (a *ArchiveSink) Record(line, file string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if err := a.encoder.Encode(Event{Time: a.now(), File: file, Line: line}); err != nil {
		a.logger.Warn("encode audit event", zap.Error(err))
	}
}

// Close closes the archive. Later records are ignored.
func (a *ArchiveSink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	return a.file.Close()
}

// Reader streams events back out of an archive.
type Reader struct {
	decoder *cbor.Decoder
	file    string
}

// NewReader reads events from r. When file is not empty only events recorded
// for that log file are returned.
func NewReader(r io.Reader, file string) *Reader {
	return &Reader{decoder: archiveDecMode.NewDecoder(r), file: file}
}

// Next returns the next matching event or io.EOF.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		if err := r.decoder.Decode(&event); err != nil {
			return Event{}, err
		}
		if r.file == "" || event.File == r.file {
			return event, nil
		}
	}
}

// ReadArchive decodes every event in r.
func ReadArchive(r io.Reader) ([]Event, error) {
	reader := NewReader(r, "")
	var events []Event
	for {
		event, err := reader.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
}

var _ Sink = (*ArchiveSink)(nil)
