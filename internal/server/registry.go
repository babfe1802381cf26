// Package server keeps the bounded registry of connected peers that every
// session shares.
package server

import (
	"net"
	"sync"
)

// Record is the registry's view of one connected peer.
//
// ID, Addr and Trace never change. The display name is set once by Join,
// before the record becomes visible to dispatch.
type Record struct {
	ID    uint64
	Addr  net.Addr
	Trace string

	name   string
	outbox chan []byte
	joined bool
	closed bool
}

// NewRecord creates a record whose outbox buffers up to outboxSize messages.
func NewRecord(id uint64, addr net.Addr, trace string, outboxSize int) *Record {
	if outboxSize <= 0 {
		outboxSize = 1
	}
	return &Record{
		ID:     id,
		Addr:   addr,
		Trace:  trace,
		outbox: make(chan []byte, outboxSize),
	}
}

// Name returns the display name chosen during the handshake.
func (r *Record) Name() string {
	return r.name
}

// Address returns the peer address in ip:port form.
func (r *Record) Address() string {
	if r.Addr == nil {
		return ""
	}
	return r.Addr.String()
}

// deliver queues p without blocking. Callers hold the registry lock, which
// is also what guards closed against a concurrent Remove.
func (r *Record) deliver(p []byte) bool {
	if r.closed {
		return false
	}
	select {
	case r.outbox <- p:
		return true
	default:
		return false
	}
}

// Registry is the bounded set of live peers. One mutex serializes inserts,
// removals and scans, so a record is never visited once Remove returned for
// it. Records are reserved before their handshake, which keeps the capacity
// check exact, but only joined records take part in dispatch.
type Registry struct {
	mu       sync.Mutex
	capacity int
	records  map[uint64]*Record
}

// NewRegistry creates a registry holding at most capacity records.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 1
	}
	return &Registry{
		capacity: capacity,
		records:  make(map[uint64]*Record, capacity),
	}
}

// Capacity returns the maximum number of records.
func (r *Registry) Capacity() int {
	return r.capacity
}

// Reserve inserts rec if there is room.
func (r *Registry) Reserve(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.ID]; ok {
		return ErrDuplicateRecord
	}
	if len(r.records) >= r.capacity {
		return ErrRegistryFull
	}
	r.records[rec.ID] = rec
	return nil
}

// Join names a reserved record and makes it visible to ForEachExcept and
// FindByAddress. It reports false if the record is not registered.
func (r *Registry) Join(id uint64, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.joined {
		return false
	}
	rec.name = name
	rec.joined = true
	return true
}

// Remove deletes the record and closes its outbox. Removing an unknown id is
// a no-op that reports false.
func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false
	}
	delete(r.records, id)
	rec.closed = true
	close(rec.outbox)
	return true
}

// ForEachExcept calls fn for every joined record other than id. fn runs with
// the registry lock held and must not call back into the registry.
func (r *Registry) ForEachExcept(id uint64, fn func(*Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for recID, rec := range r.records {
		if recID == id || !rec.joined {
			continue
		}
		fn(rec)
	}
}

// FindByAddress returns the joined record whose remote address is exactly
// addr, or nil.
func (r *Registry) FindByAddress(addr string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.findLocked(addr)
}

func (r *Registry) findLocked(addr string) *Record {
	for _, rec := range r.records {
		if rec.joined && rec.Address() == addr {
			return rec
		}
	}
	return nil
}

// withAddress runs fn on the record at addr while holding the lock.
func (r *Registry) withAddress(addr string, fn func(*Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.findLocked(addr)
	if rec == nil {
		return false
	}
	fn(rec)
	return true
}

// Contains reports whether id is registered, joined or not.
func (r *Registry) Contains(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.records[id]
	return ok
}

// Len returns the number of registered records, joined or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.records)
}

// Joined returns the number of records visible to dispatch.
func (r *Registry) Joined() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range r.records {
		if rec.joined {
			n++
		}
	}
	return n
}
