// Package server relays the raw byte stream that follows a SEND directive to
// its addressed peer.
package server

import (
	"bytes"
	"errors"
	"io"
)

// ForwardResult summarizes one relayed stream.
type ForwardResult struct {
	Chunks int
	Bytes  int64
	// Complete is set once a chunk carrying the sentinel was forwarded.
	Complete bool
	// PeerClosed is set when the source reached end of stream first.
	PeerClosed bool
}

// Forwarder copies chunks from a source transport to one target address.
// Chunks are forwarded unmodified, sentinel included, and nothing is retried.
type Forwarder struct {
	source     Transport
	dispatcher *Dispatcher
	target     string
	chunkSize  int
}

// NewForwarder relays source to the peer at target in reads of at most
// chunkSize bytes.
func NewForwarder(source Transport, d *Dispatcher, target string, chunkSize int) *Forwarder {
	if chunkSize <= 0 {
		chunkSize = defaultBufferSize
	}
	return &Forwarder{source: source, dispatcher: d, target: target, chunkSize: chunkSize}
}

// Run forwards until a chunk containing the sentinel has been sent or the
// source ends. End of stream is reported through PeerClosed, not as an error.
func (f *Forwarder) Run() (ForwardResult, error) {
	var res ForwardResult
	buf := make([]byte, f.chunkSize)
	for {
		n, err := f.source.ReadChunk(buf)
		if n > 0 {
			chunk := buf[:n]
			f.dispatcher.SendTo(f.target, chunk)
			res.Chunks++
			res.Bytes += int64(n)
			if bytes.IndexByte(chunk, Sentinel) >= 0 {
				res.Complete = true
				return res, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				res.PeerClosed = true
				return res, nil
			}
			return res, err
		}
	}
}
