// Package server declares the sentinel errors returned by the relay core.
package server

import "errors"

var (
	// ErrRegistryFull is returned by Registry.Reserve when the registry holds
	// MaxConnections records. The caller must close the rejected transport.
	ErrRegistryFull = errors.New("server: registry is full")

	// ErrDuplicateRecord is returned by Registry.Reserve for an id that is
	// already registered.
	ErrDuplicateRecord = errors.New("server: record id already registered")

	// ErrHandshakeRejected wraps every reason a peer is turned away before it
	// starts relaying.
	ErrHandshakeRejected = errors.New("server: handshake rejected")

	// ErrHubClosed is returned by Hub.Attach after Shutdown started.
	ErrHubClosed = errors.New("server: hub is shutting down")
)
