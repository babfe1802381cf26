// Package server constructs and starts the GoRelay HTTP gateway with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer listens and serves until the server is shut down. A graceful
// shutdown is not reported as an error.
func StartServer(server *http.Server, logger *zap.Logger) error {
	logger.Info("gateway listening", zap.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, logger *zap.Logger) error {
	logger.Info("shutting down gateway")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("gateway shutdown error", zap.Error(err))
		return err
	}

	logger.Info("gateway shutdown completed")
	return nil
}
