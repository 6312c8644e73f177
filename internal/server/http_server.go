// Package server constructs, starts, and stops the gateway HTTP service with
// helpers that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/Tyrowin/roomchat/internal/logger"
)

// CreateServer creates the gateway HTTP server with the specified address and
// handler. It sets reasonable timeout values for production use; hijacked
// WebSocket connections are not subject to them.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer serves HTTP on ln. A graceful shutdown is not an error.
func StartServer(server *http.Server, ln net.Listener) error {
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting
// active requests, waiting at most timeout.
func ShutdownServer(server *http.Server, timeout time.Duration, log logger.Logger) error {
	log.Infof("shutting down websocket gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("websocket gateway shutdown error: %v", err)
		return err
	}

	log.Infof("websocket gateway shutdown completed")
	return nil
}
