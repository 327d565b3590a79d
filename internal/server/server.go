// Package server implements the HTTP server lifecycle for the relay.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// minRelayShutdown is the least time sessions get to close, however much of
// the shutdown timeout the HTTP server used.
const minRelayShutdown = 2 * time.Second

// CreateServer creates and configures the HTTP server. WriteTimeout is left
// unset since websocket connections are long-lived and manage their own
// write deadlines.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer serves until the server is shut down. A graceful shutdown is
// not reported as an error.
func StartServer(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer stops accepting connections, then closes the relay's
// sessions and waits for them. The relay gets whatever is left of timeout,
// but never less than minRelayShutdown.
func ShutdownServer(srv *http.Server, relay *Relay, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	httpErr := srv.Shutdown(ctx)

	remaining := timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining = time.Until(deadline)
	}
	relayErr := relay.Shutdown(max(remaining, minRelayShutdown))

	return errors.Join(httpErr, relayErr)
}
