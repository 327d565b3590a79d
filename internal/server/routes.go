// Package server wires HTTP handlers into a chi router for the relay.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Routes configures and returns the router with all relay endpoints.
func (r *Relay) Routes() http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(requestLogger(r.log))
	mux.Use(middleware.Recoverer)

	mux.Get("/", HealthHandler)
	mux.Get("/healthz", r.ReadinessHandler)
	mux.Get("/test", r.TestPageHandler)
	mux.Handle("/metrics", promhttp.Handler())

	// Method checking happens in the handler so non-GET requests get the
	// same plain text 405 as before.
	mux.HandleFunc("/ws/{group}", r.WebSocketHandler)
	mux.HandleFunc("/ws/{group}/", r.WebSocketHandler)

	return mux
}

// requestLogger logs each request once it completes.
func requestLogger(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)

			defer func() {
				log.Info().
					Str("method", req.Method).
					Str("path", req.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(req.Context())).
					Str("remote_addr", req.RemoteAddr).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, req)
		})
	}
}
