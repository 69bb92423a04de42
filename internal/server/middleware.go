package server

import (
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/shineum/gmail-relay/internal/logging"
	"github.com/shineum/gmail-relay/internal/relay"
)

// withBinding loads the current binding once and stores it in the request
// context, so a concurrent /callback cannot change the transport mid-request.
func (s *Server) withBinding(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := relay.WithBinding(r.Context(), s.relay.Current())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// observe logs and measures every routed request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		m := httpsnoop.CaptureMetrics(next, w, r)
		s.metrics.ObserveHTTP(route, r.Method, m.Code, m.Duration)

		level := slog.LevelInfo
		if route == "/healthz" || route == "/readyz" || route == "/metrics" {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"route", route,
			logging.Status(m.Code),
			"bytes", m.Written,
			"duration_ms", m.Duration.Milliseconds(),
		)
	})
}
