// Package server implements the relay's HTTP surface.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/shineum/gmail-relay/internal/metrics"
	"github.com/shineum/gmail-relay/internal/relay"
	"github.com/shineum/gmail-relay/internal/upload"
)

// shutdownTimeout is the maximum time to wait for in-flight requests during
// graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Config holds the HTTP server settings.
type Config struct {
	// Listen is the address to listen on (e.g., ":3001").
	Listen string

	// SendTimeout bounds every provider call.
	SendTimeout time.Duration

	// AllowedOrigins lists CORS origins; "*" allows any.
	AllowedOrigins []string

	// StaticDir, when set, is served at "/".
	StaticDir string

	// SuccessRedirect and ErrorRedirect are the /callback targets.
	SuccessRedirect string
	ErrorRedirect   string

	// TLSConfig enables HTTPS when non-nil.
	TLSConfig *tls.Config
}

// Server routes relay requests.
type Server struct {
	cfg     Config
	relay   *relay.Relay
	uploads *upload.Handler
	metrics *metrics.Metrics
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
}

// New creates a Server.
func New(cfg Config, r *relay.Relay, uploads *upload.Handler, m *metrics.Metrics) *Server {
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.SuccessRedirect == "" {
		cfg.SuccessRedirect = "/"
	}
	if cfg.ErrorRedirect == "" {
		cfg.ErrorRedirect = "/error.html"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		cfg:     cfg,
		relay:   r,
		uploads: uploads,
		metrics: m,
	}
	s.handler = s.routes()
	m.SetReady(r.Ready())
	return s
}

// Handler returns the root handler, including CORS.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.observe)

	r.Handle("/send", s.withBinding(http.HandlerFunc(s.handleSend))).Methods(http.MethodPost)
	r.HandleFunc("/auth", s.handleAuth).Methods(http.MethodGet)
	r.HandleFunc("/callback", s.handleCallback).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	if s.cfg.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.cfg.StaticDir))).Methods(http.MethodGet, http.MethodHead)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled.
// On cancellation it stops accepting connections and waits up to 30 seconds
// for in-flight requests to complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("HTTP server listening",
		"addr", ln.Addr().String(),
		"tls_enabled", s.cfg.TLSConfig != nil,
		"ready", s.relay.Ready(),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown timeout reached, forcing close", "error", err)
		return srv.Close()
	}
	slog.Info("all requests completed")
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
