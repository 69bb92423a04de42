// Package oauthtest provides an in-process OAuth2 token endpoint for tests.
package oauthtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type grant struct {
	access  string
	refresh string
}

// Server is a fake token endpoint. Authorization codes and refresh tokens are
// registered up front; anything else is answered with invalid_grant.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	codes     map[string]grant
	refreshes map[string]string
	delay     time.Duration
	exchanged int
	refreshed int
}

// NewServer starts a Server that is closed when t finishes.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		codes:     make(map[string]grant),
		refreshes: make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", s.handleToken)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// AuthURL returns a consent endpoint URL on the server.
func (s *Server) AuthURL() string {
	return s.URL + "/auth"
}

// TokenURL returns the token endpoint URL.
func (s *Server) TokenURL() string {
	return s.URL + "/token"
}

// AddCode registers an authorization code. An empty refresh token makes the
// response omit refresh_token.
func (s *Server) AddCode(code, accessToken, refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = grant{access: accessToken, refresh: refreshToken}
}

// AddRefreshToken registers a refresh token and the access token it yields.
func (s *Server) AddRefreshToken(refreshToken, accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes[refreshToken] = accessToken
}

// RevokeRefreshToken makes later refreshes with refreshToken fail.
func (s *Server) RevokeRefreshToken(refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshes, refreshToken)
}

// SetDelay delays every token response by d.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Exchanges returns the number of authorization_code grants served.
func (s *Server) Exchanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchanged
}

// Refreshes returns the number of refresh_token grants served.
func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshed
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, "invalid_request")
		return
	}

	s.mu.Lock()
	delay := s.delay
	var (
		resp map[string]any
		ok   bool
	)
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		var g grant
		if g, ok = s.codes[r.PostForm.Get("code")]; ok {
			s.exchanged++
			resp = map[string]any{"access_token": g.access, "token_type": "Bearer", "expires_in": 3600}
			if g.refresh != "" {
				resp["refresh_token"] = g.refresh
			}
		}
	case "refresh_token":
		var access string
		if access, ok = s.refreshes[r.PostForm.Get("refresh_token")]; ok {
			s.refreshed++
			resp = map[string]any{"access_token": access, "token_type": "Bearer", "expires_in": 3600}
		}
	}
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		writeError(w, "invalid_grant")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
