// Package oauth manages the delegated Google credential the relay sends
// with: building the consent URL, exchanging authorization codes and
// publishing credential snapshots.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"

	"github.com/shineum/gmail-relay/internal/logging"
)

const defaultTimeout = 15 * time.Second

// Scopes returns the scopes requested at consent. gmail.send is always
// included; SMTP submission additionally needs full mail access.
func Scopes(smtp bool) []string {
	scopes := []string{gmail.GmailSendScope}
	if smtp {
		scopes = append(scopes, gmail.MailGoogleComScope)
	}
	return scopes
}

// Config holds the OAuth client registration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// AuthURL and TokenURL override Google's endpoints when set.
	AuthURL  string
	TokenURL string

	// Timeout bounds every call to the token endpoint.
	Timeout time.Duration

	// HTTPClient is used for token endpoint calls. Its Timeout is set from
	// Timeout when zero.
	HTTPClient *http.Client
}

// TokenStore persists the refresh token across restarts.
type TokenStore interface {
	Load() (string, error)
	Save(refreshToken string) error
}

// Manager owns the current credential snapshot. Snapshots are immutable and
// replaced as a whole through Publish.
type Manager struct {
	conf    *oauth2.Config
	client  *http.Client
	store   TokenStore
	current atomic.Pointer[Credentials]
}

// Option configures a Manager.
type Option func(*Manager)

// WithTokenStore persists every published refresh token to store.
func WithTokenStore(store TokenStore) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// NewManager creates a Manager. When refreshToken is non-empty, or the token
// store holds one, the manager starts READY; otherwise it starts
// UNINITIALIZED and waits for an authorization code.
func NewManager(cfg Config, refreshToken string, opts ...Option) (*Manager, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("oauth: client id and secret are required")
	}

	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if client.Timeout == 0 {
		c := *client
		c.Timeout = timeout
		client = &c
	}

	m := &Manager{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
		},
		client: client,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.store != nil {
		stored, err := m.store.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load stored token: %w", err)
		}
		if stored != "" {
			refreshToken = stored
		}
	}

	if refreshToken != "" {
		m.current.Store(m.newCredentials(&oauth2.Token{RefreshToken: refreshToken}))
	}

	return m, nil
}

// AuthorizationURL returns the consent URL. It requests offline access with
// a forced consent prompt so Google issues a refresh token every time. The
// URL carries no state parameter and is identical across calls.
func (m *Manager) AuthorizationURL() string {
	return m.conf.AuthCodeURL("", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a new credential snapshot. The
// snapshot is not installed; callers publish it once everything derived from
// it is ready. When the response omits a refresh token the current one is
// carried forward.
func (m *Manager) Exchange(ctx context.Context, code string) (*Credentials, error) {
	if code == "" {
		return nil, &AuthError{Op: "exchange", Err: errors.New("authorization code is empty")}
	}

	tok, err := m.conf.Exchange(m.clientContext(ctx), code)
	if err != nil {
		return nil, &AuthError{Op: "exchange", Err: err}
	}

	if tok.RefreshToken == "" {
		if cur := m.Current(); cur != nil {
			tok.RefreshToken = cur.RefreshToken()
		}
	}

	slog.Debug("authorization code exchanged",
		logging.Operation("oauth_exchange"),
		slog.String("access_token", logging.SanitizeToken(tok.AccessToken)),
		slog.Bool("refresh_token_issued", tok.RefreshToken != ""),
	)

	return m.newCredentials(tok), nil
}

// Current returns the published snapshot, or nil when UNINITIALIZED.
func (m *Manager) Current() *Credentials {
	return m.current.Load()
}

// Ready reports whether a snapshot has been published.
func (m *Manager) Ready() bool {
	return m.Current() != nil
}

// Publish installs c as the current snapshot and persists its refresh token
// when a store is configured. The snapshot is installed even if persisting
// fails; the returned error reports only the persistence failure.
func (m *Manager) Publish(c *Credentials) error {
	m.current.Store(c)

	if m.store == nil || c.RefreshToken() == "" {
		return nil
	}
	if err := m.store.Save(c.RefreshToken()); err != nil {
		return fmt.Errorf("failed to persist refresh token: %w", err)
	}
	return nil
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

func (m *Manager) newCredentials(tok *oauth2.Token) *Credentials {
	// Refreshes outlive any single request, so they run on a detached context
	// bounded by the client timeout.
	src := m.conf.TokenSource(m.clientContext(context.Background()), tok)
	return &Credentials{
		clientID: m.conf.ClientID,
		token:    tok,
		source:   &authErrorSource{src: src},
	}
}

// Credentials is an immutable credential snapshot.
type Credentials struct {
	clientID string
	token    *oauth2.Token
	source   oauth2.TokenSource
}

// ClientID returns the OAuth client the snapshot belongs to.
func (c *Credentials) ClientID() string {
	return c.clientID
}

// RefreshToken returns the refresh token the snapshot was created with.
func (c *Credentials) RefreshToken() string {
	return c.token.RefreshToken
}

// TokenSource returns a source that yields the cached access token while it
// is valid and refreshes it otherwise. All callers of one snapshot share the
// same cache. Failures are reported as *AuthError.
func (c *Credentials) TokenSource() oauth2.TokenSource {
	return c.source
}

type authErrorSource struct {
	src oauth2.TokenSource
}

func (s *authErrorSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, &AuthError{Op: "refresh", Err: err}
	}
	return tok, nil
}
