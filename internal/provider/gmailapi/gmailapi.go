// Package gmailapi implements a Provider that sends mail through the Gmail
// REST API users.messages.send call.
package gmailapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/shineum/gmail-relay/internal/email"
	"github.com/shineum/gmail-relay/internal/logging"
	"github.com/shineum/gmail-relay/internal/provider"
)

const name = "gmail-api"

// Config holds the settings for a Gmail API provider.
type Config struct {
	// Endpoint overrides the API base URL. Empty means the public endpoint.
	Endpoint string

	// HTTPClient is the base client wrapped with the bearer token.
	// Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Provider sends messages as the authorized user ("me").
type Provider struct {
	cfg Config
	ts  oauth2.TokenSource
	now func() time.Time
}

// New creates a Provider bound to ts.
func New(cfg Config, ts oauth2.TokenSource) (*Provider, error) {
	if ts == nil {
		return nil, errors.New("gmail-api: token source is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Provider{cfg: cfg, ts: ts, now: time.Now}, nil
}

// NewFactory returns a provider.Factory producing Gmail API providers.
func NewFactory(cfg Config) provider.Factory {
	return func(ts oauth2.TokenSource) (provider.Provider, error) {
		return New(cfg, ts)
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return name
}

// Send renders msg, fetches a fresh access token and posts the raw message.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	tok, err := p.ts.Token()
	if err != nil {
		return provider.NewSendError(name, provider.KindAuth, fmt.Errorf("failed to obtain access token: %w", err))
	}

	var buf bytes.Buffer
	if err := email.WriteTo(&buf, msg, p.now()); err != nil {
		return provider.NewSendError(name, provider.KindTransport, fmt.Errorf("failed to render message: %w", err))
	}

	svc, err := p.service(ctx, tok)
	if err != nil {
		return provider.NewSendError(name, provider.KindTransport, err)
	}

	sent, err := svc.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(buf.Bytes()),
	}).Context(ctx).Do()
	if err != nil {
		return provider.NewSendError(name, classify(err), fmt.Errorf("failed to send email: %w", err))
	}

	slog.Debug("message sent",
		logging.Provider(name),
		slog.String("message_id", sent.Id),
	)
	return nil
}

// Verify checks that the credential yields an access token.
func (p *Provider) Verify(_ context.Context) error {
	if _, err := p.ts.Token(); err != nil {
		return provider.NewSendError(name, provider.KindAuth, fmt.Errorf("failed to obtain access token: %w", err))
	}
	return nil
}

func (p *Provider) service(ctx context.Context, tok *oauth2.Token) (*gmail.Service, error) {
	clientCtx := context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)
	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(clientCtx, oauth2.StaticTokenSource(tok))),
	}
	if p.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.cfg.Endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// classify maps Gmail API status codes onto failure kinds.
func classify(err error) provider.Kind {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return provider.KindTransport
	}
	switch apiErr.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return provider.KindAuth
	case http.StatusBadRequest:
		return provider.KindValidation
	default:
		return provider.KindTransport
	}
}
