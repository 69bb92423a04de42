// Package gmailsmtp implements a Provider that submits mail to Gmail over
// SMTP, authenticating with XOAUTH2.
package gmailsmtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	"golang.org/x/oauth2"

	"github.com/shineum/gmail-relay/internal/email"
	"github.com/shineum/gmail-relay/internal/logging"
	"github.com/shineum/gmail-relay/internal/provider"
)

const name = "gmail-smtp"

// Security modes for the submission connection.
const (
	SecurityStartTLS = "starttls"
	SecurityTLS      = "tls"
	SecurityNone     = "none"
)

const defaultDialTimeout = 15 * time.Second

// Config holds the settings for a Gmail SMTP provider.
type Config struct {
	// Addr is the submission server, "smtp.gmail.com:587" by default.
	Addr string

	// Security selects implicit TLS, STARTTLS or a plaintext connection.
	Security string

	// Account is the mailbox the token was issued for. It is used both as
	// the XOAUTH2 user and the envelope sender.
	Account string

	// TLSConfig overrides the client TLS settings. ServerName defaults to
	// the host part of Addr.
	TLSConfig *tls.Config

	// DialTimeout bounds connection setup when ctx carries no deadline.
	DialTimeout time.Duration
}

// Provider sends messages through Gmail's SMTP submission endpoint.
type Provider struct {
	cfg Config
	ts  oauth2.TokenSource
	now func() time.Time
}

// New creates a Provider bound to ts.
func New(cfg Config, ts oauth2.TokenSource) (*Provider, error) {
	if ts == nil {
		return nil, errors.New("gmail-smtp: token source is required")
	}
	if cfg.Account == "" {
		return nil, errors.New("gmail-smtp: account is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "smtp.gmail.com:587"
	}
	if cfg.Security == "" {
		cfg.Security = SecurityStartTLS
	}
	switch cfg.Security {
	case SecurityStartTLS, SecurityTLS, SecurityNone:
	default:
		return nil, fmt.Errorf("gmail-smtp: unknown security mode %q", cfg.Security)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.TLSConfig == nil {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("gmail-smtp: invalid address %q: %w", cfg.Addr, err)
		}
		cfg.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}

	return &Provider{cfg: cfg, ts: ts, now: time.Now}, nil
}

// NewFactory returns a provider.Factory producing Gmail SMTP providers.
func NewFactory(cfg Config) provider.Factory {
	return func(ts oauth2.TokenSource) (provider.Provider, error) {
		return New(cfg, ts)
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return name
}

// Send fetches a fresh access token, then submits msg in a single SMTP
// transaction. The connection is closed when ctx is done.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	tok, err := p.ts.Token()
	if err != nil {
		return provider.NewSendError(name, provider.KindAuth, fmt.Errorf("failed to obtain access token: %w", err))
	}

	c, err := p.dial(ctx)
	if err != nil {
		return provider.NewSendError(name, provider.KindTransport, err)
	}
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := p.submit(c, tok.AccessToken, msg); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return provider.NewSendError(name, classify(err), err)
	}

	slog.Debug("message submitted",
		logging.Provider(name),
		logging.Domain("recipient_domain", firstRecipient(msg)),
	)
	return nil
}

// Verify connects, authenticates with a fresh access token and quits
// without starting a mail transaction.
func (p *Provider) Verify(ctx context.Context) error {
	tok, err := p.ts.Token()
	if err != nil {
		return provider.NewSendError(name, provider.KindAuth, fmt.Errorf("failed to obtain access token: %w", err))
	}

	c, err := p.dial(ctx)
	if err != nil {
		return provider.NewSendError(name, provider.KindTransport, err)
	}
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	err = c.Auth(NewXoauth2Client(p.cfg.Account, tok.AccessToken))
	if err == nil {
		err = c.Quit()
	} else {
		err = fmt.Errorf("AUTH failed: %w", err)
	}
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return provider.NewSendError(name, classify(err), err)
	}
	return nil
}

func (p *Provider) submit(c *smtp.Client, token string, msg *email.Email) error {
	if err := c.Auth(NewXoauth2Client(p.cfg.Account, token)); err != nil {
		return fmt.Errorf("AUTH failed: %w", err)
	}
	if err := c.Mail(p.cfg.Account, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	for _, rcpt := range msg.To {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO failed: %w", err)
		}
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}
	if err := email.WriteTo(wc, msg, p.now()); err != nil {
		wc.Close()
		return err
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}

	return c.Quit()
}

func (p *Provider) dial(ctx context.Context) (*smtp.Client, error) {
	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.cfg.DialTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{}

	switch p.cfg.Security {
	case SecurityTLS:
		td := &tls.Dialer{NetDialer: dialer, Config: p.cfg.TLSConfig}
		conn, err := td.DialContext(dialCtx, "tcp", p.cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", p.cfg.Addr, err)
		}
		return smtp.NewClient(conn), nil
	case SecurityStartTLS:
		conn, err := dialer.DialContext(dialCtx, "tcp", p.cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", p.cfg.Addr, err)
		}
		c, err := smtp.NewClientStartTLS(conn, p.cfg.TLSConfig)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("STARTTLS with %s failed: %w", p.cfg.Addr, err)
		}
		return c, nil
	default:
		conn, err := dialer.DialContext(dialCtx, "tcp", p.cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", p.cfg.Addr, err)
		}
		return smtp.NewClient(conn), nil
	}
}

// classify maps SMTP reply codes onto failure kinds.
func classify(err error) provider.Kind {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return provider.KindTransport
	}
	switch smtpErr.Code {
	case 530, 534, 535:
		return provider.KindAuth
	case 501, 550, 553, 555:
		return provider.KindValidation
	default:
		return provider.KindTransport
	}
}

func firstRecipient(msg *email.Email) string {
	if len(msg.To) == 0 {
		return ""
	}
	return msg.To[0]
}
