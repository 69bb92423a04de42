package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/gmail-relay/internal/config"
	"github.com/shineum/gmail-relay/internal/logging"
	"github.com/shineum/gmail-relay/internal/metrics"
	"github.com/shineum/gmail-relay/internal/oauth"
	"github.com/shineum/gmail-relay/internal/provider"
	"github.com/shineum/gmail-relay/internal/provider/gmailapi"
	"github.com/shineum/gmail-relay/internal/provider/gmailsmtp"
	"github.com/shineum/gmail-relay/internal/provider/ses"
	"github.com/shineum/gmail-relay/internal/provider/stdout"
	"github.com/shineum/gmail-relay/internal/relay"
	"github.com/shineum/gmail-relay/internal/server"
	relaytls "github.com/shineum/gmail-relay/internal/tls"
	"github.com/shineum/gmail-relay/internal/upload"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay",
		Args:  cobra.NoArgs,
		RunE:  runServeCmd(flags),
	}
}

// runServeCmd is shared by serve and the root command.
func runServeCmd(flags *globalFlags) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(flags)
		if err != nil {
			return err
		}
		logging.Setup(os.Stdout, cfg.Logging.Level)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runServe(ctx, cfg)
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	r, err := newRelay(ctx, cfg)
	if err != nil {
		return err
	}

	uploads := upload.New(cfg.Upload.Dir, cfg.Upload.MaxSize)
	if err := uploads.EnsureDir(); err != nil {
		return err
	}

	srvCfg := server.Config{
		Listen:          cfg.HTTP.Listen,
		SendTimeout:     cfg.HTTP.SendTimeout,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
		StaticDir:       cfg.HTTP.StaticDir,
		SuccessRedirect: cfg.HTTP.SuccessRedirect,
		ErrorRedirect:   cfg.HTTP.ErrorRedirect,
	}

	tlsMode := "disabled"
	if cfg.TLSEnabled() {
		srvCfg.TLSConfig, err = relaytls.LoadOrGenerate(cfg.TLS.CertFile, cfg.TLS.KeyFile, nil)
		if err != nil {
			return fmt.Errorf("failed to setup TLS: %w", err)
		}
		tlsMode = "self-signed"
		if cfg.TLS.CertFile != "" {
			tlsMode = "file"
		}
	}

	srv := server.New(srvCfg, r, uploads, metrics.New())

	slog.Info("starting gmail-relay",
		"version", version,
		"listen", cfg.HTTP.Listen,
		"provider", cfg.Provider,
		"ready", r.Ready(),
		"tls_mode", tlsMode,
		"upload_dir", cfg.Upload.Dir,
	)
	if !r.Ready() && r.AuthorizationURL() != "" {
		slog.Warn("no refresh token configured, visit /auth to authorize the relay")
	}

	go func() {
		_ = verifyTransport(ctx, r, cfg.HTTP.SendTimeout)
	}()

	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("gmail-relay stopped")
	return nil
}

// verifyTransport checks the current transport once and logs the outcome.
// A failure is reported but the relay keeps serving; /auth can still repair
// the credential.
func verifyTransport(ctx context.Context, r *relay.Relay, timeout time.Duration) error {
	if !r.Ready() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := r.Current().Transport.Name()
	if err := r.Verify(ctx); err != nil {
		slog.Error("transport verification failed",
			logging.Operation("verify"),
			logging.Provider(name),
			slog.String("kind", string(provider.KindOf(err))),
			logging.Err(err),
		)
		return err
	}

	slog.Info("transport verified, ready to send",
		logging.Operation("verify"),
		logging.Provider(name),
	)
	return nil
}

// newRelay builds the relay for the configured provider. Gmail providers
// always go through the credential manager; SES and stdout only do so when
// OAuth client credentials are present, so the consent flow can be exercised
// locally.
func newRelay(ctx context.Context, cfg *config.Config) (*relay.Relay, error) {
	factory, err := newFactory(ctx, cfg)
	if err != nil {
		return nil, err
	}

	gmail := cfg.Provider == config.ProviderGmailSMTP || cfg.Provider == config.ProviderGmailAPI
	if !gmail && !oauthConfigured(cfg) {
		transport, err := factory(nil)
		if err != nil {
			return nil, err
		}
		return relay.NewStatic(transport), nil
	}

	manager, err := newManager(cfg)
	if err != nil {
		return nil, err
	}
	return relay.New(manager, factory)
}

func newFactory(ctx context.Context, cfg *config.Config) (provider.Factory, error) {
	switch cfg.Provider {
	case config.ProviderGmailSMTP:
		slog.Info("using Gmail SMTP provider",
			"addr", cfg.SMTP.Addr,
			"security", cfg.SMTP.Security,
			logging.Domain("account_domain", cfg.OAuth.Email),
		)
		return gmailsmtp.NewFactory(gmailsmtp.Config{
			Addr:     cfg.SMTP.Addr,
			Security: cfg.SMTP.Security,
			Account:  cfg.OAuth.Email,
		}), nil

	case config.ProviderGmailAPI:
		slog.Info("using Gmail API provider")
		return gmailapi.NewFactory(gmailapi.Config{Endpoint: cfg.GmailAPI.Endpoint}), nil

	case config.ProviderSES:
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			logging.Domain("sender_domain", cfg.SES.Sender),
		)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return ses.NewFactory(p), nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.NewFactory(stdout.New()), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func newManager(cfg *config.Config) (*oauth.Manager, error) {
	var opts []oauth.Option
	if cfg.OAuth.TokenFile != "" {
		opts = append(opts, oauth.WithTokenStore(oauth.NewFileStore(cfg.OAuth.TokenFile)))
	}

	return oauth.NewManager(oauth.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURI:  cfg.OAuth.RedirectURI,
		Scopes:       oauth.Scopes(cfg.Provider == config.ProviderGmailSMTP),
		AuthURL:      cfg.OAuth.AuthURL,
		TokenURL:     cfg.OAuth.TokenURL,
		Timeout:      cfg.OAuth.Timeout,
	}, cfg.OAuth.RefreshToken, opts...)
}

func oauthConfigured(cfg *config.Config) bool {
	return cfg.OAuth.ClientID != "" && cfg.OAuth.ClientSecret != ""
}
