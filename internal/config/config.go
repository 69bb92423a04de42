// Package config provides environment-variable-first configuration loading
// with optional YAML file and .env fallbacks for the mail relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultMaxUploadSize is 25 MB in bytes.
const defaultMaxUploadSize = 26214400

// Provider names accepted by the PROVIDER setting.
const (
	ProviderGmailSMTP = "gmail-smtp"
	ProviderGmailAPI  = "gmail-api"
	ProviderSES       = "ses"
	ProviderStdout    = "stdout"
)

// SMTP security modes.
const (
	SecurityStartTLS = "starttls"
	SecurityTLS      = "tls"
	SecurityNone     = "none"
)

// Config holds the complete application configuration.
type Config struct {
	Provider string         `yaml:"provider"`
	HTTP     HTTPConfig     `yaml:"http"`
	OAuth    OAuthConfig    `yaml:"oauth"`
	Upload   UploadConfig   `yaml:"upload"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	GmailAPI GmailAPIConfig `yaml:"gmail_api"`
	SES      SESConfig      `yaml:"ses"`
	TLS      TLSConfig      `yaml:"tls"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HTTPConfig holds the HTTP listener and routing configuration.
type HTTPConfig struct {
	Listen          string        `yaml:"listen"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	StaticDir       string        `yaml:"static_dir"`
	SuccessRedirect string        `yaml:"success_redirect"`
	ErrorRedirect   string        `yaml:"error_redirect"`
}

// OAuthConfig holds the delegated Google credential.
type OAuthConfig struct {
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	RedirectURI  string        `yaml:"redirect_uri"`
	RefreshToken string        `yaml:"refresh_token"`
	Email        string        `yaml:"email"`
	AuthURL      string        `yaml:"auth_url"`
	TokenURL     string        `yaml:"token_url"`
	Timeout      time.Duration `yaml:"timeout"`
	TokenFile    string        `yaml:"token_file"`
}

// UploadConfig holds attachment storage configuration.
type UploadConfig struct {
	Dir     string `yaml:"dir"`
	MaxSize int64  `yaml:"max_size"`
}

// SMTPConfig holds the outbound SMTP transport configuration.
type SMTPConfig struct {
	Addr     string `yaml:"addr"`
	Security string `yaml:"security"`
}

// GmailAPIConfig holds the Gmail REST transport configuration.
type GmailAPIConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// TLSConfig holds TLS settings for the HTTP listener.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SelfSigned bool   `yaml:"self_signed"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadEnvFile loads KEY=VALUE pairs from a .env file into the process
// environment. Variables that are already set are left untouched. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports settings that make the relay unusable.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider {
	case ProviderGmailSMTP, ProviderGmailAPI:
		if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" || c.OAuth.RedirectURI == "" {
			errs = append(errs, errors.New("OAUTH_CLIENTID, OAUTH_CLIENT_SECRET and REDIRECT_URI are required"))
		}
		if c.Provider == ProviderGmailSMTP && c.OAuth.Email == "" {
			errs = append(errs, errors.New("EMAIL is required for the gmail-smtp provider"))
		}
	case ProviderSES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("SES_REGION and SES_SENDER are required for the ses provider"))
		}
	case ProviderStdout:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	switch c.SMTP.Security {
	case SecurityStartTLS, SecurityTLS, SecurityNone:
	default:
		errs = append(errs, fmt.Errorf("unknown smtp security mode %q", c.SMTP.Security))
	}

	if c.Upload.Dir == "" {
		errs = append(errs, errors.New("UPLOAD_DIR must not be empty"))
	}
	if c.Upload.MaxSize <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_SIZE must be positive"))
	}

	return errors.Join(errs...)
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// TLSEnabled returns true if the HTTP listener should serve HTTPS.
func (c *Config) TLSEnabled() bool {
	return (c.TLS.CertFile != "" && c.TLS.KeyFile != "") || c.TLS.SelfSigned
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Provider = ProviderGmailSMTP
	c.HTTP.Listen = ":3001"
	c.HTTP.SendTimeout = 30 * time.Second
	c.HTTP.AllowedOrigins = []string{"*"}
	c.HTTP.SuccessRedirect = "/"
	c.HTTP.ErrorRedirect = "/error.html"
	c.OAuth.Timeout = 15 * time.Second
	c.Upload.Dir = "uploads"
	c.Upload.MaxSize = defaultMaxUploadSize
	c.SMTP.Addr = "smtp.gmail.com:587"
	c.SMTP.Security = SecurityStartTLS
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("PORT"); v != "" {
		c.HTTP.Listen = ":" + v
	}
	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("SEND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SEND_TIMEOUT: %w", err)
		}
		c.HTTP.SendTimeout = d
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.HTTP.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		c.HTTP.StaticDir = v
	}
	if v := os.Getenv("SUCCESS_REDIRECT"); v != "" {
		c.HTTP.SuccessRedirect = v
	}
	if v := os.Getenv("ERROR_REDIRECT"); v != "" {
		c.HTTP.ErrorRedirect = v
	}

	if v := os.Getenv("OAUTH_CLIENTID"); v != "" {
		c.OAuth.ClientID = v
	}
	if v := os.Getenv("OAUTH_CLIENT_SECRET"); v != "" {
		c.OAuth.ClientSecret = v
	}
	if v := os.Getenv("REDIRECT_URI"); v != "" {
		c.OAuth.RedirectURI = v
	}
	if v := os.Getenv("OAUTH_REFRESH_TOKEN"); v != "" {
		c.OAuth.RefreshToken = v
	}
	if v := os.Getenv("EMAIL"); v != "" {
		c.OAuth.Email = v
	}
	if v := os.Getenv("OAUTH_AUTH_URL"); v != "" {
		c.OAuth.AuthURL = v
	}
	if v := os.Getenv("OAUTH_TOKEN_URL"); v != "" {
		c.OAuth.TokenURL = v
	}
	if v := os.Getenv("OAUTH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid OAUTH_TIMEOUT: %w", err)
		}
		c.OAuth.Timeout = d
	}
	if v := os.Getenv("TOKEN_FILE"); v != "" {
		c.OAuth.TokenFile = v
	}

	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		c.Upload.Dir = v
	}
	if v := os.Getenv("MAX_UPLOAD_SIZE"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_UPLOAD_SIZE: %w", err)
		}
		c.Upload.MaxSize = size
	}

	if v := os.Getenv("SMTP_ADDR"); v != "" {
		c.SMTP.Addr = v
	}
	if v := os.Getenv("SMTP_SECURITY"); v != "" {
		c.SMTP.Security = strings.ToLower(v)
	}

	if v := os.Getenv("GMAIL_API_ENDPOINT"); v != "" {
		c.GmailAPI.Endpoint = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if v := os.Getenv("TLS_SELF_SIGNED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid TLS_SELF_SIGNED: %w", err)
		}
		c.TLS.SelfSigned = b
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
