package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// relayEnvVars lists every variable applyEnvVars reads.
var relayEnvVars = []string{
	"PROVIDER", "PORT", "HTTP_LISTEN", "SEND_TIMEOUT", "CORS_ALLOWED_ORIGINS",
	"STATIC_DIR", "SUCCESS_REDIRECT", "ERROR_REDIRECT",
	"OAUTH_CLIENTID", "OAUTH_CLIENT_SECRET", "REDIRECT_URI", "OAUTH_REFRESH_TOKEN", "EMAIL",
	"OAUTH_AUTH_URL", "OAUTH_TOKEN_URL", "OAUTH_TIMEOUT", "TOKEN_FILE",
	"UPLOAD_DIR", "MAX_UPLOAD_SIZE", "SMTP_ADDR", "SMTP_SECURITY", "GMAIL_API_ENDPOINT",
	"SES_REGION", "SES_ACCESS_KEY_ID", "SES_SECRET_ACCESS_KEY", "SES_SENDER",
	"TLS_CERT_FILE", "TLS_KEY_FILE", "TLS_SELF_SIGNED", "LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range relayEnvVars {
		t.Setenv(env, "")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Provider != ProviderGmailSMTP {
		t.Errorf("Provider: got %q, want %q", cfg.Provider, ProviderGmailSMTP)
	}
	if cfg.HTTP.Listen != ":3001" {
		t.Errorf("HTTP.Listen: got %q, want %q", cfg.HTTP.Listen, ":3001")
	}
	if cfg.HTTP.SendTimeout != 30*time.Second {
		t.Errorf("HTTP.SendTimeout: got %v, want %v", cfg.HTTP.SendTimeout, 30*time.Second)
	}
	if len(cfg.HTTP.AllowedOrigins) != 1 || cfg.HTTP.AllowedOrigins[0] != "*" {
		t.Errorf("HTTP.AllowedOrigins: got %v, want [*]", cfg.HTTP.AllowedOrigins)
	}
	if cfg.HTTP.SuccessRedirect != "/" {
		t.Errorf("HTTP.SuccessRedirect: got %q, want %q", cfg.HTTP.SuccessRedirect, "/")
	}
	if cfg.HTTP.ErrorRedirect != "/error.html" {
		t.Errorf("HTTP.ErrorRedirect: got %q, want %q", cfg.HTTP.ErrorRedirect, "/error.html")
	}
	if cfg.OAuth.Timeout != 15*time.Second {
		t.Errorf("OAuth.Timeout: got %v, want %v", cfg.OAuth.Timeout, 15*time.Second)
	}
	if cfg.OAuth.RefreshToken != "" {
		t.Errorf("OAuth.RefreshToken: got %q, want empty", cfg.OAuth.RefreshToken)
	}
	if cfg.Upload.Dir != "uploads" {
		t.Errorf("Upload.Dir: got %q, want %q", cfg.Upload.Dir, "uploads")
	}
	if cfg.Upload.MaxSize != 26214400 {
		t.Errorf("Upload.MaxSize: got %d, want %d", cfg.Upload.MaxSize, 26214400)
	}
	if cfg.SMTP.Addr != "smtp.gmail.com:587" {
		t.Errorf("SMTP.Addr: got %q, want %q", cfg.SMTP.Addr, "smtp.gmail.com:587")
	}
	if cfg.SMTP.Security != SecurityStartTLS {
		t.Errorf("SMTP.Security: got %q, want %q", cfg.SMTP.Security, SecurityStartTLS)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.TLSEnabled() {
		t.Error("TLSEnabled(): got true, want false")
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROVIDER", "GMAIL-API")
	t.Setenv("HTTP_LISTEN", ":8080")
	t.Setenv("SEND_TIMEOUT", "5s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("OAUTH_CLIENTID", "cid-456")
	t.Setenv("OAUTH_CLIENT_SECRET", "csecret-789")
	t.Setenv("REDIRECT_URI", "https://relay.example.com/callback")
	t.Setenv("OAUTH_REFRESH_TOKEN", "1//refresh")
	t.Setenv("EMAIL", "relay@example.com")
	t.Setenv("OAUTH_TIMEOUT", "2s")
	t.Setenv("TOKEN_FILE", "/var/lib/relay/token.json")
	t.Setenv("UPLOAD_DIR", "/tmp/uploads")
	t.Setenv("MAX_UPLOAD_SIZE", "10485760")
	t.Setenv("SMTP_ADDR", "127.0.0.1:2525")
	t.Setenv("SMTP_SECURITY", "NONE")
	t.Setenv("TLS_SELF_SIGNED", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Provider != ProviderGmailAPI {
		t.Errorf("Provider: got %q, want %q", cfg.Provider, ProviderGmailAPI)
	}
	if cfg.HTTP.Listen != ":8080" {
		t.Errorf("HTTP.Listen: got %q, want %q", cfg.HTTP.Listen, ":8080")
	}
	if cfg.HTTP.SendTimeout != 5*time.Second {
		t.Errorf("HTTP.SendTimeout: got %v, want %v", cfg.HTTP.SendTimeout, 5*time.Second)
	}
	if got := strings.Join(cfg.HTTP.AllowedOrigins, "|"); got != "https://a.example.com|https://b.example.com" {
		t.Errorf("HTTP.AllowedOrigins: got %q", got)
	}
	if cfg.OAuth.ClientID != "cid-456" {
		t.Errorf("OAuth.ClientID: got %q, want %q", cfg.OAuth.ClientID, "cid-456")
	}
	if cfg.OAuth.ClientSecret != "csecret-789" {
		t.Errorf("OAuth.ClientSecret: got %q, want %q", cfg.OAuth.ClientSecret, "csecret-789")
	}
	if cfg.OAuth.RedirectURI != "https://relay.example.com/callback" {
		t.Errorf("OAuth.RedirectURI: got %q", cfg.OAuth.RedirectURI)
	}
	if cfg.OAuth.RefreshToken != "1//refresh" {
		t.Errorf("OAuth.RefreshToken: got %q, want %q", cfg.OAuth.RefreshToken, "1//refresh")
	}
	if cfg.OAuth.Email != "relay@example.com" {
		t.Errorf("OAuth.Email: got %q, want %q", cfg.OAuth.Email, "relay@example.com")
	}
	if cfg.OAuth.Timeout != 2*time.Second {
		t.Errorf("OAuth.Timeout: got %v, want %v", cfg.OAuth.Timeout, 2*time.Second)
	}
	if cfg.OAuth.TokenFile != "/var/lib/relay/token.json" {
		t.Errorf("OAuth.TokenFile: got %q", cfg.OAuth.TokenFile)
	}
	if cfg.Upload.Dir != "/tmp/uploads" {
		t.Errorf("Upload.Dir: got %q, want %q", cfg.Upload.Dir, "/tmp/uploads")
	}
	if cfg.Upload.MaxSize != 10485760 {
		t.Errorf("Upload.MaxSize: got %d, want %d", cfg.Upload.MaxSize, 10485760)
	}
	if cfg.SMTP.Addr != "127.0.0.1:2525" {
		t.Errorf("SMTP.Addr: got %q, want %q", cfg.SMTP.Addr, "127.0.0.1:2525")
	}
	if cfg.SMTP.Security != SecurityNone {
		t.Errorf("SMTP.Security: got %q, want %q", cfg.SMTP.Security, SecurityNone)
	}
	if !cfg.TLSEnabled() {
		t.Error("TLSEnabled(): got false, want true")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_PortFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8443")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Listen != ":8443" {
		t.Errorf("HTTP.Listen: got %q, want %q", cfg.HTTP.Listen, ":8443")
	}

	t.Setenv("HTTP_LISTEN", "127.0.0.1:9000")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Listen != "127.0.0.1:9000" {
		t.Errorf("HTTP.Listen: got %q, want %q (HTTP_LISTEN wins over PORT)", cfg.HTTP.Listen, "127.0.0.1:9000")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		env   string
		value string
	}{
		{"SEND_TIMEOUT", "soon"},
		{"OAUTH_TIMEOUT", "later"},
		{"MAX_UPLOAD_SIZE", "not-a-number"},
		{"TLS_SELF_SIGNED", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.env, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for invalid %s, got nil", tt.env)
			}
			if !strings.Contains(err.Error(), "invalid "+tt.env) {
				t.Errorf("error %q does not name %s", err, tt.env)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	yamlContent := `
provider: gmail-api
http:
  listen: ":4001"
  send_timeout: 45s
  allowed_origins: ["https://app.example.com"]
oauth:
  client_id: "yaml-client"
  client_secret: "yaml-secret"
  redirect_uri: "https://yaml.example.com/callback"
  email: "yaml@example.com"
upload:
  dir: "/yaml/uploads"
gmail_api:
  endpoint: "http://127.0.0.1:9999/"
logging:
  level: "warn"
`

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	// Clear env vars to ensure YAML values come through
	clearEnv(t)

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Provider != ProviderGmailAPI {
		t.Errorf("Provider: got %q, want %q", cfg.Provider, ProviderGmailAPI)
	}
	if cfg.HTTP.Listen != ":4001" {
		t.Errorf("HTTP.Listen: got %q, want %q", cfg.HTTP.Listen, ":4001")
	}
	if cfg.HTTP.SendTimeout != 45*time.Second {
		t.Errorf("HTTP.SendTimeout: got %v, want %v", cfg.HTTP.SendTimeout, 45*time.Second)
	}
	if cfg.OAuth.ClientID != "yaml-client" {
		t.Errorf("OAuth.ClientID: got %q, want %q", cfg.OAuth.ClientID, "yaml-client")
	}
	if cfg.Upload.Dir != "/yaml/uploads" {
		t.Errorf("Upload.Dir: got %q, want %q", cfg.Upload.Dir, "/yaml/uploads")
	}
	// Unset YAML keys keep their defaults
	if cfg.Upload.MaxSize != 26214400 {
		t.Errorf("Upload.MaxSize: got %d, want %d", cfg.Upload.MaxSize, 26214400)
	}
	if cfg.GmailAPI.Endpoint != "http://127.0.0.1:9999/" {
		t.Errorf("GmailAPI.Endpoint: got %q", cfg.GmailAPI.Endpoint)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "warn")
	}
}

func TestLoadFromFile_EnvOverridesYAML(t *testing.T) {
	yamlContent := `
http:
  listen: ":4001"
oauth:
  email: "yaml@example.com"
logging:
  level: "warn"
`

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	clearEnv(t)
	t.Setenv("HTTP_LISTEN", ":9001")
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Env var should override YAML
	if cfg.HTTP.Listen != ":9001" {
		t.Errorf("HTTP.Listen: got %q, want %q (env should override YAML)", cfg.HTTP.Listen, ":9001")
	}
	// Empty env var should NOT override YAML value
	if cfg.OAuth.Email != "yaml@example.com" {
		t.Errorf("OAuth.Email: got %q, want %q (empty env should not override YAML)", cfg.OAuth.Email, "yaml@example.com")
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level: got %q, want %q (env should override YAML)", cfg.Logging.Level, "error")
	}
}

func TestLoadFromFile_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("{{invalid yaml"), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("EMAIL", "already@example.com")

	tmpDir := t.TempDir()
	envPath := filepath.Join(tmpDir, ".env")
	content := "OAUTH_CLIENTID=from-dotenv\nEMAIL=dotenv@example.com\n"
	if err := os.WriteFile(envPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}

	// godotenv treats an empty-but-set variable as present; t.Setenv above
	// still restores the original value when the test ends.
	os.Unsetenv("OAUTH_CLIENTID")

	if err := LoadEnvFile(envPath); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OAuth.ClientID != "from-dotenv" {
		t.Errorf("OAuth.ClientID: got %q, want %q", cfg.OAuth.ClientID, "from-dotenv")
	}
	// godotenv never overrides variables that are already present
	if cfg.OAuth.Email != "already@example.com" {
		t.Errorf("OAuth.Email: got %q, want %q", cfg.OAuth.Email, "already@example.com")
	}
}

func TestLoadEnvFile_Missing(t *testing.T) {
	t.Parallel()

	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing env file should be ignored, got %v", err)
	}
	if err := LoadEnvFile(""); err != nil {
		t.Errorf("empty path should be ignored, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		cfg := &Config{}
		cfg.applyDefaults()
		cfg.OAuth = OAuthConfig{
			ClientID:     "cid",
			ClientSecret: "secret",
			RedirectURI:  "http://localhost:3001/callback",
			Email:        "relay@example.com",
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid gmail-smtp", mutate: func(*Config) {}, wantErr: false},
		{name: "missing client id", mutate: func(c *Config) { c.OAuth.ClientID = "" }, wantErr: true},
		{name: "smtp without email", mutate: func(c *Config) { c.OAuth.Email = "" }, wantErr: true},
		{name: "api without email", mutate: func(c *Config) { c.Provider = ProviderGmailAPI; c.OAuth.Email = "" }, wantErr: false},
		{name: "ses unconfigured", mutate: func(c *Config) { c.Provider = ProviderSES }, wantErr: true},
		{name: "ses configured", mutate: func(c *Config) {
			c.Provider = ProviderSES
			c.SES = SESConfig{Region: "us-east-1", Sender: "ses@example.com"}
		}, wantErr: false},
		{name: "stdout", mutate: func(c *Config) { c.Provider = ProviderStdout; c.OAuth = OAuthConfig{} }, wantErr: false},
		{name: "unknown provider", mutate: func(c *Config) { c.Provider = "pigeon" }, wantErr: true},
		{name: "unknown smtp security", mutate: func(c *Config) { c.SMTP.Security = "ssl3" }, wantErr: true},
		{name: "empty upload dir", mutate: func(c *Config) { c.Upload.Dir = "" }, wantErr: true},
		{name: "zero upload size", mutate: func(c *Config) { c.Upload.MaxSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSESConfigured(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		ses    SESConfig
		expect bool
	}{
		{name: "region and sender set", ses: SESConfig{Region: "us-east-1", Sender: "ses@example.com"}, expect: true},
		{name: "missing region", ses: SESConfig{Sender: "ses@example.com"}, expect: false},
		{name: "missing sender", ses: SESConfig{Region: "us-east-1"}, expect: false},
		{name: "none set", ses: SESConfig{}, expect: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{SES: tt.ses}
			if got := cfg.SESConfigured(); got != tt.expect {
				t.Errorf("SESConfigured(): got %v, want %v", got, tt.expect)
			}
		})
	}
}
