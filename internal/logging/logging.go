// Package logging configures the process-wide slog logger and provides
// attribute helpers that keep addresses and tokens out of log lines.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Common log attribute keys.
const (
	KeyOperation = "operation"
	KeyProvider  = "provider"
	KeyStatus    = "status"
	KeyError     = "error"
)

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs a JSON slog handler writing to w as the default logger.
func Setup(w io.Writer, level string) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
	slog.SetDefault(logger)
	return logger
}

// Operation returns a slog attribute for the operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Provider returns a slog attribute for the mail provider name.
func Provider(name string) slog.Attr {
	return slog.String(KeyProvider, name)
}

// Status returns a slog attribute for an HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(KeyStatus, code)
}

// Err returns a slog attribute for an error.
// If err is nil, returns an empty Group attribute that slog omits.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// SanitizeToken returns a length indicator without exposing token content.
func SanitizeToken(token string) string {
	if token == "" {
		return "<empty>"
	}
	return fmt.Sprintf("[token:%d chars]", len(token))
}

// ExtractDomain extracts the domain part from an email address.
func ExtractDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(email[at+1:], ">"))
}

// Domain returns a slog attribute holding only the domain of an address.
func Domain(key, email string) slog.Attr {
	return slog.String(key, ExtractDomain(email))
}
