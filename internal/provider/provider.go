// Package provider defines the interface for email delivery backends and the
// error taxonomy they report through.
package provider

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/shineum/gmail-relay/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// A Provider is bound to one credential snapshot for its whole lifetime.
type Provider interface {
	// Send delivers an email message through this provider.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// Verifier is implemented by providers that can check their connection and
// credential without sending a message.
type Verifier interface {
	Verify(ctx context.Context) error
}

// Verify runs p's check when p implements Verifier. Providers without one
// always pass.
func Verify(ctx context.Context, p Provider) error {
	v, ok := p.(Verifier)
	if !ok {
		return nil
	}
	return v.Verify(ctx)
}

// Factory builds a Provider authenticated by ts. The relay calls it once at
// startup and again after every successful authorization.
type Factory func(ts oauth2.TokenSource) (Provider, error)

// Kind classifies why a send failed.
type Kind string

const (
	// KindTransport covers network failures, timeouts and unexpected
	// upstream responses.
	KindTransport Kind = "transport"
	// KindAuth means the upstream rejected the credential.
	KindAuth Kind = "auth"
	// KindValidation means the upstream rejected the message or an address.
	KindValidation Kind = "validation"
)

// SendError is returned by providers when delivery fails.
type SendError struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// NewSendError wraps err with the given kind. Context deadline and
// cancellation errors are always reported as transport failures.
func NewSendError(provider string, kind Kind, err error) *SendError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = KindTransport
	}
	return &SendError{Kind: kind, Provider: provider, Err: err}
}

// KindOf reports the failure kind carried by err. Errors that are not a
// SendError count as transport failures, except token retrieval failures
// which count as auth failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return KindAuth
	}
	return KindTransport
}
