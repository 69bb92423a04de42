// Package relay binds the current credential snapshot to the mail transport
// built from it and publishes the pair atomically.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/shineum/gmail-relay/internal/logging"
	"github.com/shineum/gmail-relay/internal/oauth"
	"github.com/shineum/gmail-relay/internal/provider"
)

// ErrNotReady is returned by Verify before any credential is available.
var ErrNotReady = errors.New("relay: no credentials yet")

// ErrOAuthDisabled is returned by Authorize on a relay built without a
// credential manager.
var ErrOAuthDisabled = errors.New("relay: oauth is not configured")

// Binding is a credential snapshot and the transport built from it. A
// Binding is never mutated after publication.
type Binding struct {
	Credentials *oauth.Credentials
	Transport   provider.Provider
}

// Relay holds the current Binding.
type Relay struct {
	manager *oauth.Manager
	factory provider.Factory

	// exchanged numbers completed code exchanges. A binding is published
	// only if no later exchange has been published before it.
	exchanged atomic.Uint64

	// mu serializes publication so the manager's snapshot and the published
	// binding are replaced together.
	mu        sync.Mutex
	published uint64
	current   atomic.Pointer[Binding]
}

// New creates a Relay. When the manager already holds credentials the
// initial transport is built from them; a factory error is returned.
func New(manager *oauth.Manager, factory provider.Factory) (*Relay, error) {
	r := &Relay{manager: manager, factory: factory}

	if creds := manager.Current(); creds != nil {
		b, err := r.build(creds)
		if err != nil {
			return nil, err
		}
		r.current.Store(b)
	}
	return r, nil
}

// NewStatic creates a Relay around a transport that needs no delegated
// credential. It is ready immediately and cannot be re-authorized.
func NewStatic(transport provider.Provider) *Relay {
	r := &Relay{}
	r.current.Store(&Binding{Transport: transport})
	return r
}

// Current returns the published Binding, or nil before authorization.
func (r *Relay) Current() *Binding {
	return r.current.Load()
}

// Ready reports whether a Binding has been published.
func (r *Relay) Ready() bool {
	return r.Current() != nil
}

// AuthorizationURL returns the consent URL for the configured client, or ""
// when the relay has no credential manager.
func (r *Relay) AuthorizationURL() string {
	if r.manager == nil {
		return ""
	}
	return r.manager.AuthorizationURL()
}

// Authorize exchanges code for new credentials, builds a transport from them
// and publishes both. On any failure the current Binding is left untouched.
// Concurrent authorizations publish in the order their exchanges completed:
// one that finishes building after a newer exchange was published is
// dropped, and the newer Binding is returned.
func (r *Relay) Authorize(ctx context.Context, code string) (*Binding, error) {
	if r.manager == nil {
		return nil, ErrOAuthDisabled
	}
	creds, err := r.manager.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	seq := r.exchanged.Add(1)

	b, err := r.build(creds)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if seq < r.published {
		slog.Info("newer credentials already published, dropping this exchange",
			logging.Operation("oauth_callback"),
		)
		return r.current.Load(), nil
	}
	r.published = seq

	if err := r.manager.Publish(creds); err != nil {
		slog.Warn("credentials published but not persisted",
			logging.Operation("oauth_callback"),
			logging.Err(err),
		)
	}
	r.current.Store(b)

	slog.Info("transport rebuilt with new credentials",
		logging.Operation("oauth_callback"),
		logging.Provider(b.Transport.Name()),
	)
	return b, nil
}

// Verify checks the current transport's connection and credential. It
// returns ErrNotReady before the first authorization.
func (r *Relay) Verify(ctx context.Context) error {
	b := r.Current()
	if b == nil {
		return ErrNotReady
	}
	return provider.Verify(ctx, b.Transport)
}

func (r *Relay) build(creds *oauth.Credentials) (*Binding, error) {
	transport, err := r.factory(creds.TokenSource())
	if err != nil {
		return nil, fmt.Errorf("failed to build transport: %w", err)
	}
	return &Binding{Credentials: creds, Transport: transport}, nil
}

type bindingKey struct{}

// WithBinding returns a copy of ctx carrying b.
func WithBinding(ctx context.Context, b *Binding) context.Context {
	return context.WithValue(ctx, bindingKey{}, b)
}

// BindingFrom returns the Binding stored in ctx by WithBinding, or nil.
func BindingFrom(ctx context.Context) *Binding {
	b, _ := ctx.Value(bindingKey{}).(*Binding)
	return b
}
