// Package stdout implements a Provider that prints emails to standard output
// for local development.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"github.com/shineum/gmail-relay/internal/email"
	"github.com/shineum/gmail-relay/internal/provider"
)

const separator = "========================================\n"

// Provider prints email messages in a human-readable format.
type Provider struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// NewFactory returns a provider.Factory that hands out p for every
// credential snapshot.
func NewFactory(p *Provider) provider.Factory {
	return func(_ oauth2.TokenSource) (provider.Provider, error) {
		return p, nil
	}
}

// Send prints the email message. Concurrent sends are written one at a time.
func (p *Provider) Send(_ context.Context, msg *email.Email) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")
	b.WriteString(msg.TextBody + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			size, err := att.Size()
			if err != nil {
				return provider.NewSendError("stdout", provider.KindTransport, err)
			}
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(size)))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return provider.NewSendError("stdout", provider.KindTransport, fmt.Errorf("failed to write message: %w", err))
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
