// Package email defines the outgoing message model used throughout the relay.
package email

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Email is a message accepted by the relay and handed to a provider.
type Email struct {
	From        string
	ReplyTo     string
	To          []string
	Subject     string
	TextBody    string
	Attachments []Attachment
	MessageID   string
}

// NewMessageID returns a unique Message-ID header value in the domain of
// addr. An address without a domain falls back to "localhost".
func NewMessageID(addr string) string {
	domain := "localhost"
	if at := strings.LastIndex(addr, "@"); at >= 0 && at < len(addr)-1 {
		domain = strings.ToLower(addr[at+1:])
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// Attachment references a file stored on local disk. The file is opened only
// while the message is being rendered.
type Attachment struct {
	Filename    string
	ContentType string
	Path        string
}

// Open opens the stored attachment for reading.
func (a Attachment) Open() (*os.File, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment %q: %w", a.Filename, err)
	}
	return f, nil
}

// Size returns the stored attachment size in bytes.
func (a Attachment) Size() (int64, error) {
	info, err := os.Stat(a.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat attachment %q: %w", a.Filename, err)
	}
	return info.Size(), nil
}
