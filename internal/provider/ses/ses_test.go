package ses

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/gmail-relay/internal/email"
	"github.com/shineum/gmail-relay/internal/provider"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func TestName(t *testing.T) {
	t.Parallel()
	p := NewWithClient("sender@example.com", &mockSESClient{})
	if got := p.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSend_TextEmail(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("sender@example.com", mock)

	msg := &email.Email{
		From:     "visitor@example.com",
		To:       []string{"to@example.com"},
		Subject:  "Test Subject",
		TextBody: "Hello, World!",
	}

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if input.Content.Raw == nil {
		t.Fatal("expected raw email content, got nil")
	}
	if got := *input.FromEmailAddress; got != "sender@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "sender@example.com")
	}
	if len(input.Destination.ToAddresses) != 1 || input.Destination.ToAddresses[0] != "to@example.com" {
		t.Errorf("ToAddresses: got %v", input.Destination.ToAddresses)
	}

	raw := string(input.Content.Raw.Data)
	checks := []string{
		"From: sender@example.com\r\n",
		"Reply-To: visitor@example.com\r\n",
		"To: to@example.com\r\n",
		"Hello, World!",
	}
	for _, want := range checks {
		if !strings.Contains(raw, want) {
			t.Errorf("raw message missing %q", want)
		}
	}
}

func TestSend_WithAttachment(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "1700000000000-abc-test.txt")
	if err := os.WriteFile(path, []byte("file content"), 0600); err != nil {
		t.Fatalf("failed to write attachment: %v", err)
	}

	mock := &mockSESClient{}
	p := NewWithClient("sender@example.com", mock)

	msg := &email.Email{
		From:     "sender@example.com",
		To:       []string{"to@example.com"},
		Subject:  "With Attachment",
		TextBody: "See attachment",
		Attachments: []email.Attachment{
			{Filename: "test.txt", ContentType: "text/plain", Path: path},
		},
	}

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw := string(mock.lastInput.Content.Raw.Data)
	if strings.Contains(raw, "Reply-To:") {
		t.Error("expected no Reply-To when sender matches")
	}
	if !strings.Contains(raw, "multipart/mixed") {
		t.Error("raw message missing multipart/mixed content type")
	}
	if !strings.Contains(raw, "test.txt") {
		t.Error("raw message missing attachment filename")
	}
	if !strings.Contains(raw, "Content-Transfer-Encoding: base64") {
		t.Error("raw message missing base64 encoding")
	}
}

func TestSend_MissingAttachment(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("sender@example.com", mock)

	msg := &email.Email{
		To: []string{"to@example.com"},
		Attachments: []email.Attachment{
			{Filename: "gone.txt", Path: filepath.Join(t.TempDir(), "gone.txt")},
		},
	}

	if err := p.Send(context.Background(), msg); err == nil {
		t.Fatal("expected error for missing attachment")
	}
	if mock.callCount != 0 {
		t.Errorf("call count: got %d, want 0", mock.callCount)
	}
}

func TestSend_SingleAttempt(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("persistent error")
		},
	}
	p := NewWithClient("sender@example.com", mock)

	err := p.Send(context.Background(), &email.Email{To: []string{"to@example.com"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
	if got := provider.KindOf(err); got != provider.KindTransport {
		t.Errorf("kind: got %q, want %q", got, provider.KindTransport)
	}
}

func TestSend_ContextCancelled(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, ctx.Err()
		},
	}
	p := NewWithClient("sender@example.com", mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Send(ctx, &email.Email{To: []string{"to@example.com"}})
	if err == nil {
		t.Fatal("expected error when context cancelled")
	}
	if got := provider.KindOf(err); got != provider.KindTransport {
		t.Errorf("kind: got %q, want %q", got, provider.KindTransport)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code string
		want provider.Kind
	}{
		{"AccessDeniedException", provider.KindAuth},
		{"UnrecognizedClientException", provider.KindAuth},
		{"MessageRejected", provider.KindValidation},
		{"MailFromDomainNotVerifiedException", provider.KindValidation},
		{"TooManyRequestsException", provider.KindTransport},
	}

	for _, tt := range tests {
		err := &smithy.GenericAPIError{Code: tt.code, Message: "x"}
		if got := classify(err); got != tt.want {
			t.Errorf("classify(%s): got %q, want %q", tt.code, got, tt.want)
		}
	}

	if got := classify(&types.MessageRejected{Message: aws.String("bad")}); got != provider.KindValidation {
		t.Errorf("classify(MessageRejected): got %q", got)
	}
}

func TestNewFactory_IgnoresTokenSource(t *testing.T) {
	t.Parallel()

	p := NewWithClient("sender@example.com", &mockSESClient{})
	got, err := NewFactory(p)(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != p {
		t.Error("factory should return the shared provider")
	}
}

func TestBuildRawInput_Date(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	input, err := buildRawInput("sender@example.com", &email.Email{To: []string{"a@example.com"}}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(input.Content.Raw.Data), "Date: "+now.Format(time.RFC1123Z)) {
		t.Error("raw message missing Date header")
	}
}
