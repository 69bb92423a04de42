// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"golang.org/x/oauth2"

	"github.com/shineum/gmail-relay/internal/email"
	"github.com/shineum/gmail-relay/internal/logging"
	"github.com/shineum/gmail-relay/internal/provider"
)

const name = "ses"

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// SESProvider sends emails via the AWS SES v2 API. SES only accepts verified
// senders, so the form sender is carried in Reply-To.
type SESProvider struct {
	sender string
	client SendEmailAPI
	now    func() time.Time
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender: sender,
		client: client,
		now:    time.Now,
	}
}

// NewFactory returns a provider.Factory that hands out p for every
// credential snapshot. SES authenticates with AWS credentials, not the
// Gmail token.
func NewFactory(p *SESProvider) provider.Factory {
	return func(_ oauth2.TokenSource) (provider.Provider, error) {
		return p, nil
	}
}

// Send delivers an email message via AWS SES v2 as a raw MIME message in a
// single attempt.
func (s *SESProvider) Send(ctx context.Context, msg *email.Email) error {
	input, err := buildRawInput(s.sender, msg, s.now())
	if err != nil {
		return provider.NewSendError(name, provider.KindTransport, fmt.Errorf("failed to build raw message: %w", err))
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		slog.Warn("SES API error", logging.Provider(name), logging.Err(err))
		return provider.NewSendError(name, classify(err), fmt.Errorf("SES API request failed: %w", err))
	}

	slog.Debug("message sent",
		logging.Provider(name),
		slog.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return name
}

// buildRawInput renders msg with the verified sender in From.
func buildRawInput(sender string, msg *email.Email, now time.Time) (*sesv2.SendEmailInput, error) {
	out := *msg
	out.From = sender
	if msg.From != "" && msg.From != sender {
		out.ReplyTo = msg.From
	}

	raw, err := email.Render(&out, now)
	if err != nil {
		return nil, err
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      &types.Destination{ToAddresses: msg.To},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}, nil
}

// classify maps SES error codes onto failure kinds.
func classify(err error) provider.Kind {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return provider.KindTransport
	}
	switch apiErr.ErrorCode() {
	case "AccessDeniedException", "UnrecognizedClientException", "InvalidClientTokenId",
		"SignatureDoesNotMatch", "ExpiredTokenException":
		return provider.KindAuth
	case "MessageRejected", "BadRequestException", "MailFromDomainNotVerifiedException":
		return provider.KindValidation
	default:
		return provider.KindTransport
	}
}
