// Package sms wraps the Twilio API for SMS delivery.
package sms

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Opts holds configuration options for the Twilio SMS client.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// Option defines a configuration option for the Twilio SMS client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sender number messages are delivered from.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// TwilioSender sends SMS via the Twilio REST API.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
}

var _ Sender = (*TwilioSender)(nil)

// NewTwilioSender builds a TwilioSender, falling back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment variables for any
// option not supplied.
func NewTwilioSender(opts ...Option) (*TwilioSender, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioSender{client: client, from: cfg.From}, nil
}

// Send delivers the message to each recipient and returns the joined
// provider message SIDs. A single bad recipient fails the whole batch
// before any message is sent.
func (s *TwilioSender) Send(ctx context.Context, to []string, body string) (string, error) {
	if len(to) == 0 {
		return "", fmt.Errorf("recipient list cannot be empty")
	}
	canonical := make([]string, 0, len(to))
	for _, recipient := range to {
		c, err := ValidateAndCanonicalizeRecipient(recipient)
		if err != nil {
			slog.Error("TwilioSender recipient validation failed", "error", err, "to", recipient)
			return "", err
		}
		canonical = append(canonical, c)
	}

	sids := make([]string, 0, len(canonical))
	for _, recipient := range canonical {
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(recipient)
		params.SetFrom(s.from)
		params.SetBody(body)

		resp, err := s.client.Api.CreateMessage(params)
		if err != nil {
			return "", fmt.Errorf("twilio send to %s: %w", recipient, err)
		}
		if resp.Sid != nil {
			sids = append(sids, *resp.Sid)
		}
		slog.Debug("TwilioSender message accepted", "to", recipient)
	}
	return strings.Join(sids, ","), nil
}
