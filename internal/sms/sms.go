// Package sms sends out-of-band SMS confirmations for the USSD flows.
//
// Delivery is strictly fire-and-forget from the menu flows' perspective: by
// the time a notification is dispatched the farmer has already received
// their terminal USSD response, so a send failure is logged and dropped,
// never propagated.
package sms

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/mkulima/ussdgate/internal/metrics"
)

// DefaultSendTimeout bounds a single dispatch attempt.
const DefaultSendTimeout = 10 * time.Second

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Sender delivers a message to a list of destination numbers and returns a
// provider-assigned delivery handle.
type Sender interface {
	Send(ctx context.Context, to []string, body string) (string, error)
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone
// number. It removes all non-numeric characters and validates the result
// has at least 6 digits.
func ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("sms canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return "+" + canonical, nil
}

// Dispatcher wraps a Sender with log-and-drop semantics.
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
}

// NewDispatcher creates a Dispatcher around the given Sender.
func NewDispatcher(sender Sender) *Dispatcher {
	return &Dispatcher{sender: sender, timeout: DefaultSendTimeout}
}

// Dispatch sends the message in a background goroutine. Errors are logged
// and counted, never returned; the triggering USSD response has already
// been written.
func (d *Dispatcher) Dispatch(to []string, body string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		handle, err := d.sender.Send(ctx, to, body)
		if err != nil {
			metrics.SMSSendFailures.Inc()
			slog.Error("sms dispatch failed, dropping", "error", err, "recipients", len(to))
			return
		}
		slog.Info("sms dispatched", "recipients", len(to), "handle", handle)
	}()
}

// NoopSender is used when no SMS provider is configured. It logs the
// message that would have been sent.
type NoopSender struct{}

// Send implements Sender without contacting any provider.
func (NoopSender) Send(ctx context.Context, to []string, body string) (string, error) {
	slog.Info("sms provider not configured, skipping send", "recipients", len(to), "body", body)
	return "noop", nil
}
