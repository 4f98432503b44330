package sms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeSender) Send(ctx context.Context, to []string, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, body)
	if f.err != nil {
		return "", f.err
	}
	return "SM123", nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestDispatcherSends(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender)

	d.Dispatch([]string{"+254700000001"}, "Your loan application has been received.")
	waitFor(t, func() bool { return sender.callCount() == 1 })
}

func TestDispatcherDropsErrors(t *testing.T) {
	sender := &fakeSender{err: errors.New("provider down")}
	d := NewDispatcher(sender)

	// Must not panic or block; failure is logged and dropped.
	d.Dispatch([]string{"+254700000002"}, "hello")
	waitFor(t, func() bool { return sender.callCount() == 1 })
}

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	got, err := ValidateAndCanonicalizeRecipient("+254 700-000001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "+254700000001" {
		t.Errorf("canonical = %q, want +254700000001", got)
	}

	if _, err := ValidateAndCanonicalizeRecipient(""); err == nil {
		t.Error("expected error for empty recipient")
	}
	if _, err := ValidateAndCanonicalizeRecipient("12345"); err == nil {
		t.Error("expected error for short number")
	}
	if _, err := ValidateAndCanonicalizeRecipient("abc"); err == nil {
		t.Error("expected error for non-numeric recipient")
	}
}
