// Package store provides storage backends for ussdgate.
//
// It includes SQLite and PostgreSQL stores for farmer, loan, credit score
// and session records, a Redis-backed session store with native TTL expiry,
// and an in-memory store for tests and development.
package store

import (
	"context"
	"time"

	"github.com/mkulima/ussdgate/internal/models"
)

// DefaultSessionTTL is how long an idle session stays alive before it is
// treated as expired. The telecom gateway sends no explicit end signal, so
// idle sessions are reaped rather than closed.
const DefaultSessionTTL = 5 * time.Minute

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string (file path for SQLite).
	DSN string
	// RedisAddr is the Redis host:port for the Redis session store.
	RedisAddr string
	// RedisPassword is the optional Redis AUTH password.
	RedisPassword string
	// SessionTTL overrides DefaultSessionTTL when positive.
	SessionTTL time.Duration
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisAddr sets the Redis address for the Redis session store.
func WithRedisAddr(addr string) Option {
	return func(o *Opts) { o.RedisAddr = addr }
}

// WithRedisPassword sets the Redis AUTH password.
func WithRedisPassword(password string) Option {
	return func(o *Opts) { o.RedisPassword = password }
}

// WithSessionTTL sets the idle session expiry.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.SessionTTL = ttl }
}

func (o *Opts) sessionTTL() time.Duration {
	if o.SessionTTL > 0 {
		return o.SessionTTL
	}
	return DefaultSessionTTL
}

// SessionStore persists conversational state keyed by the gateway-assigned
// session identifier.
type SessionStore interface {
	// GetOrCreateSession returns the stored session for def.ID, or persists
	// and returns def when no live session exists. A stored session older
	// than the configured TTL is treated as absent.
	GetOrCreateSession(ctx context.Context, def models.Session) (models.Session, error)

	// SaveSession replaces the stored state for the session's ID with the
	// given value. The write is whole-record: no partial updates.
	SaveSession(ctx context.Context, s models.Session) error

	// DeleteSession removes the stored state for a session identifier.
	DeleteSession(ctx context.Context, sessionID string) error
}

// DataStore provides the farmer, loan and credit score accessors the menu
// flows read and write. Absence is communicated as (nil, nil) except for
// farmer lookup, which creates a zeroed profile on miss.
type DataStore interface {
	// GetOrCreateFarmer looks up a farmer by phone number, creating a
	// zero-valued profile on first contact.
	GetOrCreateFarmer(ctx context.Context, phoneNumber string) (models.Farmer, error)

	// UpdateFarmerProfile sets a single numeric profile field.
	UpdateFarmerProfile(ctx context.Context, farmerID string, field models.ProfileField, value float64) error

	// LatestCreditScore returns the most recent score for a farmer by
	// scored_at descending, or (nil, nil) when none exists.
	LatestCreditScore(ctx context.Context, farmerID string) (*models.CreditScore, error)

	// AddCreditScore records a new immutable score. Written by the external
	// scoring collaborator; exposed here for seeding and tests.
	AddCreditScore(ctx context.Context, score models.CreditScore) error

	// ActiveLoan returns the farmer's single pending or active loan, or
	// (nil, nil) when there is none.
	ActiveLoan(ctx context.Context, farmerID string) (*models.Loan, error)

	// CreateLoan inserts a new loan application.
	CreateLoan(ctx context.Context, loan models.Loan) error
}

// ActionDedup detects gateway retries of the exact same write action so a
// resent request replays the original terminal response instead of
// repeating the write.
type ActionDedup interface {
	// ClaimAction atomically records the action token. Returns false if the
	// token was already claimed (duplicate request).
	ClaimAction(ctx context.Context, token, sessionID string) (bool, error)

	// SaveActionResult stores the terminal response produced for a claimed
	// action so a retry can replay it.
	SaveActionResult(ctx context.Context, token, result string) error

	// ActionResult returns the stored response for a token, or "" when the
	// original request has not finished writing it yet.
	ActionResult(ctx context.Context, token string) (string, error)
}

// Store aggregates the full persistence surface backed by a single
// database. The Redis session store intentionally implements only
// SessionStore.
type Store interface {
	SessionStore
	DataStore
	ActionDedup
	Close() error
}
