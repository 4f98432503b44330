// Package store provides storage backends for ussdgate.
//
// This file implements a PostgreSQL-backed store for shared deployments.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/mkulima/ussdgate/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
}

// Compile-time check that PostgresStore implements the full Store surface.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "", "session_ttl", cfg.sessionTTL())

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db, ttl: cfg.sessionTTL()}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

// GetOrCreateSession returns the live session for def.ID, creating it from
// def on miss. A stored session idle past the TTL is replaced by def.
func (s *PostgresStore) GetOrCreateSession(ctx context.Context, def models.Session) (models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, phone_number, farmer_id, level, menu, data, created_at, updated_at
		 FROM ussd_sessions WHERE session_id = $1`, def.ID)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetOrCreateSession miss, creating", "sessionID", def.ID)
		if err := s.SaveSession(ctx, def); err != nil {
			return models.Session{}, err
		}
		return def, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetOrCreateSession failed", "error", err, "sessionID", def.ID)
		return models.Session{}, fmt.Errorf("get session %s: %w", def.ID, err)
	}
	if time.Since(sess.UpdatedAt) > s.ttl {
		slog.Debug("PostgresStore GetOrCreateSession expired, resetting", "sessionID", def.ID, "idle", time.Since(sess.UpdatedAt))
		if err := s.SaveSession(ctx, def); err != nil {
			return models.Session{}, err
		}
		return def, nil
	}
	return sess, nil
}

// SaveSession replaces the whole stored session record.
func (s *PostgresStore) SaveSession(ctx context.Context, sess models.Session) error {
	data, err := encodeSessionData(sess.Data)
	if err != nil {
		slog.Error("PostgresStore SaveSession encode failed", "error", err, "sessionID", sess.ID)
		return err
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ussd_sessions (session_id, phone_number, farmer_id, level, menu, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id) DO UPDATE SET
		   phone_number = EXCLUDED.phone_number,
		   farmer_id = EXCLUDED.farmer_id,
		   level = EXCLUDED.level,
		   menu = EXCLUDED.menu,
		   data = EXCLUDED.data,
		   updated_at = EXCLUDED.updated_at`,
		sess.ID, sess.PhoneNumber, nilIfEmpty(sess.FarmerID), sess.Level, string(sess.Menu),
		nilIfEmpty(data), sess.CreatedAt, now,
	)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "sessionID", sess.ID, "level", sess.Level, "menu", sess.Menu)
	return nil
}

// DeleteSession removes the stored state for a session identifier.
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ussd_sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// PurgeExpiredSessions deletes sessions idle since before the given cutoff.
func (s *PostgresStore) PurgeExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ussd_sessions WHERE updated_at < $1`, before)
	if err != nil {
		slog.Error("PostgresStore PurgeExpiredSessions failed", "error", err)
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetOrCreateFarmer looks up a farmer by phone number, creating a zeroed
// profile on first contact.
func (s *PostgresStore) GetOrCreateFarmer(ctx context.Context, phoneNumber string) (models.Farmer, error) {
	if phoneNumber == "" {
		return models.Farmer{}, models.ErrEmptyPhoneNumber
	}
	f, err := s.farmerByPhone(ctx, phoneNumber)
	if err == nil {
		return f, nil
	}
	if err != sql.ErrNoRows {
		slog.Error("PostgresStore GetOrCreateFarmer lookup failed", "error", err, "phone", phoneNumber)
		return models.Farmer{}, fmt.Errorf("get farmer by phone: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO farmers (id, phone_number, created_at, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (phone_number) DO NOTHING`,
		uuid.NewString(), phoneNumber, now, now,
	)
	if err != nil {
		slog.Error("PostgresStore GetOrCreateFarmer insert failed", "error", err, "phone", phoneNumber)
		return models.Farmer{}, fmt.Errorf("create farmer: %w", err)
	}
	slog.Info("PostgresStore created farmer on first contact", "phone", phoneNumber)
	f, err = s.farmerByPhone(ctx, phoneNumber)
	if err != nil {
		return models.Farmer{}, fmt.Errorf("reload farmer after create: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) farmerByPhone(ctx context.Context, phoneNumber string) (models.Farmer, error) {
	var f models.Farmer
	err := s.db.QueryRowContext(ctx,
		`SELECT id, phone_number, full_name, farm_size_acres, years_farming, region, created_at, updated_at
		 FROM farmers WHERE phone_number = $1`, phoneNumber).Scan(
		&f.ID, &f.PhoneNumber, &f.FullName, &f.FarmSizeAcres, &f.YearsFarming, &f.Region, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

// UpdateFarmerProfile sets a single numeric profile field.
func (s *PostgresStore) UpdateFarmerProfile(ctx context.Context, farmerID string, field models.ProfileField, value float64) error {
	col, err := profileColumn(field)
	if err != nil {
		return err
	}
	var arg interface{} = value
	if field == models.ProfileFieldYearsFarming {
		arg = int(value)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE farmers SET `+col+` = $1, updated_at = $2 WHERE id = $3`,
		arg, time.Now(), farmerID,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateFarmerProfile failed", "error", err, "farmerID", farmerID, "field", field)
		return fmt.Errorf("update farmer profile %s: %w", field, err)
	}
	slog.Debug("PostgresStore UpdateFarmerProfile succeeded", "farmerID", farmerID, "field", field)
	return nil
}

// LatestCreditScore returns the newest score for a farmer, or (nil, nil).
func (s *PostgresStore) LatestCreditScore(ctx context.Context, farmerID string) (*models.CreditScore, error) {
	var c models.CreditScore
	err := s.db.QueryRowContext(ctx,
		`SELECT id, farmer_id, score, scored_at FROM credit_scores
		 WHERE farmer_id = $1 ORDER BY scored_at DESC LIMIT 1`, farmerID).Scan(
		&c.ID, &c.FarmerID, &c.Score, &c.ScoredAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore LatestCreditScore none", "farmerID", farmerID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LatestCreditScore failed", "error", err, "farmerID", farmerID)
		return nil, fmt.Errorf("latest credit score: %w", err)
	}
	return &c, nil
}

// AddCreditScore records a new immutable score.
func (s *PostgresStore) AddCreditScore(ctx context.Context, score models.CreditScore) error {
	if score.ID == "" {
		score.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_scores (id, farmer_id, score, scored_at) VALUES ($1, $2, $3, $4)`,
		score.ID, score.FarmerID, score.Score, score.ScoredAt,
	)
	if err != nil {
		slog.Error("PostgresStore AddCreditScore failed", "error", err, "farmerID", score.FarmerID)
		return fmt.Errorf("add credit score: %w", err)
	}
	return nil
}

// ActiveLoan returns the farmer's pending or active loan, or (nil, nil).
func (s *PostgresStore) ActiveLoan(ctx context.Context, farmerID string) (*models.Loan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, farmer_id, credit_score_id, reference, product, amount, term_months, status, next_payment_at, created_at
		 FROM loans WHERE farmer_id = $1 AND status IN ($2, $3)
		 ORDER BY created_at DESC LIMIT 1`,
		farmerID, string(models.LoanStatusPending), string(models.LoanStatusActive))
	l, err := scanLoanRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore ActiveLoan none", "farmerID", farmerID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore ActiveLoan failed", "error", err, "farmerID", farmerID)
		return nil, fmt.Errorf("active loan: %w", err)
	}
	return &l, nil
}

// CreateLoan inserts a new loan application.
func (s *PostgresStore) CreateLoan(ctx context.Context, loan models.Loan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loans (id, farmer_id, credit_score_id, reference, product, amount, term_months, status, next_payment_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		loan.ID, loan.FarmerID, nilIfEmpty(loan.CreditScoreID), loan.Reference, loan.Product,
		loan.Amount, loan.TermMonths, string(loan.Status), loan.NextPaymentAt, loan.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateLoan failed", "error", err, "farmerID", loan.FarmerID, "reference", loan.Reference)
		return fmt.Errorf("create loan %s: %w", loan.Reference, err)
	}
	slog.Info("PostgresStore CreateLoan succeeded", "farmerID", loan.FarmerID, "reference", loan.Reference, "amount", loan.Amount)
	return nil
}

// ClaimAction atomically records an action token. Returns false on duplicate.
func (s *PostgresStore) ClaimAction(ctx context.Context, token, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO action_dedup (token, session_id, claimed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (token) DO NOTHING`,
		token, sessionID, time.Now(),
	)
	if err != nil {
		slog.Error("PostgresStore ClaimAction failed", "error", err, "token", token)
		return false, fmt.Errorf("claim action %s: %w", token, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim action %s: %w", token, err)
	}
	claimed := n > 0
	slog.Debug("PostgresStore ClaimAction", "token", token, "claimed", claimed)
	return claimed, nil
}

// SaveActionResult stores the terminal response for a claimed action.
func (s *PostgresStore) SaveActionResult(ctx context.Context, token, result string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE action_dedup SET result = $1 WHERE token = $2`, result, token)
	if err != nil {
		slog.Error("PostgresStore SaveActionResult failed", "error", err, "token", token)
		return fmt.Errorf("save action result %s: %w", token, err)
	}
	return nil
}

// ActionResult returns the stored response for a token, or "".
func (s *PostgresStore) ActionResult(ctx context.Context, token string) (string, error) {
	var result sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT result FROM action_dedup WHERE token = $1`, token).Scan(&result)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		slog.Error("PostgresStore ActionResult failed", "error", err, "token", token)
		return "", fmt.Errorf("action result %s: %w", token, err)
	}
	return result.String, nil
}
