// Package store provides storage backends for ussdgate.
//
// This file implements an SQLite-backed store, the default for standalone
// deployments.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mkulima/ussdgate/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
}

// Compile-time check that SQLiteStore implements the full Store surface.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "", "session_ttl", cfg.sessionTTL())

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, ttl: cfg.sessionTTL()}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// GetOrCreateSession returns the live session for def.ID, creating it from
// def on miss. A stored session idle past the TTL is replaced by def.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, def models.Session) (models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, phone_number, farmer_id, level, menu, data, created_at, updated_at
		 FROM ussd_sessions WHERE session_id = ?`, def.ID)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetOrCreateSession miss, creating", "sessionID", def.ID)
		if err := s.SaveSession(ctx, def); err != nil {
			return models.Session{}, err
		}
		return def, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetOrCreateSession failed", "error", err, "sessionID", def.ID)
		return models.Session{}, fmt.Errorf("get session %s: %w", def.ID, err)
	}
	if time.Since(sess.UpdatedAt) > s.ttl {
		slog.Debug("SQLiteStore GetOrCreateSession expired, resetting", "sessionID", def.ID, "idle", time.Since(sess.UpdatedAt))
		if err := s.SaveSession(ctx, def); err != nil {
			return models.Session{}, err
		}
		return def, nil
	}
	return sess, nil
}

// SaveSession replaces the whole stored session record.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess models.Session) error {
	data, err := encodeSessionData(sess.Data)
	if err != nil {
		slog.Error("SQLiteStore SaveSession encode failed", "error", err, "sessionID", sess.ID)
		return err
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO ussd_sessions
		 (session_id, phone_number, farmer_id, level, menu, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.PhoneNumber, nilIfEmpty(sess.FarmerID), sess.Level, string(sess.Menu),
		nilIfEmpty(data), sess.CreatedAt, now,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "sessionID", sess.ID, "level", sess.Level, "menu", sess.Menu)
	return nil
}

// DeleteSession removes the stored state for a session identifier.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ussd_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// PurgeExpiredSessions deletes sessions idle since before the given cutoff.
// Called by the session reaper.
func (s *SQLiteStore) PurgeExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ussd_sessions WHERE updated_at < ?`, before)
	if err != nil {
		slog.Error("SQLiteStore PurgeExpiredSessions failed", "error", err)
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetOrCreateFarmer looks up a farmer by phone number, creating a zeroed
// profile on first contact. Absence is not an error here.
func (s *SQLiteStore) GetOrCreateFarmer(ctx context.Context, phoneNumber string) (models.Farmer, error) {
	if phoneNumber == "" {
		return models.Farmer{}, models.ErrEmptyPhoneNumber
	}
	f, err := s.farmerByPhone(ctx, phoneNumber)
	if err == nil {
		return f, nil
	}
	if err != sql.ErrNoRows {
		slog.Error("SQLiteStore GetOrCreateFarmer lookup failed", "error", err, "phone", phoneNumber)
		return models.Farmer{}, fmt.Errorf("get farmer by phone: %w", err)
	}

	now := time.Now()
	// INSERT OR IGNORE then re-select, so two near-simultaneous first
	// contacts for the same number converge on one row.
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO farmers (id, phone_number, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), phoneNumber, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore GetOrCreateFarmer insert failed", "error", err, "phone", phoneNumber)
		return models.Farmer{}, fmt.Errorf("create farmer: %w", err)
	}
	slog.Info("SQLiteStore created farmer on first contact", "phone", phoneNumber)
	f, err = s.farmerByPhone(ctx, phoneNumber)
	if err != nil {
		return models.Farmer{}, fmt.Errorf("reload farmer after create: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) farmerByPhone(ctx context.Context, phoneNumber string) (models.Farmer, error) {
	var f models.Farmer
	err := s.db.QueryRowContext(ctx,
		`SELECT id, phone_number, full_name, farm_size_acres, years_farming, region, created_at, updated_at
		 FROM farmers WHERE phone_number = ?`, phoneNumber).Scan(
		&f.ID, &f.PhoneNumber, &f.FullName, &f.FarmSizeAcres, &f.YearsFarming, &f.Region, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

// UpdateFarmerProfile sets a single numeric profile field.
func (s *SQLiteStore) UpdateFarmerProfile(ctx context.Context, farmerID string, field models.ProfileField, value float64) error {
	col, err := profileColumn(field)
	if err != nil {
		return err
	}
	var arg interface{} = value
	if field == models.ProfileFieldYearsFarming {
		arg = int(value)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE farmers SET `+col+` = ?, updated_at = ? WHERE id = ?`,
		arg, time.Now(), farmerID,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateFarmerProfile failed", "error", err, "farmerID", farmerID, "field", field)
		return fmt.Errorf("update farmer profile %s: %w", field, err)
	}
	slog.Debug("SQLiteStore UpdateFarmerProfile succeeded", "farmerID", farmerID, "field", field)
	return nil
}

// LatestCreditScore returns the newest score for a farmer, or (nil, nil).
func (s *SQLiteStore) LatestCreditScore(ctx context.Context, farmerID string) (*models.CreditScore, error) {
	var c models.CreditScore
	err := s.db.QueryRowContext(ctx,
		`SELECT id, farmer_id, score, scored_at FROM credit_scores
		 WHERE farmer_id = ? ORDER BY scored_at DESC LIMIT 1`, farmerID).Scan(
		&c.ID, &c.FarmerID, &c.Score, &c.ScoredAt)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore LatestCreditScore none", "farmerID", farmerID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LatestCreditScore failed", "error", err, "farmerID", farmerID)
		return nil, fmt.Errorf("latest credit score: %w", err)
	}
	return &c, nil
}

// AddCreditScore records a new immutable score.
func (s *SQLiteStore) AddCreditScore(ctx context.Context, score models.CreditScore) error {
	if score.ID == "" {
		score.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_scores (id, farmer_id, score, scored_at) VALUES (?, ?, ?, ?)`,
		score.ID, score.FarmerID, score.Score, score.ScoredAt,
	)
	if err != nil {
		slog.Error("SQLiteStore AddCreditScore failed", "error", err, "farmerID", score.FarmerID)
		return fmt.Errorf("add credit score: %w", err)
	}
	return nil
}

// ActiveLoan returns the farmer's pending or active loan, or (nil, nil).
func (s *SQLiteStore) ActiveLoan(ctx context.Context, farmerID string) (*models.Loan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, farmer_id, credit_score_id, reference, product, amount, term_months, status, next_payment_at, created_at
		 FROM loans WHERE farmer_id = ? AND status IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		farmerID, string(models.LoanStatusPending), string(models.LoanStatusActive))
	l, err := scanLoanRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore ActiveLoan none", "farmerID", farmerID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore ActiveLoan failed", "error", err, "farmerID", farmerID)
		return nil, fmt.Errorf("active loan: %w", err)
	}
	return &l, nil
}

// CreateLoan inserts a new loan application.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan models.Loan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loans (id, farmer_id, credit_score_id, reference, product, amount, term_months, status, next_payment_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID, loan.FarmerID, nilIfEmpty(loan.CreditScoreID), loan.Reference, loan.Product,
		loan.Amount, loan.TermMonths, string(loan.Status), loan.NextPaymentAt, loan.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateLoan failed", "error", err, "farmerID", loan.FarmerID, "reference", loan.Reference)
		return fmt.Errorf("create loan %s: %w", loan.Reference, err)
	}
	slog.Info("SQLiteStore CreateLoan succeeded", "farmerID", loan.FarmerID, "reference", loan.Reference, "amount", loan.Amount)
	return nil
}

// ClaimAction atomically records an action token. Returns false on duplicate.
func (s *SQLiteStore) ClaimAction(ctx context.Context, token, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO action_dedup (token, session_id, claimed_at) VALUES (?, ?, ?)`,
		token, sessionID, time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore ClaimAction failed", "error", err, "token", token)
		return false, fmt.Errorf("claim action %s: %w", token, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim action %s: %w", token, err)
	}
	claimed := n > 0
	slog.Debug("SQLiteStore ClaimAction", "token", token, "claimed", claimed)
	return claimed, nil
}

// SaveActionResult stores the terminal response for a claimed action.
func (s *SQLiteStore) SaveActionResult(ctx context.Context, token, result string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE action_dedup SET result = ? WHERE token = ?`, result, token)
	if err != nil {
		slog.Error("SQLiteStore SaveActionResult failed", "error", err, "token", token)
		return fmt.Errorf("save action result %s: %w", token, err)
	}
	return nil
}

// ActionResult returns the stored response for a token, or "".
func (s *SQLiteStore) ActionResult(ctx context.Context, token string) (string, error) {
	var result sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT result FROM action_dedup WHERE token = ?`, token).Scan(&result)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		slog.Error("SQLiteStore ActionResult failed", "error", err, "token", token)
		return "", fmt.Errorf("action result %s: %w", token, err)
	}
	return result.String, nil
}
