package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mkulima/ussdgate/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeSessionData serializes transient session data for a TEXT column.
// An empty map encodes as the empty string.
func encodeSessionData(data map[string]string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode session data: %w", err)
	}
	return string(raw), nil
}

// decodeSessionData deserializes transient session data. A corrupt value is
// logged and dropped rather than failing the whole session read.
func decodeSessionData(raw, sessionID string) map[string]string {
	if raw == "" {
		return nil
	}
	data := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		slog.Error("decode session data failed, dropping", "error", err, "sessionID", sessionID)
		return nil
	}
	return data
}

// scanSessionRow scans a session from a single sql.Row.
func scanSessionRow(row *sql.Row) (models.Session, error) {
	var s models.Session
	var farmerID, data sql.NullString
	err := row.Scan(&s.ID, &s.PhoneNumber, &farmerID, &s.Level, &s.Menu, &data, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	s.FarmerID = farmerID.String
	s.Data = decodeSessionData(data.String, s.ID)
	return s, nil
}

// scanLoanRow scans a loan from a single sql.Row.
func scanLoanRow(row *sql.Row) (models.Loan, error) {
	var l models.Loan
	var creditScoreID sql.NullString
	err := row.Scan(
		&l.ID, &l.FarmerID, &creditScoreID, &l.Reference, &l.Product,
		&l.Amount, &l.TermMonths, &l.Status, &l.NextPaymentAt, &l.CreatedAt,
	)
	if err != nil {
		return l, err
	}
	l.CreditScoreID = creditScoreID.String
	return l, nil
}

// profileColumn maps a profile field to its farmers column. The switch is
// the whitelist keeping field names out of dynamic SQL.
func profileColumn(field models.ProfileField) (string, error) {
	switch field {
	case models.ProfileFieldFarmSize:
		return "farm_size_acres", nil
	case models.ProfileFieldYearsFarming:
		return "years_farming", nil
	default:
		return "", fmt.Errorf("unknown profile field %q", field)
	}
}
