// Package models defines the core data structures for ussdgate.
//
// It includes farmer, loan and credit score records shared across modules,
// plus the pure domain calculations the menu flows render from.
package models

import (
	"errors"
	"math"
	"time"
)

// LoanStatus tracks a loan through its lifecycle. The USSD flows only ever
// create loans in LoanStatusPending; later transitions are driven by the
// payment collaborator, not by this service.
type LoanStatus string

const (
	LoanStatusPending   LoanStatus = "pending"
	LoanStatusActive    LoanStatus = "active"
	LoanStatusRepaid    LoanStatus = "repaid"
	LoanStatusDefaulted LoanStatus = "defaulted"
)

// Loan terms applied to every USSD-originated application.
const (
	// LoanAnnualRate is the flat annual interest rate applied to all products.
	LoanAnnualRate = 0.15
	// LoanTermMonths is the fixed repayment term for USSD applications.
	LoanTermMonths = 12
	// LoanAmountFraction is the fraction of a product's maximum that a USSD
	// application is granted.
	LoanAmountFraction = 0.5
)

// Credit score band boundaries. Each band is inclusive on its lower bound.
const (
	LowRiskMinScore    = 700
	MediumRiskMinScore = 500
)

// Error variables for better error handling and testability
var (
	ErrEmptyPhoneNumber = errors.New("phone number cannot be empty")
	ErrEmptySessionID   = errors.New("session ID cannot be empty")
	ErrUnknownProduct   = errors.New("unknown loan product selection")
)

// Farmer is the profile record keyed by phone number. Farmers are created
// lazily with zeroed profile fields on first contact.
type Farmer struct {
	ID            string    `json:"id"`
	PhoneNumber   string    `json:"phone_number"`
	FullName      string    `json:"full_name,omitempty"`
	FarmSizeAcres float64   `json:"farm_size_acres"`
	YearsFarming  int       `json:"years_farming"`
	Region        string    `json:"region,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CreditScore is an immutable, timestamped score computed by an external
// scoring service. Flows only read the most recent record per farmer.
type CreditScore struct {
	ID       string    `json:"id"`
	FarmerID string    `json:"farmer_id"`
	Score    float64   `json:"score"`
	ScoredAt time.Time `json:"scored_at"`
}

// Loan represents a loan application or disbursed loan.
type Loan struct {
	ID            string     `json:"id"`
	FarmerID      string     `json:"farmer_id"`
	CreditScoreID string     `json:"credit_score_id,omitempty"`
	Reference     string     `json:"reference"`
	Product       string     `json:"product"`
	Amount        float64    `json:"amount"`
	TermMonths    int        `json:"term_months"`
	Status        LoanStatus `json:"status"`
	NextPaymentAt time.Time  `json:"next_payment_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// LoanProduct is one entry in the fixed product catalog presented on the
// loan menu.
type LoanProduct struct {
	Name      string  `json:"name"`
	MaxAmount float64 `json:"max_amount"`
}

// LoanProducts is the catalog presented as options "1".."3" on the loan
// menu, in display order.
var LoanProducts = []LoanProduct{
	{Name: "Inputs Advance", MaxAmount: 50000},
	{Name: "Equipment Loan", MaxAmount: 200000},
	{Name: "Harvest Advance", MaxAmount: 500000},
}

// ProductByChoice maps a single-digit menu selection ("1".."3") to a
// catalog entry.
func ProductByChoice(choice string) (LoanProduct, error) {
	switch choice {
	case "1":
		return LoanProducts[0], nil
	case "2":
		return LoanProducts[1], nil
	case "3":
		return LoanProducts[2], nil
	default:
		return LoanProduct{}, ErrUnknownProduct
	}
}

// RiskLabel maps a credit score to the label shown to the farmer.
// Bands are inclusive on their lower bound: 700 is Low Risk, 500 is Medium.
func RiskLabel(score float64) string {
	switch {
	case score >= LowRiskMinScore:
		return "Low Risk"
	case score >= MediumRiskMinScore:
		return "Medium Risk"
	default:
		return "High Risk"
	}
}

// MonthlyPayment computes the monthly installment for a loan:
// amount * (1 + annual rate) / term. This is a deliberate non-amortizing
// simplification carried over from the source domain; do not replace it
// with an amortization schedule without flagging the change.
func MonthlyPayment(amount float64, termMonths int) float64 {
	if termMonths <= 0 {
		return 0
	}
	return amount * (1 + LoanAnnualRate) / float64(termMonths)
}

// Round2 rounds to two decimal places for currency display.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
