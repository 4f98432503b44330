package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mkulima/ussdgate/internal/metrics"
	"github.com/mkulima/ussdgate/internal/models"
)

// Menu copy. USSD payloads are size-constrained (roughly 160 characters per
// screen on most gateways), so these stay terse.
func mainMenu() string {
	return con("Welcome to Mkulima Credit\n" +
		"1. Credit score\n" +
		"2. Apply for loan\n" +
		"3. Make a payment\n" +
		"4. Loan status\n" +
		"5. Update farm profile\n" +
		"6. Support")
}

func loanMenu() string {
	var b strings.Builder
	b.WriteString("Select loan product:")
	for i, p := range models.LoanProducts {
		fmt.Fprintf(&b, "\n%d. %s (max KES %.0f)", i+1, p.Name, p.MaxAmount)
	}
	return con("%s", b.String())
}

func profileMenu() string {
	return con("Update farm profile\n1. Farm size (acres)\n2. Years farming")
}

// handleMain interprets input at the main menu. Any unrecognized input
// redisplays the main menu with the session held at level 1; invalid input
// is a self-loop, never an error.
func (e *Engine) handleMain(ctx context.Context, sess models.Session, input string) (models.Session, string, error) {
	switch input {
	case "":
		return sess.AtMainMenu(), mainMenu(), nil
	case "1":
		return e.creditScoreLookup(ctx, sess)
	case "2":
		return sess.AtSubMenu(models.MenuLoan), loanMenu(), nil
	case "3":
		return e.enterPaymentMenu(ctx, sess)
	case "4":
		return e.loanStatusLookup(ctx, sess)
	case "5":
		return sess.AtSubMenu(models.MenuProfile), profileMenu(), nil
	case "6":
		return sess.AtMainMenu(), end("For help call 0800 222 111 (toll free) or visit your nearest Mkulima agent."), nil
	default:
		return sess.AtMainMenu(), mainMenu(), nil
	}
}

// creditScoreLookup terminates with the farmer's latest score and risk
// label, or a guidance message when no score exists yet.
func (e *Engine) creditScoreLookup(ctx context.Context, sess models.Session) (models.Session, string, error) {
	sess = sess.AtSubMenu(models.MenuCredit)
	score, err := e.data.LatestCreditScore(ctx, sess.FarmerID)
	if err != nil {
		return sess, "", fmt.Errorf("credit score lookup: %w", err)
	}
	if score == nil {
		return sess, end("Your credit score is not available yet. Keep transacting and dial again after your next harvest cycle."), nil
	}
	return sess, end("Your credit score is %.0f\nRisk level: %s", score.Score, models.RiskLabel(score.Score)), nil
}

// enterPaymentMenu presents the payment sub-menu when the farmer has an
// active loan, or terminates when there is nothing to pay.
func (e *Engine) enterPaymentMenu(ctx context.Context, sess models.Session) (models.Session, string, error) {
	sess = sess.AtSubMenu(models.MenuPayment)
	loan, err := e.data.ActiveLoan(ctx, sess.FarmerID)
	if err != nil {
		return sess, "", fmt.Errorf("payment menu loan lookup: %w", err)
	}
	if loan == nil {
		return sess.AtMainMenu(), end("You have no active loan."), nil
	}
	return sess, con("Loan %s\nBalance: KES %.2f\n1. Pay via M-Pesa\n2. Main menu", loan.Reference, loan.Amount), nil
}

// handlePaymentMenu handles the second payment hop. Settlement itself
// happens off-channel via M-Pesa; this only hands out the paybill details.
func (e *Engine) handlePaymentMenu(ctx context.Context, sess models.Session, input string) (models.Session, string, error) {
	switch input {
	case "1":
		loan, err := e.data.ActiveLoan(ctx, sess.FarmerID)
		if err != nil {
			return sess, "", fmt.Errorf("payment instructions loan lookup: %w", err)
		}
		if loan == nil {
			return sess.AtMainMenu(), end("You have no active loan."), nil
		}
		return sess.AtMainMenu(), end("Pay via M-Pesa Paybill 522533, account %s. Your payment reflects within 24 hours.", loan.Reference), nil
	default:
		return sess.AtMainMenu(), mainMenu(), nil
	}
}

// loanStatusLookup terminates with the active loan's amount, status and
// next payment fields.
func (e *Engine) loanStatusLookup(ctx context.Context, sess models.Session) (models.Session, string, error) {
	sess = sess.AtSubMenu(models.MenuStatus)
	loan, err := e.data.ActiveLoan(ctx, sess.FarmerID)
	if err != nil {
		return sess, "", fmt.Errorf("loan status lookup: %w", err)
	}
	if loan == nil {
		return sess.AtMainMenu(), end("You have no active loan."), nil
	}
	monthly := models.MonthlyPayment(loan.Amount, loan.TermMonths)
	return sess, end("Loan %s\nAmount: KES %.2f\nStatus: %s\nNext payment: KES %.2f due %s",
		loan.Reference, loan.Amount, loan.Status, monthly, loan.NextPaymentAt.Format("02 Jan 2006")), nil
}

// handleLoanSelection creates a loan application from a catalog selection.
// The write is keyed by an idempotency token derived from the session and
// level, so a gateway retry of the same hop replays the original terminal
// response instead of creating a second loan.
func (e *Engine) handleLoanSelection(ctx context.Context, sess models.Session, input string) (models.Session, string, error) {
	product, err := models.ProductByChoice(input)
	if err != nil {
		// Unrecognized selection redisplays the main menu.
		return sess.AtMainMenu(), mainMenu(), nil
	}

	token := fmt.Sprintf("%s:%d:loan", sess.ID, sess.Level)
	claimed, err := e.dedup.ClaimAction(ctx, token, sess.ID)
	if err != nil {
		return sess, "", fmt.Errorf("claim loan action: %w", err)
	}
	if !claimed {
		metrics.DuplicateActions.Inc()
		slog.Info("Engine duplicate loan submission suppressed", "sessionID", sess.ID, "token", token)
		stored, err := e.dedup.ActionResult(ctx, token)
		if err != nil {
			return sess, "", fmt.Errorf("load duplicate loan result: %w", err)
		}
		if stored != "" {
			return sess, stored, nil
		}
		// Original request claimed the token but has not stored its
		// response yet.
		return sess, end("Your loan application is being processed. You will receive an SMS confirmation."), nil
	}

	score, err := e.data.LatestCreditScore(ctx, sess.FarmerID)
	if err != nil {
		return sess, "", fmt.Errorf("loan credit score lookup: %w", err)
	}
	creditScoreID := ""
	if score != nil {
		creditScoreID = score.ID
	}

	now := time.Now()
	amount := models.Round2(product.MaxAmount * models.LoanAmountFraction)
	loan := models.Loan{
		ID:            uuid.NewString(),
		FarmerID:      sess.FarmerID,
		CreditScoreID: creditScoreID,
		Reference:     newLoanReference(),
		Product:       product.Name,
		Amount:        amount,
		TermMonths:    models.LoanTermMonths,
		Status:        models.LoanStatusPending,
		NextPaymentAt: now.AddDate(0, 1, 0),
		CreatedAt:     now,
	}
	if err := e.data.CreateLoan(ctx, loan); err != nil {
		return sess, "", fmt.Errorf("create loan: %w", err)
	}
	metrics.LoansCreated.Inc()

	monthly := models.MonthlyPayment(loan.Amount, loan.TermMonths)
	resp := end("Your %s application of KES %.2f has been received.\nMonthly payment: KES %.2f over %d months.\nRef: %s",
		loan.Product, loan.Amount, monthly, loan.TermMonths, loan.Reference)

	if err := e.dedup.SaveActionResult(ctx, token, resp); err != nil {
		// The loan exists; a retry will get the generic in-flight message
		// instead of a replay. Log and carry on.
		slog.Error("Engine failed to store loan action result", "error", err, "token", token)
	}

	e.notifier.Dispatch([]string{sess.PhoneNumber},
		fmt.Sprintf("Mkulima Credit: your %s application %s for KES %.2f has been received and is pending review.",
			loan.Product, loan.Reference, loan.Amount))

	// The session stays at the loan menu after this terminal response. No
	// further input arrives for a terminated session except a gateway
	// retry of this exact hop, which the dedup token above replays.
	return sess, resp, nil
}

// handleProfile covers both profile hops: field selection, then value
// entry. The field being collected rides in the session's transient data.
func (e *Engine) handleProfile(ctx context.Context, sess models.Session, farmer models.Farmer, input string) (models.Session, string, error) {
	updating := models.ProfileField(sess.Data[models.DataKeyUpdating])
	if updating == "" {
		switch input {
		case "1":
			return sess.WithData(models.DataKeyUpdating, string(models.ProfileFieldFarmSize)),
				con("Enter your farm size in acres:"), nil
		case "2":
			return sess.WithData(models.DataKeyUpdating, string(models.ProfileFieldYearsFarming)),
				con("Enter the number of years you have been farming:"), nil
		default:
			return sess.AtMainMenu(), mainMenu(), nil
		}
	}

	value, ok := parseProfileValue(updating, input)
	if !ok {
		// Re-prompt on parse failure, keeping the sub-state. The farmer
		// stays one valid entry away from finishing.
		return sess, reprompt(updating), nil
	}

	if err := e.data.UpdateFarmerProfile(ctx, farmer.ID, updating, value); err != nil {
		return sess, "", fmt.Errorf("update profile %s: %w", updating, err)
	}
	return sess.AtMainMenu(), profileConfirmation(updating, value), nil
}

// parseProfileValue parses the raw entry as the target field's type: float
// for farm size, non-negative integer for years.
func parseProfileValue(field models.ProfileField, input string) (float64, bool) {
	switch field {
	case models.ProfileFieldFarmSize:
		v, err := strconv.ParseFloat(input, 64)
		if err != nil || v < 0 {
			return 0, false
		}
		return v, true
	case models.ProfileFieldYearsFarming:
		v, err := strconv.Atoi(input)
		if err != nil || v < 0 {
			return 0, false
		}
		return float64(v), true
	default:
		return 0, false
	}
}

func reprompt(field models.ProfileField) string {
	switch field {
	case models.ProfileFieldYearsFarming:
		return con("Invalid number. Enter the number of years you have been farming:")
	default:
		return con("Invalid number. Enter your farm size in acres:")
	}
}

func profileConfirmation(field models.ProfileField, value float64) string {
	switch field {
	case models.ProfileFieldYearsFarming:
		return end("Farm profile updated. Years farming set to %d.", int(value))
	default:
		return end("Farm profile updated. Farm size set to %.2f acres.", value)
	}
}

// newLoanReference generates a short human-readable reference number the
// farmer can quote to an agent or use as an M-Pesa account number.
func newLoanReference() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "LN-" + strings.ToUpper(raw[:8])
}
