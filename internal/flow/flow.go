// Package flow implements the USSD menu state machine.
//
// The telecom gateway is stateless and strictly request/reply: every
// keystroke arrives as a fresh HTTP request carrying only the gateway's
// session identifier, the phone number and the cumulative input text. The
// engine reconstructs conversational state from the session store, runs one
// transition, persists the new state and returns the response text.
//
// Every response begins with "CON " (session continues, the gateway prompts
// for more input) or "END " (session terminated). This holds on every path,
// including errors: an internal fault is converted to a single generic
// terminal message and never leaks detail into the USSD channel.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mkulima/ussdgate/internal/models"
	"github.com/mkulima/ussdgate/internal/sms"
	"github.com/mkulima/ussdgate/internal/store"
)

// Wire-level response markers. The gateway reads nothing but this prefix to
// decide whether to keep the session open.
const (
	ConPrefix = "CON "
	EndPrefix = "END "
)

// RespGenericError is the only text an internal fault may surface.
const RespGenericError = EndPrefix + "An error occurred. Please try again."

func con(format string, args ...interface{}) string {
	return ConPrefix + fmt.Sprintf(format, args...)
}

func end(format string, args ...interface{}) string {
	return EndPrefix + fmt.Sprintf(format, args...)
}

// Engine drives the menu state machine against the session store and data
// gateway. Safe for concurrent use; hops for the same session identifier
// are serialized so a gateway retry cannot race the original request's
// read-modify-write.
type Engine struct {
	sessions store.SessionStore
	data     store.DataStore
	dedup    store.ActionDedup
	notifier *sms.Dispatcher
	locks    keyedMutex
}

// NewEngine creates a menu engine.
func NewEngine(sessions store.SessionStore, data store.DataStore, dedup store.ActionDedup, notifier *sms.Dispatcher) *Engine {
	slog.Debug("Creating flow engine")
	return &Engine{
		sessions: sessions,
		data:     data,
		dedup:    dedup,
		notifier: notifier,
	}
}

// HandleInput processes one USSD hop and returns the response text,
// always prefixed with CON or END.
func (e *Engine) HandleInput(ctx context.Context, sessionID, phoneNumber, text string) string {
	if sessionID == "" || phoneNumber == "" {
		slog.Warn("Engine HandleInput missing identifiers", "sessionID_set", sessionID != "", "phone_set", phoneNumber != "")
		return EndPrefix + "Invalid request."
	}

	unlock := e.locks.lock(sessionID)
	defer unlock()

	sess, err := e.sessions.GetOrCreateSession(ctx, models.NewSession(sessionID, phoneNumber))
	if err != nil {
		slog.Error("Engine session load failed", "error", err, "sessionID", sessionID)
		return RespGenericError
	}

	input := lastToken(text)
	slog.Debug("Engine handling hop", "sessionID", sessionID, "level", sess.Level, "menu", sess.Menu, "input", input)

	next, resp, err := e.transition(ctx, sess, input)
	if err != nil {
		slog.Error("Engine transition failed", "error", err, "sessionID", sessionID, "level", sess.Level, "menu", sess.Menu)
		return RespGenericError
	}

	// The new state is persisted whole or not at all; on failure the old
	// state remains and the response must not promise the new one.
	if err := e.sessions.SaveSession(ctx, next); err != nil {
		slog.Error("Engine session save failed", "error", err, "sessionID", sessionID)
		return RespGenericError
	}

	slog.Debug("Engine hop complete", "sessionID", sessionID, "level", next.Level, "menu", next.Menu, "terminal", strings.HasPrefix(resp, EndPrefix))
	return resp
}

// transition computes the next session state and response for one input.
// It takes the session by value and returns a new one; the caller persists
// it only after the transition has fully succeeded.
func (e *Engine) transition(ctx context.Context, sess models.Session, input string) (models.Session, string, error) {
	// Farmer lookup is get-or-create: first contact provisions a zeroed
	// profile rather than failing.
	farmer, err := e.data.GetOrCreateFarmer(ctx, sess.PhoneNumber)
	if err != nil {
		return sess, "", fmt.Errorf("resolve farmer: %w", err)
	}
	sess.FarmerID = farmer.ID

	if sess.Level <= 1 {
		// At level 1 the main menu is canonical; stale menu/data from a
		// prior sub-flow are disregarded.
		return e.handleMain(ctx, sess, input)
	}

	switch sess.Menu {
	case models.MenuLoan:
		return e.handleLoanSelection(ctx, sess, input)
	case models.MenuPayment:
		return e.handlePaymentMenu(ctx, sess, input)
	case models.MenuProfile:
		return e.handleProfile(ctx, sess, farmer, input)
	case models.MenuCredit, models.MenuStatus, models.MenuMain:
		// Terminal sub-menus never await input; anything arriving here is a
		// stray hop. Self-loop to the main menu.
		return sess.AtMainMenu(), mainMenu(), nil
	}
	// Unknown menu tag rehydrated from storage; treat like any other
	// unrecognized state.
	slog.Warn("Engine unknown menu state, resetting", "sessionID", sess.ID, "menu", sess.Menu)
	return sess.AtMainMenu(), mainMenu(), nil
}

// lastToken normalizes gateway input. Gateways deliver the cumulative input
// joined with "*" across hops; downstream menus expect the single token
// chosen on this hop.
func lastToken(text string) string {
	if text == "" {
		return ""
	}
	parts := strings.Split(text, "*")
	return strings.TrimSpace(parts[len(parts)-1])
}
