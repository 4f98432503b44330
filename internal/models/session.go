// Package models defines session state structures for USSD conversations.
package models

import "time"

// MenuState identifies which sub-menu a session is inside. It is a closed
// enumeration: transition code switches over these values exhaustively so an
// unhandled menu is caught in review rather than falling through silently.
type MenuState string

const (
	// MenuMain is the top-level menu. It is the only valid menu at level 1.
	MenuMain MenuState = "main"
	// MenuCredit is the credit score lookup sub-menu.
	MenuCredit MenuState = "credit"
	// MenuLoan is the loan application sub-menu.
	MenuLoan MenuState = "loan"
	// MenuPayment is the payment sub-menu.
	MenuPayment MenuState = "payment"
	// MenuStatus is the loan status sub-menu.
	MenuStatus MenuState = "status"
	// MenuProfile is the farm profile update sub-menu.
	MenuProfile MenuState = "profile"
)

// IsValidMenuState checks if the given menu state is one of the known
// sub-menus. Used when rehydrating sessions from storage.
func IsValidMenuState(m MenuState) bool {
	switch m {
	case MenuMain, MenuCredit, MenuLoan, MenuPayment, MenuStatus, MenuProfile:
		return true
	default:
		return false
	}
}

// ProfileField identifies which farmer profile field a profile-update
// session is collecting a value for.
type ProfileField string

const (
	ProfileFieldFarmSize     ProfileField = "farm_size_acres"
	ProfileFieldYearsFarming ProfileField = "years_farming"
)

// DataKeyUpdating is the session data key holding the ProfileField being
// collected during a profile update. Present only between the field
// selection hop and the value entry hop.
const DataKeyUpdating = "updating"

// Session is the conversational state reconstructed on every USSD hop from
// the gateway-assigned session identifier. The menu field is only
// meaningful at level 2; at level 1 the main menu is canonical and stale
// menu/data values must be disregarded.
type Session struct {
	ID          string            `json:"id"`
	PhoneNumber string            `json:"phone_number"`
	FarmerID    string            `json:"farmer_id,omitempty"`
	Level       int               `json:"level"`
	Menu        MenuState         `json:"menu"`
	Data        map[string]string `json:"data,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewSession returns the default state for a session identifier never seen
// before: main menu, level 1, no transient data.
func NewSession(sessionID, phoneNumber string) Session {
	now := time.Now()
	return Session{
		ID:          sessionID,
		PhoneNumber: phoneNumber,
		Level:       1,
		Menu:        MenuMain,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// AtMainMenu replaces the session back at the main menu, clearing any
// sub-menu context and transient data left over from a prior flow.
func (s Session) AtMainMenu() Session {
	s.Level = 1
	s.Menu = MenuMain
	s.Data = nil
	return s
}

// AtSubMenu places the session inside the given level-2 sub-menu with fresh
// transient data.
func (s Session) AtSubMenu(menu MenuState) Session {
	s.Level = 2
	s.Menu = menu
	s.Data = nil
	return s
}

// WithData returns a copy with the given transient data key set. The
// original map is not mutated; sessions move through the transition
// functions by value.
func (s Session) WithData(key, value string) Session {
	data := make(map[string]string, len(s.Data)+1)
	for k, v := range s.Data {
		data[k] = v
	}
	data[key] = value
	s.Data = data
	return s
}
