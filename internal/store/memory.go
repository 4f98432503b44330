package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mkulima/ussdgate/internal/models"
)

// InMemoryStore is a map-backed Store for tests and local development.
// It honors the same TTL and dedup semantics as the SQL stores.
type InMemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]models.Session
	farmers  map[string]models.Farmer // keyed by phone number
	scores   map[string][]models.CreditScore
	loans    map[string][]models.Loan
	actions  map[string]string // token -> stored result
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &InMemoryStore{
		ttl:      cfg.sessionTTL(),
		sessions: make(map[string]models.Session),
		farmers:  make(map[string]models.Farmer),
		scores:   make(map[string][]models.CreditScore),
		loans:    make(map[string][]models.Loan),
		actions:  make(map[string]string),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) GetOrCreateSession(ctx context.Context, def models.Session) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[def.ID]
	if !ok || time.Since(sess.UpdatedAt) > s.ttl {
		def.UpdatedAt = time.Now()
		s.sessions[def.ID] = def
		return def, nil
	}
	return sess, nil
}

func (s *InMemoryStore) SaveSession(ctx context.Context, sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.UpdatedAt = time.Now()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// PurgeExpiredSessions deletes sessions idle since before the cutoff.
func (s *InMemoryStore) PurgeExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(before) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetOrCreateFarmer(ctx context.Context, phoneNumber string) (models.Farmer, error) {
	if phoneNumber == "" {
		return models.Farmer{}, models.ErrEmptyPhoneNumber
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.farmers[phoneNumber]; ok {
		return f, nil
	}
	now := time.Now()
	f := models.Farmer{
		ID:          uuid.NewString(),
		PhoneNumber: phoneNumber,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.farmers[phoneNumber] = f
	return f, nil
}

func (s *InMemoryStore) UpdateFarmerProfile(ctx context.Context, farmerID string, field models.ProfileField, value float64) error {
	if _, err := profileColumn(field); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for phone, f := range s.farmers {
		if f.ID != farmerID {
			continue
		}
		switch field {
		case models.ProfileFieldFarmSize:
			f.FarmSizeAcres = value
		case models.ProfileFieldYearsFarming:
			f.YearsFarming = int(value)
		}
		f.UpdatedAt = time.Now()
		s.farmers[phone] = f
		return nil
	}
	return nil
}

func (s *InMemoryStore) LatestCreditScore(ctx context.Context, farmerID string) (*models.CreditScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scores := s.scores[farmerID]
	if len(scores) == 0 {
		return nil, nil
	}
	sorted := make([]models.CreditScore, len(scores))
	copy(sorted, scores)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ScoredAt.After(sorted[j].ScoredAt) })
	latest := sorted[0]
	return &latest, nil
}

func (s *InMemoryStore) AddCreditScore(ctx context.Context, score models.CreditScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if score.ID == "" {
		score.ID = uuid.NewString()
	}
	s.scores[score.FarmerID] = append(s.scores[score.FarmerID], score)
	return nil
}

func (s *InMemoryStore) ActiveLoan(ctx context.Context, farmerID string) (*models.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Loan
	for i := range s.loans[farmerID] {
		l := s.loans[farmerID][i]
		if l.Status != models.LoanStatusPending && l.Status != models.LoanStatusActive {
			continue
		}
		if latest == nil || l.CreatedAt.After(latest.CreatedAt) {
			latest = &l
		}
	}
	return latest, nil
}

func (s *InMemoryStore) CreateLoan(ctx context.Context, loan models.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loans[loan.FarmerID] = append(s.loans[loan.FarmerID], loan)
	return nil
}

// Loans returns all loans for a farmer (test inspection helper).
func (s *InMemoryStore) Loans(farmerID string) []models.Loan {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Loan, len(s.loans[farmerID]))
	copy(out, s.loans[farmerID])
	return out
}

func (s *InMemoryStore) ClaimAction(ctx context.Context, token, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[token]; ok {
		return false, nil
	}
	s.actions[token] = ""
	return true, nil
}

func (s *InMemoryStore) SaveActionResult(ctx context.Context, token, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[token] = result
	return nil
}

func (s *InMemoryStore) ActionResult(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actions[token], nil
}
