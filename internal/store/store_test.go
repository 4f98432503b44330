package store

import (
	"context"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/mkulima/ussdgate/internal/models"
)

func TestInMemorySessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	def := models.NewSession("sess-1", "+254700000001")
	got, err := s.GetOrCreateSession(ctx, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Level != 1 || got.Menu != models.MenuMain {
		t.Errorf("fresh session = level %d menu %s, want level 1 main", got.Level, got.Menu)
	}

	got = got.AtSubMenu(models.MenuLoan)
	if err := s.SaveSession(ctx, got); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	reloaded, err := s.GetOrCreateSession(ctx, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reloaded.Level != 2 || reloaded.Menu != models.MenuLoan {
		t.Errorf("reloaded session = level %d menu %s, want level 2 loan", reloaded.Level, reloaded.Menu)
	}

	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	fresh, err := s.GetOrCreateSession(ctx, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fresh.Level != 1 {
		t.Errorf("session after delete = level %d, want fresh level 1", fresh.Level)
	}
}

func TestInMemorySessionTTL(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(WithSessionTTL(10 * time.Millisecond))

	def := models.NewSession("sess-ttl", "+254700000002")
	sess, err := s.GetOrCreateSession(ctx, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sess = sess.AtSubMenu(models.MenuProfile)
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	got, err := s.GetOrCreateSession(ctx, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Level != 1 || got.Menu != models.MenuMain {
		t.Errorf("expired session was not reset: level %d menu %s", got.Level, got.Menu)
	}
}

func TestInMemoryFarmerGetOrCreate(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	f, err := s.GetOrCreateFarmer(ctx, "+254711000001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.ID == "" {
		t.Fatal("created farmer has empty ID")
	}
	if f.FarmSizeAcres != 0 || f.YearsFarming != 0 {
		t.Errorf("new farmer profile not zeroed: %+v", f)
	}

	again, err := s.GetOrCreateFarmer(ctx, "+254711000001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.ID != f.ID {
		t.Errorf("second lookup created a new farmer: %s != %s", again.ID, f.ID)
	}

	if _, err := s.GetOrCreateFarmer(ctx, ""); err != models.ErrEmptyPhoneNumber {
		t.Errorf("expected ErrEmptyPhoneNumber, got %v", err)
	}
}

func TestInMemoryLatestCreditScore(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	f, _ := s.GetOrCreateFarmer(ctx, "+254711000002")

	got, err := s.LatestCreditScore(ctx, f.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil score for new farmer, got %+v", got)
	}

	older := time.Now().Add(-time.Hour)
	s.AddCreditScore(ctx, models.CreditScore{FarmerID: f.ID, Score: 450, ScoredAt: older})
	s.AddCreditScore(ctx, models.CreditScore{FarmerID: f.ID, Score: 720, ScoredAt: time.Now()})

	got, err = s.LatestCreditScore(ctx, f.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Score != 720 {
		t.Errorf("latest score = %+v, want 720", got)
	}
}

func TestInMemoryActiveLoan(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	f, _ := s.GetOrCreateFarmer(ctx, "+254711000003")

	got, err := s.ActiveLoan(ctx, f.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected no active loan, got %+v", got)
	}

	s.CreateLoan(ctx, models.Loan{ID: "l1", FarmerID: f.ID, Reference: "LN-1", Status: models.LoanStatusRepaid, CreatedAt: time.Now().Add(-time.Hour)})
	s.CreateLoan(ctx, models.Loan{ID: "l2", FarmerID: f.ID, Reference: "LN-2", Status: models.LoanStatusPending, CreatedAt: time.Now()})

	got, err = s.ActiveLoan(ctx, f.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Reference != "LN-2" {
		t.Errorf("active loan = %+v, want LN-2", got)
	}
}

func TestInMemoryActionDedup(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	claimed, err := s.ClaimAction(ctx, "sess-1:2:loan", "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Fatal("first claim should succeed")
	}
	claimed, err = s.ClaimAction(ctx, "sess-1:2:loan", "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed {
		t.Fatal("second claim should report duplicate")
	}

	if err := s.SaveActionResult(ctx, "sess-1:2:loan", "END done"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := s.ActionResult(ctx, "sess-1:2:loan")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "END done" {
		t.Errorf("stored result = %q, want END done", result)
	}
}

func TestInMemoryPurgeExpiredSessions(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	s.SaveSession(ctx, models.NewSession("old", "+254700000009"))

	n, err := s.PurgeExpiredSessions(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d sessions, want 1", n)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "ussdgate_test.db")
	s, err := NewSQLiteStore(WithDSN(dsn))
	if err != nil {
		t.Fatalf("failed to open SQLite store: %v", err)
	}
	defer s.Close()

	f, err := s.GetOrCreateFarmer(ctx, "+254722000001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.UpdateFarmerProfile(ctx, f.ID, models.ProfileFieldFarmSize, 2.5); err != nil {
		t.Fatalf("update profile failed: %v", err)
	}
	f, err = s.GetOrCreateFarmer(ctx, "+254722000001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.FarmSizeAcres != 2.5 {
		t.Errorf("farm size = %v, want 2.5", f.FarmSizeAcres)
	}

	sess := models.NewSession("sq-sess", "+254722000001").
		AtSubMenu(models.MenuProfile).
		WithData(models.DataKeyUpdating, string(models.ProfileFieldFarmSize))
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save session failed: %v", err)
	}
	got, err := s.GetOrCreateSession(ctx, models.NewSession("sq-sess", "+254722000001"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Menu != models.MenuProfile || got.Data[models.DataKeyUpdating] != string(models.ProfileFieldFarmSize) {
		t.Errorf("session round trip lost state: %+v", got)
	}

	claimed, err := s.ClaimAction(ctx, "sq-sess:2:loan", "sq-sess")
	if err != nil || !claimed {
		t.Fatalf("first claim = (%v, %v), want (true, nil)", claimed, err)
	}
	claimed, err = s.ClaimAction(ctx, "sq-sess:2:loan", "sq-sess")
	if err != nil || claimed {
		t.Fatalf("second claim = (%v, %v), want (false, nil)", claimed, err)
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	// This test requires a running PostgreSQL instance.
	// Set the DATABASE_URL environment variable for connection string.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	s, err := NewPostgresStore(WithDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	f, err := s.GetOrCreateFarmer(ctx, "+254722999999")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	score, err := s.LatestCreditScore(ctx, f.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = score // new farmer may legitimately have no score
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
