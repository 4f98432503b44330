package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mkulima/ussdgate/internal/models"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisSessionStore(WithRedisAddr(mr.Addr()), WithSessionTTL(ttl))
	if err != nil {
		t.Fatalf("failed to create Redis session store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t, time.Minute)

	def := models.NewSession("r-sess", "+254733000001")
	got, err := s.GetOrCreateSession(ctx, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Level != 1 || got.Menu != models.MenuMain {
		t.Errorf("fresh session = level %d menu %s", got.Level, got.Menu)
	}

	got = got.AtSubMenu(models.MenuCredit)
	if err := s.SaveSession(ctx, got); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	reloaded, err := s.GetOrCreateSession(ctx, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reloaded.Menu != models.MenuCredit || reloaded.Level != 2 {
		t.Errorf("reloaded session = level %d menu %s, want level 2 credit", reloaded.Level, reloaded.Menu)
	}
}

func TestRedisSessionExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t, 5*time.Minute)

	def := models.NewSession("r-ttl", "+254733000002")
	sess, err := s.GetOrCreateSession(ctx, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sess = sess.AtSubMenu(models.MenuLoan)
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	mr.FastForward(6 * time.Minute)

	got, err := s.GetOrCreateSession(ctx, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Level != 1 || got.Menu != models.MenuMain {
		t.Errorf("expired session not reset: level %d menu %s", got.Level, got.Menu)
	}
}

func TestRedisSessionDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t, time.Minute)

	def := models.NewSession("r-del", "+254733000003")
	sess, _ := s.GetOrCreateSession(ctx, def)
	sess = sess.AtSubMenu(models.MenuStatus)
	s.SaveSession(ctx, sess)

	if err := s.DeleteSession(ctx, "r-del"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	got, err := s.GetOrCreateSession(ctx, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Level != 1 {
		t.Errorf("session after delete = level %d, want fresh level 1", got.Level)
	}
}
