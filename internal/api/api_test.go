package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/mkulima/ussdgate/internal/flow"
	"github.com/mkulima/ussdgate/internal/sms"
	"github.com/mkulima/ussdgate/internal/store"
)

func newTestServer(opts ...Option) *Server {
	st := store.NewInMemoryStore()
	engine := flow.NewEngine(st, st, st, sms.NewDispatcher(sms.NoopSender{}))
	return NewServer(engine, opts...)
}

func postUSSD(t *testing.T, router http.Handler, sessionID, phone, text string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	form.Set("sessionId", sessionID)
	form.Set("phoneNumber", phone)
	form.Set("text", text)
	req := httptest.NewRequest(http.MethodPost, "/ussd", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestUSSDFirstHop(t *testing.T) {
	router := newTestServer().Router()
	rr := postUSSD(t, router, "at-sess-1", "+254700000001", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q, want text/plain", ct)
	}
	body := rr.Body.String()
	if !strings.HasPrefix(body, "CON ") {
		t.Errorf("body = %q, want CON prefix", body)
	}
}

func TestUSSDMissingFieldsStillTagged(t *testing.T) {
	router := newTestServer().Router()
	req := httptest.NewRequest(http.MethodPost, "/ussd", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	body := rr.Body.String()
	if !strings.HasPrefix(body, "END ") {
		t.Errorf("malformed request body = %q, want END prefix", body)
	}
}

func TestUSSDScenarioLoanMenu(t *testing.T) {
	router := newTestServer().Router()

	rr := postUSSD(t, router, "at-sess-2", "+254700000002", "2")
	if body := rr.Body.String(); !strings.HasPrefix(body, "CON ") || !strings.Contains(body, "loan product") {
		t.Fatalf("loan menu body = %q", body)
	}

	rr = postUSSD(t, router, "at-sess-2", "+254700000002", "2*1")
	if body := rr.Body.String(); !strings.HasPrefix(body, "END ") || !strings.Contains(body, "Ref: LN-") {
		t.Fatalf("loan confirmation body = %q", body)
	}
}

func TestRateLimitResponseKeepsWireContract(t *testing.T) {
	router := newTestServer(WithRatePerMinute(2)).Router()

	var last *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		last = postUSSD(t, router, "at-sess-3", "+254700000003", "")
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status after burst = %d, want 429", last.Code)
	}
	if body := last.Body.String(); !strings.HasPrefix(body, "END ") {
		t.Errorf("rate limit body = %q, want END prefix", body)
	}
}

func TestHealth(t *testing.T) {
	router := newTestServer().Router()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "ok") {
		t.Errorf("health body = %q", rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestServer().Router()
	postUSSD(t, router, "at-sess-4", "+254700000004", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "ussdgate_hops_total") {
		t.Errorf("metrics body missing hop counter")
	}
}
