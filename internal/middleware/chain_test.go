package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestRecoveryMiddleware_PanicReturnsJSON500(t *testing.T) {
	handler := NewRecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/leads", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"code":"INTERNAL_ERROR"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	tests := []struct {
		hsts     bool
		wantHSTS bool
	}{
		{false, false},
		{true, true},
	}
	for _, tt := range tests {
		handler := NewSecurityHeadersMiddleware(tt.hsts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		if w.Header().Get("X-Content-Type-Options") != "nosniff" || w.Header().Get("X-Frame-Options") != "DENY" {
			t.Errorf("missing security headers: %v", w.Header())
		}
		if got := w.Header().Get("Strict-Transport-Security") != ""; got != tt.wantHSTS {
			t.Errorf("hsts=%v: HSTS present = %v", tt.hsts, got)
		}
	}
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	mc := &recordingMetrics{}

	r := chi.NewRouter()
	r.Use(NewMetricsMiddleware(mc))
	r.Get("/api/leads/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, path := range []string{"/api/leads/a", "/api/leads/b", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	want := []string{
		"GET /api/leads/{id} Not Found",
		"GET /api/leads/{id} Not Found",
		"GET unmatched Not Found",
	}
	if len(mc.requests) != len(want) {
		t.Fatalf("requests = %v, want %v", mc.requests, want)
	}
	for i := range want {
		if mc.requests[i] != want[i] {
			t.Errorf("requests[%d] = %q, want %q", i, mc.requests[i], want[i])
		}
	}
}

func TestMiddlewareChain_SessionThenRateLimit(t *testing.T) {
	l := NewLocalLimiter(2, 0)
	defer l.Stop()

	r := chi.NewRouter()
	r.Use(NewSessionMiddleware(validSessionRepo()))
	r.Use(NewRateLimitMiddleware(RateLimitRule{Scope: ScopeGeneral, Limiter: l, Key: UserKey}, nil))
	r.Get("/api/leads", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/leads", nil)
		req.AddCookie(&http.Cookie{Name: "auth_token", Value: "valid-session-id"})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}
}
