package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

func fixedNow() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

func TestHealthHandler_OK(t *testing.T) {
	h := NewHealthHandler(pingerFunc(func(ctx context.Context) error { return nil }), "production", fixedNow)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body healthResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	want := healthResponse{Status: "OK", Timestamp: "2024-05-01T12:00:00Z", Environment: "production"}
	if body != want {
		t.Errorf("body = %+v, want %+v", body, want)
	}
}

func TestHealthHandler_PingFailure_ReturnsUnavailable(t *testing.T) {
	h := NewHealthHandler(pingerFunc(func(ctx context.Context) error { return errors.New("down") }), "development", fixedNow)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var body healthResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Status != "UNAVAILABLE" {
		t.Errorf("status = %q, want %q", body.Status, "UNAVAILABLE")
	}
}

func TestHealthHandler_NilPinger_AlwaysOK(t *testing.T) {
	h := NewHealthHandler(nil, "test", nil)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}
