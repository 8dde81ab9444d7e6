package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/leadman/internal/auth"
	"github.com/hitoshi/leadman/internal/middleware"
	"github.com/hitoshi/leadman/internal/model"
)

// --- テストヘルパー ---

// withIdentity はテスト用にリクエストコンテキストへ認証済みユーザーを注入するヘルパー。
func withIdentity(r *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithIdentity(r.Context(), model.Identity{ID: userID, Email: userID + "@example.com"})
	return r.WithContext(ctx)
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func testCookies(t *testing.T) auth.CookieConfig {
	t.Helper()
	cfg, err := auth.NewCookieConfig("", 3600, "lax", false)
	if err != nil {
		t.Fatalf("NewCookieConfig() error = %v", err)
	}
	return cfg
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
