package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// CORSで許可するメソッドとヘッダー。
const (
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, X-CSRF-Token"
)

// OriginMatcher は許可オリジンのパターン一覧。
//
// パターンの形式:
//   - "https://app.example.com"   完全一致
//   - "http://localhost:*"        スキームとホストが一致すれば任意のポート
//   - "*.vercel.app"              スキームを問わずサブドメインが一致
type OriginMatcher struct {
	patterns []string
}

// NewOriginMatcher はパターン一覧からOriginMatcherを生成する。空要素は無視する。
func NewOriginMatcher(patterns []string) OriginMatcher {
	var cleaned []string
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, strings.TrimSuffix(p, "/"))
		}
	}
	return OriginMatcher{patterns: cleaned}
}

// Allowed はオリジンが許可パターンのいずれかに一致するかを返す。
func (m OriginMatcher) Allowed(origin string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, p := range m.patterns {
		if matchOrigin(p, origin, u) {
			return true
		}
	}
	return false
}

func matchOrigin(pattern, origin string, u *url.URL) bool {
	switch {
	case strings.HasPrefix(pattern, "*."):
		suffix := pattern[1:] // ".vercel.app"
		return strings.HasSuffix(u.Hostname(), suffix)
	case strings.HasSuffix(pattern, ":*"):
		base, err := url.Parse(strings.TrimSuffix(pattern, ":*"))
		if err != nil {
			return false
		}
		return base.Scheme == u.Scheme && base.Hostname() == u.Hostname()
	default:
		return pattern == origin
	}
}

// NewCORSMiddleware は許可オリジンに対するCORSミドルウェアを返す。
// credentials送信と共存するため、ワイルドカード(*)は返さず一致したオリジンをそのまま返す。
// OPTIONSプリフライトリクエストには204で応答する。
func NewCORSMiddleware(origins OriginMatcher) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if origins.Allowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			// OPTIONSプリフライトリクエストには204で応答
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
