package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// SessionCookieName はセッションIDを保持するCookie名。
const SessionCookieName = "auth_token"

// CookieConfig はセッションCookieの属性。
// 起動時に一度だけ生成し、以後は値として共有する。フィールドは外部から変更できない。
type CookieConfig struct {
	domain   string
	maxAge   int
	secure   bool
	sameSite http.SameSite
}

// NewCookieConfig はCookieConfigを生成する。
// sameSiteは "lax" / "strict" / "none"（大文字小文字を区別しない、空はlax）。
// "none" の場合、ブラウザの要件によりSecureを強制する。
func NewCookieConfig(domain string, maxAge int, sameSite string, secure bool) (CookieConfig, error) {
	if maxAge <= 0 {
		return CookieConfig{}, fmt.Errorf("cookie max age must be positive: %d", maxAge)
	}

	var mode http.SameSite
	switch strings.ToLower(strings.TrimSpace(sameSite)) {
	case "", "lax":
		mode = http.SameSiteLaxMode
	case "strict":
		mode = http.SameSiteStrictMode
	case "none":
		mode = http.SameSiteNoneMode
		secure = true
	default:
		return CookieConfig{}, fmt.Errorf("invalid cookie SameSite value: %q", sameSite)
	}

	return CookieConfig{
		domain:   domain,
		maxAge:   maxAge,
		secure:   secure,
		sameSite: mode,
	}, nil
}

// MaxAge はセッションの有効期間（秒）を返す。
func (c CookieConfig) MaxAge() int { return c.maxAge }

// Secure はSecure属性を付与するかを返す。
func (c CookieConfig) Secure() bool { return c.secure }

// SessionCookie はセッションIDを設定したCookieを返す。
func (c CookieConfig) SessionCookie(sessionID string) *http.Cookie {
	return c.cookie(sessionID, c.maxAge)
}

// ClearCookie はセッションCookieを削除するためのCookieを返す。
func (c CookieConfig) ClearCookie() *http.Cookie {
	return c.cookie("", -1)
}

func (c CookieConfig) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   c.domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: c.sameSite,
	}
}
