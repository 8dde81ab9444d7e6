package auth

import (
	"net/http"
	"testing"
)

func TestNewCookieConfig_SameSiteModes(t *testing.T) {
	tests := []struct {
		input      string
		secure     bool
		wantMode   http.SameSite
		wantSecure bool
	}{
		{"", false, http.SameSiteLaxMode, false},
		{"Lax", false, http.SameSiteLaxMode, false},
		{"strict", true, http.SameSiteStrictMode, true},
		{"none", false, http.SameSiteNoneMode, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cfg, err := NewCookieConfig("", 3600, tt.input, tt.secure)
			if err != nil {
				t.Fatalf("NewCookieConfig() error = %v", err)
			}
			c := cfg.SessionCookie("sid")
			if c.SameSite != tt.wantMode {
				t.Errorf("SameSite = %v, want %v", c.SameSite, tt.wantMode)
			}
			if c.Secure != tt.wantSecure {
				t.Errorf("Secure = %v, want %v", c.Secure, tt.wantSecure)
			}
		})
	}
}

func TestNewCookieConfig_Invalid(t *testing.T) {
	if _, err := NewCookieConfig("", 3600, "sometimes", false); err == nil {
		t.Error("expected error for unknown SameSite value")
	}
	if _, err := NewCookieConfig("", 0, "lax", false); err == nil {
		t.Error("expected error for non-positive max age")
	}
}

func TestCookieConfig_SessionAndClearCookies(t *testing.T) {
	cfg, err := NewCookieConfig("example.com", 604800, "lax", true)
	if err != nil {
		t.Fatalf("NewCookieConfig() error = %v", err)
	}

	c := cfg.SessionCookie("abc")
	if c.Name != SessionCookieName || c.Value != "abc" {
		t.Errorf("cookie = %s=%s", c.Name, c.Value)
	}
	if !c.HttpOnly || c.Path != "/" || c.Domain != "example.com" || c.MaxAge != 604800 {
		t.Errorf("unexpected attributes: %+v", c)
	}

	cleared := cfg.ClearCookie()
	if cleared.Value != "" || cleared.MaxAge != -1 || cleared.Name != SessionCookieName {
		t.Errorf("clear cookie = %+v", cleared)
	}
}
