package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitoshi/leadman/internal/telemetry"
)

// ストアの種類
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL  string
	StoreBackend string

	// Server
	ServerPort string
	AppEnv     string
	LogLevel   slog.Level

	// Session / Cookie
	SessionMaxAge          int
	SessionCleanupInterval time.Duration
	CookieDomain           string
	CookieSameSite         string
	CookieSecure           bool

	// CORS / CSRF
	CORSAllowedOrigins []string
	CSRFEnabled        bool

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral  int
	RateLimitMutation int
	RateLimitAuth     int
	RedisURL          string

	// Tracing
	Telemetry telemetry.Config
}

// IsProduction はAPP_ENVがproductionの場合にtrueを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	cfg.StoreBackend = strings.ToLower(getEnvString("STORE_BACKEND", StoreBackendPostgres))
	if cfg.StoreBackend != StoreBackendPostgres && cfg.StoreBackend != StoreBackendMemory {
		return nil, fmt.Errorf("STORE_BACKEND must be %q or %q: %q", StoreBackendPostgres, StoreBackendMemory, cfg.StoreBackend)
	}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StoreBackend == StoreBackendPostgres {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.AppEnv = getEnvString("APP_ENV", "development")
	cfg.LogLevel = parseLogLevel(getEnvString("LOG_LEVEL", "info"))
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 604800)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", 24*time.Hour)
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CookieSameSite = strings.ToLower(getEnvString("COOKIE_SAMESITE", "lax"))
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", cfg.IsProduction())
	cfg.CORSAllowedOrigins = splitList(getEnvString("CORS_ALLOWED_ORIGINS", "http://localhost:*"))
	cfg.CSRFEnabled = getEnvBool("CSRF_ENABLED", false)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitMutation = getEnvInt("RATE_LIMIT_MUTATION", 60)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.RedisURL = getEnvString("REDIS_URL", "")

	cfg.Telemetry = telemetry.Config{
		ServiceName: getEnvString("OTEL_SERVICE_NAME", telemetry.DefaultServiceName),
		Endpoint:    getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Insecure:    getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		Timeout:     getEnvDuration("OTEL_EXPORTER_OTLP_TIMEOUT", 5*time.Second),
		Sampler:     getEnvString("OTEL_TRACES_SAMPLER", ""),
		SamplerArg:  getEnvString("OTEL_TRACES_SAMPLER_ARG", ""),
	}

	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
