package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger はストアの疎通確認を行う。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// healthResponse はヘルスチェックのレスポンス。
type healthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Environment string `json:"environment"`
}

// healthPingTimeout はヘルスチェック時のストア疎通確認のタイムアウト。
const healthPingTimeout = 2 * time.Second

// NewHealthHandler はヘルスチェックハンドラーを返す。
// pingerがnilの場合（インメモリストア）は常にOKを返す。
// GET /health
func NewHealthHandler(pinger Pinger, environment string, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:      "OK",
			Timestamp:   now().UTC().Format(time.RFC3339),
			Environment: environment,
		}

		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
			defer cancel()
			if err := pinger.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				resp.Status = "UNAVAILABLE"
				writeJSON(w, http.StatusServiceUnavailable, resp)
				return
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}
