package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/leadman/internal/auth"
	"github.com/hitoshi/leadman/internal/metrics"
	"github.com/hitoshi/leadman/internal/middleware"
	"github.com/hitoshi/leadman/internal/model"
	"github.com/hitoshi/leadman/internal/telemetry"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder middleware.SessionFinder
	Origins       middleware.OriginMatcher
	CSRF          *middleware.CSRFConfig // nilの場合はCSRF検証を行わない
	Logger        *slog.Logger
	HSTS          bool
	ServiceName   string // トレースのサービス名

	// レート制限。nilのLimiterは無効
	GeneralLimiter  middleware.Limiter
	MutationLimiter middleware.Limiter
	AuthLimiter     middleware.Limiter

	// メトリクス
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler

	// ヘルスチェック
	Pinger      Pinger
	Environment string

	// サービス
	Cookies     auth.CookieConfig
	AuthService AuthServiceInterface
	LeadService LeadServiceInterface
	UserService UserServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → RequestID → Tracing → Logging → Recovery → Metrics → SecurityHeaders → CORS
//	  /api/auth/*: RateLimit(Auth, IP単位)
//	  /api/leads, /api/users: Session → RateLimit(General) → RateLimit(Mutation) → CSRF
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(telemetry.HTTPMiddleware(deps.ServiceName))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.Origins))

	notFound := func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewRouteNotFoundError())
	}
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)

	authHandler := NewAuthHandler(deps.AuthService, deps.Cookies)
	leadHandler := NewLeadHandler(deps.LeadService)
	userHandler := NewUserHandler(deps.UserService, deps.Cookies)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.Pinger, deps.Environment, nil))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	if deps.CSRF != nil {
		r.Handle("/api/csrf-token", middleware.NewCSRFTokenHandler(*deps.CSRF))
	}

	r.Route("/api/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(rateLimit(middleware.RateLimitRule{
				Scope:   middleware.ScopeAuth,
				Limiter: deps.AuthLimiter,
				Key:     middleware.ClientIPKey,
			}, deps.Metrics))
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
		})
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(rateLimit(middleware.RateLimitRule{
			Scope:   middleware.ScopeGeneral,
			Limiter: deps.GeneralLimiter,
			Key:     middleware.UserKey,
		}, deps.Metrics))
		r.Use(rateLimit(middleware.RateLimitRule{
			Scope:         middleware.ScopeMutation,
			Limiter:       deps.MutationLimiter,
			Key:           middleware.UserKey,
			MutationsOnly: true,
		}, deps.Metrics))
		if deps.CSRF != nil {
			r.Use(middleware.NewCSRFMiddleware(*deps.CSRF))
		}

		r.Route("/api/leads", func(r chi.Router) {
			r.Get("/", leadHandler.ListLeads)
			r.Post("/", leadHandler.CreateLead)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", leadHandler.GetLead)
				r.Put("/", leadHandler.UpdateLead)
				r.Delete("/", leadHandler.DeleteLead)
			})
		})

		r.Route("/api/users", func(r chi.Router) {
			r.Delete("/me", userHandler.Withdraw)
		})
	})

	return r
}

// rateLimit はLimiterが設定されている場合のみレート制限ミドルウェアを返す。
func rateLimit(rule middleware.RateLimitRule, mc metrics.MetricsCollector) func(http.Handler) http.Handler {
	if rule.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.NewRateLimitMiddleware(rule, mc)
}
