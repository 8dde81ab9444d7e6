// Package app はleadmanの起動処理（設定読み込み・依存関係のワイヤリング・サブコマンドの実行）を提供する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/leadman/internal/auth"
	"github.com/hitoshi/leadman/internal/config"
	"github.com/hitoshi/leadman/internal/database"
	"github.com/hitoshi/leadman/internal/handler"
	"github.com/hitoshi/leadman/internal/lead"
	"github.com/hitoshi/leadman/internal/logger"
	"github.com/hitoshi/leadman/internal/metrics"
	"github.com/hitoshi/leadman/internal/middleware"
	"github.com/hitoshi/leadman/internal/repository"
	"github.com/hitoshi/leadman/internal/security"
	"github.com/hitoshi/leadman/internal/telemetry"
	"github.com/hitoshi/leadman/internal/user"
	"github.com/hitoshi/leadman/internal/worker/cleanup"
)

const (
	shutdownTimeout        = 30 * time.Second
	limiterCleanupInterval = 5 * time.Minute
	redisPingTimeout       = 3 * time.Second
)

// errMemoryBackend はPostgreSQL専用のサブコマンドをメモリストアで起動しようとした場合のエラー。
var errMemoryBackend = errors.New("this command requires STORE_BACKEND=postgres")

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映する
	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMを受信すると停止する。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, w, args)
}

func run(ctx context.Context, w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("env", cfg.AppEnv),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandRollback:
		return runRollback(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// stores はサービス層に渡すリポジトリ一式。
type stores struct {
	leads    repository.LeadRepository
	users    repository.UserRepository
	sessions repository.SessionRepository
	pinger   handler.Pinger
	close    func() error
}

// openStores は設定に応じてPostgreSQLまたはインメモリのリポジトリを構築する。
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		slog.Warn("using in-memory store; data will be lost on restart")
		mem := repository.NewMemoryStore()
		return &stores{
			leads:    mem.Leads(),
			users:    mem.Users(),
			sessions: mem.Sessions(),
			pinger:   mem,
			close:    func() error { return nil },
		}, nil
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	return &stores{
		leads:    repository.NewPostgresLeadRepo(db),
		users:    repository.NewPostgresUserRepo(db),
		sessions: repository.NewPostgresSessionRepo(db),
		pinger:   db,
		close:    db.Close,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// ストアを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. トレーシング
	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// 2. ストア
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	// 3. メトリクス
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 4. ドメインサービス
	cookies, err := auth.NewCookieConfig(cfg.CookieDomain, cfg.SessionMaxAge, cfg.CookieSameSite, cfg.CookieSecure)
	if err != nil {
		return fmt.Errorf("invalid cookie settings: %w", err)
	}
	authService := auth.NewService(st.users, st.sessions, auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge})
	leadService := lead.NewService(st.leads, security.NewTextSanitizer(), collector)
	userService := user.NewService(st.users, st.sessions, st.leads)

	// 5. レート制限
	limiters, err := newLimiters(ctx, cfg)
	if err != nil {
		return err
	}
	defer limiters.stop()

	// 6. ルーター
	deps := &handler.RouterDeps{
		SessionFinder: st.sessions,
		Origins:       middleware.NewOriginMatcher(cfg.CORSAllowedOrigins),
		Logger:        slog.Default(),
		HSTS:          cfg.IsProduction(),
		ServiceName:   cfg.Telemetry.ServiceName,

		GeneralLimiter:  limiters.general,
		MutationLimiter: limiters.mutation,
		AuthLimiter:     limiters.auth,

		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),

		Pinger:      st.pinger,
		Environment: cfg.AppEnv,

		Cookies:     cookies,
		AuthService: authService,
		LeadService: leadService,
		UserService: userService,
	}
	if cfg.CSRFEnabled {
		deps.CSRF = &middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		}
	}

	// 7. HTTPサーバー
	server := &http.Server{
		Handler:           handler.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return serveUntilDone(ctx, server, ":"+cfg.ServerPort, "API server")
}

// serveUntilDone はサーバーを起動し、ctxのキャンセルでグレースフルシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, addr, name string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}
	slog.Info(name + " stopped gracefully")
	return nil
}

// newRegistry はGoランタイムとプロセスのコレクターを登録したレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// limiterSet はスコープごとのレート制限。
type limiterSet struct {
	general  middleware.Limiter
	mutation middleware.Limiter
	auth     middleware.Limiter
	stop     func()
}

// newLimiters はスコープごとのLimiterを構築する。
// REDIS_URLが設定されている場合はRedisで全インスタンス共通のカウントを行い、
// Redis障害時はプロセス内のトークンバケットにフォールバックする。
func newLimiters(ctx context.Context, cfg *config.Config) (*limiterSet, error) {
	var client *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client = redis.NewClient(opts)

		pctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			slog.Warn("redis is unreachable; falling back to local rate limiting until it recovers",
				slog.String("error", err.Error()),
			)
		} else {
			slog.Info("redis rate limiter enabled")
		}
	}

	var locals []*middleware.LocalLimiter
	build := func(scope string, perMinute int) middleware.Limiter {
		if perMinute <= 0 {
			return nil
		}
		local := middleware.NewLocalLimiter(perMinute, limiterCleanupInterval)
		locals = append(locals, local)
		if client == nil {
			return local
		}
		return middleware.NewRedisLimiter(client, scope, perMinute, local)
	}

	set := &limiterSet{
		general:  build("general", cfg.RateLimitGeneral),
		mutation: build("mutation", cfg.RateLimitMutation),
		auth:     build("auth", cfg.RateLimitAuth),
	}
	set.stop = func() {
		for _, l := range locals {
			l.Stop()
		}
		if client != nil {
			client.Close()
		}
	}
	return set, nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションを定期的に削除し、/metrics と /health をSERVER_PORTで公開する。
// ctxがキャンセルされるとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreBackend == config.StoreBackendMemory {
		return fmt.Errorf("worker: %w", errMemoryBackend)
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established (worker)")

	reg := newRegistry()
	collector := metrics.NewCollector(reg)
	job := cleanup.NewSessionCleanupJob(db, slog.Default(), collector)

	mux := metrics.SetupMetricsRoute(reg)
	mux.Handle("/health", handler.NewHealthHandler(db, cfg.AppEnv, nil))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("worker starting",
		slog.Duration("session_cleanup_interval", cfg.SessionCleanupInterval),
	)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		job.Start(jobCtx, cfg.SessionCleanupInterval)
	}()

	err = serveUntilDone(ctx, server, ":"+cfg.ServerPort, "worker metrics server")
	cancel()
	<-done
	if err != nil {
		return err
	}
	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreBackend == config.StoreBackendMemory {
		return fmt.Errorf("migrate: %w", errMemoryBackend)
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runRollback は直近のマイグレーションを1つ戻す。
func runRollback(cfg *config.Config) error {
	if cfg.StoreBackend == config.StoreBackendMemory {
		return fmt.Errorf("rollback: %w", errMemoryBackend)
	}

	slog.Info("rolling back last database migration",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RollbackMigration(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	slog.Info("database rollback completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// 解析できないURLは全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	u.RawQuery = ""
	return u.String()
}
