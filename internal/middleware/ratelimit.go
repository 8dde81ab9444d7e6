package middleware

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/leadman/internal/metrics"
	"github.com/hitoshi/leadman/internal/model"
)

// レート制限のスコープ名。メトリクスのラベルとRedisキーに使用する。
const (
	ScopeGeneral  = "general"
	ScopeMutation = "mutation"
	ScopeAuth     = "auth"
)

// Decision はレート制限の判定結果。
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // 拒否時に次のリクエストが許可されるまでの推定時間
}

// Limiter はキー単位のレート制限を判定するインターフェース。
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// --- プロセス内リミッター ---

// keyLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// LocalLimiter はプロセス内のトークンバケットによるレート制限。
// 単一インスタンス構成、またはREDIS_URL未設定時に使用する。
type LocalLimiter struct {
	rate            rate.Limit
	burst           int
	refill          time.Duration // 1トークンが補充されるまでの時間
	cleanupInterval time.Duration

	mu       sync.Mutex
	limiters map[string]*keyLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewLocalLimiter は1分あたりperMinuteリクエストを許可するLocalLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewLocalLimiter(perMinute int, cleanupInterval time.Duration) *LocalLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &LocalLimiter{
		rate:            rate.Limit(float64(perMinute) / 60.0),
		burst:           perMinute,
		refill:          time.Minute / time.Duration(perMinute),
		cleanupInterval: cleanupInterval,
		limiters:        make(map[string]*keyLimiter),
		stopCh:          make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow はキーのトークンを1つ消費できるかを判定する。
func (l *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	if l.getOrCreate(key).Allow() {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: l.refill}, nil
}

// Len は現在管理されているキーの数を返す。テスト用。
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (l *LocalLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *LocalLimiter) getOrCreate(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if kl, ok := l.limiters[key]; ok {
		kl.lastAccess = time.Now()
		return kl.limiter
	}
	limiter := rate.NewLimiter(l.rate, l.burst)
	l.limiters[key] = &keyLimiter{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (l *LocalLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がcleanupIntervalの2倍を超えたエントリを削除する。
func (l *LocalLimiter) cleanup(now time.Time) {
	ttl := l.cleanupInterval * 2

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, kl := range l.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(l.limiters, key)
		}
	}
}

// --- Redisリミッター ---

// fixedWindowScript は固定ウィンドウのカウンタを加算し、[現在値, 残りTTL(ms)] を返す。
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter はRedisの固定ウィンドウカウンタによるレート制限。
// 複数インスタンスでカウンタを共有する。Redisに到達できない場合はfallbackで判定する。
type RedisLimiter struct {
	client   *redis.Client
	prefix   string
	limit    int
	window   time.Duration
	fallback Limiter
}

// NewRedisLimiter は1分あたりperMinuteリクエストを許可するRedisLimiterを生成する。
func NewRedisLimiter(client *redis.Client, scope string, perMinute int, fallback Limiter) *RedisLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &RedisLimiter{
		client:   client,
		prefix:   "leadman:rl:" + scope + ":",
		limit:    perMinute,
		window:   time.Minute,
		fallback: fallback,
	}
}

// Allow はキーの現在ウィンドウのカウンタを加算し、上限以内かを判定する。
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil || len(res) < 2 {
		slog.Warn("redis rate limiter unavailable, using fallback",
			slog.Any("error", err),
		)
		if l.fallback != nil {
			return l.fallback.Allow(ctx, key)
		}
		return Decision{Allowed: true}, nil
	}

	count, ttlMs := res[0], res[1]
	if count <= int64(l.limit) {
		return Decision{Allowed: true}, nil
	}
	if ttlMs < 0 {
		ttlMs = l.window.Milliseconds()
	}
	return Decision{Allowed: false, RetryAfter: time.Duration(ttlMs) * time.Millisecond}, nil
}

// --- ミドルウェア ---

// KeyFunc はリクエストからレート制限のキーを取り出す。キーがない場合はfalseを返す。
type KeyFunc func(r *http.Request) (string, bool)

// UserKey は認証済みユーザーIDをキーにする。SessionMiddlewareの後に配置すること。
func UserKey(r *http.Request) (string, bool) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		return "", false
	}
	return identity.ID, true
}

// ClientIPKey は接続元IPをキーにする。
// リバースプロキシ配下ではchiのRealIPミドルウェアでRemoteAddrを補正しておくこと。
func ClientIPKey(r *http.Request) (string, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host, host != ""
}

// RateLimitRule はレート制限ミドルウェア1つ分の設定。
type RateLimitRule struct {
	Scope         string
	Limiter       Limiter
	Key           KeyFunc
	MutationsOnly bool // trueの場合、安全なメソッド（GET等）は対象外
}

// NewRateLimitMiddleware はレート制限ミドルウェアを返す。
// 上限を超えた場合は429とRetry-Afterヘッダーを返す。
func NewRateLimitMiddleware(rule RateLimitRule, mc metrics.MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rule.MutationsOnly && isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			key, ok := rule.Key(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			decision, err := rule.Limiter.Allow(r.Context(), key)
			if err != nil {
				// 判定できない場合は通す
				slog.Error("rate limiter failed",
					slog.String("scope", rule.Scope),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			if !decision.Allowed {
				if mc != nil {
					mc.RecordRateLimited(rule.Scope)
				}
				slog.Warn("rate limit exceeded",
					slog.String("scope", rule.Scope),
					slog.String("key", key),
				)
				writeRateLimitResponse(w, decision.RetryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーには秒単位（切り上げ、最小1）を設定する。
func writeRateLimitResponse(w http.ResponseWriter, retryAfter time.Duration) {
	retryAfterSec := int(math.Ceil(retryAfter.Seconds()))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
