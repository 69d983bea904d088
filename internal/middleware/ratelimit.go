package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）
	GeneralBurst    int           // API全般のバーストサイズ
	WriteRate       rate.Limit    // 既読操作・通知追加のレート（req/sec）
	WriteBurst      int           // 書き込み系のバーストサイズ
	CleanupInterval time.Duration // 未使用エントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/user、書き込み系 30 req/min/user。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return NewRateLimiterConfig(120, 30)
}

// NewRateLimiterConfig は1分あたりのリクエスト数から設定を生成する。
// 0以下の値は1として扱う。
func NewRateLimiterConfig(generalPerMin, writePerMin int) RateLimiterConfig {
	generalPerMin = max(generalPerMin, 1)
	writePerMin = max(writePerMin, 1)
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMin) / 60.0),
		GeneralBurst:    generalPerMin,
		WriteRate:       rate.Limit(float64(writePerMin) / 60.0),
		WriteBurst:      writePerMin,
		CleanupInterval: 5 * time.Minute,
	}
}

// userLimiter はユーザーごとのレートリミッターとアクセス時刻を保持する。
type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は1種類のレート制限についてユーザーごとのリミッターを管理する。
type limiterSet struct {
	name  string
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*userLimiter
}

func newLimiterSet(name string, limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		name:     name,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*userLimiter),
	}
}

// get はユーザーのリミッターを取得または作成し、アクセス時刻を更新する。
func (s *limiterSet) get(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	ul, ok := s.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[userID] = ul
	}
	ul.lastAccess = time.Now()
	return ul.limiter
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// evictIdle は最終アクセスからttlを超えたエントリを削除する。
func (s *limiterSet) evictIdle(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, ul := range s.limiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(s.limiters, userID)
		}
	}
}

// keyFunc はリクエストからリミッターのキーを取り出す。falseの場合は401を返す。
type keyFunc func(r *http.Request) (string, bool)

func userKey(r *http.Request) (string, bool) {
	userID, err := UserIDFromContext(r.Context())
	return userID, err == nil
}

// clientKey は認証済みならユーザーID、未認証ならクライアントIPをキーにする。
func clientKey(r *http.Request) (string, bool) {
	if userID, ok := userKey(r); ok {
		return userID, true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host, true
}

func (s *limiterSet) middleware(key keyFunc) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k, ok := key(r)
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if !s.get(k).Allow() {
				writeRateLimitResponse(w, s.limit)
				slog.Warn("rate limit exceeded",
					slog.String("key", k),
					slog.String("limit_type", s.name),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter はユーザーごとのレート制限を管理する。
// API全般と書き込み系の2種類を独立に提供する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterSet
	write   *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで未使用エントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		general: newLimiterSet("general", config.GeneralRate, config.GeneralBurst),
		write:   newLimiterSet("write", config.WriteRate, config.WriteBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼び出してよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// 認証ミドルウェアの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.general.middleware(userKey)
}

// PublicMiddleware は認証不要のエンドポイント用のレート制限ミドルウェアを返す。
// API全般の制限を共有し、未認証のリクエストはクライアントIPごとに制限する。
func (rl *RateLimiter) PublicMiddleware() func(next http.Handler) http.Handler {
	return rl.general.middleware(clientKey)
}

// WriteMiddleware は既読操作・通知追加用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) WriteMiddleware() func(next http.Handler) http.Handler {
	return rl.write.middleware(userKey)
}

// GeneralLimiterCount は管理中のAPI全般リミッター数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// WriteLimiterCount は管理中の書き込み系リミッター数を返す。
func (rl *RateLimiter) WriteLimiterCount() int {
	return rl.write.len()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	rl.general.evictIdle(now, ttl)
	rl.write.evictIdle(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	})
}
