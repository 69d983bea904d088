package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/notefeed/internal/metrics"
	"github.com/hitoshi/notefeed/internal/middleware"
	"github.com/hitoshi/notefeed/internal/security"
)

// HealthChecker はヘルスチェック対象の依存。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 通知
	Feeds        FeedProvider
	GlobalFeedID string
	Admin        ActivityAdmin
	Sanitizer    security.Sanitizer
	Validator    *RequestValidator

	// ミドルウェア依存
	JWTSecret         string
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string
	Logger            *slog.Logger

	// 運用
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer // nilの場合は/metricsを公開しない
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → Auth → RateLimit(General)
//
// /health、/metrics、/api/v1 のルート一覧とグローバルフィードは認証の外に配置する。
// 後者2つは未認証でもクライアントIPごとにレート制限する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := deps.Validator
	if v == nil {
		v = NewRequestValidator()
	}
	sanitizer := deps.Sanitizer
	if sanitizer == nil {
		sanitizer = security.NewSanitizer()
	}

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(logger))

	notes := NewNotificationHandler(deps.Feeds, deps.GlobalFeedID, v)
	service := NewServiceHandler(deps.Feeds, deps.Admin, sanitizer, v)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// --- 認証不要のルート ---
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.PublicMiddleware())
			r.Get("/", apiIndex)
			r.Get("/notifications/global", notes.GetGlobalNotifications)
		})

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewAuthMiddleware(deps.JWTSecret))
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/notifications", notes.GetNotifications)
			r.Get("/notifications/unseen_count", notes.GetUnseenCount)
			r.Get("/notification/{id}", notes.GetNotification)

			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.WriteMiddleware())
				r.Post("/notifications/see", notes.MarkSeen)
				r.Post("/notifications/unsee", notes.MarkUnseen)
			})

			// サービスアカウント・管理者専用
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(middleware.RoleService, middleware.RoleAdmin))
				r.Get("/notification/external_key/{key}", service.GetByExternalKey)

				r.With(deps.RateLimiter.WriteMiddleware()).Post("/users/{user_id}/notifications", service.AddNotification)
				r.With(deps.RateLimiter.WriteMiddleware()).Post("/notifications/expire", service.Expire)
			})
		})
	})

	return r
}

// apiRoutes はGET /api/v1が返すルート一覧。
var apiRoutes = map[string]string{
	"root":                "GET /api/v1",
	"get_notifications":   "GET /api/v1/notifications",
	"get_global":          "GET /api/v1/notifications/global",
	"get_unseen_count":    "GET /api/v1/notifications/unseen_count",
	"get_notification":    "GET /api/v1/notification/<note_id>",
	"get_by_external_key": "GET /api/v1/notification/external_key/<key>",
	"mark_seen":           "POST /api/v1/notifications/see",
	"mark_unseen":         "POST /api/v1/notifications/unsee",
	"add_notification":    "POST /api/v1/users/<user_id>/notifications",
	"expire":              "POST /api/v1/notifications/expire",
}

func apiIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"routes": apiRoutes})
}

// healthHandler はDBへの疎通を確認するハンドラーを返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
				middleware.WriteStorageUnavailable(w)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
