// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/notefeed/internal/model"
)

// Role はトークンに付与される権限。
type Role string

const (
	// RoleUser は通常ユーザー。roleクレームがない場合に適用する。
	RoleUser Role = ""
	// RoleService は他ユーザーへの通知追加を許可されたサービスアカウント。
	RoleService Role = "service"
	// RoleAdmin は通知の期限切れ操作を許可された管理者。
	RoleAdmin Role = "admin"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey = contextKey("user_id")
	roleContextKey   = contextKey("role")
	identitySlotKey  = contextKey("identity_slot")
)

// requestIdentity はロギングミドルウェアが認証結果を受け取るための入れ物。
type requestIdentity struct {
	userID string
	role   Role
}

func withIdentitySlot(ctx context.Context, ident *requestIdentity) context.Context {
	return context.WithValue(ctx, identitySlotKey, ident)
}

// Claims はベアラートークンのクレーム。subがユーザーIDになる。
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role,omitempty"`
}

// GenerateToken はHS256で署名したトークンを生成する。
// ttlが0以下の場合は有効期限を設定しない。
func GenerateToken(secret, userID string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Role: role,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// NewAuthMiddleware はAuthorizationヘッダーのベアラートークンを検証するミドルウェアを返す。
// 認証済みユーザーIDとロールをリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewAuthMiddleware(secret string) func(next http.Handler) http.Handler {
	keyFunc := func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !found || tokenString == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(tokenString, claims, keyFunc)
			if err != nil || !token.Valid || claims.Subject == "" {
				slog.Warn("トークンの検証に失敗",
					slog.String("path", r.URL.Path),
					slog.Any("error", err),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			if ident, ok := r.Context().Value(identitySlotKey).(*requestIdentity); ok {
				ident.userID = claims.Subject
				ident.role = claims.Role
			}

			ctx := ContextWithUserID(r.Context(), claims.Subject)
			ctx = ContextWithRole(ctx, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole は指定ロールのいずれかを持つリクエストのみ通すミドルウェアを返す。
// 認証ミドルウェアの後に配置する。
func RequireRole(roles ...Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := RoleFromContext(r.Context())
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// RoleFromContext はリクエストコンテキストからロールを取得する。未設定の場合はRoleUser。
func RoleFromContext(ctx context.Context) Role {
	role, _ := ctx.Value(roleContextKey).(Role)
	return role
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// ContextWithRole はコンテキストにロールを注入する。
func ContextWithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, roleContextKey, role)
}
