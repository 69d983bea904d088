package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/notefeed/internal/middleware"
	"github.com/hitoshi/notefeed/internal/model"
	"github.com/hitoshi/notefeed/internal/notification"
	"github.com/hitoshi/notefeed/internal/security"
)

const (
	testSecret   = "handler-test-secret"
	testGlobalID = "_global_"
)

// --- モック ---

type mockFeed struct {
	getActivitiesFn     func(ctx context.Context, q notification.Query) ([]model.Notification, error)
	getNotificationsFn  func(ctx context.Context, q notification.Query, userView bool) (*notification.List, error)
	getNotificationFn   func(ctx context.Context, noteID string) (*model.Notification, error)
	visibleActivitiesFn func(ctx context.Context, ids []string) ([]string, error)
	markActivitiesFn    func(ctx context.Context, ids []string, seen bool) error
	addActivityFn       func(ctx context.Context, a *model.Activity) (string, error)
	getUnseenCountFn    func(ctx context.Context) (int, error)
}

func (m *mockFeed) GetActivities(ctx context.Context, q notification.Query) ([]model.Notification, error) {
	if m.getActivitiesFn != nil {
		return m.getActivitiesFn(ctx, q)
	}
	return nil, nil
}

func (m *mockFeed) GetNotifications(ctx context.Context, q notification.Query, userView bool) (*notification.List, error) {
	if m.getNotificationsFn != nil {
		return m.getNotificationsFn(ctx, q, userView)
	}
	return &notification.List{}, nil
}

func (m *mockFeed) GetNotification(ctx context.Context, noteID string) (*model.Notification, error) {
	if m.getNotificationFn != nil {
		return m.getNotificationFn(ctx, noteID)
	}
	return nil, model.NewNotificationNotFoundError(noteID)
}

// VisibleActivities は未設定の場合、何も閲覧できないものとして扱う。
func (m *mockFeed) VisibleActivities(ctx context.Context, ids []string) ([]string, error) {
	if m.visibleActivitiesFn != nil {
		return m.visibleActivitiesFn(ctx, ids)
	}
	return nil, nil
}

func (m *mockFeed) MarkActivities(ctx context.Context, ids []string, seen bool) error {
	if m.markActivitiesFn != nil {
		return m.markActivitiesFn(ctx, ids, seen)
	}
	return nil
}

func (m *mockFeed) AddActivity(ctx context.Context, a *model.Activity) (string, error) {
	if m.addActivityFn != nil {
		return m.addActivityFn(ctx, a)
	}
	return "new-id", nil
}

func (m *mockFeed) GetUnseenCount(ctx context.Context) (int, error) {
	if m.getUnseenCountFn != nil {
		return m.getUnseenCountFn(ctx)
	}
	return 0, nil
}

// mockProvider はユーザーIDごとのmockFeedを返す。未登録のユーザーには空のフィードを返す。
type mockProvider struct {
	feeds     map[string]*mockFeed
	requested []string
}

func (p *mockProvider) ForUser(userID string) NotificationFeed {
	p.requested = append(p.requested, userID)
	if f, ok := p.feeds[userID]; ok {
		return f
	}
	return &mockFeed{}
}

type mockAdmin struct {
	getByExternalKeyFn func(ctx context.Context, source string, keys []string) (map[string]*model.Activity, error)
	expireActivitiesFn func(ctx context.Context, source string, ids []string) ([]string, error)
	expireCalls        int
	lastExpireSource   string
	lastExternalSource string
}

func (m *mockAdmin) GetByExternalKey(ctx context.Context, source string, keys []string) (map[string]*model.Activity, error) {
	m.lastExternalSource = source
	if m.getByExternalKeyFn != nil {
		return m.getByExternalKeyFn(ctx, source, keys)
	}
	return map[string]*model.Activity{}, nil
}

func (m *mockAdmin) ExpireActivities(ctx context.Context, source string, ids []string) ([]string, error) {
	m.expireCalls++
	m.lastExpireSource = source
	if m.expireActivitiesFn != nil {
		return m.expireActivitiesFn(ctx, source, ids)
	}
	return nil, nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// --- ヘルパー ---

func newTestHandler(t *testing.T, provider FeedProvider, admin *mockAdmin) http.Handler {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(1000, 1000))
	t.Cleanup(rl.Stop)
	if admin == nil {
		admin = &mockAdmin{}
	}
	return NewRouter(&RouterDeps{
		Feeds:             provider,
		GlobalFeedID:      testGlobalID,
		Admin:             admin,
		Sanitizer:         security.NewSanitizer(),
		Validator:         NewRequestValidator(),
		JWTSecret:         testSecret,
		RateLimiter:       rl,
		CORSAllowedOrigin: "http://localhost:3000",
		Logger:            slog.New(slog.NewJSONHandler(io.Discard, nil)),
		HealthChecker:     pingFunc(func(context.Context) error { return nil }),
	})
}

func tokenFor(t *testing.T, userID string, role middleware.Role) string {
	t.Helper()
	token, err := middleware.GenerateToken(testSecret, userID, role, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v (body=%s)", err, rec.Body.String())
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body middleware.ErrorResponseBody
	decodeBody(t, rec, &body)
	return body.Code
}

func sampleNotification(id string) *model.Notification {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.Notification{
		Activity: model.Activity{
			ID:      id,
			Actor:   "alice",
			Verb:    model.VerbShare,
			Object:  "narrative-1",
			Source:  "workspace",
			Level:   model.LevelAlert,
			Created: created,
			Expires: created.Add(24 * time.Hour),
			Users:   []string{"bob"},
		},
		ActorName: "Alice",
	}
}
