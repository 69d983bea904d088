package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/notefeed/internal/middleware"
	"github.com/hitoshi/notefeed/internal/model"
	"github.com/hitoshi/notefeed/internal/notification"
)

// MaxCount は1リクエストで取得できる通知数の上限。
const MaxCount = 1000

// NotificationFeed はハンドラーが使用する1ユーザー分のフィード操作。
// notification.Feedが実装する。
type NotificationFeed interface {
	GetActivities(ctx context.Context, q notification.Query) ([]model.Notification, error)
	GetNotifications(ctx context.Context, q notification.Query, userView bool) (*notification.List, error)
	GetNotification(ctx context.Context, noteID string) (*model.Notification, error)
	VisibleActivities(ctx context.Context, activityIDs []string) ([]string, error)
	MarkActivities(ctx context.Context, activityIDs []string, seen bool) error
	AddActivity(ctx context.Context, activity *model.Activity) (string, error)
	GetUnseenCount(ctx context.Context) (int, error)
}

// FeedProvider はユーザーIDに対応するフィードを返す。
type FeedProvider interface {
	ForUser(userID string) NotificationFeed
}

// NotificationHandler はユーザー向け通知APIのHTTPハンドラー。
type NotificationHandler struct {
	feeds        FeedProvider
	globalFeedID string
	validator    *RequestValidator
}

// NewNotificationHandler はNotificationHandlerを生成する。
func NewNotificationHandler(feeds FeedProvider, globalFeedID string, v *RequestValidator) *NotificationHandler {
	return &NotificationHandler{
		feeds:        feeds,
		globalFeedID: globalFeedID,
		validator:    v,
	}
}

// --- レスポンス型 ---

// feedResponse はフィード1つ分の通知一覧と未読数。
// feedにはuser viewか完全な通知のどちらかが入る。
type feedResponse struct {
	Feed   any `json:"feed"`
	Unseen int `json:"unseen"`
}

// notificationsResponse はGET /notificationsのレスポンス。
type notificationsResponse struct {
	User   feedResponse `json:"user"`
	Global feedResponse `json:"global"`
}

type unseenCountResponse struct {
	Unseen struct {
		User   int `json:"user"`
		Global int `json:"global"`
	} `json:"unseen"`
}

type notificationResponse struct {
	Notification model.UserView `json:"notification"`
}

// markRequest は既読・未読化リクエストのボディ。
type markRequest struct {
	NoteIDs []string `json:"note_ids" validate:"required,min=1,max=1000,dive,required,max=256"`
}

// --- ハンドラー ---

// GetNotifications はユーザーとグローバルフィードの通知一覧を返す。
// GET /api/v1/notifications?n=&rev=&l=&v=&seen=&view=
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	q, err := parseQuery(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	userView := r.URL.Query().Get("view") != "full"

	userList, err := h.feeds.ForUser(userID).GetNotifications(r.Context(), q, userView)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	globalQuery := q
	globalQuery.IncludeSeen = true
	globalList, err := h.feeds.ForUser(h.globalFeedID).GetNotifications(r.Context(), globalQuery, userView)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, notificationsResponse{
		User:   toFeedResponse(userList, userView),
		Global: toFeedResponse(globalList, userView),
	})
}

// GetGlobalNotifications はグローバルフィードの通知一覧を返す。
// 認証不要。
// GET /api/v1/notifications/global?n=&rev=&l=&v=
func (h *NotificationHandler) GetGlobalNotifications(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	q.IncludeSeen = true

	notes, err := h.feeds.ForUser(h.globalFeedID).GetActivities(r.Context(), q)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"feed": userViews(notes)})
}

// GetUnseenCount はユーザーとグローバルフィードの未読数を返す。
// GET /api/v1/notifications/unseen_count
func (h *NotificationHandler) GetUnseenCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var resp unseenCountResponse
	var err error
	if resp.Unseen.User, err = h.feeds.ForUser(userID).GetUnseenCount(r.Context()); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if resp.Unseen.Global, err = h.feeds.ForUser(h.globalFeedID).GetUnseenCount(r.Context()); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetNotification はユーザーのタイムライン上の通知を1件返す。
// 存在しない場合と閲覧権限がない場合はどちらも404を返す。
// GET /api/v1/notification/{id}
func (h *NotificationHandler) GetNotification(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	note, err := h.feeds.ForUser(userID).GetNotification(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, notificationResponse{Notification: note.UserView()})
}

// MarkSeen は通知を既読にする。
// POST /api/v1/notifications/see {"note_ids": [...]}
func (h *NotificationHandler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	h.mark(w, r, true)
}

// MarkUnseen は通知を未読に戻す。
// POST /api/v1/notifications/unsee {"note_ids": [...]}
func (h *NotificationHandler) MarkUnseen(w http.ResponseWriter, r *http.Request) {
	h.mark(w, r, false)
}

// mark はユーザーのタイムライン上にあるIDだけを更新し、
// それ以外をunauthorized_notesとして返す。
func (h *NotificationHandler) mark(w http.ResponseWriter, r *http.Request, seen bool) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req markRequest
	if err := h.validator.decodeAndValidate(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	feed := h.feeds.ForUser(userID)
	ids := dedupeIDs(req.NoteIDs)
	visible, err := feed.VisibleActivities(r.Context(), ids)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	isVisible := make(map[string]bool, len(visible))
	for _, id := range visible {
		isVisible[id] = true
	}
	allowed := make([]string, 0, len(ids))
	unauthorized := make([]string, 0)
	for _, id := range ids {
		if isVisible[id] {
			allowed = append(allowed, id)
		} else {
			unauthorized = append(unauthorized, id)
		}
	}

	if err := feed.MarkActivities(r.Context(), allowed, seen); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	key := "unseen_notes"
	if seen {
		key = "seen_notes"
	}
	writeJSON(w, http.StatusOK, map[string][]string{
		key:                  allowed,
		"unauthorized_notes": unauthorized,
	})
}

// parseQuery はクエリパラメータをnotification.Queryに変換する。
//
//	n    取得件数（既定10、1以上MaxCount以下の整数）
//	rev  1/trueで古い順
//	seen 1/trueで既読も含める
//	l    重要度レベル（名前または数値コード）
//	v    Verb（原形・過去形・数値コード）
func parseQuery(r *http.Request) (notification.Query, error) {
	params := r.URL.Query()
	q := notification.DefaultQuery()

	if s := params.Get("n"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, model.NewInvalidCountError()
		}
		if n > MaxCount {
			return q, model.NewInvalidArgumentError(fmt.Sprintf("count must be <= %d", MaxCount))
		}
		q.Count = n
	}

	var err error
	if q.Reverse, err = parseFlag(params.Get("rev"), "rev"); err != nil {
		return q, err
	}
	if q.IncludeSeen, err = parseFlag(params.Get("seen"), "seen"); err != nil {
		return q, err
	}

	if s := params.Get("l"); s != "" {
		if q.Level, err = model.ParseLevel(s); err != nil {
			return q, model.NewInvalidArgumentError(err.Error())
		}
	}
	if s := params.Get("v"); s != "" {
		if q.Verb, err = model.ParseVerb(s); err != nil {
			return q, model.NewInvalidArgumentError(err.Error())
		}
	}
	return q, nil
}

func parseFlag(s, name string) (bool, error) {
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(strings.ToLower(s))
	if err != nil {
		return false, model.NewInvalidArgumentError(name + " must be a boolean")
	}
	return b, nil
}

// requireUser はコンテキストからユーザーIDを取得し、なければ401を書き込む。
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

func toFeedResponse(list *notification.List, userView bool) feedResponse {
	if userView {
		views := list.Views
		if views == nil {
			views = []model.UserView{}
		}
		return feedResponse{Feed: views, Unseen: list.Unseen}
	}
	notes := list.Notifications
	if notes == nil {
		notes = []model.Notification{}
	}
	return feedResponse{Feed: notes, Unseen: list.Unseen}
}

func userViews(notes []model.Notification) []model.UserView {
	views := make([]model.UserView, len(notes))
	for i := range notes {
		views[i] = notes[i].UserView()
	}
	return views
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
