package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/notefeed/internal/middleware"
	"github.com/hitoshi/notefeed/internal/model"
	"github.com/hitoshi/notefeed/internal/security"
)

// ActivityAdmin はサービス・管理者向け操作に必要なストア操作。
// repository.ActivityStoreが実装する。
type ActivityAdmin interface {
	GetByExternalKey(ctx context.Context, source string, externalKeys []string) (map[string]*model.Activity, error)
	ExpireActivities(ctx context.Context, source string, activityIDs []string) ([]string, error)
}

// ServiceHandler はサービスアカウント・管理者向けAPIのHTTPハンドラー。
type ServiceHandler struct {
	feeds     FeedProvider
	admin     ActivityAdmin
	sanitizer security.Sanitizer
	validator *RequestValidator
	now       func() time.Time
}

// NewServiceHandler はServiceHandlerを生成する。
func NewServiceHandler(feeds FeedProvider, admin ActivityAdmin, sanitizer security.Sanitizer, v *RequestValidator) *ServiceHandler {
	return &ServiceHandler{
		feeds:     feeds,
		admin:     admin,
		sanitizer: sanitizer,
		validator: v,
		now:       time.Now,
	}
}

// addNotificationRequest は通知追加リクエストのボディ。
// sourceはサービストークンの場合トークンのsubで上書きされる。
// expiresはエポックミリ秒。省略時は既定の有効期間を使う。
type addNotificationRequest struct {
	Actor       string         `json:"actor" validate:"required,max=256"`
	Verb        vocabTerm      `json:"verb" validate:"required"`
	Object      string         `json:"object" validate:"max=1024"`
	Target      []string       `json:"target" validate:"max=100,dive,max=256"`
	Context     map[string]any `json:"context"`
	Level       vocabTerm      `json:"level"`
	Source      string         `json:"source" validate:"max=256"`
	ExternalKey string         `json:"external_key" validate:"max=256"`
	Expires     *int64         `json:"expires" validate:"omitempty,gt=0"`
}

// vocabTerm はverb・levelの値。JSONでは名前（文字列）と数値コードのどちらも受け付ける。
type vocabTerm string

func (t *vocabTerm) UnmarshalJSON(b []byte) error {
	var code json.Number
	if err := json.Unmarshal(b, &code); err == nil {
		*t = vocabTerm(code.String())
		return nil
	}
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("must be a string or an integer code")
	}
	*t = vocabTerm(name)
	return nil
}

// expireRequest は期限切れリクエストのボディ。
type expireRequest struct {
	NoteIDs      []string `json:"note_ids" validate:"max=1000,dive,required"`
	ExternalKeys []string `json:"external_keys" validate:"max=1000,dive,required"`
	Source       string   `json:"source" validate:"max=256"`
}

type expireIDs struct {
	NoteIDs      []string `json:"note_ids"`
	ExternalKeys []string `json:"external_keys"`
}

type expireResponse struct {
	Expired      expireIDs `json:"expired"`
	Unauthorized expireIDs `json:"unauthorized"`
}

// AddNotification は指定ユーザーのフィードに通知を追加する。
// POST /api/v1/users/{user_id}/notifications
func (h *ServiceHandler) AddNotification(w http.ResponseWriter, r *http.Request) {
	callerID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req addNotificationRequest
	if err := h.validator.decodeAndValidate(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	activity, err := h.toActivity(req)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if middleware.RoleFromContext(r.Context()) == middleware.RoleService {
		activity.Source = callerID
	}
	if activity.Source == "" {
		middleware.WriteError(w, r, model.NewInvalidArgumentError("source is required"))
		return
	}

	id, err := h.feeds.ForUser(chi.URLParam(r, "user_id")).AddActivity(r.Context(), activity)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// GetByExternalKey は外部キーで通知を取得する。
// GET /api/v1/notification/external_key/{key}?source=
func (h *ServiceHandler) GetByExternalKey(w http.ResponseWriter, r *http.Request) {
	callerID, ok := requireUser(w, r)
	if !ok {
		return
	}

	source := h.sourceFor(r, callerID, r.URL.Query().Get("source"))
	if source == "" {
		middleware.WriteError(w, r, model.NewInvalidArgumentError("source is required"))
		return
	}

	key := chi.URLParam(r, "key")
	found, err := h.admin.GetByExternalKey(r.Context(), source, []string{key})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	activity, ok := found[key]
	if !ok {
		middleware.WriteError(w, r, model.NewNotificationNotFoundError(key))
		return
	}

	writeJSON(w, http.StatusOK, map[string]*model.Activity{"notification": activity})
}

// Expire は通知をIDまたは外部キーで即時期限切れにする。
// サービストークンは自身が発生元の通知のみ対象にできる。
// POST /api/v1/notifications/expire
func (h *ServiceHandler) Expire(w http.ResponseWriter, r *http.Request) {
	callerID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req expireRequest
	if err := h.validator.decodeAndValidate(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	source := h.sourceFor(r, callerID, req.Source)
	if len(req.ExternalKeys) > 0 && source == "" {
		middleware.WriteError(w, r, model.NewInvalidArgumentError("source is required with external_keys"))
		return
	}

	resp := expireResponse{
		Expired:      expireIDs{NoteIDs: []string{}, ExternalKeys: []string{}},
		Unauthorized: expireIDs{NoteIDs: []string{}, ExternalKeys: []string{}},
	}

	keyByID := make(map[string]string)
	if len(req.ExternalKeys) > 0 {
		found, err := h.admin.GetByExternalKey(r.Context(), source, req.ExternalKeys)
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		for _, key := range dedupeIDs(req.ExternalKeys) {
			if a, ok := found[key]; ok {
				keyByID[a.ID] = key
			} else {
				resp.Unauthorized.ExternalKeys = append(resp.Unauthorized.ExternalKeys, key)
			}
		}
	}

	ids := dedupeIDs(req.NoteIDs)
	targets := append([]string(nil), ids...)
	for id := range keyByID {
		targets = append(targets, id)
	}

	var expired []string
	if len(targets) > 0 {
		var err error
		if expired, err = h.admin.ExpireActivities(r.Context(), source, targets); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
	}
	expiredSet := make(map[string]bool, len(expired))
	for _, id := range expired {
		expiredSet[id] = true
	}

	for _, id := range ids {
		if expiredSet[id] {
			resp.Expired.NoteIDs = append(resp.Expired.NoteIDs, id)
		} else {
			resp.Unauthorized.NoteIDs = append(resp.Unauthorized.NoteIDs, id)
		}
	}
	for _, key := range dedupeIDs(req.ExternalKeys) {
		if isKeyExpired(key, keyByID, expiredSet) {
			resp.Expired.ExternalKeys = append(resp.Expired.ExternalKeys, key)
		} else if !contains(resp.Unauthorized.ExternalKeys, key) {
			resp.Unauthorized.ExternalKeys = append(resp.Unauthorized.ExternalKeys, key)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// sourceFor はサービストークンの場合はトークンのsubを、それ以外は指定値を返す。
func (h *ServiceHandler) sourceFor(r *http.Request, callerID, requested string) string {
	if middleware.RoleFromContext(r.Context()) == middleware.RoleService {
		return callerID
	}
	return requested
}

// toActivity はリクエストを無害化してActivityに変換する。
func (h *ServiceHandler) toActivity(req addNotificationRequest) (*model.Activity, error) {
	verb, err := model.ParseVerb(string(req.Verb))
	if err != nil {
		return nil, model.NewInvalidArgumentError(err.Error())
	}
	level := model.DefaultLevel
	if req.Level != "" {
		if level, err = model.ParseLevel(string(req.Level)); err != nil {
			return nil, model.NewInvalidArgumentError(err.Error())
		}
	}

	target := make([]string, 0, len(req.Target))
	for _, t := range req.Target {
		if clean := h.sanitizer.SanitizeText(t); clean != "" {
			target = append(target, clean)
		}
	}

	a := &model.Activity{
		Actor:       h.sanitizer.SanitizeText(req.Actor),
		Verb:        verb,
		Object:      h.sanitizer.SanitizeText(req.Object),
		Target:      target,
		Context:     h.sanitizer.SanitizeContext(req.Context),
		Level:       level,
		Source:      h.sanitizer.SanitizeText(req.Source),
		ExternalKey: req.ExternalKey,
	}
	if req.Expires != nil {
		// 期限の比較対象を保存値と揃えるため、作成日時もここで確定する
		a.Created = h.now().Truncate(time.Millisecond)
		a.Expires = time.UnixMilli(*req.Expires)
		if err := model.ValidateExpiration(a.Created, a.Expires); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func isKeyExpired(key string, keyByID map[string]string, expired map[string]bool) bool {
	for id, k := range keyByID {
		if k == key && expired[id] {
			return true
		}
	}
	return false
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
