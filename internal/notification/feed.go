// Package notification はユーザーごとの通知フィードを提供する。
// タイムラインの読み取り、既読・未読の切り替え、アクター名の付与を担う。
package notification

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/hitoshi/notefeed/internal/actor"
	"github.com/hitoshi/notefeed/internal/cache"
	"github.com/hitoshi/notefeed/internal/model"
	"github.com/hitoshi/notefeed/internal/repository"
)

const (
	// DefaultCount は件数未指定時の取得件数。
	DefaultCount = 10
	// DefaultActorCacheCapacity はアクター名キャッシュのデフォルト容量。
	DefaultActorCacheCapacity = 1000
	// DefaultActorCacheTTL はアクター名キャッシュのデフォルトTTL。
	DefaultActorCacheTTL = 10 * time.Minute
)

// Recorder はフィード操作のメトリクス記録インターフェース。
// metrics.Collectorが満たす。
type Recorder interface {
	RecordFeedOperation(op string, err error, duration time.Duration)
	RecordActorLookup(hits, misses int)
	RecordMarked(seen bool, count int)
}

type noopRecorder struct{}

func (noopRecorder) RecordFeedOperation(string, error, time.Duration) {}
func (noopRecorder) RecordActorLookup(int, int)                       {}
func (noopRecorder) RecordMarked(bool, int)                           {}

// Deps はFeedの依存関係。
type Deps struct {
	Timeline   repository.TimelineStore
	Activities repository.ActivityStore
	Actors     actor.Directory
	Metrics    Recorder     // nilの場合は記録しない
	Logger     *slog.Logger // nilの場合はslog.Default()

	ActorCacheCapacity int              // 0以下の場合はDefaultActorCacheCapacity
	ActorCacheTTL      time.Duration    // 0以下の場合はDefaultActorCacheTTL
	Clock              func() time.Time // キャッシュの時刻取得。テスト用
}

// Query は通知一覧の取得条件。
type Query struct {
	Count       int
	IncludeSeen bool
	Level       model.Level
	Verb        model.Verb
	Reverse     bool
}

// DefaultQuery はデフォルトの取得条件（未読のみ・新しい順・10件）を返す。
func DefaultQuery() Query {
	return Query{Count: DefaultCount}
}

// List は通知一覧と未読数の組。
// 一覧と未読数は別々に読み取るため、並行して既読化された場合に一時的に一致しないことがある。
type List struct {
	Notifications []model.Notification
	Views         []model.UserView // userView指定時のみ
	Unseen        int
}

// Feed は1ユーザー分の通知フィード。
// 並行利用に対して安全。保持する可変状態はアクター名キャッシュのみで、
// 既読状態はキャッシュせず常にストアから読み取る。
type Feed struct {
	userID     string
	timeline   repository.TimelineStore
	activities repository.ActivityStore
	actors     actor.Directory
	metrics    Recorder
	logger     *slog.Logger
	actorNames *cache.TTL[string, string]
}

// NewFeed はユーザーの通知フィードを生成する。
func NewFeed(userID string, deps Deps) *Feed {
	capacity := deps.ActorCacheCapacity
	if capacity <= 0 {
		capacity = DefaultActorCacheCapacity
	}
	ttl := deps.ActorCacheTTL
	if ttl <= 0 {
		ttl = DefaultActorCacheTTL
	}
	var opts []cache.Option
	if deps.Clock != nil {
		opts = append(opts, cache.WithClock(deps.Clock))
	}
	rec := deps.Metrics
	if rec == nil {
		rec = noopRecorder{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Feed{
		userID:     userID,
		timeline:   deps.Timeline,
		activities: deps.Activities,
		actors:     deps.Actors,
		metrics:    rec,
		logger:     logger.With(slog.String("feed_user_id", userID)),
		actorNames: cache.New[string, string](capacity, ttl, opts...),
	}
}

// UserID はフィードの所有ユーザーIDを返す。
func (f *Feed) UserID() string {
	return f.userID
}

// GetActivities はユーザーの通知を取得する。
// Countが0以下の場合はストアを呼び出さずInvalidArgumentを返す。
// 結果は(Created, ID)の降順（Reverse時は昇順）に並ぶ。
func (f *Feed) GetActivities(ctx context.Context, q Query) (notes []model.Notification, err error) {
	defer f.observe("get_activities", time.Now(), &err)
	return f.getActivities(ctx, q)
}

func (f *Feed) getActivities(ctx context.Context, q Query) ([]model.Notification, error) {
	if q.Count <= 0 {
		return nil, model.NewInvalidCountError()
	}

	acts, err := f.timeline.GetTimeline(ctx, f.userID, repository.TimelineQuery{
		Count:       q.Count,
		IncludeSeen: q.IncludeSeen,
		Level:       q.Level,
		Verb:        q.Verb,
		Reverse:     q.Reverse,
	})
	if err != nil {
		return nil, storageError("timeline.get", err)
	}

	sortActivities(acts, q.Reverse)
	if len(acts) > q.Count {
		acts = acts[:q.Count]
	}

	names, err := f.resolveActorNames(ctx, distinctActors(acts))
	if err != nil {
		return nil, err
	}

	notes := make([]model.Notification, 0, len(acts))
	for _, a := range acts {
		notes = append(notes, f.hydrate(a, names))
	}
	return notes, nil
}

// GetNotifications は通知一覧と未読数を取得する。
// userViewがtrueの場合はユーザー向けビューも生成する。
func (f *Feed) GetNotifications(ctx context.Context, q Query, userView bool) (list *List, err error) {
	defer f.observe("get_notifications", time.Now(), &err)

	notes, err := f.getActivities(ctx, q)
	if err != nil {
		return nil, err
	}
	unseen, err := f.getUnseenCount(ctx)
	if err != nil {
		return nil, err
	}

	list = &List{Notifications: notes, Unseen: unseen}
	if userView {
		list.Views = make([]model.UserView, 0, len(notes))
		for i := range notes {
			list.Views = append(list.Views, notes[i].UserView())
		}
	}
	return list, nil
}

// GetNotification はユーザーのタイムライン上の通知を1件取得する。
// 存在しない場合と閲覧できない場合はどちらもNotFoundを返す。
func (f *Feed) GetNotification(ctx context.Context, noteID string) (note *model.Notification, err error) {
	defer f.observe("get_notification", time.Now(), &err)

	if noteID == "" {
		return nil, model.NewNotificationNotFoundError(noteID)
	}

	a, err := f.timeline.GetSingleActivityFromTimeline(ctx, f.userID, noteID)
	if err != nil {
		return nil, storageError("timeline.get_single", err)
	}
	if a == nil {
		return nil, model.NewNotificationNotFoundError(noteID)
	}

	names, err := f.resolveActorNames(ctx, []string{a.Actor})
	if err != nil {
		return nil, err
	}

	n := f.hydrate(*a, names)
	return &n, nil
}

// VisibleActivities は指定IDのうちユーザーのタイムライン上にあるIDを入力順で返す。
// アクター名は解決しないため、ディレクトリの障害の影響を受けない。
func (f *Feed) VisibleActivities(ctx context.Context, activityIDs []string) (visible []string, err error) {
	defer f.observe("visible_activities", time.Now(), &err)

	if len(activityIDs) == 0 {
		return nil, nil
	}

	found, err := f.timeline.VisibleActivityIDs(ctx, f.userID, activityIDs)
	if err != nil {
		return nil, storageError("timeline.visible", err)
	}

	ok := make(map[string]bool, len(found))
	for _, id := range found {
		ok[id] = true
	}
	for _, id := range activityIDs {
		if ok[id] {
			visible = append(visible, id)
			delete(ok, id)
		}
	}
	return visible, nil
}

// MarkActivities は指定した通知を既読（seen=true）または未読（seen=false）にする。
// ユーザーが配信先でない通知は無視される。空のリストはストアを呼び出さない。
func (f *Feed) MarkActivities(ctx context.Context, activityIDs []string, seen bool) (err error) {
	defer f.observe("mark_activities", time.Now(), &err)

	if len(activityIDs) == 0 {
		return nil
	}

	if seen {
		err = f.activities.SetSeen(ctx, activityIDs, f.userID)
	} else {
		err = f.activities.SetUnseen(ctx, activityIDs, f.userID)
	}
	if err != nil {
		return storageError("activity.mark", err)
	}

	f.metrics.RecordMarked(seen, len(activityIDs))
	f.logger.Debug("通知の既読状態を更新しました",
		slog.Int("count", len(activityIDs)),
		slog.Bool("seen", seen),
	)
	return nil
}

// AddActivity はアクティビティをこのユーザーのフィードにのみ配信し、採番されたIDを返す。
func (f *Feed) AddActivity(ctx context.Context, activity *model.Activity) (id string, err error) {
	defer f.observe("add_activity", time.Now(), &err)

	if activity == nil {
		return "", model.NewInvalidArgumentError("activity is required")
	}

	a := *activity
	id, err = f.activities.AddToStorage(ctx, &a, []string{f.userID})
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return "", err
		}
		return "", storageError("activity.add", err)
	}

	f.logger.Info("通知を追加しました",
		slog.String("activity_id", id),
		slog.String("verb", string(a.Verb)),
		slog.String("source", a.Source),
	)
	return id, nil
}

// AddNotification はAddActivityの別名。
func (f *Feed) AddNotification(ctx context.Context, activity *model.Activity) (string, error) {
	return f.AddActivity(ctx, activity)
}

// GetUnseenCount はユーザーの未読通知数をストアから取得する。
func (f *Feed) GetUnseenCount(ctx context.Context) (count int, err error) {
	defer f.observe("get_unseen_count", time.Now(), &err)
	return f.getUnseenCount(ctx)
}

func (f *Feed) getUnseenCount(ctx context.Context) (int, error) {
	count, err := f.activities.GetUnseenCount(ctx, f.userID)
	if err != nil {
		return 0, storageError("activity.unseen_count", err)
	}
	return count, nil
}

// resolveActorNames はアクターIDを表示名に解決する。
// キャッシュにないIDのみを1回のバッチでディレクトリに問い合わせ、
// 問い合わせが完了した結果だけをキャッシュに格納する。
func (f *Feed) resolveActorNames(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	var missing []string
	for _, id := range ids {
		if name, ok := f.actorNames.Get(id); ok {
			names[id] = name
			continue
		}
		missing = append(missing, id)
	}
	f.metrics.RecordActorLookup(len(ids)-len(missing), len(missing))

	if len(missing) == 0 || f.actors == nil {
		return names, nil
	}

	resolved, err := f.actors.Resolve(ctx, missing)
	if err != nil {
		return nil, storageError("actor.resolve", err)
	}

	for _, id := range missing {
		info, ok := resolved[id]
		if !ok || info.Name == "" {
			continue
		}
		f.actorNames.Put(id, info.Name)
		names[id] = info.Name
	}

	if unresolved := len(missing) - countResolved(missing, names); unresolved > 0 {
		f.logger.Debug("アクター名を解決できませんでした",
			slog.Int("unresolved", unresolved),
		)
	}
	return names, nil
}

func (f *Feed) hydrate(a model.Activity, names map[string]string) model.Notification {
	name, ok := names[a.Actor]
	if !ok {
		name = model.UnknownActorName
	}
	return model.Notification{
		Activity:  a,
		Seen:      !a.IsUnseenBy(f.userID),
		ActorName: name,
	}
}

func (f *Feed) observe(op string, start time.Time, err *error) {
	f.metrics.RecordFeedOperation(op, *err, time.Since(start))
	if *err != nil && errors.Is(*err, model.ErrStorageUnavailable) {
		f.logger.Warn("ストレージ呼び出しに失敗しました",
			slog.String("op", op),
			slog.String("error", (*err).Error()),
		)
	}
}

// sortActivities は(Created, ID)で安定ソートする。
func sortActivities(acts []model.Activity, reverse bool) {
	sort.SliceStable(acts, func(i, j int) bool {
		a, b := acts[i], acts[j]
		if !a.Created.Equal(b.Created) {
			if reverse {
				return a.Created.Before(b.Created)
			}
			return a.Created.After(b.Created)
		}
		if reverse {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})
}

// distinctActors は出現順を保ったまま重複しないアクターIDを返す。
func distinctActors(acts []model.Activity) []string {
	seen := make(map[string]bool, len(acts))
	ids := make([]string, 0, len(acts))
	for _, a := range acts {
		if a.Actor == "" || seen[a.Actor] {
			continue
		}
		seen[a.Actor] = true
		ids = append(ids, a.Actor)
	}
	return ids
}

func countResolved(ids []string, names map[string]string) int {
	n := 0
	for _, id := range ids {
		if _, ok := names[id]; ok {
			n++
		}
	}
	return n
}

// storageError はストア・ディレクトリのエラーをStorageErrorとして返す。
// 既にStorageErrorの場合はそのまま返す。
func storageError(op string, err error) error {
	if errors.Is(err, model.ErrStorageUnavailable) {
		return err
	}
	return model.NewStorageError(op, err)
}
