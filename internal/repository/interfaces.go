// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/notefeed/internal/model"
)

// TimelineQuery はタイムライン取得条件を表す。
type TimelineQuery struct {
	Count       int         // 最大取得件数（1以上）
	IncludeSeen bool        // falseの場合は未読のみ
	Level       model.Level // 空の場合は全レベル
	Verb        model.Verb  // 空の場合は全Verb
	Reverse     bool        // trueの場合は古い順
}

// TimelineStore はユーザーごとのタイムライン読み取りインターフェース。
// 期限切れのアクティビティは返さない。
type TimelineStore interface {
	// GetTimeline はユーザーが配信先に含まれるアクティビティを取得する。
	// created降順（Reverse時は昇順）でCount件まで返す。
	GetTimeline(ctx context.Context, userID string, q TimelineQuery) ([]model.Activity, error)

	// GetSingleActivityFromTimeline はユーザーのタイムライン上の1件を取得する。
	// 存在しない場合、またはユーザーが配信先に含まれない場合はnilを返す。
	GetSingleActivityFromTimeline(ctx context.Context, userID, activityID string) (*model.Activity, error)

	// VisibleActivityIDs は指定IDのうちユーザーのタイムライン上にあるIDを返す。
	// 順序は保証しない。
	VisibleActivityIDs(ctx context.Context, userID string, activityIDs []string) ([]string, error)
}

// ActivityStore はアクティビティの永続化と既読状態管理のインターフェース。
type ActivityStore interface {
	// AddToStorage はアクティビティを保存し、採番したIDを返す。
	// recipientsが配信先かつ初期の未読集合になる。
	AddToStorage(ctx context.Context, activity *model.Activity, recipients []string) (string, error)

	// SetSeen は指定ユーザーを各アクティビティの未読集合から除く。
	// ユーザーが配信先でないアクティビティは変更しない。冪等。
	SetSeen(ctx context.Context, activityIDs []string, userID string) error

	// SetUnseen は指定ユーザーを各アクティビティの未読集合に加える。
	// ユーザーが配信先でないアクティビティは変更しない。冪等。
	SetUnseen(ctx context.Context, activityIDs []string, userID string) error

	// GetUnseenCount は期限内でユーザーが未読のアクティビティ数を返す。
	GetUnseenCount(ctx context.Context, userID string) (int, error)

	// GetByExternalKey はsourceと外部キーでアクティビティを検索する。
	// 戻り値は外部キーをキーとするマップ。見つからないキーは含まれない。
	GetByExternalKey(ctx context.Context, source string, externalKeys []string) (map[string]*model.Activity, error)

	// ExpireActivities は指定アクティビティを即時期限切れにし、期限切れにしたIDを返す。
	// sourceが空でない場合は発生元が一致するものだけを対象にする。
	ExpireActivities(ctx context.Context, source string, activityIDs []string) ([]string, error)
}
