// Package model はドメインモデルを定義する。
package model

import "time"

// UnknownActorName はアクターディレクトリで名前を解決できなかった場合の表示名。
const UnknownActorName = "Unknown"

// Activity はアクティビティ（通知）の正規レコードを表す。
// 「actor が verb した object（target に対して）」という形を取る。
type Activity struct {
	ID          string         `json:"id"`
	Actor       string         `json:"actor"`
	Verb        Verb           `json:"verb"`
	Object      string         `json:"object"`
	Source      string         `json:"source"`
	Target      []string       `json:"target,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Level       Level          `json:"level"`
	ExternalKey string         `json:"external_key,omitempty"`
	Created     time.Time      `json:"created"`
	Expires     time.Time      `json:"expires"`

	// Users は配信先ユーザーの集合。
	Users []string `json:"users,omitempty"`
	// Unseen はまだ未読のユーザーの集合。常にUsersの部分集合。
	// 既読化/未読化の明示的な操作でのみ変化する。
	Unseen []string `json:"-"`
}

// IsUnseenBy は指定ユーザーにとって未読かどうかを返す。
func (a *Activity) IsUnseenBy(userID string) bool {
	for _, u := range a.Unseen {
		if u == userID {
			return true
		}
	}
	return false
}

// ValidateExpiration は有効期限が作成日時より後であることを検証する。
func ValidateExpiration(created, expires time.Time) error {
	if !expires.After(created) {
		return NewInvalidArgumentError("expires must be after created")
	}
	return nil
}

// Notification はフィードに返すアクティビティの水和済みビュー。
// リクエストごとに生成され、永続化されない。
type Notification struct {
	Activity
	Seen      bool   `json:"seen"`
	ActorName string `json:"actor_name"`
}

// UserView は呼び出し元（エンドユーザー）向けに縮約した通知の表現。
// 配信先リストは含めない。時刻はエポックミリ秒で表す。
type UserView struct {
	ID          string         `json:"id"`
	Actor       string         `json:"actor"`
	ActorName   string         `json:"actor_name"`
	Verb        string         `json:"verb"`
	Object      string         `json:"object"`
	Source      string         `json:"source"`
	Context     map[string]any `json:"context"`
	Target      []string       `json:"target"`
	Level       string         `json:"level"`
	Created     int64          `json:"created"`
	Expires     int64          `json:"expires"`
	Seen        bool           `json:"seen"`
	ExternalKey string         `json:"external_key"`
}

// UserView はNotificationをUserViewに変換する。
func (n *Notification) UserView() UserView {
	return UserView{
		ID:          n.ID,
		Actor:       n.Actor,
		ActorName:   n.ActorName,
		Verb:        n.Verb.PastTense(),
		Object:      n.Object,
		Source:      n.Source,
		Context:     n.Context,
		Target:      n.Target,
		Level:       string(n.Level),
		Created:     n.Created.UnixMilli(),
		Expires:     n.Expires.UnixMilli(),
		Seen:        n.Seen,
		ExternalKey: n.ExternalKey,
	}
}
