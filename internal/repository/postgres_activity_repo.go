package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/notefeed/internal/model"
	"github.com/lib/pq"
)

// DefaultLifespan はExpires未指定のアクティビティに適用する有効期間。
const DefaultLifespan = 30 * 24 * time.Hour

// PostgresActivityRepo はPostgreSQLを使用したアクティビティリポジトリ。
type PostgresActivityRepo struct {
	db       *sql.DB
	lifespan time.Duration
	now      func() time.Time
}

// NewPostgresActivityRepo はPostgresActivityRepoを生成する。
// lifespanが0以下の場合はDefaultLifespanを使用する。
func NewPostgresActivityRepo(db *sql.DB, lifespan time.Duration) *PostgresActivityRepo {
	if lifespan <= 0 {
		lifespan = DefaultLifespan
	}
	return &PostgresActivityRepo{
		db:       db,
		lifespan: lifespan,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// prepareActivity は保存前にID・日時・レベル・配信先を補完する。
func (r *PostgresActivityRepo) prepareActivity(a *model.Activity, recipients []string) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Created.IsZero() {
		a.Created = r.now()
	}
	if a.Expires.IsZero() {
		a.Expires = a.Created.Add(r.lifespan)
	}
	if a.Level == "" {
		a.Level = model.DefaultLevel
	}
	if a.Target == nil {
		a.Target = []string{}
	}
	users := uniqueStrings(recipients)
	a.Users = users
	a.Unseen = append([]string(nil), users...)
}

// AddToStorage はアクティビティを保存し、IDを返す。
// activityのID・作成日時・有効期限・配信先は保存時の値で更新される。
func (r *PostgresActivityRepo) AddToStorage(ctx context.Context, activity *model.Activity, recipients []string) (string, error) {
	r.prepareActivity(activity, recipients)

	contextJSON := []byte("{}")
	if activity.Context != nil {
		b, err := json.Marshal(activity.Context)
		if err != nil {
			return "", model.NewInvalidArgumentError(fmt.Sprintf("context must be JSON serializable: %v", err))
		}
		contextJSON = b
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO activities (id, actor, verb, object, source, target, context, level,
		                         external_key, users, unseen, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		activity.ID, activity.Actor, string(activity.Verb), activity.Object, activity.Source,
		pq.Array(activity.Target), contextJSON, string(activity.Level),
		nullString(activity.ExternalKey), pq.Array(activity.Users), pq.Array(activity.Unseen),
		activity.Created, activity.Expires,
	)
	if err != nil {
		return "", model.NewStorageError("activity.add", fmt.Errorf("アクティビティの作成に失敗しました: %w", err))
	}

	return activity.ID, nil
}

// SetSeen は指定ユーザーを未読集合から除く。
// 配信先かつ未読の行のみを対象にする単一のUPDATEで実行する。
func (r *PostgresActivityRepo) SetSeen(ctx context.Context, activityIDs []string, userID string) error {
	ids := uniqueStrings(activityIDs)
	if len(ids) == 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE activities SET unseen = array_remove(unseen, $1)
		 WHERE id = ANY($2)
		   AND users @> ARRAY[$1]::text[]
		   AND unseen @> ARRAY[$1]::text[]`,
		userID, pq.Array(ids),
	)
	if err != nil {
		return model.NewStorageError("activity.set_seen", fmt.Errorf("既読状態の更新に失敗しました: %w", err))
	}
	return nil
}

// SetUnseen は指定ユーザーを未読集合に加える。
// 配信先かつ既読の行のみを対象にするため、未読集合に重複は生じない。
func (r *PostgresActivityRepo) SetUnseen(ctx context.Context, activityIDs []string, userID string) error {
	ids := uniqueStrings(activityIDs)
	if len(ids) == 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE activities SET unseen = array_append(unseen, $1)
		 WHERE id = ANY($2)
		   AND users @> ARRAY[$1]::text[]
		   AND NOT (unseen @> ARRAY[$1]::text[])`,
		userID, pq.Array(ids),
	)
	if err != nil {
		return model.NewStorageError("activity.set_unseen", fmt.Errorf("未読状態の更新に失敗しました: %w", err))
	}
	return nil
}

// GetUnseenCount は期限内でユーザーが未読のアクティビティ数を返す。
func (r *PostgresActivityRepo) GetUnseenCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activities
		 WHERE unseen @> ARRAY[$1]::text[] AND expires_at > now()`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, model.NewStorageError("activity.unseen_count", fmt.Errorf("未読数の取得に失敗しました: %w", err))
	}
	return count, nil
}

// GetByExternalKey はsourceと外部キーでアクティビティを検索する。
func (r *PostgresActivityRepo) GetByExternalKey(ctx context.Context, source string, externalKeys []string) (map[string]*model.Activity, error) {
	keys := uniqueStrings(externalKeys)
	result := make(map[string]*model.Activity, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+activityColumns+`
		 FROM activities
		 WHERE source = $1 AND external_key = ANY($2)
		 ORDER BY created_at DESC`,
		source, pq.Array(keys),
	)
	if err != nil {
		return nil, model.NewStorageError("activity.by_external_key", fmt.Errorf("外部キーによる検索に失敗しました: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, model.NewStorageError("activity.by_external_key", fmt.Errorf("アクティビティ行の読み取りに失敗しました: %w", err))
		}
		// 同一キーが複数ある場合は最新のものを採用する
		if _, ok := result[a.ExternalKey]; !ok {
			result[a.ExternalKey] = a
		}
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("activity.by_external_key", fmt.Errorf("外部キー検索結果の走査に失敗しました: %w", err))
	}

	return result, nil
}

// ExpireActivities は指定アクティビティの有効期限を現在時刻に設定し、期限切れにしたIDを返す。
// sourceが空でない場合は発生元が一致するアクティビティのみ対象にする。
// 存在しないID・既に期限切れのIDは戻り値に含まれない。
func (r *PostgresActivityRepo) ExpireActivities(ctx context.Context, source string, activityIDs []string) ([]string, error) {
	ids := uniqueStrings(activityIDs)
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`UPDATE activities SET expires_at = now()
		 WHERE id = ANY($1) AND expires_at > now() AND ($2 = '' OR source = $2)
		 RETURNING id`,
		pq.Array(ids), source,
	)
	if err != nil {
		return nil, model.NewStorageError("activity.expire", fmt.Errorf("アクティビティの期限切れ処理に失敗しました: %w", err))
	}
	defer rows.Close()

	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, model.NewStorageError("activity.expire", fmt.Errorf("期限切れIDの読み取りに失敗しました: %w", err))
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("activity.expire", err)
	}
	return expired, nil
}

// compile-time interface check
var _ ActivityStore = (*PostgresActivityRepo)(nil)
