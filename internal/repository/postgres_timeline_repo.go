package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/notefeed/internal/model"
)

// timelinePrealloc は結果スライスの初期容量の上限。
// Countは呼び出し元の指定値のため、そのまま容量に使わない。
const timelinePrealloc = 100

// PostgresTimelineRepo はPostgreSQLを使用したタイムラインリポジトリ。
type PostgresTimelineRepo struct {
	db *sql.DB
}

// NewPostgresTimelineRepo はPostgresTimelineRepoを生成する。
func NewPostgresTimelineRepo(db *sql.DB) *PostgresTimelineRepo {
	return &PostgresTimelineRepo{db: db}
}

// buildTimelineQuery はタイムライン取得用のSQLと引数を組み立てる。
// $1は常にユーザーID。
func buildTimelineQuery(userID string, q TimelineQuery) (string, []any) {
	query := `SELECT ` + activityColumns + `
		FROM activities
		WHERE users @> ARRAY[$1]::text[] AND expires_at > now()`

	args := []any{userID}
	argIndex := 2

	if !q.IncludeSeen {
		query += " AND unseen @> ARRAY[$1]::text[]"
	}
	if q.Level != "" {
		query += fmt.Sprintf(" AND level = $%d", argIndex)
		args = append(args, string(q.Level))
		argIndex++
	}
	if q.Verb != "" {
		query += fmt.Sprintf(" AND verb = $%d", argIndex)
		args = append(args, string(q.Verb))
		argIndex++
	}

	order := "DESC"
	if q.Reverse {
		order = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY created_at %s, id %s LIMIT $%d", order, order, argIndex)
	args = append(args, q.Count)

	return query, args
}

// GetTimeline はユーザーが配信先に含まれる期限内のアクティビティを取得する。
func (r *PostgresTimelineRepo) GetTimeline(ctx context.Context, userID string, q TimelineQuery) ([]model.Activity, error) {
	query, args := buildTimelineQuery(userID, q)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.NewStorageError("timeline.get", fmt.Errorf("タイムラインの取得に失敗しました: %w", err))
	}
	defer rows.Close()

	activities := make([]model.Activity, 0, min(max(q.Count, 0), timelinePrealloc))
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, model.NewStorageError("timeline.get", fmt.Errorf("アクティビティ行の読み取りに失敗しました: %w", err))
		}
		activities = append(activities, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("timeline.get", fmt.Errorf("タイムラインの走査に失敗しました: %w", err))
	}

	return activities, nil
}

// GetSingleActivityFromTimeline はユーザーのタイムライン上の1件を取得する。
// 見つからない場合はnilを返す。
func (r *PostgresTimelineRepo) GetSingleActivityFromTimeline(ctx context.Context, userID, activityID string) (*model.Activity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+activityColumns+`
		 FROM activities
		 WHERE id = $1 AND users @> ARRAY[$2]::text[] AND expires_at > now()`,
		activityID, userID,
	)

	a, err := scanActivity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewStorageError("timeline.get_single", fmt.Errorf("アクティビティの取得に失敗しました: %w", err))
	}

	return a, nil
}

// VisibleActivityIDs は指定IDのうちユーザーが配信先に含まれる期限内のIDを1回のクエリで返す。
func (r *PostgresTimelineRepo) VisibleActivityIDs(ctx context.Context, userID string, activityIDs []string) ([]string, error) {
	ids := uniqueStrings(activityIDs)
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM activities
		 WHERE id = ANY($1) AND users @> ARRAY[$2]::text[] AND expires_at > now()`,
		pq.Array(ids), userID,
	)
	if err != nil {
		return nil, model.NewStorageError("timeline.visible", fmt.Errorf("閲覧可能なIDの取得に失敗しました: %w", err))
	}
	defer rows.Close()

	var visible []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, model.NewStorageError("timeline.visible", fmt.Errorf("IDの読み取りに失敗しました: %w", err))
		}
		visible = append(visible, id)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("timeline.visible", fmt.Errorf("IDの走査に失敗しました: %w", err))
	}
	return visible, nil
}

// compile-time interface check
var _ TimelineStore = (*PostgresTimelineRepo)(nil)
