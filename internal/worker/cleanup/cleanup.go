// Package cleanup は期限切れ通知の自動削除ジョブを提供する。
// 有効期限を保持期間以上過ぎたアクティビティを定期バッチで削除する。
// 期限切れの通知はフィードから既に見えないため、削除は容量回収のみを目的とする。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays は期限切れ後に通知を保持する日数のデフォルト値。
const DefaultRetentionDays = 30

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Recorder は削除件数の記録先。metrics.Collectorが実装する。
type Recorder interface {
	RecordCleanupDeleted(count int64)
}

// CleanupJob は期限切れ通知の自動削除ジョブ。冪等。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	metrics       Recorder
	RetentionDays int // 期限切れ後の保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(db Executor, logger *slog.Logger, recorder Recorder) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		metrics:       recorder,
		RetentionDays: DefaultRetentionDays,
	}
}

// Run はexpires_atがRetentionDays日より前のアクティビティを削除し、削除件数を返す。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `DELETE FROM activities WHERE expires_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("通知クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, fmt.Errorf("通知クリーンアップの実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	if j.metrics != nil {
		j.metrics.RecordCleanupDeleted(deletedCount)
	}

	j.logger.Info("通知クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return deletedCount, nil
}

// Start はintervalごとにRunを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続し、失敗は記録して次回に持ち越す。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	_, _ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("通知クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_, _ = j.Run(ctx)
		}
	}
}
