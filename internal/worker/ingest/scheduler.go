// Package ingest はお知らせフィード（RSS/Atom）をグローバルフィードへ取り込むワーカーを提供する。
// スケジューラ、フェッチャー、リトライ/バックオフ戦略を含む。
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SourceFetcher はお知らせフィード1件の取り込みインターフェース。
type SourceFetcher interface {
	Fetch(ctx context.Context, src *Source) error
}

// Scheduler はお知らせフィード取り込みのスケジューリングと並列制御を行う。
// ティッカーごとに取り込み時刻に達したフィードを選び、
// semaphoreパターンで最大並列数を制御しながら取り込みを実行する。
type Scheduler struct {
	sources        []*Source
	fetcher        SourceFetcher
	logger         *slog.Logger
	maxConcurrency int
	now            func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(
	sources []*Source,
	fetcher SourceFetcher,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Scheduler{
		sources:        sources,
		fetcher:        fetcher,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		now:            time.Now,
	}
}

// Start はintervalごとのティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("お知らせ取り込みスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("source_count", len(s.sources)),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("お知らせ取り込みスケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は取り込み時刻に達したフィードを並列で取り込み、取り込んだフィード数を返す。
// 各Sourceは同時に1つのゴルーチンからのみ更新される。
func (s *Scheduler) RunOnce(ctx context.Context) int {
	start := time.Now()
	now := s.now()

	var due []*Source
	for _, src := range s.sources {
		if src.IsDue(now) {
			due = append(due, src)
		}
	}
	if len(due) == 0 {
		s.logger.Debug("取り込み対象のお知らせフィードはありません")
		return 0
	}

	s.logger.Info("取り込みサイクルを開始します",
		slog.Int("source_count", len(due)),
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, src := range due {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(src *Source) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.fetcher.Fetch(ctx, src); err != nil {
				s.logger.Error("お知らせフィードの取り込みに失敗しました",
					slog.String("source_url", src.URL),
					slog.String("error", err.Error()),
				)
			}
		}(src)
	}

	wg.Wait()

	s.logger.Info("取り込みサイクルが完了しました",
		slog.Int("source_count", len(due)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return len(due)
}
