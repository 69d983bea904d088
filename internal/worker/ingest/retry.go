package ingest

import (
	"fmt"
	"time"
)

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK はフェッチ成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultNotModified はコンテンツ未変更（304）。
	FetchResultNotModified
	// FetchResultStop はフェッチ停止が必要なステータス（404/410/401/403）。
	FetchResultStop
	// FetchResultBackoff はバックオフが必要なステータス（429/5xx）。
	FetchResultBackoff
	// FetchResultUnknown は未知のステータスコード。
	FetchResultUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 30 * time.Minute
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 12 * time.Hour
	// parseFailureThreshold はパース失敗による取り込み停止の閾値。
	parseFailureThreshold = 10
)

// Source はお知らせフィード1件分の取り込み状態。
// 状態はワーカープロセスのメモリ上にのみ保持する。
type Source struct {
	URL string

	ETag              string
	LastModified      string
	ConsecutiveErrors int
	NextFetchAt       time.Time
	Stopped           bool
	ErrorMessage      string
}

// NewSources はURL一覧から取り込み状態を生成する。重複したURLは1件にまとめる。
func NewSources(urls []string) []*Source {
	seen := make(map[string]bool, len(urls))
	sources := make([]*Source, 0, len(urls))
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		sources = append(sources, &Source{URL: u})
	}
	return sources
}

// IsDue はnowの時点で取り込み対象かどうかを返す。
func (s *Source) IsDue(now time.Time) bool {
	return !s.Stopped && !s.NextFetchAt.After(now)
}

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == 200:
		return FetchResultOK
	case statusCode == 304:
		return FetchResultNotModified
	case statusCode == 404 || statusCode == 410:
		return FetchResultStop
	case statusCode == 401 || statusCode == 403:
		return FetchResultStop
	case statusCode == 429:
		return FetchResultBackoff
	case statusCode >= 500:
		return FetchResultBackoff
	default:
		return FetchResultUnknown
	}
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回30分、2倍ずつ増加、最大12時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// ApplyStop は取り込みを停止する。
func ApplyStop(src *Source, reason string) {
	src.Stopped = true
	src.ErrorMessage = reason
}

// ApplyBackoff は連続エラー回数をインクリメントし、指数バックオフで次回取り込み時刻を設定する。
func ApplyBackoff(src *Source, now time.Time, reason string) {
	src.ConsecutiveErrors++
	src.ErrorMessage = reason
	src.NextFetchAt = now.Add(CalculateBackoff(src.ConsecutiveErrors - 1))
}

// ApplySuccess は連続エラー回数をリセットし、interval後を次回取り込み時刻にする。
func ApplySuccess(src *Source, now time.Time, interval time.Duration) {
	src.ConsecutiveErrors = 0
	src.ErrorMessage = ""
	src.NextFetchAt = now.Add(interval)
}

// ApplyParseFailure はパース失敗時に連続エラー回数をインクリメントする。
// 閾値に達した場合は取り込みを停止する。
func ApplyParseFailure(src *Source, now time.Time, interval time.Duration, reason string) {
	src.ConsecutiveErrors++
	src.ErrorMessage = fmt.Sprintf("パース失敗 (%d回連続): %s", src.ConsecutiveErrors, reason)
	src.NextFetchAt = now.Add(interval)

	if src.ConsecutiveErrors >= parseFailureThreshold {
		src.Stopped = true
		src.ErrorMessage = fmt.Sprintf("パース失敗が%d回連続したため取り込みを停止しました: %s", src.ConsecutiveErrors, reason)
	}
}
