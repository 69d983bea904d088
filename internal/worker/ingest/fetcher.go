package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/notefeed/internal/model"
	"github.com/hitoshi/notefeed/internal/security"
)

// AnnouncementSource はお知らせ通知のsource。外部キーの名前空間も兼ねる。
const AnnouncementSource = "announcements"

// AnnouncementStore はお知らせの重複確認と保存に使うストア操作。
// repository.ActivityStoreが実装する。
type AnnouncementStore interface {
	GetByExternalKey(ctx context.Context, source string, externalKeys []string) (map[string]*model.Activity, error)
	AddToStorage(ctx context.Context, activity *model.Activity, recipients []string) (string, error)
}

// Recorder は取り込みメトリクスの記録先。metrics.Collectorが実装する。
type Recorder interface {
	RecordIngestSuccess(sourceURL string)
	RecordIngestFailure(sourceURL string, reason string)
	RecordParseFailure(sourceURL string)
	RecordHTTPStatus(statusCode int)
	RecordIngestLatency(duration time.Duration)
	RecordAnnouncementsAdded(count int)
}

type noopRecorder struct{}

func (noopRecorder) RecordIngestSuccess(string)         {}
func (noopRecorder) RecordIngestFailure(string, string) {}
func (noopRecorder) RecordParseFailure(string)          {}
func (noopRecorder) RecordHTTPStatus(int)               {}
func (noopRecorder) RecordIngestLatency(time.Duration)  {}
func (noopRecorder) RecordAnnouncementsAdded(int)       {}

// FetcherConfig はFetcherの設定。
type FetcherConfig struct {
	GlobalFeedID string        // お知らせの配信先
	ActorName    string        // お知らせのactor
	Interval     time.Duration // 成功後の次回取り込みまでの間隔
	Timeout      time.Duration
	MaxBodySize  int64
}

// Fetcher はお知らせフィードのHTTPフェッチとパースを行い、
// 新しい項目をグローバルフィード宛ての通知として保存する。
type Fetcher struct {
	store     AnnouncementStore
	guard     security.OutboundGuard
	sanitizer security.Sanitizer
	metrics   Recorder
	logger    *slog.Logger
	cfg       FetcherConfig
	now       func() time.Time
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
// recorderがnilの場合はメトリクスを記録しない。
func NewFetcher(
	store AnnouncementStore,
	guard security.OutboundGuard,
	sanitizer security.Sanitizer,
	recorder Recorder,
	logger *slog.Logger,
	cfg FetcherConfig,
) *Fetcher {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if cfg.ActorName == "" {
		cfg.ActorName = AnnouncementSource
	}
	return &Fetcher{
		store:     store,
		guard:     guard,
		sanitizer: sanitizer,
		metrics:   recorder,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Fetch はお知らせフィードを取り込み、結果に応じてsrcの状態を更新する。
// URLがHTMLページの場合はheadのフィードリンクを検出し、以降はそのURLから取り込む。
// 戻り値のエラーはHTTPリクエスト自体の失敗とストアの失敗のみ。
func (f *Fetcher) Fetch(ctx context.Context, src *Source) error {
	start := time.Now()
	defer func() { f.metrics.RecordIngestLatency(time.Since(start)) }()
	return f.fetch(ctx, src, start, true)
}

func (f *Fetcher) fetch(ctx context.Context, src *Source, start time.Time, allowDiscovery bool) error {
	if err := f.guard.ValidateURL(src.URL); err != nil {
		f.logger.Error("URL検証に失敗しました",
			slog.String("source_url", src.URL),
			slog.String("error", err.Error()),
		)
		f.metrics.RecordIngestFailure(src.URL, "invalid_url")
		ApplyStop(src, fmt.Sprintf("URL検証失敗: %s", err.Error()))
		return fmt.Errorf("URL検証に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "notefeed/1.0 announcement ingester")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
	if src.ETag != "" {
		req.Header.Set("If-None-Match", src.ETag)
	}
	if src.LastModified != "" {
		req.Header.Set("If-Modified-Since", src.LastModified)
	}

	resp, err := f.guard.NewClient(f.cfg.Timeout).Do(req)
	if err != nil {
		f.logger.Error("HTTPリクエストに失敗しました",
			slog.String("source_url", src.URL),
			slog.String("error", err.Error()),
		)
		f.metrics.RecordIngestFailure(src.URL, "request")
		ApplyBackoff(src, f.now(), fmt.Sprintf("HTTPリクエスト失敗: %s", err.Error()))
		return fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()
	f.metrics.RecordHTTPStatus(resp.StatusCode)

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultNotModified:
		f.logger.Info("お知らせフィードは未変更です（304）",
			slog.String("source_url", src.URL),
		)
		f.metrics.RecordIngestSuccess(src.URL)
		ApplySuccess(src, f.now(), f.cfg.Interval)
		return nil

	case FetchResultStop:
		reason := fmt.Sprintf("HTTPステータス %d により取り込みを停止しました", resp.StatusCode)
		f.logger.Warn("お知らせフィードの取り込みを停止します",
			slog.String("source_url", src.URL),
			slog.Int("http_status", resp.StatusCode),
		)
		f.metrics.RecordIngestFailure(src.URL, "stopped")
		ApplyStop(src, reason)
		return nil

	case FetchResultBackoff:
		f.logger.Warn("お知らせフィードの取り込みにバックオフを適用します",
			slog.String("source_url", src.URL),
			slog.Int("http_status", resp.StatusCode),
			slog.Int("consecutive_errors", src.ConsecutiveErrors+1),
		)
		f.metrics.RecordIngestFailure(src.URL, "backoff")
		ApplyBackoff(src, f.now(), fmt.Sprintf("HTTPステータス %d によりバックオフを適用しました", resp.StatusCode))
		return nil

	case FetchResultOK:
	default:
		f.logger.Warn("予期しないHTTPステータスコード",
			slog.String("source_url", src.URL),
			slog.Int("http_status", resp.StatusCode),
		)
		f.metrics.RecordIngestFailure(src.URL, "unexpected_status")
		ApplyBackoff(src, f.now(), fmt.Sprintf("予期しないHTTPステータス: %d", resp.StatusCode))
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodySize))
	if err != nil {
		f.metrics.RecordIngestFailure(src.URL, "read_body")
		ApplyBackoff(src, f.now(), fmt.Sprintf("レスポンス読み取り失敗: %s", err.Error()))
		return nil
	}

	if isHTMLContent(resp.Header.Get("Content-Type")) && !looksLikeFeed(body) {
		discovered := discoverFeedURL(body, src.URL)
		if allowDiscovery && discovered != "" && discovered != src.URL {
			f.logger.Info("HTMLページからお知らせフィードを検出しました",
				slog.String("page_url", src.URL),
				slog.String("source_url", discovered),
			)
			src.URL = discovered
			src.ETag, src.LastModified = "", ""
			resp.Body.Close()
			return f.fetch(ctx, src, start, false)
		}
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		f.logger.Error("お知らせフィードのパースに失敗しました",
			slog.String("source_url", src.URL),
			slog.String("error", err.Error()),
		)
		f.metrics.RecordParseFailure(src.URL)
		ApplyParseFailure(src, f.now(), f.cfg.Interval, err.Error())
		return nil
	}

	added, err := f.storeItems(ctx, parsed)
	if err != nil {
		f.logger.Error("お知らせの保存に失敗しました",
			slog.String("source_url", src.URL),
			slog.String("error", err.Error()),
		)
		f.metrics.RecordIngestFailure(src.URL, "storage")
		ApplyBackoff(src, f.now(), fmt.Sprintf("お知らせ保存失敗: %s", err.Error()))
		return err
	}

	// 保存に成功した場合のみ条件付きGETの検証子を更新する
	if etag := resp.Header.Get("ETag"); etag != "" {
		src.ETag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		src.LastModified = lastMod
	}
	ApplySuccess(src, f.now(), f.cfg.Interval)
	f.metrics.RecordIngestSuccess(src.URL)
	f.metrics.RecordAnnouncementsAdded(added)

	f.logger.Info("お知らせフィードの取り込みが完了しました",
		slog.String("source_url", src.URL),
		slog.Int("items_total", len(parsed.Items)),
		slog.Int("items_added", added),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// storeItems は未登録の項目をグローバルフィード宛ての通知として保存し、追加件数を返す。
// 外部キーはGUID、なければリンク。どちらもない項目は取り込まない。
func (f *Fetcher) storeItems(ctx context.Context, feed *gofeed.Feed) (int, error) {
	items := make([]*gofeed.Item, 0, len(feed.Items))
	keys := make([]string, 0, len(feed.Items))
	seen := make(map[string]bool, len(feed.Items))
	for _, item := range feed.Items {
		key := externalKey(item)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		items = append(items, item)
		keys = append(keys, key)
	}
	if len(items) == 0 {
		return 0, nil
	}

	existing, err := f.store.GetByExternalKey(ctx, AnnouncementSource, keys)
	if err != nil {
		return 0, err
	}

	added := 0
	// フィードは新しい順に並ぶため、古い項目から保存する
	for i := len(items) - 1; i >= 0; i-- {
		if _, ok := existing[keys[i]]; ok {
			continue
		}
		activity := f.toActivity(feed, items[i], keys[i])
		if _, err := f.store.AddToStorage(ctx, activity, []string{f.cfg.GlobalFeedID}); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// toActivity はフィード項目をお知らせ通知に変換する。
func (f *Fetcher) toActivity(feed *gofeed.Feed, item *gofeed.Item, key string) *model.Activity {
	summary := item.Description
	if summary == "" {
		summary = item.Content
	}
	link := item.Link
	if link == "" && isHTTPURL(item.GUID) {
		link = item.GUID
	}

	ctx := map[string]any{
		"title":      f.sanitizer.SanitizeText(item.Title),
		"link":       link,
		"summary":    f.sanitizer.SanitizeHTML(summary),
		"feed_title": f.sanitizer.SanitizeText(feed.Title),
	}
	if item.PublishedParsed != nil {
		ctx["published"] = item.PublishedParsed.UnixMilli()
	} else if item.UpdatedParsed != nil {
		ctx["published"] = item.UpdatedParsed.UnixMilli()
	}

	object := f.sanitizer.SanitizeText(item.Title)
	if object == "" {
		object = link
	}

	return &model.Activity{
		Actor:       f.cfg.ActorName,
		Verb:        model.VerbPublish,
		Object:      object,
		Source:      AnnouncementSource,
		Context:     ctx,
		Level:       model.LevelAlert,
		ExternalKey: key,
	}
}

func externalKey(item *gofeed.Item) string {
	if item == nil {
		return ""
	}
	if key := strings.TrimSpace(item.GUID); key != "" {
		return key
	}
	return strings.TrimSpace(item.Link)
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
