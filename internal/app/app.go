package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/notefeed/internal/actor"
	"github.com/hitoshi/notefeed/internal/config"
	"github.com/hitoshi/notefeed/internal/database"
	"github.com/hitoshi/notefeed/internal/handler"
	"github.com/hitoshi/notefeed/internal/logger"
	"github.com/hitoshi/notefeed/internal/metrics"
	"github.com/hitoshi/notefeed/internal/middleware"
	"github.com/hitoshi/notefeed/internal/notification"
	"github.com/hitoshi/notefeed/internal/repository"
	"github.com/hitoshi/notefeed/internal/security"
	"github.com/hitoshi/notefeed/internal/worker/cleanup"
	"github.com/hitoshi/notefeed/internal/worker/ingest"
)

// Init はアプリケーションの初期化を行う。
// 設定を読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	if w == nil {
		w = os.Stdout
	}
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数・設定ファイルから設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. DEBUG指定時はDebugレベルで再設定する
	slog.SetDefault(logger.SetupWithLevel(w, cfg.Debug))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	inv, err := ParseArgs(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if inv.Command == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(inv.Command)),
		slog.String("port", cfg.ServerPort),
		slog.String("global_feed_id", cfg.GlobalFeedID),
	)

	switch inv.Command {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg, inv.Migrate)
	default:
		return runServe(cfg)
	}
}

// connectDatabase は設定のプールサイズでDBに接続する。
func connectDatabase(cfg *config.Config) (*sql.DB, error) {
	return database.Connect(context.Background(), cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
}

// newRegistry はGo・プロセスの標準コレクタを登録したレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// buildRouter はDB接続以外の全依存関係をワイヤリングしてルーターを構築する。
// dbはヘルスチェック対象も兼ねる。
func buildRouter(cfg *config.Config, db *sql.DB, reg *prometheus.Registry, rl *middleware.RateLimiter) http.Handler {
	collector := metrics.NewCollector(reg)

	// 1. リポジトリの初期化
	timelineRepo := repository.NewPostgresTimelineRepo(db)
	activityRepo := repository.NewPostgresActivityRepo(db, cfg.NotificationLifespan)

	// 2. アクターディレクトリの初期化
	guard := security.NewOutboundGuard(security.WithAllowPrivate(cfg.ActorDirectoryAllowPrivate))
	directory := actor.NewHTTPDirectory(
		guard.NewClient(cfg.ActorDirectoryTimeout),
		slog.Default(), cfg.ActorDirectoryURL, cfg.AuthToken,
	)

	// 3. フィードプールの初期化
	pool := notification.NewPool(notification.Deps{
		Timeline:           timelineRepo,
		Activities:         activityRepo,
		Actors:             directory,
		Metrics:            collector,
		Logger:             slog.Default(),
		ActorCacheCapacity: cfg.FeedCacheCapacity,
		ActorCacheTTL:      cfg.FeedCacheTTL,
	}, cfg.FeedPoolCapacity, cfg.FeedPoolTTL)

	// 4. ルーターの構築
	return handler.NewRouter(&handler.RouterDeps{
		Feeds:        handler.NewPoolFeedProvider(pool),
		GlobalFeedID: cfg.GlobalFeedID,
		Admin:        activityRepo,
		Sanitizer:    security.NewSanitizer(),
		Validator:    handler.NewRequestValidator(),

		JWTSecret:         cfg.JWTSecret,
		RateLimiter:       rl,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Logger:            slog.Default(),

		HealthChecker: db,
		Gatherer:      reg,
	})
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := connectDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. ルーターの構築
	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitWrite))
	defer rl.Stop()
	router := buildRouter(cfg, db, newRegistry(), rl)

	// 3. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// お知らせ取り込みスケジューラとクリーンアップジョブを起動し、
// メトリクスをMETRICS_PORTで公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := connectDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 2. 取り込みワーカーの初期化
	activityRepo := repository.NewPostgresActivityRepo(db, cfg.NotificationLifespan)
	fetcher := ingest.NewFetcher(
		activityRepo,
		security.NewOutboundGuard(),
		security.NewSanitizer(),
		collector,
		slog.Default(),
		ingest.FetcherConfig{
			GlobalFeedID: cfg.GlobalFeedID,
			ActorName:    cfg.AnnouncementActorName,
			Interval:     cfg.IngestInterval,
			Timeout:      cfg.IngestTimeout,
			MaxBodySize:  cfg.IngestMaxSize,
		},
	)
	scheduler := ingest.NewScheduler(
		ingest.NewSources(cfg.AnnouncementFeeds), fetcher, slog.Default(), cfg.IngestMaxConcurrent,
	)

	// 3. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default(), collector)
	cleanupJob.RetentionDays = cfg.CleanupRetentionDays

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	// 4. メトリクスエンドポイント
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()
	defer metricsServer.Close()

	slog.Info("worker starting",
		slog.Duration("ingest_interval", cfg.IngestInterval),
		slog.Int("announcement_feeds", len(cfg.AnnouncementFeeds)),
		slog.Int("max_concurrent", cfg.IngestMaxConcurrent),
		slog.String("metrics_addr", metricsServer.Addr),
	)

	// クリーンアップジョブをバックグラウンドで実行
	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	// 取り込みスケジューラをメインgoroutineで実行（ブロッキング）
	if len(cfg.AnnouncementFeeds) == 0 {
		slog.Warn("ANNOUNCEMENT_FEEDS is empty; only the cleanup job will run")
		<-ctx.Done()
	} else {
		scheduler.Start(ctx, cfg.IngestInterval)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// up は未適用分をすべて適用し、down は指定ステップ数だけ戻す。
func runMigrate(cfg *config.Config, opts MigrateOptions) error {
	dbURL := maskDatabaseURL(cfg.DatabaseURL)

	switch opts.Action {
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("migration version failed: %w", err)
		}
		slog.Info("database schema version",
			slog.String("database_url", dbURL),
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	case MigrateDown:
		slog.Warn("rolling back database migrations",
			slog.String("database_url", dbURL),
			slog.Int("steps", opts.Steps),
		)
		if err := database.RollbackMigrations(cfg.DatabaseURL, opts.Steps); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
		slog.Info("database migrations rolled back")
		return nil
	default:
		slog.Info("running database migrations", slog.String("database_url", dbURL))
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database migrations completed successfully")
		return nil
	}
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
