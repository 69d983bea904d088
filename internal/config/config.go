// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvConfigPath は設定ファイルのパスを指定する環境変数。
	EnvConfigPath = "FEEDS_CONFIG"
	// fileSection は設定ファイル内のセクション名。
	fileSection = "feeds"
)

// fileKeyAliases は環境変数名と設定ファイルのキー名が一致しない項目の対応表。
// それ以外は環境変数名を小文字・ハイフン区切りにしたキーを使う。
var fileKeyAliases = map[string]string{
	"GLOBAL_FEED_ID":             "global-feed",
	"NOTIFICATION_LIFESPAN_DAYS": "lifespan",
	"ACTOR_DIRECTORY_URL":        "auth-url",
}

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Auth
	JWTSecret string
	AuthToken string // アクターディレクトリ呼び出し用のサービストークン

	// Actor Directory
	ActorDirectoryURL          string
	ActorDirectoryTimeout      time.Duration
	ActorDirectoryAllowPrivate bool

	// Feed
	GlobalFeedID         string
	NotificationLifespan time.Duration
	FeedCacheCapacity    int
	FeedCacheTTL         time.Duration
	FeedPoolCapacity     int
	FeedPoolTTL          time.Duration

	// Rate Limit
	RateLimitGeneral int
	RateLimitWrite   int

	// Ingest
	AnnouncementFeeds     []string
	IngestInterval        time.Duration
	IngestTimeout         time.Duration
	IngestMaxSize         int64
	IngestMaxConcurrent   int
	AnnouncementActorName string

	// Cleanup
	CleanupRetentionDays int
	CleanupInterval      time.Duration

	// Server
	ServerPort        string
	MetricsPort       string // ワーカーのメトリクス公開ポート
	CORSAllowedOrigin string
	Debug             bool
}

// source は環境変数と設定ファイルから値を引く。環境変数が優先される。
type source struct {
	file *viper.Viper
}

func (s source) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if s.file == nil {
		return ""
	}
	fileKey, ok := fileKeyAliases[key]
	if !ok {
		fileKey = strings.ReplaceAll(strings.ToLower(key), "_", "-")
	}
	return strings.TrimSpace(s.file.GetString(fileSection + "." + fileKey))
}

// Load は環境変数（およびFEEDS_CONFIGで指定された設定ファイル）からConfigを読み込む。
// 必須項目が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv(EnvConfigPath); path != "" {
		v, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		src.file = v
	}
	return load(src)
}

// readConfigFile は設定ファイルを読み込む。形式は拡張子から判定し、拡張子がない場合はINIとして扱う。
func readConfigFile(path string) (*viper.Viper, error) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%s is set to %s, which is not a config file", EnvConfigPath, path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if !strings.Contains(info.Name(), ".") || strings.HasSuffix(path, ".cfg") {
		v.SetConfigType("ini")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if !v.IsSet(fileSection) {
		return nil, fmt.Errorf("reading config %s: section %q not found", path, fileSection)
	}
	return v, nil
}

func load(src source) (*Config, error) {
	cfg := &Config{}

	var missing []string
	required := func(key string) string {
		v := src.get(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.JWTSecret = required("JWT_SECRET")
	cfg.AuthToken = required("AUTH_TOKEN")
	cfg.ActorDirectoryURL = required("ACTOR_DIRECTORY_URL")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required configuration values are not set: %v", missing)
	}

	var errs []error
	cfg.DBMaxOpenConns = getInt(src, "DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getInt(src, "DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getDuration(src, "DB_CONN_MAX_LIFETIME", 30*time.Minute)

	cfg.ActorDirectoryTimeout = getDuration(src, "ACTOR_DIRECTORY_TIMEOUT", 10*time.Second)
	cfg.ActorDirectoryAllowPrivate = getBool(src, "ACTOR_DIRECTORY_ALLOW_PRIVATE", false)

	cfg.GlobalFeedID = getString(src, "GLOBAL_FEED_ID", "_global_")
	lifespanDays, err := getStrictInt(src, "NOTIFICATION_LIFESPAN_DAYS", 30)
	errs = append(errs, err)
	cfg.NotificationLifespan = time.Duration(lifespanDays) * 24 * time.Hour
	cfg.FeedCacheCapacity = getInt(src, "FEED_CACHE_CAPACITY", 1000)
	cfg.FeedCacheTTL = getDuration(src, "FEED_CACHE_TTL", 10*time.Minute)
	cfg.FeedPoolCapacity = getInt(src, "FEED_POOL_CAPACITY", 10000)
	cfg.FeedPoolTTL = getDuration(src, "FEED_POOL_TTL", 10*time.Minute)

	cfg.RateLimitGeneral = getInt(src, "RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitWrite = getInt(src, "RATE_LIMIT_WRITE", 30)

	cfg.AnnouncementFeeds = getList(src, "ANNOUNCEMENT_FEEDS")
	cfg.IngestInterval = getDuration(src, "INGEST_INTERVAL", 15*time.Minute)
	cfg.IngestTimeout = getDuration(src, "INGEST_TIMEOUT", 10*time.Second)
	cfg.IngestMaxSize = getInt64(src, "INGEST_MAX_SIZE", 5242880)
	cfg.IngestMaxConcurrent = getInt(src, "INGEST_MAX_CONCURRENT", 4)
	cfg.AnnouncementActorName = getString(src, "ANNOUNCEMENT_ACTOR", "announcements")

	cfg.CleanupRetentionDays = getInt(src, "CLEANUP_RETENTION_DAYS", 30)
	cfg.CleanupInterval = getDuration(src, "CLEANUP_INTERVAL", 24*time.Hour)

	cfg.ServerPort = getString(src, "SERVER_PORT", "8080")
	cfg.MetricsPort = getString(src, "METRICS_PORT", "9090")
	cfg.CORSAllowedOrigin = getString(src, "CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.Debug = getBool(src, "DEBUG", false)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if lifespanDays <= 0 {
		return nil, fmt.Errorf("NOTIFICATION_LIFESPAN_DAYS must be a positive integer, got %d", lifespanDays)
	}

	return cfg, nil
}

func getString(src source, key, defaultVal string) string {
	if v := src.get(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(src source, key string, defaultVal int) int {
	v := src.get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

// getStrictInt は整数でない値をエラーとして扱う。
func getStrictInt(src source, key string, defaultVal int) (int, error) {
	v := src.get(key)
	if v == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an int, got %q", key, v)
	}
	return i, nil
}

func getInt64(src source, key string, defaultVal int64) int64 {
	v := src.get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getDuration(src source, key string, defaultVal time.Duration) time.Duration {
	v := src.get(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getBool は"true"（大文字小文字を区別しない）のみを真として扱う。
func getBool(src source, key string, defaultVal bool) bool {
	v := src.get(key)
	if v == "" {
		return defaultVal
	}
	return strings.EqualFold(v, "true")
}

// getList はカンマ区切りの値を空要素を除いて返す。
func getList(src source, key string) []string {
	var out []string
	for _, part := range strings.Split(src.get(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
