package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// connectTimeout は起動時の疎通確認の上限。
const connectTimeout = 5 * time.Second

// PoolConfig はコネクションプールの設定。0以下の項目はdatabase/sqlの既定値のままにする。
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open はactivitiesテーブルを扱うPostgreSQL接続プールを生成する。
// 接続は試行しない。
func Open(databaseURL string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	return db, nil
}

// Connect はOpenしたうえでpingし、到達できない場合は接続を閉じてエラーを返す。
// serve・workerの起動時に使う。
func Connect(ctx context.Context, databaseURL string, pool PoolConfig) (*sql.DB, error) {
	db, err := Open(databaseURL, pool)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
