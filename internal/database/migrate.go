// Package database はPostgreSQL接続とactivitiesスキーマのマイグレーションを提供する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewMigrator は埋め込みマイグレーションを読み込んだmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// withMigrator はmigrateインスタンスを生成してfnに渡し、終了後に閉じる。
func withMigrator(databaseURL string, fn func(m *migrate.Migrate) error) error {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

// RunMigrations は未適用のマイグレーションをすべて適用する。最新の場合は何もしない。
func RunMigrations(databaseURL string) error {
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	})
}

// RollbackMigrations は適用済みのマイグレーションをstepsだけ戻す。
// 全部戻すとactivitiesテーブルが削除される。
func RollbackMigrations(databaseURL string, steps int) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to roll back migrations: %w", err)
		}
		return nil
	})
}

// MigrationVersion は適用済みのスキーマバージョンとdirtyフラグを返す。
// 未適用の場合はバージョン0を返す。
func MigrationVersion(databaseURL string) (version uint, dirty bool, err error) {
	err = withMigrator(databaseURL, func(m *migrate.Migrate) error {
		version, dirty, err = m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			version, dirty, err = 0, false, nil
		}
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		return nil
	})
	return version, dirty, err
}
