// Package db — подключение к Postgres и применение миграций.
// Пул соединений строится на pgxpool; миграции вшиты в бинарь (embed) и
// применяются golang-migrate на старте. Расхождение версии схемы или «грязная»
// миграция — фатальная ошибка запуска (код выхода 3 в main).
package db

import (
	"context"
	"embed"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // драйвер цели миграций
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// connectTimeout ограничивает время первичной проверки соединения.
const connectTimeout = 10 * time.Second

// ErrMigration помечает любой сбой применения миграций; main переводит его
// в выделенный код выхода.
var ErrMigration = errors.New("db: migration failed")

// Open создаёт пул соединений и проверяет его ping-ом.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "new pool")
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping")
	}
	return pool, nil
}

// Migrate применяет вшитые миграции до актуальной версии. ErrNoChange не ошибка.
// Любой другой сбой оборачивается в ErrMigration.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(ErrMigration, err.Error())
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return errors.Wrap(ErrMigration, err.Error())
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(ErrMigration, err.Error())
	}
	return nil
}
