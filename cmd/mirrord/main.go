// mirrord — демон зеркалирования Telegram-каналов. Поднимает Postgres-схему,
// MTProto-сессию и доменные сервисы, после чего работает до SIGINT/SIGTERM.
//
// Коды выхода: 0 — чистая остановка; 1 — ошибка конфигурации;
// 2 — сессия не расшифровывается; 3 — сбой миграций схемы;
// 4 — остановка не уложилась в бюджет, аварийный выход.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tg-backup/internal/adapters/telegram/gateway"
	"tg-backup/internal/app"
	"tg-backup/internal/infra/config"
	"tg-backup/internal/infra/crypto"
	"tg-backup/internal/infra/db"
	"tg-backup/internal/infra/logger"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitSession   = 2
	exitMigration = 3
	exitForced    = 4
)

// shutdownBudget — максимум времени на корректную остановку после сигнала.
const shutdownBudget = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// envPath определяет расположение .env; боевое окружение обычно передаёт
	// переменные напрямую, тогда файл не обязателен.
	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Errorf("конфигурация не загружена: %v", err)
		return exitConfig
	}

	env := config.Env()
	logger.Init(env.LogLevel)
	defer logger.Sync()
	if env.LogFile != "" {
		logger.EnableFileSink(logger.FileSinkConfig{
			Path:       env.LogFile,
			Level:      env.LogFileLevel,
			MaxSizeMB:  env.LogFileMaxSize,
			MaxBackups: env.LogFileMaxBackups,
			MaxAgeDays: env.LogFileMaxAge,
			Compress:   env.LogFileCompress,
		})
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Бюджет на graceful shutdown: если сервисы не успели остановиться,
	// выходим жёстко, чтобы не зависнуть на незакрываемом соединении.
	go func() {
		<-ctx.Done()
		time.Sleep(shutdownBudget)
		logger.Error("остановка превысила бюджет, аварийный выход")
		logger.Sync()
		// Ненулевой код: супервизор должен отличать зависший shutdown
		// от чистой остановки.
		os.Exit(exitForced)
	}()

	a := app.NewApp()
	if err := a.Init(ctx); err != nil {
		logger.Errorf("инициализация не удалась: %v", err)
		return exitCodeOf(err)
	}

	if err := a.Run(ctx); err != nil {
		logger.Errorf("демон завершился с ошибкой: %v", err)
		return exitCodeOf(err)
	}

	logger.Info("демон остановлен")
	return exitOK
}

// exitCodeOf переводит классы ошибок запуска в контрактные коды выхода.
func exitCodeOf(err error) int {
	switch {
	case errors.Is(err, db.ErrMigration):
		return exitMigration
	case errors.Is(err, gateway.ErrSessionCorrupt),
		errors.Is(err, crypto.ErrDecrypt),
		errors.Is(err, crypto.ErrMalformed):
		return exitSession
	default:
		return exitConfig
	}
}
