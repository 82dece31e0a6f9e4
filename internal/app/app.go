// Package app — верхний уровень сборки демона зеркалирования. Здесь
// связываются конфигурация, Postgres-хранилище с миграциями, шина
// LISTEN/NOTIFY, лимитер темпа, MTProto-шлюз и доменные сервисы (очередь
// задач и реалтайм). Отсюда стартует цикл обработки и обеспечивается
// корректный shutdown в обратном порядке.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-backup/internal/adapters/telegram/gateway"
	"tg-backup/internal/domain/filters"
	"tg-backup/internal/domain/mirror"
	"tg-backup/internal/domain/realtime"
	"tg-backup/internal/domain/settings"
	"tg-backup/internal/domain/tasks"
	"tg-backup/internal/infra/config"
	"tg-backup/internal/infra/crypto"
	"tg-backup/internal/infra/db"
	"tg-backup/internal/infra/logger"
	"tg-backup/internal/infra/notify"
	"tg-backup/internal/infra/throttle"
	"tg-backup/internal/store"
)

// Version — паспорт сборки для DeviceConfig клиента.
const Version = "1.2.0"

// deviceModel — имя устройства, под которым сессия видна в списке активных.
const deviceModel = "tg-backup daemon"

// keyGlobalFilterKeywords — строка настроек с глобальным списком ключевых
// слов фильтра (пишет UI, ядро только читает). Ключ вне набора кеша
// настроек, поэтому читается напрямую из таблицы.
const keyGlobalFilterKeywords = "global_filter_keywords"

// App агрегирует зависимости демона и управляет их жизненным циклом.
type App struct {
	env config.EnvConfig

	pool     *pgxpool.Pool
	st       *store.Store
	bus      *notify.Bus
	cache    *settings.Cache
	limiter  *throttle.Limiter
	gw       *gateway.Gateway
	runner   *tasks.Runner
	realtime *realtime.Manager

	unsubscribe func()
}

// NewApp создаёт пустой каркас. Фактическая инициализация — в Init.
func NewApp() *App { return &App{} }

// Init собирает все подсистемы: шифрование сессии, пул Postgres с миграциями,
// шину уведомлений, лимитер, шлюз и доменные сервисы. Ошибки здесь фатальны
// для запуска; main переводит отдельные классы в выделенные коды выхода.
func (a *App) Init(ctx context.Context) error {
	a.env = config.Env()

	box, err := crypto.NewBox(a.env.EncryptionSecret)
	if err != nil {
		return errors.Wrap(err, "session encryption")
	}

	if err := db.Migrate(a.env.DatabaseURL); err != nil {
		return err
	}
	pool, err := db.Open(ctx, a.env.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	a.pool = pool
	a.st = store.New(pool)

	a.bus = notify.New(pool, a.env.ListenURL())
	a.cache = settings.NewCache(a.st.Settings)

	a.limiter = throttle.New(
		tunablesFrom(a.cache),
		time.Duration(a.env.FloodWaitMaxSec)*time.Second,
		throttle.WithWaitExtractors(
			gateway.FloodWaitExtractor(),
			throttle.TextFloodWaitExtractor(),
		),
		throttle.WithFloodWaitHook(floodWaitEvent(a.st.Events)),
	)

	sessionStorage := &gateway.SessionStorage{
		Settings: a.st.Settings,
		Box:      box,
	}
	// Проба расшифровки до подъёма MTProto: битая сессия должна уронить
	// запуск с выделенным кодом выхода, а не всплыть из недр gotd.
	if _, err := sessionStorage.LoadSession(ctx); err != nil &&
		errors.Is(err, gateway.ErrSessionCorrupt) {
		return err
	}

	gw, err := gateway.New(gateway.Config{
		APIID:          a.env.APIID,
		APIHash:        a.env.APIHash,
		SessionStorage: sessionStorage,
		StateFile:      a.env.UpdatesStateFile,
		AccessHasher:   &gateway.StoreAccessHasher{Channels: a.st.Channels},
		Device:         deviceModel,
		Version:        Version,
	})
	if err != nil {
		return errors.Wrap(err, "init gateway")
	}
	a.gw = gw

	engine := filters.New(globalKeywords(a.st.Settings))
	deliverer := mirror.New(gw, a.st.Mappings, engine, a.cache, a.limiter, a.st.Events)

	wakeup, unsubscribe := a.bus.Subscribe()
	a.unsubscribe = unsubscribe
	a.runner = tasks.NewRunner(tasks.Options{
		Queue:    a.st.Tasks,
		Channels: a.st.Channels,
		Mirrors:  a.st.Mirrors,
		Mappings: a.st.Mappings,
		Events:   a.st.Events,
		Bus:      a.bus,
		Gateway:  gw,
		Mirror:   deliverer,
		Limiter:  a.limiter,
		Settings: a.cache,
		Wakeup:   wakeup,
	})

	a.realtime = realtime.New(realtime.Options{
		Channels: a.st.Channels,
		Mirrors:  a.st.Mirrors,
		Mappings: a.st.Mappings,
		Events:   a.st.Events,
		Gateway:  gw,
		Mirror:   deliverer,
		Settings: a.cache,
	})

	return nil
}

// Run блокируется до отмены ctx. Шина стартует до шлюза: UI может ставить
// задачи, пока MTProto ещё поднимается; раннер и реалтайм — только после
// авторизации (onReady). Остановка — в обратном порядке запуска.
func (a *App) Run(ctx context.Context) error {
	a.bus.Start(ctx)
	defer a.shutdown()

	logger.Info("app: подключение к Telegram...")
	err := a.gw.Run(ctx, func(ctx context.Context) error {
		a.runner.Start(ctx)
		a.realtime.Start(ctx)
		logger.Info("app: движок зеркалирования запущен")
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shutdown гасит сервисы в обратном порядке и закрывает пул.
func (a *App) shutdown() {
	logger.Info("app: остановка...")
	a.realtime.Stop()
	a.runner.Stop()
	a.unsubscribe()
	a.bus.Stop()
	a.st.Close()
	logger.Info("app: остановка завершена")
}

// tunablesFrom отдаёт лимитеру актуальные «ручки» темпа из кеша настроек.
func tunablesFrom(cache *settings.Cache) throttle.TunablesFunc {
	return func(ctx context.Context) throttle.Tunables {
		return throttle.Tunables{
			BaseInterval: cache.MirrorInterval(ctx),
			MaxRetries:   cache.MaxRetryCount(ctx),
			BackoffBase:  cache.RetryBackoffBase(ctx),
		}
	}
}

// floodWaitEvent пишет в журнал событий каждую поглощённую лимитером паузу
// FLOOD_WAIT: оператор видит серверные секунды, не заглядывая в логи процесса.
func floodWaitEvent(events *store.EventStore) func(ctx context.Context, wait time.Duration) {
	return func(ctx context.Context, wait time.Duration) {
		msg := fmt.Sprintf("FLOOD_WAIT %d, ожидание", int(wait/time.Second))
		if err := events.Append(ctx, nil, store.LevelWarn, msg); err != nil {
			logger.Errorf("app: запись события FLOOD_WAIT: %v", err)
		}
	}
}

// globalKeywords — провайдер глобального списка ключевых слов для движка
// фильтров. Отсутствие строки или нечитаемое значение — пустой список.
func globalKeywords(settingsStore *store.SettingsStore) filters.GlobalKeywords {
	return func(ctx context.Context) string {
		raw, err := settingsStore.Get(ctx, keyGlobalFilterKeywords)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logger.Errorf("app: чтение глобальных фильтров: %v", err)
			}
			return ""
		}
		var keywords string
		if err := json.Unmarshal(raw, &keywords); err != nil {
			logger.Warnf("app: глобальные фильтры нечитаемы: %v", err)
			return ""
		}
		return keywords
	}
}
