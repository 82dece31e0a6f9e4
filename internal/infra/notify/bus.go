// Package notify — межпроцессная шина изменений поверх Postgres LISTEN/NOTIFY.
// Публикация идёт через общий пул (pg_notify), приём — через выделенное
// соединение: пулы с мультиплексированием уведомления не доносят. Если LISTEN
// недоступен, подписчики получают синтетические тики с интервалом опроса.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-backup/internal/infra/logger"
)

// Channel — имя канала уведомлений. Версия в имени позволяет менять формат
// payload без конфликта со старыми подписчиками.
const Channel = "tg_back_sync_tasks_v1"

// pollInterval — период синтетических тиков, когда LISTEN не работает.
const pollInterval = 5 * time.Second

// reconnectDelay — пауза перед повторным подключением слушателя.
const reconnectDelay = 3 * time.Second

// Event — полезная нагрузка уведомления.
type Event struct {
	TS              time.Time `json:"ts"`
	SourceChannelID *int64    `json:"sourceChannelId,omitempty"`
}

// Bus публикует и раздаёт события изменений задач. Подписчики получают
// события через небуферизованно-льготные каналы: переполненный подписчик
// пропускает событие, но следующий тик его разбудит.
type Bus struct {
	pool      *pgxpool.Pool
	listenDSN string

	mu   sync.Mutex
	subs map[chan Event]struct{}

	stop      chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	done      sync.WaitGroup
}

// New создаёт шину. listenDSN — строка подключения для выделенного
// LISTEN-соединения (обычно DATABASE_URL_LISTEN либо DATABASE_URL).
func New(pool *pgxpool.Pool, listenDSN string) *Bus {
	return &Bus{
		pool:      pool,
		listenDSN: listenDSN,
		subs:      make(map[chan Event]struct{}),
		stop:      make(chan struct{}),
	}
}

// Start запускает фонового слушателя. Повторные вызовы игнорируются.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.done.Add(1)
		go func() {
			defer b.done.Done()
			b.listenLoop(ctx)
		}()
	})
}

// Stop останавливает слушателя и дожидается завершения.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.done.Wait()
}

// Publish рассылает событие другим процессам через pg_notify. Сбой публикации
// не критичен: подписчики добирают изменения опросом.
func (b *Bus) Publish(ctx context.Context, sourceChannelID *int64) {
	ev := Event{TS: time.Now().UTC(), SourceChannelID: sourceChannelID}
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("notify: marshal payload: %v", err)
		return
	}
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, string(payload)); err != nil {
		logger.Warnf("notify: publish: %v", err)
	}
}

// Subscribe возвращает канал событий и функцию отписки.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 8)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}

// fanOut доставляет событие всем подписчикам без блокировки.
func (b *Bus) fanOut(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// listenLoop держит LISTEN-соединение живым; при невозможности слушать
// деградирует до интервального опроса до следующей попытки подключения.
func (b *Bus) listenLoop(ctx context.Context) {
	for {
		select {
		case <-b.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := b.listenOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Warnf("notify: listen недоступен, перехожу на опрос: %v", err)
			b.pollUntil(ctx, reconnectDelay+pollInterval)
		}
	}
}

// listenOnce подключается, выполняет LISTEN и принимает уведомления до сбоя.
func (b *Bus) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, b.listenDSN)
	if err != nil {
		return errors.Wrap(err, "connect")
	}
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, `LISTEN `+Channel); err != nil {
		return errors.Wrap(err, "listen")
	}
	logger.Debugf("notify: слушаю канал %s", Channel)

	// Закрытие соединения по stop прерывает WaitForNotification.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-b.stop:
			_ = conn.Close(context.Background())
		case <-watchDone:
		}
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			select {
			case <-b.stop:
				return nil
			default:
			}
			return errors.Wrap(err, "wait")
		}
		var ev Event
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			// Чужой или битый payload — будим подписчиков пустым событием.
			ev = Event{TS: time.Now().UTC()}
		}
		b.fanOut(ev)
	}
}

// pollUntil шлёт подписчикам синтетические тики в течение d.
func (b *Bus) pollUntil(ctx context.Context, d time.Duration) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
			b.fanOut(Event{TS: time.Now().UTC()})
		}
	}
}
