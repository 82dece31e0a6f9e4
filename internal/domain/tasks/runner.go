// Package tasks — кооперативный однопоточный исполнитель персистентной
// очереди. Инвариант: для пары (канал, тип) в running находится не более
// одной задачи; выбор следующей упорядочен приоритетом канала и возрастом
// задачи. Цикл просыпается по таймеру и по событиям шины изменений.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"tg-backup/internal/adapters/telegram/gateway"
	"tg-backup/internal/domain/mirror"
	"tg-backup/internal/domain/settings"
	"tg-backup/internal/infra/logger"
	"tg-backup/internal/infra/notify"
	"tg-backup/internal/infra/throttle"
	"tg-backup/internal/store"
)

// pollInterval — период опроса очереди (помимо событий шины).
const pollInterval = 5 * time.Second

// progressEvery — частота персиста прогресса (в вызовах доставки).
const progressEvery = 10

// Queue — очередь задач.
type Queue interface {
	PickNext(ctx context.Context) (*store.SyncTask, *store.SourceChannel, error)
	Enqueue(ctx context.Context, sourceChannelID int64, taskType store.TaskType) (*store.SyncTask, error)
	Status(ctx context.Context, id int64) (store.TaskStatus, error)
	SetProgressTotal(ctx context.Context, id int64, total int) error
	UpdateProgress(ctx context.Context, id int64, current int, lastProcessedID int64, failed, skipped int) error
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	MarkPaused(ctx context.Context, id int64, errMsg string) error
	RequeueStaleRunning(ctx context.Context) (int64, error)
	ResumeFloodWaitPaused(ctx context.Context) (int64, error)
}

// Channels — мутации каналов-источников.
type Channels interface {
	SetResolved(ctx context.Context, id, telegramID, accessHash int64,
		name, username string, memberCount int, isProtected bool) error
	SetSyncStatus(ctx context.Context, id int64, status store.SyncStatus) error
	MarkSynced(ctx context.Context, id, lastMessageID int64, totalMessages int) error
	GetByID(ctx context.Context, id int64) (*store.SourceChannel, error)
}

// Mirrors — целевые каналы.
type Mirrors interface {
	GetBySource(ctx context.Context, sourceChannelID int64) (*store.MirrorChannel, error)
	Upsert(ctx context.Context, m *store.MirrorChannel) (*store.MirrorChannel, error)
}

// RetryMappings — выборки журнала для ретрай-задач.
type RetryMappings interface {
	ListFailed(ctx context.Context, sourceChannelID int64, maxRetry int) ([]store.MessageMapping, error)
	ListExhausted(ctx context.Context, sourceChannelID int64, maxRetry int) ([]store.MessageMapping, error)
	MarkSkipped(ctx context.Context, sourceChannelID, sourceMessageID int64, reason store.SkipReason) error
}

// Events — журнал событий для оператора.
type Events interface {
	Append(ctx context.Context, channelID *int64, level store.EventLevel, message string) error
}

// Publisher — публикация на шину изменений.
type Publisher interface {
	Publish(ctx context.Context, sourceChannelID *int64)
}

// Telegram — операции шлюза, нужные задачам.
type Telegram interface {
	Resolve(ctx context.Context, identifier string) (*gateway.Resolved, error)
	JoinChannel(ctx context.Context, peer gateway.Peer) error
	HistoryAfter(ctx context.Context, peer gateway.Peer, afterID int64) (*gateway.HistoryPage, error)
	GetMessagesByIDs(ctx context.Context, peer gateway.Peer, ids []int64) ([]gateway.Message, error)
	CreatePrivateChannel(ctx context.Context, title, about string) (*gateway.CreatedChannel, error)
	ExportInviteLink(ctx context.Context, peer gateway.Peer) (string, error)
}

// Deliverer — поэлементная доставка (C-слой зеркалирования).
type Deliverer interface {
	Deliver(ctx context.Context, channel *store.SourceChannel,
		target *store.MirrorChannel, msgs []gateway.Message) (mirror.Summary, error)
}

// Limiter — темп вызовов шлюза и окно FLOOD_WAIT.
type Limiter interface {
	Do(ctx context.Context, op func(ctx context.Context) error) error
	FloodWaitUntil() time.Time
}

// Options — зависимости раннера.
type Options struct {
	Queue    Queue
	Channels Channels
	Mirrors  Mirrors
	Mappings RetryMappings
	Events   Events
	Bus      Publisher
	Gateway  Telegram
	Mirror   Deliverer
	Limiter  Limiter
	Settings *settings.Cache

	Wakeup <-chan notify.Event // события шины; nil — только таймер
}

// Runner — исполнитель очереди.
type Runner struct {
	opts Options

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      sync.WaitGroup
}

// NewRunner собирает раннер.
func NewRunner(opts Options) *Runner {
	return &Runner{opts: opts, stop: make(chan struct{})}
}

// Start запускает цикл. Перед первым проходом возвращает в очередь задачи,
// зависшие в running после падения процесса.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		if n, err := r.opts.Queue.RequeueStaleRunning(ctx); err != nil {
			logger.Errorf("tasks: возврат зависших задач: %v", err)
		} else if n > 0 {
			logger.Infof("tasks: возвращено в очередь %d зависших задач", n)
		}

		r.done.Add(1)
		go func() {
			defer r.done.Done()
			r.loop(ctx)
		}()
	})
}

// Stop останавливает цикл и дожидается завершения текущей задачи.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.done.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		r.maybeResumeFloodPaused(ctx)
		r.drain(ctx)

		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
		case <-r.opts.Wakeup:
		}
	}
}

// maybeResumeFloodPaused снимает флуд-паузы, когда окно лимитера истекло.
func (r *Runner) maybeResumeFloodPaused(ctx context.Context) {
	until := r.opts.Limiter.FloodWaitUntil()
	if !until.IsZero() && time.Now().Before(until) {
		return
	}
	n, err := r.opts.Queue.ResumeFloodWaitPaused(ctx)
	if err != nil {
		logger.Errorf("tasks: снятие флуд-пауз: %v", err)
		return
	}
	if n > 0 {
		logger.Infof("tasks: окно FLOOD_WAIT истекло, возобновлено задач: %d", n)
	}
}

// drain обрабатывает очередь до опустошения.
func (r *Runner) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}

		task, channel, err := r.opts.Queue.PickNext(ctx)
		if err != nil {
			logger.Errorf("tasks: выбор задачи: %v", err)
			return
		}
		if task == nil {
			return
		}

		logger.Infof("tasks: задача %d (%s) канала %d стартовала", task.ID, task.Type, channel.ID)
		r.event(ctx, &channel.ID, store.LevelInfo,
			fmt.Sprintf("задача %s запущена", task.Type))
		r.dispatch(ctx, task, channel)
		r.opts.Bus.Publish(ctx, &channel.ID)
	}
}

// dispatch выполняет задачу и переводит её в терминальное состояние.
func (r *Runner) dispatch(ctx context.Context, task *store.SyncTask, channel *store.SourceChannel) {
	var err error
	switch task.Type {
	case store.TaskResolve:
		err = r.runResolve(ctx, task, channel)
	case store.TaskHistoryFull, store.TaskHistoryPartial:
		err = r.runHistory(ctx, task, channel)
	case store.TaskRetryFailed:
		err = r.runRetry(ctx, task, channel)
	default:
		// realtime-строки — носители состояния, цикл их не исполняет.
		err = errors.Errorf("tasks: unexpected task type %q", task.Type)
	}
	if err == nil {
		return
	}
	r.finishWithError(ctx, task, channel, err)
}

// finishWithError раскладывает ошибку задачи по исходам: пауза на длинный
// FLOOD_WAIT, мягкий выход по отмене, системный сбой.
func (r *Runner) finishWithError(ctx context.Context, task *store.SyncTask,
	channel *store.SourceChannel, err error) {
	var tooLong *throttle.ErrFloodWaitTooLong
	switch {
	case errors.As(err, &tooLong):
		// Префикс и сырые серверные секунды — контракт: по префиксу строку
		// находит автоснятие паузы, по числу оператор сверяется с сервером.
		msg := fmt.Sprintf("FLOOD_WAIT %d сверх лимита", tooLong.Seconds())
		if markErr := r.opts.Queue.MarkPaused(ctx, task.ID, msg); markErr != nil {
			logger.Errorf("tasks: пауза задачи %d: %v", task.ID, markErr)
		}
		r.event(ctx, &channel.ID, store.LevelWarn,
			fmt.Sprintf("задача %s приостановлена: %s", task.Type, msg))

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Остановка процесса: задача остаётся running, стартовый sweep вернёт её.
		logger.Debugf("tasks: задача %d прервана остановкой", task.ID)

	default:
		if markErr := r.opts.Queue.MarkFailed(ctx, task.ID, err.Error()); markErr != nil {
			logger.Errorf("tasks: провал задачи %d: %v", task.ID, markErr)
		}
		if statusErr := r.opts.Channels.SetSyncStatus(ctx, channel.ID, store.SyncError); statusErr != nil {
			logger.Errorf("tasks: статус канала %d: %v", channel.ID, statusErr)
		}
		r.event(ctx, &channel.ID, store.LevelError,
			fmt.Sprintf("задача %s упала: %v", task.Type, err))
	}
}

// paused сообщает, перевели ли задачу в паузу извне (сэмплируется между
// сообщениями).
func (r *Runner) paused(ctx context.Context, taskID int64) bool {
	status, err := r.opts.Queue.Status(ctx, taskID)
	if err != nil {
		logger.Errorf("tasks: чтение статуса задачи %d: %v", taskID, err)
		return false
	}
	return status == store.TaskPaused
}

// event дописывает строку журнала, не прерывая поток при сбое.
func (r *Runner) event(ctx context.Context, channelID *int64, level store.EventLevel, message string) {
	if err := r.opts.Events.Append(ctx, channelID, level, message); err != nil {
		logger.Errorf("tasks: запись события: %v", err)
	}
}
