package tasks

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"tg-backup/internal/adapters/telegram/gateway"
	"tg-backup/internal/infra/logger"
	"tg-backup/internal/store"
)

// maxGroupSpan — предохранитель на размер склейки альбома.
const maxGroupSpan = 120

// errTaskPaused — задачу поставили на паузу извне; выходим чисто,
// прогресс уже персистентен.
var errTaskPaused = errors.New("tasks: paused")

// runHistory — историческая синхронизация: строго возрастающий обход от
// lastProcessedId с альбомной склейкой и периодическим персистом прогресса.
// history_partial отличается только стартовой точкой: дозабор после
// последнего известного сообщения канала.
func (r *Runner) runHistory(ctx context.Context, task *store.SyncTask, channel *store.SourceChannel) error {
	if !channel.Resolved() {
		return errors.New("tasks: history requires resolved channel")
	}
	target, err := r.opts.Mirrors.GetBySource(ctx, channel.ID)
	if err != nil {
		return errors.Wrap(err, "mirror row")
	}

	peer := gateway.Peer{ID: *channel.TelegramID, AccessHash: *channel.AccessHash}

	h := &historyRun{
		runner:  r,
		task:    task,
		channel: channel,
		target:  target,
		lastID:  task.LastProcessedID,
		current: task.ProgressCurrent,
		failed:  task.FailedCount,
		skipped: task.SkippedCount,
	}
	if task.Type == store.TaskHistoryPartial && h.lastID == 0 && channel.LastMessageID != nil {
		h.lastID = *channel.LastMessageID
	}

	totalKnown := task.ProgressTotal != nil

	for {
		if r.paused(ctx, task.ID) {
			logger.Infof("tasks: история канала %d поставлена на паузу", channel.ID)
			return nil
		}

		var page *gateway.HistoryPage
		err := r.opts.Limiter.Do(ctx, func(ctx context.Context) error {
			var opErr error
			page, opErr = r.opts.Gateway.HistoryAfter(ctx, peer, h.lastID)
			return opErr
		})
		if err != nil {
			return errors.Wrap(err, "read history")
		}

		if !totalKnown && page.Total > 0 {
			if err := r.opts.Queue.SetProgressTotal(ctx, task.ID, page.Total); err != nil {
				logger.Errorf("tasks: запись объёма задачи %d: %v", task.ID, err)
			}
			totalKnown = true
		}

		if len(page.Messages) == 0 {
			break
		}

		if err := h.consume(ctx, page.Messages); err != nil {
			if errors.Is(err, errTaskPaused) {
				return nil
			}
			return err
		}
	}

	if err := h.flushGroup(ctx); err != nil && !errors.Is(err, errTaskPaused) {
		return err
	}
	h.persist(ctx)

	if err := r.opts.Queue.MarkCompleted(ctx, task.ID); err != nil {
		return err
	}
	if err := r.opts.Channels.MarkSynced(ctx, channel.ID, h.lastID, h.current); err != nil {
		return err
	}
	r.event(ctx, &channel.ID, store.LevelInfo, fmt.Sprintf(
		"история синхронизирована: обработано %d, пропущено %d, сбоев %d",
		h.current, h.skipped, h.failed))
	return nil
}

// historyRun — состояние одного прохода истории.
type historyRun struct {
	runner  *Runner
	task    *store.SyncTask
	channel *store.SourceChannel
	target  *store.MirrorChannel

	group []gateway.Message // накапливаемый альбом
	gid   int64

	lastID        int64
	current       int
	failed        int
	skipped       int
	sinceProgress int
}

// consume прогоняет страницу сообщений через альбомную склейку.
// Сообщения приходят строго по возрастанию id, поэтому альбом заканчивается
// на первом сообщении с другим grouped_id. При выключенном group_media_messages
// части альбома уходят поодиночке.
func (h *historyRun) consume(ctx context.Context, msgs []gateway.Message) error {
	grouping := h.runner.opts.Settings.GroupMediaMessages(ctx)
	for i := range msgs {
		msg := msgs[i]

		if h.gid != 0 && (msg.GroupedID != h.gid || len(h.group) >= maxGroupSpan) {
			if err := h.flushGroup(ctx); err != nil {
				return err
			}
		}

		if grouping && msg.IsAlbum() {
			h.gid = msg.GroupedID
			h.group = append(h.group, msg)
			continue
		}

		if err := h.deliver(ctx, []gateway.Message{msg}); err != nil {
			return err
		}
	}
	// Хвост страницы держим в буфере: альбом может продолжиться на следующей.
	return nil
}

// flushGroup доставляет накопленный альбом.
func (h *historyRun) flushGroup(ctx context.Context) error {
	if len(h.group) == 0 {
		return nil
	}
	group := h.group
	h.group = nil
	h.gid = 0
	return h.deliver(ctx, group)
}

// deliver — один вызов зеркалирования с учётом прогресса и паузы.
func (h *historyRun) deliver(ctx context.Context, msgs []gateway.Message) error {
	sum, err := h.runner.opts.Mirror.Deliver(ctx, h.channel, h.target, msgs)
	if err != nil {
		h.persist(ctx)
		return err
	}

	h.current += sum.Success + sum.Noop + sum.Skipped + sum.Failed
	h.failed += sum.Failed
	h.skipped += sum.Skipped
	for _, msg := range msgs {
		if msg.ID > h.lastID {
			h.lastID = msg.ID
		}
	}

	h.sinceProgress++
	if h.sinceProgress >= progressEvery {
		h.sinceProgress = 0
		h.persist(ctx)
		if h.runner.paused(ctx, h.task.ID) {
			return errTaskPaused
		}
	}
	return nil
}

// persist сохраняет прогресс (идемпотентно и монотонно).
func (h *historyRun) persist(ctx context.Context) {
	err := h.runner.opts.Queue.UpdateProgress(ctx, h.task.ID,
		h.current, h.lastID, h.failed, h.skipped)
	if err != nil {
		logger.Errorf("tasks: персист прогресса задачи %d: %v", h.task.ID, err)
	}
}
