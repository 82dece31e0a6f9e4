package tasks

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"tg-backup/internal/adapters/telegram/gateway"
	"tg-backup/internal/infra/logger"
	"tg-backup/internal/store"
)

// runRetry перечитывает failed-строки журнала канала (старые — первыми),
// повторно прогоняя каждую через зеркалирование. Исчезнувшие из источника
// сообщения помечаются skipped/message_deleted; исчерпавшие лимит попыток —
// skipped/failed_too_many_times, если это разрешено настройкой.
func (r *Runner) runRetry(ctx context.Context, task *store.SyncTask, channel *store.SourceChannel) error {
	if !channel.Resolved() {
		return errors.New("tasks: retry requires resolved channel")
	}
	target, err := r.opts.Mirrors.GetBySource(ctx, channel.ID)
	if err != nil {
		return errors.Wrap(err, "mirror row")
	}

	maxRetry := r.opts.Settings.MaxRetryCount(ctx)
	rows, err := r.opts.Mappings.ListFailed(ctx, channel.ID, maxRetry)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if err := r.opts.Queue.SetProgressTotal(ctx, task.ID, len(rows)); err != nil {
		logger.Errorf("tasks: запись объёма задачи %d: %v", task.ID, err)
	}

	peer := gateway.Peer{ID: *channel.TelegramID, AccessHash: *channel.AccessHash}

	var processed, failed, skipped int
	for _, row := range rows {
		if r.paused(ctx, task.ID) {
			logger.Infof("tasks: ретрай канала %d поставлен на паузу", channel.ID)
			return nil
		}

		var fresh []gateway.Message
		err := r.opts.Limiter.Do(ctx, func(ctx context.Context) error {
			var opErr error
			fresh, opErr = r.opts.Gateway.GetMessagesByIDs(ctx, peer, []int64{row.SourceMessageID})
			return opErr
		})
		if err != nil {
			return errors.Wrap(err, "refetch message")
		}

		if len(fresh) == 0 {
			// Источник удалил сообщение — ретраить больше нечего.
			if err := r.opts.Mappings.MarkSkipped(ctx, channel.ID, row.SourceMessageID,
				store.SkipMessageDeleted); err != nil {
				return err
			}
			skipped++
		} else {
			sum, err := r.opts.Mirror.Deliver(ctx, channel, target, fresh)
			if err != nil {
				return err
			}
			failed += sum.Failed
			skipped += sum.Skipped
		}

		processed++
		if processed%progressEvery == 0 {
			if err := r.opts.Queue.UpdateProgress(ctx, task.ID,
				processed, row.SourceMessageID, failed, skipped); err != nil {
				logger.Errorf("tasks: персист прогресса задачи %d: %v", task.ID, err)
			}
		}
	}

	if r.opts.Settings.SkipAfterMaxRetry(ctx) {
		exhausted, err := r.opts.Mappings.ListExhausted(ctx, channel.ID, maxRetry)
		if err != nil {
			return errors.Wrap(err, "list exhausted")
		}
		for _, row := range exhausted {
			if err := r.opts.Mappings.MarkSkipped(ctx, channel.ID, row.SourceMessageID,
				store.SkipFailedTooManyTimes); err != nil {
				return err
			}
			skipped++
		}
	}

	if err := r.opts.Queue.UpdateProgress(ctx, task.ID, processed, 0, failed, skipped); err != nil {
		logger.Errorf("tasks: персист прогресса задачи %d: %v", task.ID, err)
	}
	if err := r.opts.Queue.MarkCompleted(ctx, task.ID); err != nil {
		return err
	}
	r.event(ctx, &channel.ID, store.LevelInfo, fmt.Sprintf(
		"ретрай завершён: обработано %d, пропущено %d, осталось сбоев %d",
		processed, skipped, failed))
	return nil
}
