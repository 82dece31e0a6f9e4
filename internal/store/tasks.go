package store

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TaskStore — запросы к sync_tasks. Выбор следующей задачи использует
// FOR UPDATE SKIP LOCKED: v1 работает одним воркером, но семантика выбора
// уже готова к нескольким.
type TaskStore struct {
	pool *pgxpool.Pool
}

const taskColumns = `id, source_channel_id, task_type, status, progress_current, progress_total,
	last_processed_id, failed_count, skipped_count, last_error,
	created_at, started_at, completed_at, paused_at`

func scanTask(row pgx.Row) (*SyncTask, error) {
	var t SyncTask
	err := row.Scan(&t.ID, &t.SourceChannelID, &t.Type, &t.Status, &t.ProgressCurrent, &t.ProgressTotal,
		&t.LastProcessedID, &t.FailedCount, &t.SkippedCount, &t.LastError,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.PausedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan task")
	}
	return &t, nil
}

// Enqueue ставит задачу, если «живой» задачи такого типа для канала ещё нет.
// Конфликт по частичному уникальному индексу молча игнорируется — возвращается
// существующая строка.
func (s *TaskStore) Enqueue(ctx context.Context, sourceChannelID int64, taskType TaskType) (*SyncTask, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO sync_tasks (source_channel_id, task_type)
		 VALUES ($1, $2)
		 ON CONFLICT (source_channel_id, task_type)
		 WHERE status IN ('pending', 'running', 'paused')
		 DO NOTHING
		 RETURNING `+taskColumns,
		sourceChannelID, taskType)
	task, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		// Уже есть «живая» задача этого типа — отдаём её.
		return s.inflight(ctx, sourceChannelID, taskType)
	}
	return task, err
}

// inflight возвращает pending/running/paused задачу данного типа для канала.
func (s *TaskStore) inflight(ctx context.Context, sourceChannelID int64, taskType TaskType) (*SyncTask, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks
		  WHERE source_channel_id = $1 AND task_type = $2
		    AND status IN ('pending', 'running', 'paused')`,
		sourceChannelID, taskType)
	return scanTask(row)
}

// PickNext атомарно выбирает следующую pending-задачу активного канала
// (приоритет канала по убыванию, затем возраст задачи) и переводит её в running.
// Возвращает (nil, nil, nil), когда работы нет.
func (s *TaskStore) PickNext(ctx context.Context) (*SyncTask, *SourceChannel, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var taskID int64
	err = tx.QueryRow(ctx,
		`SELECT t.id
		   FROM sync_tasks t
		   JOIN source_channels c ON c.id = t.source_channel_id
		  WHERE t.status = 'pending' AND c.is_active AND t.task_type <> 'realtime'
		  ORDER BY c.priority DESC, t.created_at ASC
		  LIMIT 1
		  FOR UPDATE OF t SKIP LOCKED`).Scan(&taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "pick")
	}

	row := tx.QueryRow(ctx,
		`UPDATE sync_tasks
		    SET status = 'running', started_at = now(), completed_at = NULL
		  WHERE id = $1
		  RETURNING `+taskColumns, taskID)
	task, err := scanTask(row)
	if err != nil {
		return nil, nil, err
	}

	channel, err := scanChannel(tx.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM source_channels WHERE id = $1`, task.SourceChannelID))
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "commit")
	}
	return task, channel, nil
}

// Status возвращает текущий статус задачи. Обработчики истории опрашивают его
// между сообщениями, чтобы заметить паузу из веб-интерфейса.
func (s *TaskStore) Status(ctx context.Context, id int64) (TaskStatus, error) {
	var st TaskStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM sync_tasks WHERE id = $1`, id).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "task status")
	}
	return st, nil
}

// SetProgressTotal записывает оценку общего объёма работы.
func (s *TaskStore) SetProgressTotal(ctx context.Context, id int64, total int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_tasks SET progress_total = $2 WHERE id = $1`, id, total)
	if err != nil {
		return errors.Wrap(err, "set progress total")
	}
	return nil
}

// UpdateProgress идемпотентно сохраняет прогресс задачи. last_processed_id
// монотонно не убывает (GREATEST), progress_current не уменьшается.
func (s *TaskStore) UpdateProgress(ctx context.Context, id int64,
	current int, lastProcessedID int64, failed, skipped int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_tasks
		    SET progress_current  = GREATEST(progress_current, $2),
		        last_processed_id = GREATEST(last_processed_id, $3),
		        failed_count      = $4,
		        skipped_count     = $5
		  WHERE id = $1`,
		id, current, lastProcessedID, failed, skipped)
	if err != nil {
		return errors.Wrap(err, "update progress")
	}
	return nil
}

// MarkCompleted завершает задачу.
func (s *TaskStore) MarkCompleted(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_tasks
		    SET status = 'completed', completed_at = now(), last_error = NULL
		  WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "mark completed")
	}
	return nil
}

// MarkFailed фиксирует системный сбой задачи.
func (s *TaskStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_tasks
		    SET status = 'failed', completed_at = now(), last_error = $2
		  WHERE id = $1`, id, errMsg)
	if err != nil {
		return errors.Wrap(err, "mark failed")
	}
	return nil
}

// MarkPaused приостанавливает задачу (например, FLOOD_WAIT сверх лимита).
// lastError несёт человекочитаемую причину с длительностью ожидания.
func (s *TaskStore) MarkPaused(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_tasks
		    SET status = 'paused', paused_at = now(), last_error = $2
		  WHERE id = $1 AND status = 'running'`, id, errMsg)
	if err != nil {
		return errors.Wrap(err, "mark paused")
	}
	return nil
}

// Resume переводит paused → pending и очищает следы паузы.
func (s *TaskStore) Resume(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_tasks
		    SET status = 'pending', last_error = NULL, paused_at = NULL, completed_at = NULL
		  WHERE id = $1 AND status = 'paused'`, id)
	if err != nil {
		return errors.Wrap(err, "resume")
	}
	return nil
}

// ResumeFloodWaitPaused снимает с паузы задачи, остановленные из-за длинного
// FLOOD_WAIT. Вызывается раннером, когда окно ожидания истекло.
func (s *TaskStore) ResumeFloodWaitPaused(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_tasks
		    SET status = 'pending', last_error = NULL, paused_at = NULL, completed_at = NULL
		  WHERE status = 'paused' AND last_error LIKE 'FLOOD_WAIT%'`)
	if err != nil {
		return 0, errors.Wrap(err, "resume flood paused")
	}
	return tag.RowsAffected(), nil
}

// RequeueStaleRunning возвращает в очередь задачи, оставшиеся в running после
// падения процесса. Прогресс уже персистентен, потери работы нет.
func (s *TaskStore) RequeueStaleRunning(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_tasks
		    SET status = 'pending', started_at = NULL
		  WHERE status = 'running'`)
	if err != nil {
		return 0, errors.Wrap(err, "requeue stale")
	}
	return tag.RowsAffected(), nil
}
