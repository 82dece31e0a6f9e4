package store

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MappingStore — журнал соответствий источник→зеркало. Upsert по натуральному
// ключу (source_channel_id, source_message_id) — единственная точка записи;
// через неё проходят история, реалтайм и ретраи, чем и обеспечивается
// «не более одного успешного зеркала на сообщение».
type MappingStore struct {
	pool *pgxpool.Pool
}

const mappingColumns = `id, source_channel_id, source_message_id, mirror_channel_id, mirror_message_id,
	message_type, media_group_id, status, skip_reason, error_message, retry_count,
	has_media, file_size, text, text_preview, sent_at, mirrored_at,
	is_deleted, deleted_at, edit_count, last_edited_at`

func scanMapping(row pgx.Row) (*MessageMapping, error) {
	var m MessageMapping
	err := row.Scan(&m.ID, &m.SourceChannelID, &m.SourceMessageID, &m.MirrorChannelID, &m.MirrorMessageID,
		&m.Type, &m.MediaGroupID, &m.Status, &m.SkipReason, &m.ErrorMessage, &m.RetryCount,
		&m.HasMedia, &m.FileSize, &m.Text, &m.TextPreview, &m.SentAt, &m.MirroredAt,
		&m.IsDeleted, &m.DeletedAt, &m.EditCount, &m.LastEditedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan mapping")
	}
	return &m, nil
}

// Get возвращает маппинг по натуральному ключу.
func (s *MappingStore) Get(ctx context.Context, sourceChannelID, sourceMessageID int64) (*MessageMapping, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM message_mappings
		  WHERE source_channel_id = $1 AND source_message_id = $2`,
		sourceChannelID, sourceMessageID)
	return scanMapping(row)
}

// Upsert записывает итог обработки сообщения. Правила конфликта:
//   - mirror_message_id и mirrored_at не затираются NULL-ом (COALESCE);
//   - retry_count растёт на 1 только при записи failed;
//   - success не понижается: повторная запись failed/pending поверх success
//     сохраняет успешный статус (условие в SET status).
func (s *MappingStore) Upsert(ctx context.Context, m *MessageMapping) (*MessageMapping, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO message_mappings
		        (source_channel_id, source_message_id, mirror_channel_id, mirror_message_id,
		         message_type, media_group_id, status, skip_reason, error_message,
		         has_media, file_size, text, text_preview, sent_at, mirrored_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (source_channel_id, source_message_id) DO UPDATE
		    SET status            = CASE WHEN message_mappings.status = 'success'
		                                 THEN message_mappings.status
		                                 ELSE EXCLUDED.status END,
		        mirror_channel_id = COALESCE(EXCLUDED.mirror_channel_id, message_mappings.mirror_channel_id),
		        mirror_message_id = COALESCE(EXCLUDED.mirror_message_id, message_mappings.mirror_message_id),
		        mirrored_at       = COALESCE(EXCLUDED.mirrored_at, message_mappings.mirrored_at),
		        error_message     = EXCLUDED.error_message,
		        skip_reason       = EXCLUDED.skip_reason,
		        retry_count       = message_mappings.retry_count +
		                            CASE WHEN EXCLUDED.status = 'failed' THEN 1 ELSE 0 END,
		        message_type      = EXCLUDED.message_type,
		        media_group_id    = COALESCE(EXCLUDED.media_group_id, message_mappings.media_group_id),
		        has_media         = EXCLUDED.has_media,
		        file_size         = COALESCE(EXCLUDED.file_size, message_mappings.file_size),
		        text              = EXCLUDED.text,
		        text_preview      = EXCLUDED.text_preview,
		        sent_at           = COALESCE(EXCLUDED.sent_at, message_mappings.sent_at)
		 RETURNING `+mappingColumns,
		m.SourceChannelID, m.SourceMessageID, m.MirrorChannelID, m.MirrorMessageID,
		m.Type, m.MediaGroupID, m.Status, m.SkipReason, m.ErrorMessage,
		m.HasMedia, m.FileSize, m.Text, m.TextPreview, m.SentAt, m.MirroredAt)
	return scanMapping(row)
}

// ListFailed возвращает кандидатов на ретрай: failed с retry_count < maxRetry,
// старые — первыми.
func (s *MappingStore) ListFailed(ctx context.Context, sourceChannelID int64, maxRetry int) ([]MessageMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+mappingColumns+` FROM message_mappings
		  WHERE source_channel_id = $1 AND status = 'failed' AND retry_count < $2
		  ORDER BY source_message_id ASC`,
		sourceChannelID, maxRetry)
	if err != nil {
		return nil, errors.Wrap(err, "query failed mappings")
	}
	defer rows.Close()
	return collectMappings(rows)
}

// ListExhausted возвращает failed-строки, исчерпавшие лимит попыток.
// Используется retry-задачей при skip_after_max_retry.
func (s *MappingStore) ListExhausted(ctx context.Context, sourceChannelID int64, maxRetry int) ([]MessageMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+mappingColumns+` FROM message_mappings
		  WHERE source_channel_id = $1 AND status = 'failed' AND retry_count >= $2
		  ORDER BY source_message_id ASC`,
		sourceChannelID, maxRetry)
	if err != nil {
		return nil, errors.Wrap(err, "query exhausted mappings")
	}
	defer rows.Close()
	return collectMappings(rows)
}

func collectMappings(rows pgx.Rows) ([]MessageMapping, error) {
	var out []MessageMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MarkSkipped переводит маппинг в skipped с указанной причиной.
// Успешные строки не трогаем.
func (s *MappingStore) MarkSkipped(ctx context.Context, sourceChannelID, sourceMessageID int64, reason SkipReason) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE message_mappings
		    SET status = 'skipped', skip_reason = $3, error_message = NULL
		  WHERE source_channel_id = $1 AND source_message_id = $2 AND status <> 'success'`,
		sourceChannelID, sourceMessageID, reason)
	if err != nil {
		return errors.Wrap(err, "mark skipped")
	}
	return nil
}

// MarkDeleted помечает сообщения источника удалёнными. Строки остаются:
// журнал — часть резервной копии.
func (s *MappingStore) MarkDeleted(ctx context.Context, sourceChannelID int64, sourceMessageIDs []int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE message_mappings
		    SET is_deleted = TRUE, deleted_at = now()
		  WHERE source_channel_id = $1 AND source_message_id = ANY($2) AND NOT is_deleted`,
		sourceChannelID, sourceMessageIDs)
	if err != nil {
		return 0, errors.Wrap(err, "mark deleted")
	}
	return tag.RowsAffected(), nil
}

// RecordEdit обновляет текст после правки в источнике и, при keepHistory,
// дописывает прежний вариант в message_edits.
func (s *MappingStore) RecordEdit(ctx context.Context, sourceChannelID, sourceMessageID int64,
	newText string, editedAt time.Time, keepHistory bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if keepHistory {
		_, err = tx.Exec(ctx,
			`INSERT INTO message_edits (source_channel_id, source_message_id, text, edited_at)
			 SELECT source_channel_id, source_message_id, text, $3
			   FROM message_mappings
			  WHERE source_channel_id = $1 AND source_message_id = $2`,
			sourceChannelID, sourceMessageID, editedAt)
		if err != nil {
			return errors.Wrap(err, "append edit history")
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE message_mappings
		    SET text = $3, text_preview = $4,
		        edit_count = edit_count + 1, last_edited_at = $5
		  WHERE source_channel_id = $1 AND source_message_id = $2`,
		sourceChannelID, sourceMessageID, newText, Preview(newText), editedAt)
	if err != nil {
		return errors.Wrap(err, "record edit")
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

// PageCursor — курсор обратной хронологической пагинации (опирается на
// индекс message_mappings_cursor_idx). Нулевое значение означает «с начала».
type PageCursor struct {
	SentAt          time.Time
	SourceMessageID int64
}

// ListPage отдаёт страницу журнала канала от новых к старым.
func (s *MappingStore) ListPage(ctx context.Context, sourceChannelID int64,
	cursor *PageCursor, limit int) ([]MessageMapping, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if cursor == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+mappingColumns+` FROM message_mappings
			  WHERE source_channel_id = $1
			  ORDER BY sent_at DESC, source_message_id DESC
			  LIMIT $2`,
			sourceChannelID, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+mappingColumns+` FROM message_mappings
			  WHERE source_channel_id = $1 AND (sent_at, source_message_id) < ($2, $3)
			  ORDER BY sent_at DESC, source_message_id DESC
			  LIMIT $4`,
			sourceChannelID, cursor.SentAt, cursor.SourceMessageID, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query page")
	}
	defer rows.Close()
	return collectMappings(rows)
}

// Search ищет подстроку в тексте сообщений канала (триграммный индекс,
// без учёта регистра).
func (s *MappingStore) Search(ctx context.Context, sourceChannelID int64, query string, limit int) ([]MessageMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+mappingColumns+` FROM message_mappings
		  WHERE source_channel_id = $1 AND text ILIKE '%' || $2 || '%'
		  ORDER BY sent_at DESC, source_message_id DESC
		  LIMIT $3`,
		sourceChannelID, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "search")
	}
	defer rows.Close()
	return collectMappings(rows)
}

// CountByStatus возвращает распределение статусов по каналу (сводка для UI).
func (s *MappingStore) CountByStatus(ctx context.Context, sourceChannelID int64) (map[MappingStatus]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM message_mappings
		  WHERE source_channel_id = $1 GROUP BY status`,
		sourceChannelID)
	if err != nil {
		return nil, errors.Wrap(err, "count by status")
	}
	defer rows.Close()

	out := make(map[MappingStatus]int64)
	for rows.Next() {
		var (
			st MappingStatus
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		out[st] = n
	}
	return out, rows.Err()
}
