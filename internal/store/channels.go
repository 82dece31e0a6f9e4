package store

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChannelStore — запросы к source_channels.
type ChannelStore struct {
	pool *pgxpool.Pool
}

// ErrNotFound возвращается, когда запрошенная строка отсутствует.
var ErrNotFound = errors.New("store: not found")

const channelColumns = `id, channel_identifier, telegram_id, access_hash, name, username,
	member_count, total_messages, is_protected, is_active, priority, mirror_mode,
	message_filter_mode, message_filter_keywords, group_name, sync_status,
	last_sync_at, last_message_id, created_at, updated_at`

func scanChannel(row pgx.Row) (*SourceChannel, error) {
	var c SourceChannel
	err := row.Scan(
		&c.ID, &c.ChannelIdentifier, &c.TelegramID, &c.AccessHash, &c.Name, &c.Username,
		&c.MemberCount, &c.TotalMessages, &c.IsProtected, &c.IsActive, &c.Priority, &c.MirrorMode,
		&c.FilterMode, &c.FilterKeywords, &c.GroupName, &c.SyncStatus,
		&c.LastSyncAt, &c.LastMessageID, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan channel")
	}
	return &c, nil
}

// Create вставляет новый канал-источник. Обычно этим занимается веб-слой;
// метод нужен служебным сценариям и миграции настроек.
func (s *ChannelStore) Create(ctx context.Context, identifier string) (*SourceChannel, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO source_channels (channel_identifier) VALUES ($1) RETURNING `+channelColumns,
		identifier)
	return scanChannel(row)
}

// GetByID возвращает канал по суррогатному ключу.
func (s *ChannelStore) GetByID(ctx context.Context, id int64) (*SourceChannel, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM source_channels WHERE id = $1`, id)
	return scanChannel(row)
}

// GetByTelegramID находит канал по резолвленному telegram_id.
func (s *ChannelStore) GetByTelegramID(ctx context.Context, telegramID int64) (*SourceChannel, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM source_channels WHERE telegram_id = $1`, telegramID)
	return scanChannel(row)
}

// ListActiveResolved возвращает активные каналы с известной парой
// (telegram_id, access_hash) — желаемое множество подписок реалтайма.
func (s *ChannelStore) ListActiveResolved(ctx context.Context) ([]SourceChannel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM source_channels
		  WHERE is_active AND telegram_id IS NOT NULL AND access_hash IS NOT NULL
		  ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query active resolved")
	}
	defer rows.Close()

	var out []SourceChannel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetResolved сохраняет результат резолва. Выполняется идемпотентно: повторный
// resolve того же канала перезаписывает те же значения.
func (s *ChannelStore) SetResolved(ctx context.Context, id, telegramID, accessHash int64,
	name, username string, memberCount int, isProtected bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE source_channels
		    SET telegram_id = $2, access_hash = $3, name = $4, username = NULLIF($5, ''),
		        member_count = $6, is_protected = $7, updated_at = now()
		  WHERE id = $1`,
		id, telegramID, accessHash, name, username, memberCount, isProtected)
	if err != nil {
		return errors.Wrap(err, "set resolved")
	}
	return nil
}

// SetSyncStatus переводит канал в новое состояние синхронизации.
func (s *ChannelStore) SetSyncStatus(ctx context.Context, id int64, status SyncStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE source_channels SET sync_status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return errors.Wrap(err, "set sync status")
	}
	return nil
}

// MarkSynced фиксирует успешное завершение исторической синхронизации.
func (s *ChannelStore) MarkSynced(ctx context.Context, id, lastMessageID int64, totalMessages int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE source_channels
		    SET sync_status = 'completed', last_sync_at = now(),
		        last_message_id = GREATEST(COALESCE(last_message_id, 0), $2),
		        total_messages = $3, updated_at = now()
		  WHERE id = $1`,
		id, lastMessageID, totalMessages)
	if err != nil {
		return errors.Wrap(err, "mark synced")
	}
	return nil
}

// TouchRealtime обновляет отметки живой синхронизации после доставки
// реалтайм-сообщения. last_message_id монотонен.
func (s *ChannelStore) TouchRealtime(ctx context.Context, id, lastMessageID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE source_channels
		    SET last_sync_at = now(),
		        last_message_id = GREATEST(COALESCE(last_message_id, 0), $2),
		        updated_at = now()
		  WHERE id = $1`,
		id, lastMessageID)
	if err != nil {
		return errors.Wrap(err, "touch realtime")
	}
	return nil
}
