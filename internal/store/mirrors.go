package store

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MirrorStore — запросы к mirror_channels.
type MirrorStore struct {
	pool *pgxpool.Pool
}

const mirrorColumns = `id, source_channel_id, telegram_id, access_hash, name, username,
	invite_link, is_auto_created, created_at`

func scanMirror(row pgx.Row) (*MirrorChannel, error) {
	var m MirrorChannel
	err := row.Scan(&m.ID, &m.SourceChannelID, &m.TelegramID, &m.AccessHash,
		&m.Name, &m.Username, &m.InviteLink, &m.IsAutoCreated, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan mirror")
	}
	return &m, nil
}

// GetBySource возвращает целевой канал для источника (ровно один на источник).
func (s *MirrorStore) GetBySource(ctx context.Context, sourceChannelID int64) (*MirrorChannel, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+mirrorColumns+` FROM mirror_channels WHERE source_channel_id = $1`,
		sourceChannelID)
	return scanMirror(row)
}

// Upsert сохраняет целевой канал. Инвариант: однажды установленный telegram_id
// не перезаписывается другим ненулевым значением — COALESCE оставляет старый.
func (s *MirrorStore) Upsert(ctx context.Context, m *MirrorChannel) (*MirrorChannel, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO mirror_channels
		        (source_channel_id, telegram_id, access_hash, name, username, invite_link, is_auto_created)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (source_channel_id) DO UPDATE
		    SET telegram_id = COALESCE(mirror_channels.telegram_id, EXCLUDED.telegram_id),
		        access_hash = COALESCE(EXCLUDED.access_hash, mirror_channels.access_hash),
		        name        = COALESCE(EXCLUDED.name, mirror_channels.name),
		        username    = COALESCE(EXCLUDED.username, mirror_channels.username),
		        invite_link = COALESCE(EXCLUDED.invite_link, mirror_channels.invite_link)
		 RETURNING `+mirrorColumns,
		m.SourceChannelID, m.TelegramID, m.AccessHash, m.Name, m.Username, m.InviteLink, m.IsAutoCreated)
	return scanMirror(row)
}
