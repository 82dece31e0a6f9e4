package store

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore — append-only журнал событий для оператора.
type EventStore struct {
	pool *pgxpool.Pool
}

// Append дописывает событие. channelID == nil — событие уровня процесса.
func (s *EventStore) Append(ctx context.Context, channelID *int64, level EventLevel, message string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_events (source_channel_id, level, message) VALUES ($1, $2, $3)`,
		channelID, level, message)
	if err != nil {
		return errors.Wrap(err, "append event")
	}
	return nil
}

// ListRecent возвращает последние события канала (или процесса при nil),
// новые — первыми.
func (s *EventStore) ListRecent(ctx context.Context, channelID *int64, limit int) ([]SyncEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_channel_id, level, message, created_at
		   FROM sync_events
		  WHERE ($1::BIGINT IS NULL AND source_channel_id IS NULL) OR source_channel_id = $1
		  ORDER BY created_at DESC
		  LIMIT $2`,
		channelID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()

	var out []SyncEvent
	for rows.Next() {
		var e SyncEvent
		if err := rows.Scan(&e.ID, &e.SourceChannelID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
