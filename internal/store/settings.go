package store

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SettingsStore — таблица settings (key → JSONB). Интерпретацией значений
// занимается кеш настроек, здесь — только сырые байты.
type SettingsStore struct {
	pool *pgxpool.Pool
}

// Get возвращает значение ключа или ErrNotFound.
func (s *SettingsStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get setting")
	}
	return raw, nil
}

// Set записывает значение ключа (upsert).
func (s *SettingsStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	if err != nil {
		return errors.Wrap(err, "set setting")
	}
	return nil
}

// Delete удаляет ключ. Отсутствие строки — не ошибка.
func (s *SettingsStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM settings WHERE key = $1`, key)
	if err != nil {
		return errors.Wrap(err, "delete setting")
	}
	return nil
}

// All возвращает все пары key→value одним запросом (загрузка кеша).
func (s *SettingsStore) All(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, errors.Wrap(err, "query settings")
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			key string
			raw json.RawMessage
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, errors.Wrap(err, "scan setting")
		}
		out[key] = raw
	}
	return out, rows.Err()
}
