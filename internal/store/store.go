package store

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store объединяет доступ ко всем таблицам схемы. Подхранилища делят общий пул.
type Store struct {
	pool *pgxpool.Pool

	Channels *ChannelStore
	Mirrors  *MirrorStore
	Tasks    *TaskStore
	Mappings *MappingStore
	Events   *EventStore
	Settings *SettingsStore
}

// New собирает Store поверх готового пула (пул создаёт и мигрирует db.Open/db.Migrate).
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:     pool,
		Channels: &ChannelStore{pool: pool},
		Mirrors:  &MirrorStore{pool: pool},
		Tasks:    &TaskStore{pool: pool},
		Mappings: &MappingStore{pool: pool},
		Events:   &EventStore{pool: pool},
		Settings: &SettingsStore{pool: pool},
	}
}

// Pool отдаёт нижележащий пул (нужен шине уведомлений для pg_notify).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close закрывает пул соединений.
func (s *Store) Close() { s.pool.Close() }
