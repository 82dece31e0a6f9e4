package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"

	"tg-backup/internal/domain/settings"
	"tg-backup/internal/infra/crypto"
	"tg-backup/internal/store"
)

// ErrSessionCorrupt — сессия есть, но не расшифровывается. Фатально на старте:
// молча сбрасывать сессию нельзя, требуется повторный вход оператора.
var ErrSessionCorrupt = errors.New("gateway: session corrupt; re-login required")

// sessionSettings — доступ к строке telegram_session в таблице настроек.
type sessionSettings interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
}

// SessionStorage реализует tdsession.Storage поверх зашифрованной строки в
// таблице settings. Файлов на диске нет: сессия живёт рядом с остальными
// данными и попадает в тот же бэкап. Потокобезопасен.
type SessionStorage struct {
	Settings sessionSettings
	Box      *crypto.Box

	mux sync.Mutex
}

var _ tdsession.Storage = (*SessionStorage)(nil)

// LoadSession читает и расшифровывает сессию. Отсутствие строки — штатный
// tdsession.ErrNotFound; ошибка расшифровки — ErrSessionCorrupt.
func (s *SessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	raw, err := s.Settings.Get(ctx, settings.KeyTelegramSession)
	if errors.Is(err, store.ErrNotFound) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load session row")
	}

	var ciphertext string
	if err := json.Unmarshal(raw, &ciphertext); err != nil {
		return nil, errors.Wrap(ErrSessionCorrupt, err.Error())
	}
	if ciphertext == "" {
		return nil, tdsession.ErrNotFound
	}

	data, err := s.Box.Decrypt(ciphertext)
	if err != nil {
		// Не разворачиваем в ErrNotFound: оператор должен увидеть проблему.
		return nil, errors.Wrapf(ErrSessionCorrupt, "decrypt: %v", err)
	}
	return data, nil
}

// StoreSession шифрует и сохраняет сессию (gotd вызывает после реавторизации
// и миграций DC).
func (s *SessionStorage) StoreSession(ctx context.Context, data []byte) error {
	if s == nil {
		return errors.New("nil session storage is invalid")
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	ciphertext, err := s.Box.Encrypt(data)
	if err != nil {
		return errors.Wrap(err, "encrypt session")
	}
	value, err := json.Marshal(ciphertext)
	if err != nil {
		return errors.Wrap(err, "marshal session value")
	}
	if err := s.Settings.Set(ctx, settings.KeyTelegramSession, value); err != nil {
		return errors.Wrap(err, "store session row")
	}
	return nil
}
