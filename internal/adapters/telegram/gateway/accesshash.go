package gateway

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	tgupdates "github.com/gotd/td/telegram/updates"

	"tg-backup/internal/store"
)

// channelLookup — доступ к резолвленным каналам-источникам.
type channelLookup interface {
	GetByTelegramID(ctx context.Context, telegramID int64) (*store.SourceChannel, error)
}

// StoreAccessHasher отдаёт менеджеру апдейтов access_hash каналов из таблицы
// источников; хэши, подсмотренные менеджером на лету, держит в памяти —
// персистентно их сохраняет resolve-задача.
type StoreAccessHasher struct {
	Channels channelLookup

	mu      sync.Mutex
	learned map[int64]int64
}

var _ tgupdates.ChannelAccessHasher = (*StoreAccessHasher)(nil)

// SetChannelAccessHash запоминает хэш на время жизни процесса.
func (h *StoreAccessHasher) SetChannelAccessHash(_ context.Context, _, channelID, accessHash int64) error {
	h.mu.Lock()
	if h.learned == nil {
		h.learned = make(map[int64]int64)
	}
	h.learned[channelID] = accessHash
	h.mu.Unlock()
	return nil
}

// GetChannelAccessHash ищет хэш сначала в памяти, затем среди источников.
func (h *StoreAccessHasher) GetChannelAccessHash(ctx context.Context, _, channelID int64) (int64, bool, error) {
	h.mu.Lock()
	hash, ok := h.learned[channelID]
	h.mu.Unlock()
	if ok {
		return hash, true, nil
	}

	channel, err := h.Channels.GetByTelegramID(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if channel.AccessHash == nil {
		return 0, false, nil
	}
	return *channel.AccessHash, true, nil
}
