// Package realtime — живое зеркалирование. Менеджер периодически сверяет
// набор активных каналов с набором подписок, вступает в новые каналы и
// раскладывает входящие апдейты: новые сообщения — в доставку, правки и
// удаления — в журнал соответствий согласно настройкам. Отписки нет:
// события снятых с учёта каналов отбрасываются на входе.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/kr/pretty"

	"tg-backup/internal/adapters/telegram/gateway"
	"tg-backup/internal/domain/mirror"
	"tg-backup/internal/domain/settings"
	"tg-backup/internal/infra/logger"
	"tg-backup/internal/store"
)

// reconcileInterval — период сверки подписок с БД.
const reconcileInterval = 30 * time.Second

// defaultAlbumSettle — окно ожидания остальных частей альбома: апдейты
// одной медиагруппы приходят отдельными сообщениями.
const defaultAlbumSettle = 2 * time.Second

// flushBudget — потолок на доставку альбома вне контекста апдейта.
const flushBudget = time.Minute

// Channels — чтение и реалтайм-мутации каналов-источников.
type Channels interface {
	ListActiveResolved(ctx context.Context) ([]store.SourceChannel, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*store.SourceChannel, error)
	TouchRealtime(ctx context.Context, id, lastMessageID int64) error
}

// Mirrors — целевые каналы.
type Mirrors interface {
	GetBySource(ctx context.Context, sourceChannelID int64) (*store.MirrorChannel, error)
}

// Mappings — правки и удаления в журнале соответствий.
type Mappings interface {
	RecordEdit(ctx context.Context, sourceChannelID, sourceMessageID int64,
		newText string, editedAt time.Time, keepHistory bool) error
	MarkDeleted(ctx context.Context, sourceChannelID int64, sourceMessageIDs []int64) (int64, error)
}

// Events — журнал событий для оператора.
type Events interface {
	Append(ctx context.Context, channelID *int64, level store.EventLevel, message string) error
}

// Telegram — операции шлюза, нужные реалтайму.
type Telegram interface {
	JoinChannel(ctx context.Context, peer gateway.Peer) error
	OnNewChannelMessage(fn func(ctx context.Context, channelID int64, msg gateway.Message))
	OnEditChannelMessage(fn func(ctx context.Context, channelID int64, msg gateway.Message))
	OnDeleteChannelMessages(fn func(ctx context.Context, channelID int64, ids []int64))
}

// Deliverer — поэлементная доставка.
type Deliverer interface {
	Deliver(ctx context.Context, channel *store.SourceChannel,
		target *store.MirrorChannel, msgs []gateway.Message) (mirror.Summary, error)
}

// Options — зависимости менеджера.
type Options struct {
	Channels Channels
	Mirrors  Mirrors
	Mappings Mappings
	Events   Events
	Gateway  Telegram
	Mirror   Deliverer
	Settings *settings.Cache

	AlbumSettle time.Duration // 0 — значение по умолчанию
}

// albumKey — идентификатор накапливаемой медиагруппы.
type albumKey struct {
	telegramID int64
	groupID    int64
}

// pendingAlbum — части альбома, ожидающие окно тишины.
type pendingAlbum struct {
	channel *store.SourceChannel
	msgs    []gateway.Message
	timer   *time.Timer
}

// Manager ведёт подписки и обрабатывает апдейты каналов.
type Manager struct {
	opts   Options
	settle time.Duration

	runCtx context.Context // контекст Start; живёт дольше контекста апдейта

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      sync.WaitGroup

	mu         sync.Mutex
	subscribed map[int64]struct{}
	albums     map[albumKey]*pendingAlbum
}

// New собирает менеджер.
func New(opts Options) *Manager {
	settle := opts.AlbumSettle
	if settle <= 0 {
		settle = defaultAlbumSettle
	}
	return &Manager{
		opts:       opts,
		settle:     settle,
		stop:       make(chan struct{}),
		subscribed: make(map[int64]struct{}),
		albums:     make(map[albumKey]*pendingAlbum),
	}
}

// Start регистрирует обработчики апдейтов, выполняет первую сверку подписок
// и запускает периодическую.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.runCtx = ctx

		m.opts.Gateway.OnNewChannelMessage(m.onMessage)
		m.opts.Gateway.OnEditChannelMessage(m.onEdit)
		m.opts.Gateway.OnDeleteChannelMessages(m.onDelete)

		m.reconcile(ctx)

		m.done.Add(1)
		go func() {
			defer m.done.Done()
			ticker := time.NewTicker(reconcileInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.stop:
					return
				case <-ticker.C:
					m.reconcile(ctx)
				}
			}
		}()
	})
}

// Stop останавливает сверку и сбрасывает недосклеенные альбомы.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.done.Wait()

	m.mu.Lock()
	pending := make([]*pendingAlbum, 0, len(m.albums))
	for key, album := range m.albums {
		album.timer.Stop()
		pending = append(pending, album)
		delete(m.albums, key)
	}
	m.mu.Unlock()

	for _, album := range pending {
		ctx, cancel := m.flushCtx()
		m.deliverNow(ctx, album.channel, album.msgs)
		cancel()
	}
}

// flushCtx — контекст доставки, пережившей источник: принятые части альбома
// доезжают до зеркала даже после отмены контекста Start.
func (m *Manager) flushCtx() (context.Context, context.CancelFunc) {
	base := m.runCtx
	if base == nil {
		base = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(base), flushBudget)
}

// reconcile вступает в активные резолвленные каналы, на которые ещё нет
// подписки. Неудачное вступление повторится на следующем проходе.
func (m *Manager) reconcile(ctx context.Context) {
	channels, err := m.opts.Channels.ListActiveResolved(ctx)
	if err != nil {
		logger.Errorf("realtime: список каналов: %v", err)
		return
	}

	for i := range channels {
		channel := channels[i]
		telegramID := *channel.TelegramID

		m.mu.Lock()
		_, ok := m.subscribed[telegramID]
		m.mu.Unlock()
		if ok {
			continue
		}

		peer := gateway.Peer{ID: telegramID, AccessHash: *channel.AccessHash}
		if err := m.opts.Gateway.JoinChannel(ctx, peer); err != nil {
			logger.Warnf("realtime: подписка на канал %d: %v", telegramID, err)
			continue
		}

		m.mu.Lock()
		m.subscribed[telegramID] = struct{}{}
		m.mu.Unlock()
		logger.Infof("realtime: подписка на канал %d (%s) оформлена",
			telegramID, channel.ChannelIdentifier)
	}
}

// channelFor находит активный канал-источник по telegram id апдейта.
// События чужих и снятых с учёта каналов отбрасываются здесь.
func (m *Manager) channelFor(ctx context.Context, telegramID int64) *store.SourceChannel {
	channel, err := m.opts.Channels.GetByTelegramID(ctx, telegramID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		logger.Errorf("realtime: поиск канала %d: %v", telegramID, err)
		return nil
	}
	if !channel.IsActive {
		return nil
	}
	return channel
}

// onMessage зеркалирует новое сообщение. Части альбомов накапливаются до
// окна тишины, одиночные сообщения уходят сразу. При выключенном
// group_media_messages части альбома тоже уходят сразу, поодиночке.
func (m *Manager) onMessage(ctx context.Context, telegramID int64, msg gateway.Message) {
	channel := m.channelFor(ctx, telegramID)
	if channel == nil {
		return
	}
	logger.Debugf("realtime: сообщение %d канала %d: %# v",
		msg.ID, telegramID, pretty.Formatter(msg))

	if msg.IsAlbum() && m.opts.Settings.GroupMediaMessages(ctx) {
		m.bufferAlbumPart(channel, telegramID, msg)
		return
	}
	m.deliverNow(ctx, channel, []gateway.Message{msg})
}

// bufferAlbumPart добавляет часть альбома в буфер и перевзводит таймер тишины.
func (m *Manager) bufferAlbumPart(channel *store.SourceChannel, telegramID int64, msg gateway.Message) {
	key := albumKey{telegramID: telegramID, groupID: msg.GroupedID}

	m.mu.Lock()
	defer m.mu.Unlock()

	album, ok := m.albums[key]
	if !ok {
		album = &pendingAlbum{channel: channel}
		album.timer = time.AfterFunc(m.settle, func() { m.flushAlbum(key) })
		m.albums[key] = album
	} else {
		album.timer.Reset(m.settle)
	}
	album.msgs = append(album.msgs, msg)
}

// flushAlbum доставляет накопленный альбом после окна тишины.
func (m *Manager) flushAlbum(key albumKey) {
	m.mu.Lock()
	album, ok := m.albums[key]
	delete(m.albums, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := m.flushCtx()
	defer cancel()
	m.deliverNow(ctx, album.channel, album.msgs)
}

// deliverNow — один вызов зеркалирования с обновлением реалтайм-отметки канала.
func (m *Manager) deliverNow(ctx context.Context, channel *store.SourceChannel, msgs []gateway.Message) {
	target, err := m.opts.Mirrors.GetBySource(ctx, channel.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Зеркало ещё не создано: сообщение доберёт историческая задача.
		logger.Warnf("realtime: у канала %d нет зеркала, сообщения отложены", channel.ID)
		return
	}
	if err != nil {
		logger.Errorf("realtime: зеркало канала %d: %v", channel.ID, err)
		return
	}

	sum, err := m.opts.Mirror.Deliver(ctx, channel, target, msgs)
	if err != nil {
		logger.Errorf("realtime: доставка в зеркало канала %d: %v", channel.ID, err)
		m.event(ctx, &channel.ID, store.LevelError,
			fmt.Sprintf("реалтайм-доставка упала: %v", err))
		return
	}

	var lastID int64
	for _, msg := range msgs {
		if msg.ID > lastID {
			lastID = msg.ID
		}
	}
	if err := m.opts.Channels.TouchRealtime(ctx, channel.ID, lastID); err != nil {
		logger.Errorf("realtime: отметка канала %d: %v", channel.ID, err)
	}
	if sum.Failed > 0 {
		m.event(ctx, &channel.ID, store.LevelWarn,
			fmt.Sprintf("реалтайм: %d из %d сообщений не доставлено", sum.Failed, len(msgs)))
	}
}

// onEdit переносит правку текста в журнал, если синхронизация правок включена.
func (m *Manager) onEdit(ctx context.Context, telegramID int64, msg gateway.Message) {
	if !m.opts.Settings.SyncMessageEdits(ctx) {
		return
	}
	channel := m.channelFor(ctx, telegramID)
	if channel == nil {
		return
	}

	keepHistory := m.opts.Settings.KeepEditHistory(ctx)
	err := m.opts.Mappings.RecordEdit(ctx, channel.ID, msg.ID, msg.Text, time.Now(), keepHistory)
	if err != nil {
		logger.Errorf("realtime: правка сообщения %d канала %d: %v", msg.ID, channel.ID, err)
	}
}

// onDelete помечает удалённые в источнике сообщения, если синхронизация
// удалений включена. Сами копии в зеркале не трогаем.
func (m *Manager) onDelete(ctx context.Context, telegramID int64, ids []int64) {
	if !m.opts.Settings.SyncMessageDeletions(ctx) {
		return
	}
	channel := m.channelFor(ctx, telegramID)
	if channel == nil {
		return
	}

	n, err := m.opts.Mappings.MarkDeleted(ctx, channel.ID, ids)
	if err != nil {
		logger.Errorf("realtime: удаления в канале %d: %v", channel.ID, err)
		return
	}
	if n > 0 {
		m.event(ctx, &channel.ID, store.LevelInfo,
			fmt.Sprintf("источник удалил %d сообщений, журнал обновлён", n))
	}
}

// event дописывает строку журнала, не прерывая обработку при сбое.
func (m *Manager) event(ctx context.Context, channelID *int64, level store.EventLevel, message string) {
	if err := m.opts.Events.Append(ctx, channelID, level, message); err != nil {
		logger.Errorf("realtime: запись события: %v", err)
	}
}
