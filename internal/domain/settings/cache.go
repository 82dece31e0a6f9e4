package settings

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"tg-backup/internal/infra/logger"
	"tg-backup/internal/store"
)

// refreshInterval — максимальный возраст снапшота до фонового обновления.
const refreshInterval = 60 * time.Second

// Loader — источник пар key→value (обычно store.SettingsStore).
type Loader interface {
	All(ctx context.Context) (map[string]json.RawMessage, error)
}

// Cache — процессный снапшот настроек. Читатели не ходят в базу чаще раза
// в refreshInterval; Invalidate форсирует перечитку при следующем обращении.
// Потокобезопасен.
type Cache struct {
	loader Loader
	now    func() time.Time

	mu       sync.Mutex
	values   map[string]json.RawMessage
	loadedAt time.Time
	dirty    bool
}

// NewCache создаёт кеш поверх загрузчика. Первый снапшот подтянется лениво.
func NewCache(loader Loader) *Cache {
	return &Cache{loader: loader, now: time.Now, dirty: true}
}

// Invalidate помечает снапшот устаревшим (вызывается после правок из UI
// и по событиям шины изменений).
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

// snapshot возвращает актуальную карту значений, при необходимости перечитав
// её из базы. Сбой загрузки не фатален: остаёмся на предыдущем снапшоте.
func (c *Cache) snapshot(ctx context.Context) map[string]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	stale := c.dirty || c.values == nil || c.now().Sub(c.loadedAt) >= refreshInterval
	if !stale {
		return c.values
	}

	values, err := c.loader.All(ctx)
	if err != nil {
		logger.Warnf("settings: не удалось обновить снапшот: %v", err)
		if c.values == nil {
			c.values = map[string]json.RawMessage{}
		}
		return c.values
	}
	c.values = values
	c.loadedAt = c.now()
	c.dirty = false
	return c.values
}

// raw возвращает сырое значение ключа (nil, если ключа нет).
func (c *Cache) raw(ctx context.Context, key string) json.RawMessage {
	return c.snapshot(ctx)[key]
}

// String читает строковый ключ с дефолтом.
func (c *Cache) String(ctx context.Context, key, def string) string {
	raw := c.raw(ctx, key)
	if raw == nil {
		return def
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		logger.Warnf("settings: ключ %s: ожидалась строка: %v", key, err)
		return def
	}
	return s
}

// Int читает целочисленный ключ с дефолтом. Число, сохранённое строкой
// ("1000"), тоже принимается: так его пишут некоторые формы UI.
func (c *Cache) Int(ctx context.Context, key string, def int) int {
	raw := c.raw(ctx, key)
	if raw == nil {
		return def
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	logger.Warnf("settings: ключ %s: ожидалось число, получено %s", key, string(raw))
	return def
}

// Bool читает булев ключ с дефолтом.
func (c *Cache) Bool(ctx context.Context, key string, def bool) bool {
	raw := c.raw(ctx, key)
	if raw == nil {
		return def
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	logger.Warnf("settings: ключ %s: ожидался bool, получено %s", key, string(raw))
	return def
}

// Типизированные геттеры распознанных ключей.

// DefaultMirrorMode — режим доставки для каналов без собственного.
func (c *Cache) DefaultMirrorMode(ctx context.Context) store.MirrorMode {
	mode := store.MirrorMode(c.String(ctx, KeyDefaultMirrorMode, DefaultMirrorMode))
	if mode != store.ModeForward && mode != store.ModeCopy {
		return store.ModeForward
	}
	return mode
}

// MirrorInterval — минимальный зазор между вызовами шлюза.
func (c *Cache) MirrorInterval(ctx context.Context) time.Duration {
	ms := c.Int(ctx, KeyMirrorIntervalMS, DefaultMirrorIntervalMS)
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// AutoChannelPrefix — префикс заголовка автосоздаваемого зеркала.
func (c *Cache) AutoChannelPrefix(ctx context.Context) string {
	return c.String(ctx, KeyAutoChannelPrefix, DefaultAutoChannelPrefix)
}

// MaxRetryCount — лимит попыток на сообщение.
func (c *Cache) MaxRetryCount(ctx context.Context) int {
	n := c.Int(ctx, KeyMaxRetryCount, DefaultMaxRetryCount)
	if n < 0 {
		n = 0
	}
	return n
}

// RetryBackoffBase — база экспоненциального бэкофа.
func (c *Cache) RetryBackoffBase(ctx context.Context) time.Duration {
	sec := c.Int(ctx, KeyRetryIntervalSec, DefaultRetryIntervalSec)
	if sec < 1 {
		sec = 1
	}
	return time.Duration(sec) * time.Second
}

// SkipAfterMaxRetry — превращать ли исчерпавшие лимит строки в skipped.
func (c *Cache) SkipAfterMaxRetry(ctx context.Context) bool {
	return c.Bool(ctx, KeySkipAfterMaxRetry, DefaultSkipAfterMaxRetry)
}

// SyncMessageEdits — записывать ли правки источника.
func (c *Cache) SyncMessageEdits(ctx context.Context) bool {
	return c.Bool(ctx, KeySyncMessageEdits, DefaultSyncMessageEdits)
}

// KeepEditHistory — хранить ли прежние версии текста.
func (c *Cache) KeepEditHistory(ctx context.Context) bool {
	return c.Bool(ctx, KeyKeepEditHistory, DefaultKeepEditHistory)
}

// SyncMessageDeletions — помечать ли удаления источника.
func (c *Cache) SyncMessageDeletions(ctx context.Context) bool {
	return c.Bool(ctx, KeySyncMessageDeletions, DefaultSyncMessageDeletions)
}

// MirrorVideos — зеркалировать ли видео.
func (c *Cache) MirrorVideos(ctx context.Context) bool {
	return c.Bool(ctx, KeyMirrorVideos, DefaultMirrorVideos)
}

// MaxFileSize — потолок размера медиа в байтах.
func (c *Cache) MaxFileSize(ctx context.Context) int64 {
	mb := c.Int(ctx, KeyMaxFileSizeMB, DefaultMaxFileSizeMB)
	if mb < 0 {
		mb = 0
	}
	return int64(mb) * 1024 * 1024
}

// SkipProtectedContent — пропускать ли защищённые источники вместо ошибки.
func (c *Cache) SkipProtectedContent(ctx context.Context) bool {
	return c.Bool(ctx, KeySkipProtectedContent, DefaultSkipProtectedContent)
}

// GroupMediaMessages — склеивать ли альбомы при исторической синхронизации.
func (c *Cache) GroupMediaMessages(ctx context.Context) bool {
	return c.Bool(ctx, KeyGroupMediaMessages, DefaultGroupMediaMessages)
}

// SessionCiphertext — зашифрованная сессия (пустая строка, если входа не было).
func (c *Cache) SessionCiphertext(ctx context.Context) string {
	return c.String(ctx, KeyTelegramSession, "")
}
