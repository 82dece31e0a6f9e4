// Package filters — фильтр сообщений по ключевым словам. Режим канала:
// disabled — не фильтровать, custom — собственный список канала, inherit —
// глобальный список. Совпадение — подстрока без учёта регистра; пустой текст
// не фильтруется. Скомпилированные списки мемоизируются по тексту ключей.
package filters

import (
	"context"
	"strings"
	"sync"

	"tg-backup/internal/store"
)

// GlobalKeywords отдаёт актуальный глобальный список ключевых слов
// (в том же формате — по слову на строку).
type GlobalKeywords func(ctx context.Context) string

// Engine — потокобезопасный матчер. Нулевой глобальный провайдер означает
// пустой глобальный список.
type Engine struct {
	global GlobalKeywords

	mu   sync.Mutex
	memo map[string][]string // текст ключей → скомпилированный список
}

// New создаёт движок с данным источником глобального списка.
func New(global GlobalKeywords) *Engine {
	return &Engine{global: global, memo: make(map[string][]string)}
}

// Filtered сообщает, нужно ли пропустить сообщение канала с данным текстом.
func (e *Engine) Filtered(ctx context.Context, channel *store.SourceChannel, text string) bool {
	if text == "" {
		return false
	}

	var raw string
	switch channel.FilterMode {
	case store.FilterDisabled:
		return false
	case store.FilterCustom:
		raw = channel.FilterKeywords
	default: // inherit и неизвестные режимы
		if e.global == nil {
			return false
		}
		raw = e.global(ctx)
	}

	keywords := e.compile(raw)
	if len(keywords) == 0 {
		return false
	}

	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// compile разбирает список по строкам, обрезает пробелы, выкидывает пустые
// и приводит к нижнему регистру. Результат мемоизируется.
func (e *Engine) compile(raw string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.memo[raw]; ok {
		return cached
	}

	var keywords []string
	for _, line := range strings.Split(raw, "\n") {
		kw := strings.TrimSpace(line)
		if kw == "" {
			continue
		}
		keywords = append(keywords, strings.ToLower(kw))
	}
	e.memo[raw] = keywords
	return keywords
}
