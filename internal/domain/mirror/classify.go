package mirror

import (
	"context"

	"tg-backup/internal/adapters/telegram/gateway"
	"tg-backup/internal/store"
)

// skipReason решает, пропускать ли сообщение, и с какой причиной.
// Порядок проверок фиксирован, срабатывает первая подходящая.
func (m *Mirror) skipReason(ctx context.Context, channel *store.SourceChannel,
	msg gateway.Message) (store.SkipReason, bool) {
	switch {
	case channel.IsProtected && m.settings.SkipProtectedContent(ctx):
		return store.SkipProtectedContent, true

	case msg.FileSize > m.settings.MaxFileSize(ctx):
		return store.SkipFileTooLarge, true

	case msg.Type == store.TypeOther:
		// Опросы и прочие неизвестные виды содержимого.
		return store.SkipUnsupportedType, true

	case msg.Type == store.TypeVideo && !m.settings.MirrorVideos(ctx):
		return store.SkipUnsupportedType, true

	case m.filters.Filtered(ctx, channel, msg.Text):
		return store.SkipFiltered, true

	default:
		return "", false
	}
}
