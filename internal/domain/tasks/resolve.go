package tasks

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"tg-backup/internal/adapters/telegram/gateway"
	"tg-backup/internal/infra/logger"
	"tg-backup/internal/store"
)

// runResolve превращает идентификатор канала в рабочую пару (id, access_hash),
// заводит зеркало и ставит историческую синхронизацию. Идемпотентен: каждый
// шаг перепроверяет, не сделан ли он раньше.
func (r *Runner) runResolve(ctx context.Context, task *store.SyncTask, channel *store.SourceChannel) error {
	if !channel.Resolved() {
		var resolved *gateway.Resolved
		err := r.opts.Limiter.Do(ctx, func(ctx context.Context) error {
			var opErr error
			resolved, opErr = r.opts.Gateway.Resolve(ctx, channel.ChannelIdentifier)
			return opErr
		})
		if err != nil {
			return errors.Wrapf(err, "resolve %q", channel.ChannelIdentifier)
		}

		err = r.opts.Channels.SetResolved(ctx, channel.ID,
			resolved.Peer.ID, resolved.Peer.AccessHash,
			resolved.Title, resolved.Username, resolved.MemberCount, resolved.IsProtected)
		if err != nil {
			return err
		}

		// Членство нужно для реалтайм-апдейтов; резолв по инвайту уже вступил.
		if joinErr := r.opts.Gateway.JoinChannel(ctx, resolved.Peer); joinErr != nil {
			logger.Warnf("tasks: вступление в канал %d: %v", resolved.Peer.ID, joinErr)
		}

		r.event(ctx, &channel.ID, store.LevelInfo,
			fmt.Sprintf("канал резолвлен: %s (id=%d)", resolved.Title, resolved.Peer.ID))

		// Перечитываем строку: дальше нужны свежие telegram_id/access_hash.
		fresh, err := r.opts.Channels.GetByID(ctx, channel.ID)
		if err != nil {
			return err
		}
		*channel = *fresh
	}

	if err := r.ensureMirror(ctx, channel); err != nil {
		return err
	}

	if err := r.opts.Channels.SetSyncStatus(ctx, channel.ID, store.SyncSyncing); err != nil {
		return err
	}
	if _, err := r.opts.Queue.Enqueue(ctx, channel.ID, store.TaskHistoryFull); err != nil {
		return err
	}
	return r.opts.Queue.MarkCompleted(ctx, task.ID)
}

// ensureMirror гарантирует наличие резолвленного зеркала: существующая строка
// без telegram_id дорезолвливается, отсутствующая — создаётся приватным
// каналом с настраиваемым префиксом заголовка.
func (r *Runner) ensureMirror(ctx context.Context, channel *store.SourceChannel) error {
	existing, err := r.opts.Mirrors.GetBySource(ctx, channel.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil && existing.TelegramID != nil {
		return nil
	}

	title := r.opts.Settings.AutoChannelPrefix(ctx) + channelTitle(channel)
	about := "Зеркало канала " + channel.ChannelIdentifier

	var created *gateway.CreatedChannel
	err = r.opts.Limiter.Do(ctx, func(ctx context.Context) error {
		var opErr error
		created, opErr = r.opts.Gateway.CreatePrivateChannel(ctx, title, about)
		return opErr
	})
	if err != nil {
		return errors.Wrap(err, "create mirror channel")
	}

	row := &store.MirrorChannel{
		SourceChannelID: channel.ID,
		TelegramID:      &created.Peer.ID,
		AccessHash:      &created.Peer.AccessHash,
		Name:            &created.Title,
		IsAutoCreated:   true,
	}

	var invite string
	inviteErr := r.opts.Limiter.Do(ctx, func(ctx context.Context) error {
		var opErr error
		invite, opErr = r.opts.Gateway.ExportInviteLink(ctx, created.Peer)
		return opErr
	})
	if inviteErr != nil {
		// Ссылку можно выпустить позже, зеркало уже есть.
		logger.Warnf("tasks: инвайт-ссылка зеркала %d: %v", created.Peer.ID, inviteErr)
	} else {
		row.InviteLink = &invite
	}

	if _, err := r.opts.Mirrors.Upsert(ctx, row); err != nil {
		return err
	}
	r.event(ctx, &channel.ID, store.LevelInfo,
		fmt.Sprintf("создано зеркало %q (id=%d)", created.Title, created.Peer.ID))
	return nil
}

// channelTitle — человекочитаемое имя канала для заголовка зеркала.
func channelTitle(channel *store.SourceChannel) string {
	if channel.Name != nil && *channel.Name != "" {
		return *channel.Name
	}
	return channel.ChannelIdentifier
}
