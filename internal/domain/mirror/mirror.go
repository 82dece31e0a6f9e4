// Package mirror — поэлементная доставка сообщений в зеркало. Одна и та же
// процедура обслуживает историческую синхронизацию, реалтайм и ретраи;
// идемпотентность держится на двух опорах: страже дубликатов (существующая
// success-строка журнала) и детерминированных random_id шлюза.
package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"tg-backup/internal/adapters/telegram/gateway"
	"tg-backup/internal/domain/filters"
	"tg-backup/internal/domain/settings"
	"tg-backup/internal/infra/logger"
	"tg-backup/internal/infra/throttle"
	"tg-backup/internal/store"
)

// Sender — операции шлюза, нужные доставке.
type Sender interface {
	Forward(ctx context.Context, from, to gateway.Peer, ids []int64) (map[int64]int64, error)
	CopyMessage(ctx context.Context, from, to gateway.Peer, msg gateway.Message) (int64, error)
	CopyAlbum(ctx context.Context, from, to gateway.Peer, msgs []gateway.Message) (map[int64]int64, error)
	SetSpoiler(ctx context.Context, to gateway.Peer, mirrorID int64, source gateway.Message) error
}

// Mappings — журнал соответствий.
type Mappings interface {
	Get(ctx context.Context, sourceChannelID, sourceMessageID int64) (*store.MessageMapping, error)
	Upsert(ctx context.Context, m *store.MessageMapping) (*store.MessageMapping, error)
}

// Limiter выполняет операцию с темпом и повторами.
type Limiter interface {
	Do(ctx context.Context, op func(ctx context.Context) error) error
}

// Events — журнал событий для оператора; nil отключает запись.
type Events interface {
	Append(ctx context.Context, channelID *int64, level store.EventLevel, message string) error
}

// Summary — агрегат по одному вызову (одно сообщение или альбом целиком).
type Summary struct {
	Success int
	Noop    int
	Skipped int
	Failed  int
}

// Add суммирует два агрегата.
func (s *Summary) Add(other Summary) {
	s.Success += other.Success
	s.Noop += other.Noop
	s.Skipped += other.Skipped
	s.Failed += other.Failed
}

// Mirror — сервис доставки.
type Mirror struct {
	sender   Sender
	mappings Mappings
	filters  *filters.Engine
	settings *settings.Cache
	limiter  Limiter
	events   Events
}

// New собирает сервис доставки.
func New(sender Sender, mappings Mappings, f *filters.Engine, s *settings.Cache,
	limiter Limiter, events Events) *Mirror {
	return &Mirror{
		sender:   sender,
		mappings: mappings,
		filters:  f,
		settings: s,
		limiter:  limiter,
		events:   events,
	}
}

// Deliver зеркалирует группу сообщений (одиночное сообщение — группа из
// одного). Для каждого сообщения: страж дубликатов → классификация → решение
// о пропуске; выжившие уходят одним вызовом шлюза. Ошибка возвращается только
// системная (фатальная для аккаунта, слишком длинный FLOOD_WAIT, отмена
// контекста) — сбой уровня сообщения фиксируется в журнале и попадает
// в Summary.Failed.
func (m *Mirror) Deliver(ctx context.Context, channel *store.SourceChannel,
	target *store.MirrorChannel, msgs []gateway.Message) (Summary, error) {
	var summary Summary

	if !channel.Resolved() || target.TelegramID == nil || target.AccessHash == nil {
		return summary, errors.New("mirror: channel or target not resolved")
	}

	sendable := make([]gateway.Message, 0, len(msgs))
	for _, msg := range msgs {
		verdict, err := m.preflight(ctx, channel, target, msg)
		if err != nil {
			return summary, err
		}
		switch verdict {
		case verdictNoop:
			summary.Noop++
		case verdictSkipped:
			summary.Skipped++
		case verdictSend:
			sendable = append(sendable, msg)
		}
	}
	if len(sendable) == 0 {
		return summary, nil
	}

	from := gateway.Peer{ID: *channel.TelegramID, AccessHash: *channel.AccessHash}
	to := gateway.Peer{ID: *target.TelegramID, AccessHash: *target.AccessHash}
	mode := m.modeOf(ctx, channel)

	mirrorIDs, sendErr := m.send(ctx, mode, from, to, sendable)
	if sendErr != nil {
		if isSystem(sendErr) {
			return summary, sendErr
		}
		// Сбой уровня сообщения: фиксируем failed для всей посылки.
		for i := range sendable {
			m.commitFailed(ctx, channel, target, &sendable[i], sendErr)
		}
		summary.Failed += len(sendable)
		return summary, nil
	}

	now := time.Now().UTC()
	for i := range sendable {
		msg := &sendable[i]
		mirrorID, ok := mirrorIDs[msg.ID]
		if !ok || mirrorID == 0 {
			m.commitFailed(ctx, channel, target, msg,
				errors.New("mirror: server response carried no mirror id"))
			summary.Failed++
			continue
		}
		if err := m.commitSuccess(ctx, channel, target, msg, mirrorID, now); err != nil {
			return summary, err
		}
		summary.Success++

		if msg.SpoilerMedia && mode == store.ModeForward {
			// forward не переносит флаг спойлера, доводим правкой.
			if err := m.sender.SetSpoiler(ctx, to, mirrorID, *msg); err != nil {
				logger.Warnf("mirror: спойлер для %d/%d: %v", channel.ID, msg.ID, err)
			}
		}
	}
	return summary, nil
}

type verdict int

const (
	verdictSend verdict = iota
	verdictNoop
	verdictSkipped
)

// preflight — страж дубликатов и решение о пропуске для одного сообщения.
func (m *Mirror) preflight(ctx context.Context, channel *store.SourceChannel,
	target *store.MirrorChannel, msg gateway.Message) (verdict, error) {
	existing, err := m.mappings.Get(ctx, channel.ID, msg.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return verdictNoop, errors.Wrap(err, "duplicate guard")
	}
	if existing != nil && existing.Status == store.MappingSuccess && existing.MirrorMessageID != nil {
		return verdictNoop, nil
	}

	if reason, skip := m.skipReason(ctx, channel, msg); skip {
		row := m.baseMapping(channel, target, &msg)
		row.Status = store.MappingSkipped
		row.SkipReason = &reason
		if _, err := m.mappings.Upsert(ctx, row); err != nil {
			return verdictNoop, errors.Wrap(err, "record skip")
		}
		// Размерные и типовые пропуски массовые, в журнал идут только те,
		// что требуют внимания оператора.
		if reason == store.SkipProtectedContent || reason == store.SkipFiltered {
			m.event(ctx, channel.ID,
				fmt.Sprintf("сообщение %d пропущено: %s", msg.ID, reason))
		}
		return verdictSkipped, nil
	}
	return verdictSend, nil
}

// send выполняет доставку под лимитером. Возвращает id источника → id зеркала.
func (m *Mirror) send(ctx context.Context, mode store.MirrorMode,
	from, to gateway.Peer, msgs []gateway.Message) (map[int64]int64, error) {
	var mirrorIDs map[int64]int64

	op := func(ctx context.Context) error {
		var err error
		mirrorIDs, err = m.sendOnce(ctx, mode, from, to, msgs)
		return err
	}
	if err := m.limiter.Do(ctx, op); err != nil {
		return nil, err
	}
	return mirrorIDs, nil
}

// sendOnce — одна попытка доставки выбранным режимом.
func (m *Mirror) sendOnce(ctx context.Context, mode store.MirrorMode,
	from, to gateway.Peer, msgs []gateway.Message) (map[int64]int64, error) {
	if mode == store.ModeCopy {
		if len(msgs) > 1 {
			return m.sender.CopyAlbum(ctx, from, to, msgs)
		}
		msg := msgs[0]
		mirrorID, err := m.sender.CopyMessage(ctx, from, to, msg)
		if errors.Is(err, gateway.ErrNotCopyable) && msg.Text != "" {
			// Медиа не переотправить по ссылке — сохраняем хотя бы текст.
			textOnly := msg
			textOnly.HasMedia = false
			mirrorID, err = m.sender.CopyMessage(ctx, from, to, textOnly)
		}
		if err != nil {
			return nil, err
		}
		return map[int64]int64{msg.ID: mirrorID}, nil
	}

	ids := make([]int64, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}
	return m.sender.Forward(ctx, from, to, ids)
}

// modeOf — режим доставки канала либо общий default_mirror_mode.
func (m *Mirror) modeOf(ctx context.Context, channel *store.SourceChannel) store.MirrorMode {
	if channel.MirrorMode != nil {
		return *channel.MirrorMode
	}
	return m.settings.DefaultMirrorMode(ctx)
}

// commitSuccess фиксирует успешную доставку.
func (m *Mirror) commitSuccess(ctx context.Context, channel *store.SourceChannel,
	target *store.MirrorChannel, msg *gateway.Message, mirrorID int64, at time.Time) error {
	row := m.baseMapping(channel, target, msg)
	row.Status = store.MappingSuccess
	row.MirrorMessageID = &mirrorID
	row.MirroredAt = &at
	if _, err := m.mappings.Upsert(ctx, row); err != nil {
		return errors.Wrap(err, "commit success")
	}
	return nil
}

// commitFailed фиксирует сбой доставки (retry_count растёт правилом upsert).
func (m *Mirror) commitFailed(ctx context.Context, channel *store.SourceChannel,
	target *store.MirrorChannel, msg *gateway.Message, cause error) {
	row := m.baseMapping(channel, target, msg)
	row.Status = store.MappingFailed
	errMsg := cause.Error()
	row.ErrorMessage = &errMsg
	if _, err := m.mappings.Upsert(ctx, row); err != nil {
		logger.Errorf("mirror: запись failed для %d/%d: %v", channel.ID, msg.ID, err)
	}
}

// event дописывает строку журнала событий, не прерывая доставку при сбое.
func (m *Mirror) event(ctx context.Context, channelID int64, message string) {
	if m.events == nil {
		return
	}
	if err := m.events.Append(ctx, &channelID, store.LevelWarn, message); err != nil {
		logger.Errorf("mirror: запись события: %v", err)
	}
}

// baseMapping заполняет общие поля строки журнала для сообщения.
func (m *Mirror) baseMapping(channel *store.SourceChannel,
	target *store.MirrorChannel, msg *gateway.Message) *store.MessageMapping {
	row := &store.MessageMapping{
		SourceChannelID: channel.ID,
		SourceMessageID: msg.ID,
		MirrorChannelID: &target.ID,
		Type:            msg.Type,
		HasMedia:        msg.HasMedia,
		Text:            msg.Text,
		TextPreview:     store.Preview(msg.Text),
	}
	if msg.GroupedID != 0 {
		gid := msg.GroupedID
		row.MediaGroupID = &gid
	}
	if msg.FileSize > 0 {
		size := msg.FileSize
		row.FileSize = &size
	}
	if !msg.Date.IsZero() {
		sentAt := msg.Date
		row.SentAt = &sentAt
	}
	return row
}

// isSystem отделяет системные ошибки (валят задачу) от ошибок уровня
// сообщения (только журнал).
func isSystem(err error) bool {
	var fatal *gateway.FatalError
	var tooLong *throttle.ErrFloodWaitTooLong
	return errors.As(err, &fatal) || errors.As(err, &tooLong) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
