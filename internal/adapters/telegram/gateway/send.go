package gateway

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"tg-backup/internal/infra/logger"
)

// ErrNotCopyable — у сообщения нет медиа, пригодного для повторной отправки
// по (id, access_hash); вызывающий решает, копировать ли только текст.
var ErrNotCopyable = errors.New("gateway: media cannot be re-sent by reference")

// spoilerEditWaitMax — потолок FLOOD_WAIT, который дожидаемся внутри
// до-редактирования спойлера; больший — бросаем наверх.
const spoilerEditWaitMax = 60 * time.Second

// Forward пересылает сообщения ids из from в to без атрибуции источника.
// random_id детерминированы, так что повтор после сбоя не плодит дубликатов.
// Возвращает отображение id источника → id в зеркале для тех сообщений,
// о которых сервер сообщил в ответе.
func (g *Gateway) Forward(ctx context.Context, from, to Peer, ids []int64) (map[int64]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	intIDs := make([]int, len(ids))
	for i, id := range ids {
		intIDs[i] = int(id)
	}
	randomIDs := randomIDsForMirror(from.ID, to.ID, intIDs)

	randomToSource := make(map[int64]int64, len(ids))
	for i, rid := range randomIDs {
		randomToSource[rid] = ids[i]
	}

	updates, err := g.api().MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer:   from.inputPeer(),
		ToPeer:     to.inputPeer(),
		ID:         intIDs,
		RandomID:   randomIDs,
		DropAuthor: true,
	})
	if err != nil {
		return nil, classifyFatal(errors.Wrap(err, "forward"))
	}
	return mirrorIDsOf(updates, randomToSource), nil
}

// CopyMessage отправляет содержимое сообщения в зеркало заново. Медиа уходит
// по ссылке (id, access_hash, file_reference); протухший file_reference
// обновляется перечиткой сообщения из источника и повторяется один раз.
func (g *Gateway) CopyMessage(ctx context.Context, from, to Peer, msg Message) (int64, error) {
	randomID := randomIDForMirror(from.ID, to.ID, msg.ID)

	mirrorID, err := g.copyOnce(ctx, to, msg, randomID)
	if err == nil || !tgerr.Is(err, "FILE_REFERENCE_EXPIRED") {
		return mirrorID, err
	}

	logger.Debugf("gateway: file reference протух, перечитываю сообщение %d", msg.ID)
	fresh, fetchErr := g.GetMessagesByIDs(ctx, from, []int64{msg.ID})
	if fetchErr != nil {
		return 0, fetchErr
	}
	if len(fresh) == 0 {
		// Сообщение исчезло между попытками.
		return 0, errors.Wrap(err, "refresh reference")
	}
	return g.copyOnce(ctx, to, fresh[0], randomID)
}

// copyOnce выполняет одну попытку отправки копии.
func (g *Gateway) copyOnce(ctx context.Context, to Peer, msg Message, randomID int64) (int64, error) {
	var (
		updates tg.UpdatesClass
		err     error
	)

	if msg.HasMedia && msg.Raw != nil {
		media, ok := inputMediaOf(msg.Raw.Media, msg.SpoilerMedia)
		if !ok {
			return 0, ErrNotCopyable
		}
		updates, err = g.api().MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
			Peer:     to.inputPeer(),
			Media:    media,
			Message:  msg.Text,
			RandomID: randomID,
		})
	} else {
		updates, err = g.api().MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     to.inputPeer(),
			Message:  msg.Text,
			RandomID: randomID,
		})
	}
	if err != nil {
		return 0, classifyFatal(errors.Wrap(err, "send copy"))
	}

	ids := mirrorIDsOf(updates, map[int64]int64{randomID: msg.ID})
	return ids[msg.ID], nil
}

// CopyAlbum отправляет медиагруппу одним вызовом sendMultiMedia, сохраняя
// подписи частей. Части без пригодного медиа пропускаются.
func (g *Gateway) CopyAlbum(ctx context.Context, from, to Peer, msgs []Message) (map[int64]int64, error) {
	multi := make([]tg.InputSingleMedia, 0, len(msgs))
	randomToSource := make(map[int64]int64, len(msgs))

	for _, msg := range msgs {
		if msg.Raw == nil {
			continue
		}
		media, ok := inputMediaOf(msg.Raw.Media, msg.SpoilerMedia)
		if !ok {
			continue
		}
		randomID := randomIDForMirror(from.ID, to.ID, msg.ID)
		randomToSource[randomID] = msg.ID
		multi = append(multi, tg.InputSingleMedia{
			Media:    media,
			RandomID: randomID,
			Message:  msg.Text,
		})
	}
	if len(multi) == 0 {
		return nil, ErrNotCopyable
	}

	updates, err := g.api().MessagesSendMultiMedia(ctx, &tg.MessagesSendMultiMediaRequest{
		Peer:       to.inputPeer(),
		MultiMedia: multi,
	})
	if err != nil {
		return nil, classifyFatal(errors.Wrap(err, "send album"))
	}
	return mirrorIDsOf(updates, randomToSource), nil
}

// SetSpoiler до-редактирует зеркальное сообщение, выставляя флаг спойлера
// на медиа (forward его не переносит). FLOOD_WAIT в пределах минуты
// дожидаемся один раз.
func (g *Gateway) SetSpoiler(ctx context.Context, to Peer, mirrorID int64, source Message) error {
	if source.Raw == nil {
		return nil
	}
	media, ok := inputMediaOf(source.Raw.Media, true)
	if !ok {
		return nil
	}

	edit := func() error {
		_, err := g.api().MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
			Peer:    to.inputPeer(),
			ID:      int(mirrorID),
			Media:   media,
			Message: source.Text,
		})
		return err
	}

	err := edit()
	if wait, isFlood := tgerr.AsFloodWait(err); isFlood && wait <= spoilerEditWaitMax {
		timer := time.NewTimer(wait + time.Second)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		err = edit()
	}
	return classifyFatal(errors.Wrap(err, "set spoiler"))
}

// inputMediaOf строит InputMedia для повторной отправки медиа по ссылке.
func inputMediaOf(media tg.MessageMediaClass, spoiler bool) (tg.InputMediaClass, bool) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.AsNotEmpty()
		if !ok {
			return nil, false
		}
		return &tg.InputMediaPhoto{
			ID: &tg.InputPhoto{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
			},
			Spoiler: spoiler,
		}, true

	case *tg.MessageMediaDocument:
		doc, ok := m.Document.AsNotEmpty()
		if !ok {
			return nil, false
		}
		return &tg.InputMediaDocument{
			ID: &tg.InputDocument{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
			Spoiler: spoiler,
		}, true

	default:
		return nil, false
	}
}

// mirrorIDsOf вытаскивает из ответа сервера пары random_id → новый id и
// переводит их в отображение id источника → id зеркала.
func mirrorIDsOf(u tg.UpdatesClass, randomToSource map[int64]int64) map[int64]int64 {
	out := make(map[int64]int64)
	for _, upd := range updatesOf(u) {
		idUpd, ok := upd.(*tg.UpdateMessageID)
		if !ok {
			continue
		}
		sourceID, ok := randomToSource[idUpd.RandomID]
		if !ok {
			continue
		}
		out[sourceID] = int64(idUpd.ID)
	}
	return out
}

// updatesOf разворачивает контейнер Updates в плоский список.
func updatesOf(u tg.UpdatesClass) []tg.UpdateClass {
	switch upd := u.(type) {
	case *tg.Updates:
		return upd.Updates
	case *tg.UpdatesCombined:
		return upd.Updates
	case *tg.UpdateShort:
		return []tg.UpdateClass{upd.Update}
	default:
		return nil
	}
}
