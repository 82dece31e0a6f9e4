package gateway

import (
	"context"
	"sort"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// historyPageLimit — размер страницы истории. 100 — максимум messages.getHistory
// для обычных аккаунтов.
const historyPageLimit = 100

// HistoryPage — страница истории в возрастающем порядке id.
type HistoryPage struct {
	Messages []Message
	Total    int // оценка общего числа сообщений канала (из ответа сервера)
}

// HistoryAfter возвращает до historyPageLimit сообщений с id строго больше
// afterID, от старых к новым. Пустая страница означает конец истории.
//
// Трюк с возрастающим обходом: OffsetID=afterID + AddOffset=-limit заставляют
// сервер отдать окно сразу после afterID; MinID отсекает сам afterID.
func (g *Gateway) HistoryAfter(ctx context.Context, peer Peer, afterID int64) (*HistoryPage, error) {
	res, err := g.api().MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:      peer.inputPeer(),
		OffsetID:  int(afterID),
		AddOffset: -historyPageLimit,
		Limit:     historyPageLimit,
		MinID:     int(afterID),
	})
	if err != nil {
		return nil, classifyFatal(errors.Wrap(err, "get history"))
	}

	channelMessages, ok := res.(*tg.MessagesChannelMessages)
	if !ok {
		return nil, errors.Errorf("gateway: unexpected history response %T", res)
	}

	page := &HistoryPage{Total: channelMessages.Count}
	for _, m := range channelMessages.Messages {
		msg, ok := m.(*tg.Message)
		if !ok {
			// Служебные сообщения (messageService) не зеркалируются.
			continue
		}
		if int64(msg.ID) <= afterID {
			continue
		}
		page.Messages = append(page.Messages, projectMessage(msg))
	}

	// Сервер отдаёт окно от новых к старым; обработчику нужен возрастающий порядок.
	sort.Slice(page.Messages, func(i, j int) bool {
		return page.Messages[i].ID < page.Messages[j].ID
	})
	return page, nil
}

// GetMessagesByIDs перечитывает сообщения канала по id. Отсутствующие
// (удалённые) сообщения в результат не попадают.
func (g *Gateway) GetMessagesByIDs(ctx context.Context, peer Peer, ids []int64) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	inputIDs := make([]tg.InputMessageClass, len(ids))
	for i, id := range ids {
		inputIDs[i] = &tg.InputMessageID{ID: int(id)}
	}

	res, err := g.api().ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: peer.inputChannel(),
		ID:      inputIDs,
	})
	if err != nil {
		return nil, classifyFatal(errors.Wrap(err, "get messages"))
	}

	channelMessages, ok := res.(*tg.MessagesChannelMessages)
	if !ok {
		return nil, errors.Errorf("gateway: unexpected messages response %T", res)
	}

	out := make([]Message, 0, len(channelMessages.Messages))
	for _, m := range channelMessages.Messages {
		if msg, ok := m.(*tg.Message); ok {
			out = append(out, projectMessage(msg))
		}
	}
	return out, nil
}
