package gateway

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// CreatedChannel — только что созданное зеркало.
type CreatedChannel struct {
	Peer  Peer
	Title string
}

// CreatePrivateChannel создаёт приватный канал-зеркало.
func (g *Gateway) CreatePrivateChannel(ctx context.Context, title, about string) (*CreatedChannel, error) {
	updates, err := g.api().ChannelsCreateChannel(ctx, &tg.ChannelsCreateChannelRequest{
		Broadcast: true,
		Title:     title,
		About:     about,
	})
	if err != nil {
		return nil, classifyFatal(errors.Wrap(err, "create channel"))
	}

	channel := firstChannel(chatsOfUpdates(updates))
	if channel == nil {
		return nil, errors.New("gateway: create channel returned no channel")
	}
	return &CreatedChannel{
		Peer:  Peer{ID: channel.ID, AccessHash: channel.AccessHash},
		Title: channel.Title,
	}, nil
}

// ExportInviteLink выпускает инвайт-ссылку канала (для зеркал — способ
// быстро открыть копию в клиенте).
func (g *Gateway) ExportInviteLink(ctx context.Context, peer Peer) (string, error) {
	invite, err := g.api().MessagesExportChatInvite(ctx, &tg.MessagesExportChatInviteRequest{
		Peer: peer.inputPeer(),
	})
	if err != nil {
		return "", classifyFatal(errors.Wrap(err, "export invite"))
	}
	exported, ok := invite.(*tg.ChatInviteExported)
	if !ok {
		return "", errors.Errorf("gateway: unexpected invite response %T", invite)
	}
	return exported.Link, nil
}
