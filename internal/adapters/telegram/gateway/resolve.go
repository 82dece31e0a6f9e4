package gateway

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"tg-backup/internal/infra/logger"
)

// Resolved — итог резолва идентификатора канала.
type Resolved struct {
	Peer        Peer
	Title       string
	Username    string
	MemberCount int
	IsProtected bool // noforwards: контент защищён от пересылки
}

// ErrNotChannel — идентификатор указывает не на канал (пользователь, группа).
var ErrNotChannel = errors.New("gateway: identifier does not resolve to a channel")

// Resolve превращает пользовательский идентификатор в пару (id, access_hash).
// Принимаются @username, ссылки t.me (включая инвайты), числовые id в форме
// -100XXXXXXXXXX. Идемпотентен: повторный резолв возвращает те же значения.
func (g *Gateway) Resolve(ctx context.Context, identifier string) (*Resolved, error) {
	id := strings.TrimSpace(identifier)

	switch {
	case looksLikeInvite(id):
		return g.resolveInvite(ctx, inviteHash(id))
	case looksLikeNumeric(id):
		return g.resolveNumeric(ctx, id)
	default:
		return g.resolveUsername(ctx, usernameOf(id))
	}
}

// JoinChannel вступает в канал. Требуется для получения апдейтов реалтайма;
// повторное вступление Telegram молча игнорирует.
func (g *Gateway) JoinChannel(ctx context.Context, peer Peer) error {
	_, err := g.api().ChannelsJoinChannel(ctx, peer.inputChannel())
	if err != nil && strings.Contains(err.Error(), "USER_ALREADY_PARTICIPANT") {
		return nil
	}
	return classifyFatal(err)
}

// resolveUsername резолвит публичное имя через contacts.resolveUsername.
func (g *Gateway) resolveUsername(ctx context.Context, username string) (*Resolved, error) {
	if username == "" {
		return nil, errors.New("gateway: empty channel identifier")
	}
	res, err := g.api().ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: username,
	})
	if err != nil {
		return nil, classifyFatal(errors.Wrapf(err, "resolve %q", username))
	}
	channel := firstChannel(res.Chats)
	if channel == nil {
		return nil, ErrNotChannel
	}
	return g.describe(ctx, channel)
}

// resolveInvite обрабатывает инвайт-ссылку: если аккаунт уже участник —
// берём канал из ответа check, иначе вступаем по инвайту.
func (g *Gateway) resolveInvite(ctx context.Context, hash string) (*Resolved, error) {
	if hash == "" {
		return nil, errors.New("gateway: malformed invite link")
	}

	info, err := g.api().MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		return nil, classifyFatal(errors.Wrap(err, "check invite"))
	}

	if already, ok := info.(*tg.ChatInviteAlready); ok {
		channel, ok := already.Chat.(*tg.Channel)
		if !ok {
			return nil, ErrNotChannel
		}
		return g.describe(ctx, channel)
	}

	// Ещё не участник: вступаем, канал приходит в ответе import.
	updates, err := g.api().MessagesImportChatInvite(ctx, hash)
	if err != nil {
		return nil, classifyFatal(errors.Wrap(err, "import invite"))
	}
	channel := firstChannel(chatsOfUpdates(updates))
	if channel == nil {
		return nil, ErrNotChannel
	}
	return g.describe(ctx, channel)
}

// resolveNumeric обрабатывает числовой id (-100XXXXXXXXXX). Работает только
// для каналов, о которых аккаунт уже знает: без известного access_hash
// Telegram не отдаёт канал по голому id.
func (g *Gateway) resolveNumeric(ctx context.Context, raw string) (*Resolved, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(raw, "-100"), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parse channel id %q", raw)
	}
	res, err := g.api().ChannelsGetChannels(ctx, []tg.InputChannelClass{
		&tg.InputChannel{ChannelID: id},
	})
	if err != nil {
		return nil, classifyFatal(errors.Wrapf(err, "get channel %d", id))
	}
	channel := firstChannel(res.GetChats())
	if channel == nil {
		return nil, ErrNotChannel
	}
	return g.describe(ctx, channel)
}

// describe дополняет канал данными full-запроса (число участников).
func (g *Gateway) describe(ctx context.Context, channel *tg.Channel) (*Resolved, error) {
	out := &Resolved{
		Peer:        Peer{ID: channel.ID, AccessHash: channel.AccessHash},
		Title:       channel.Title,
		Username:    channel.Username,
		IsProtected: channel.Noforwards,
	}

	full, err := g.api().ChannelsGetFullChannel(ctx, out.Peer.inputChannel())
	if err != nil {
		// Не фатально: членов не узнали, остальное уже есть.
		logger.Warnf("gateway: get full channel %d: %v", channel.ID, err)
		return out, nil
	}
	if cf, ok := full.FullChat.(*tg.ChannelFull); ok {
		out.MemberCount = cf.ParticipantsCount
	}
	return out, nil
}

// looksLikeInvite распознаёт инвайт-формы: t.me/+hash, t.me/joinchat/hash.
func looksLikeInvite(id string) bool {
	return strings.Contains(id, "/joinchat/") || strings.Contains(id, "/+") ||
		strings.HasPrefix(id, "+")
}

// inviteHash вырезает хэш приглашения из ссылки.
func inviteHash(id string) string {
	id = strings.TrimSuffix(id, "/")
	if i := strings.LastIndex(id, "/joinchat/"); i >= 0 {
		return id[i+len("/joinchat/"):]
	}
	if i := strings.LastIndex(id, "/+"); i >= 0 {
		return id[i+2:]
	}
	return strings.TrimPrefix(id, "+")
}

// looksLikeNumeric распознаёт числовые идентификаторы каналов.
func looksLikeNumeric(id string) bool {
	if strings.HasPrefix(id, "-100") {
		id = strings.TrimPrefix(id, "-100")
	}
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// usernameOf нормализует @username и ссылки t.me/username до голого имени.
func usernameOf(id string) string {
	id = strings.TrimPrefix(id, "https://")
	id = strings.TrimPrefix(id, "http://")
	id = strings.TrimPrefix(id, "t.me/")
	id = strings.TrimPrefix(id, "telegram.me/")
	id = strings.TrimPrefix(id, "@")
	return strings.TrimSuffix(id, "/")
}

// firstChannel возвращает первый tg.Channel из списка чатов.
func firstChannel(chats []tg.ChatClass) *tg.Channel {
	for _, chat := range chats {
		if channel, ok := chat.(*tg.Channel); ok {
			return channel
		}
	}
	return nil
}

// chatsOfUpdates достаёт список чатов из ответа типа Updates.
func chatsOfUpdates(u tg.UpdatesClass) []tg.ChatClass {
	switch upd := u.(type) {
	case *tg.Updates:
		return upd.Chats
	case *tg.UpdatesCombined:
		return upd.Chats
	default:
		return nil
	}
}
