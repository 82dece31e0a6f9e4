package gateway

import (
	"time"

	"github.com/gotd/td/tg"

	"tg-backup/internal/store"
)

// Peer — резолвленный канал: пара (id, access_hash), достаточная для любых
// операций с ним.
type Peer struct {
	ID         int64
	AccessHash int64
}

// inputChannel строит tg.InputChannel для channels.*-запросов.
func (p Peer) inputChannel() *tg.InputChannel {
	return &tg.InputChannel{ChannelID: p.ID, AccessHash: p.AccessHash}
}

// inputPeer строит tg.InputPeerChannel для messages.*-запросов.
func (p Peer) inputPeer() *tg.InputPeerChannel {
	return &tg.InputPeerChannel{ChannelID: p.ID, AccessHash: p.AccessHash}
}

// Message — проекция tg.Message, достаточная для зеркалирования и журнала.
// Raw сохраняется для режима copy (оттуда берётся исходное медиа).
type Message struct {
	ID           int64
	Text         string
	Date         time.Time
	GroupedID    int64 // 0 — не альбом
	Type         store.MessageType
	HasMedia     bool
	FileSize     int64 // 0 — неизвестен или нет файла
	SpoilerMedia bool
	Raw          *tg.Message
}

// IsAlbum сообщает, входит ли сообщение в медиагруппу.
func (m *Message) IsAlbum() bool { return m.GroupedID != 0 }

// projectMessage переводит tg.Message в доменную проекцию.
func projectMessage(msg *tg.Message) Message {
	out := Message{
		ID:   int64(msg.ID),
		Text: msg.Message,
		Date: time.Unix(int64(msg.Date), 0).UTC(),
		Raw:  msg,
	}
	if gid, ok := msg.GetGroupedID(); ok {
		out.GroupedID = gid
	}
	out.Type, out.HasMedia, out.FileSize, out.SpoilerMedia = classifyMedia(msg.Media)
	return out
}

// classifyMedia определяет тип содержимого, наличие файла, его размер и
// флаг спойлера. Неизвестные виды медиа идут как other.
func classifyMedia(media tg.MessageMediaClass) (store.MessageType, bool, int64, bool) {
	switch m := media.(type) {
	case nil, *tg.MessageMediaEmpty, *tg.MessageMediaWebPage:
		return store.TypeText, false, 0, false

	case *tg.MessageMediaPhoto:
		return store.TypePhoto, true, photoSize(m), m.Spoiler

	case *tg.MessageMediaDocument:
		doc, ok := m.Document.AsNotEmpty()
		if !ok {
			return store.TypeOther, true, 0, m.Spoiler
		}
		return documentType(doc), true, doc.Size, m.Spoiler

	default:
		return store.TypeOther, true, 0, false
	}
}

// photoSize возвращает размер самого крупного варианта фото.
func photoSize(m *tg.MessageMediaPhoto) int64 {
	photo, ok := m.Photo.AsNotEmpty()
	if !ok {
		return 0
	}
	var best int64
	for _, s := range photo.Sizes {
		switch sz := s.(type) {
		case *tg.PhotoSize:
			if int64(sz.Size) > best {
				best = int64(sz.Size)
			}
		case *tg.PhotoSizeProgressive:
			for _, n := range sz.Sizes {
				if int64(n) > best {
					best = int64(n)
				}
			}
		}
	}
	return best
}

// documentType уточняет вид документа по его атрибутам.
func documentType(doc *tg.Document) store.MessageType {
	var (
		video, round bool
		audio, voice bool
		animated     bool
		sticker      bool
	)
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeVideo:
			video = true
			round = a.RoundMessage
		case *tg.DocumentAttributeAudio:
			audio = true
			voice = a.Voice
		case *tg.DocumentAttributeAnimated:
			animated = true
		case *tg.DocumentAttributeSticker:
			sticker = true
		}
	}
	switch {
	case sticker:
		return store.TypeSticker
	case animated:
		return store.TypeAnimation
	case voice:
		return store.TypeVoice
	case audio:
		return store.TypeAudio
	case video && !round:
		return store.TypeVideo
	case round:
		return store.TypeVideo
	default:
		return store.TypeDocument
	}
}
