package history

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telegram-ingest/internal/adapters/telegram/senders"
	"telegram-ingest/internal/domain/ocr"
)

// channelMarker — смещение bot-api идентификаторов супергрупп/каналов:
// chat_id = -(1e12 + channel_id).
const channelMarker = 1_000_000_000_000

// SenderPager реализует Pager поверх клиента-инвокера.
type SenderPager struct {
	c *senders.Client
}

// NewSenderPager оборачивает клиент-инвокер.
func NewSenderPager(c *senders.Client) *SenderPager {
	return &SenderPager{c: c}
}

// HistoryPage возвращает страницу сообщений группы строго до before
// (OffsetID=MaxID=before). before=0 означает «с самого свежего».
func (p *SenderPager) HistoryPage(ctx context.Context, gid, before int64, limit int) ([]Message, error) {
	peer, err := p.inputPeer(ctx, gid)
	if err != nil {
		return nil, err
	}
	res, err := p.c.API.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: int(before),
		MaxID:    int(before),
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}
	modified, ok := res.AsModified()
	if !ok {
		return nil, errors.New("unexpected messages.messagesNotModified")
	}

	batch := modified.GetMessages()
	out := make([]Message, 0, len(batch))
	for _, raw := range batch {
		msg, ok := raw.(*tg.Message)
		if !ok {
			continue
		}
		item := Message{
			ID:   int64(msg.ID),
			Text: msg.Message,
			Date: time.Unix(int64(msg.Date), 0),
		}
		if from, ok := msg.FromID.(*tg.PeerUser); ok {
			item.UserID = from.UserID
		}
		if photo := extractPhoto(msg); photo != nil {
			item.Photo = ocr.NewPhotoDescriptor(p.c.UID, photo, item.Date)
			item.HasPhoto = true
		}
		out = append(out, item)
	}
	return out, nil
}

// inputPeer восстанавливает InputPeer из знакового chat_id: супергруппы и
// каналы разрешаются через менеджер пиров, обычные группы — напрямую.
func (p *SenderPager) inputPeer(ctx context.Context, gid int64) (tg.InputPeerClass, error) {
	if gid <= -channelMarker {
		channel, err := p.c.Peers().ResolveChannelID(ctx, -gid-channelMarker)
		if err != nil {
			return nil, err
		}
		return channel.InputPeer(), nil
	}
	if gid < 0 {
		return &tg.InputPeerChat{ChatID: -gid}, nil
	}
	return nil, errors.Errorf("gid %d is not a group chat id", gid)
}

func extractPhoto(msg *tg.Message) *tg.Photo {
	media, ok := msg.Media.(*tg.MessageMediaPhoto)
	if !ok {
		return nil
	}
	photo, ok := media.Photo.(*tg.Photo)
	if !ok {
		return nil
	}
	return photo
}
