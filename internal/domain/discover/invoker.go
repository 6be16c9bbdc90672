package discover

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"

	"telegram-ingest/internal/adapters/telegram/senders"
)

// historySample — объём выборки последних сообщений для языкового теста.
const historySample = 100

// SenderInvoker реализует Invoker поверх клиента-инвокера реестра.
type SenderInvoker struct {
	c *senders.Client
}

// NewSenderInvoker оборачивает клиент-инвокер.
func NewSenderInvoker(c *senders.Client) *SenderInvoker {
	return &SenderInvoker{c: c}
}

// UID возвращает uid аккаунта-инвокера.
func (s *SenderInvoker) UID() int64 { return s.c.UID }

// ResolveChannel разрешает публичный username в InputChannel через менеджер
// пиров (кэш bbolt, затем contacts.resolveUsername).
func (s *SenderInvoker) ResolveChannel(ctx context.Context, username string) (*tg.InputChannel, error) {
	peer, err := s.c.Peers().ResolveDomain(ctx, username)
	if err != nil {
		return nil, err
	}
	channel, ok := peer.(peers.Channel)
	if !ok {
		return nil, errors.Errorf("@%s is not a channel", username)
	}
	return channel.InputChannel().(*tg.InputChannel), nil
}

// RecentMessages возвращает тексты последних сообщений канала. Сервисные
// сообщения дают пустую строку: знаменатель языкового теста — все сообщения
// выборки, не только текстовые.
func (s *SenderInvoker) RecentMessages(ctx context.Context, channel *tg.InputChannel) ([]string, error) {
	res, err := s.c.API.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer: &tg.InputPeerChannel{
			ChannelID:  channel.ChannelID,
			AccessHash: channel.AccessHash,
		},
		Limit: historySample,
	})
	if err != nil {
		return nil, err
	}
	modified, ok := res.AsModified()
	if !ok {
		return nil, errors.New("unexpected messages.messagesNotModified")
	}

	batch := modified.GetMessages()
	texts := make([]string, 0, len(batch))
	for _, m := range batch {
		if msg, ok := m.(*tg.Message); ok {
			texts = append(texts, msg.Message)
		} else {
			texts = append(texts, "")
		}
	}
	return texts, nil
}

// CheckInvite выполняет messages.checkChatInvite и сводит варианты ответа
// к InvitePreview.
func (s *SenderInvoker) CheckInvite(ctx context.Context, hash string) (InvitePreview, error) {
	res, err := s.c.API.MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		return InvitePreview{}, err
	}
	switch v := res.(type) {
	case *tg.ChatInvite:
		return InvitePreview{
			Title:     v.Title,
			Members:   v.ParticipantsCount,
			Broadcast: v.Broadcast,
		}, nil
	case *tg.ChatInviteAlready:
		return InvitePreview{Title: chatTitle(v.Chat), Known: true}, nil
	case *tg.ChatInvitePeek:
		return InvitePreview{Title: chatTitle(v.Chat), Known: true}, nil
	}
	return InvitePreview{}, errors.Errorf("unexpected invite class %T", res)
}

// JoinChannel вступает в публичный канал/супергруппу.
func (s *SenderInvoker) JoinChannel(ctx context.Context, channelID, accessHash int64) error {
	_, err := s.c.API.ChannelsJoinChannel(ctx, &tg.InputChannel{
		ChannelID:  channelID,
		AccessHash: accessHash,
	})
	return err
}

// ImportInvite вступает по приватному инвайт-хэшу.
func (s *SenderInvoker) ImportInvite(ctx context.Context, hash string) error {
	_, err := s.c.API.MessagesImportChatInvite(ctx, hash)
	return err
}

// ResolveChannelID разрешает голый идентификатор канала (без access hash)
// через менеджер пиров; используется админской командой /leave по gid.
func (s *SenderInvoker) ResolveChannelID(ctx context.Context, channelID int64) (*tg.InputChannel, error) {
	channel, err := s.c.Peers().ResolveChannelID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return channel.InputChannel().(*tg.InputChannel), nil
}

// Dialogs возвращает сырой срез диалогов инвокера для админской инспекции.
func (s *SenderInvoker) Dialogs(ctx context.Context) (tg.MessagesDialogsClass, error) {
	return s.c.API.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      historySample,
	})
}

// LeaveChannel покидает канал; используется админской командой /leave.
func (s *SenderInvoker) LeaveChannel(ctx context.Context, channelID, accessHash int64) error {
	_, err := s.c.API.ChannelsLeaveChannel(ctx, &tg.InputChannel{
		ChannelID:  channelID,
		AccessHash: accessHash,
	})
	return err
}

func chatTitle(chat tg.ChatClass) string {
	switch v := chat.(type) {
	case *tg.Chat:
		return v.Title
	case *tg.Channel:
		return v.Title
	}
	return ""
}
