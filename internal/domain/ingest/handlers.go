// Package ingest — приём входящих событий Telegram. Обработчики диспетчера
// превращают каждое событие в задачи долговечных очередей: вставку строки,
// поиск ссылок, обновление сущностей, пометку удаления. Сетевые вызовы на
// горячем пути ограничены опциональной отметкой прочитанного.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"telegram-ingest/internal/adapters/mysql"
	"telegram-ingest/internal/adapters/telegram/senders"
	"telegram-ingest/internal/domain/ocr"
	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/logger"
)

// channelMarker — смещение bot-api идентификаторов супергрупп/каналов:
// chat_id = -(1e12 + channel_id).
const channelMarker = 1_000_000_000_000

// entityRecencyTTL — окно, в котором повторные обновления одного пользователя
// или группы подавляются.
const entityRecencyTTL = time.Hour

// Gateway — асинхронный шлюз к хранилищу. Реализуется *entity.Gateway.
type Gateway interface {
	InsertMessage(ctx context.Context, chatID, messageID, uid int64, text string, date time.Time, flag int16, findLink bool) error
	MarkDeleted(ctx context.Context, chatID, messageID int64) error
	EnqueueFindLink(ctx context.Context, text string) error
	UpdateUser(ctx context.Context, uid int64, first, last, username, lang string) error
	UpdateGroup(ctx context.Context, masterUID, gid int64, name, link string) error
}

// Notifier доставляет тревоги администраторам.
type Notifier interface {
	NotifyAdmins(ctx context.Context, text string)
}

// Handlers — общие для всех аккаунтов зависимости инжеста. Каждому клиенту
// выдаётся собственный Binding через Bind.
type Handlers struct {
	gateway  Gateway
	notify   Notifier
	presence *Presence

	userChanged  cache.ExpiringSet
	groupChanged cache.ExpiringSet
	counts       cache.Dict

	// ownNames — имена наших аккаунтов по uid; нужны, чтобы распознать
	// выкидывание собственного аккаунта из группы.
	ownNames map[int64]string
}

// NewHandlers собирает зависимости инжеста. own перечисляет все
// наблюдающие аккаунты (uid → отображаемое имя).
func NewHandlers(c *cache.Client, gateway Gateway, notify Notifier, presence *Presence, own map[int64]string) *Handlers {
	return &Handlers{
		gateway:      gateway,
		notify:       notify,
		presence:     presence,
		userChanged:  c.ExpiringSet("user_last_changed", entityRecencyTTL),
		groupChanged: c.ExpiringSet("group_last_changed", entityRecencyTTL),
		counts:       c.Dict("global_count"),
		ownNames:     own,
	}
}

// Binding — обработчики одного аккаунта: знают, от чьего имени пришло событие
// и каким клиентом отвечать на отметку прочитанного.
type Binding struct {
	h *Handlers
	c *senders.Client
}

// Bind привязывает обработчики к клиенту и регистрирует их в его диспетчере.
func (h *Handlers) Bind(c *senders.Client) *Binding {
	b := &Binding{h: h, c: c}
	d := c.Dispatcher
	d.OnNewMessage(b.OnNewMessage)
	d.OnNewChannelMessage(b.OnNewChannelMessage)
	d.OnEditMessage(b.OnEditMessage)
	d.OnEditChannelMessage(b.OnEditChannelMessage)
	d.OnDeleteMessages(b.OnDeleteMessages)
	d.OnDeleteChannelMessages(b.OnDeleteChannelMessages)
	d.OnChatParticipant(b.OnChatParticipant)
	d.OnChannelParticipant(b.OnChannelParticipant)
	return b
}

// OnNewMessage — входящее личное или групповое сообщение.
func (b *Binding) OnNewMessage(ctx context.Context, entities tg.Entities, u *tg.UpdateNewMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	b.handleMessage(ctx, entities, msg, mysql.FlagNew)
	return nil
}

// OnNewChannelMessage — входящее сообщение супергруппы или канала.
func (b *Binding) OnNewChannelMessage(ctx context.Context, entities tg.Entities, u *tg.UpdateNewChannelMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	b.handleMessage(ctx, entities, msg, mysql.FlagNew)
	return nil
}

// OnEditMessage — правка личного или группового сообщения. Пишется новой
// строкой с flag=edited, история правок сохраняется.
func (b *Binding) OnEditMessage(ctx context.Context, entities tg.Entities, u *tg.UpdateEditMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	b.handleMessage(ctx, entities, msg, mysql.FlagEdited)
	return nil
}

// OnEditChannelMessage — правка сообщения супергруппы или канала.
func (b *Binding) OnEditChannelMessage(ctx context.Context, entities tg.Entities, u *tg.UpdateEditChannelMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	b.handleMessage(ctx, entities, msg, mysql.FlagEdited)
	return nil
}

// handleMessage — общий конвейер события-сообщения: сентинель для фото,
// задача вставки, поиск ссылок по сырому тексту, recency-обновления сущностей,
// политика присутствия. Ошибки не роняют диспетчер: лог + тревога.
func (b *Binding) handleMessage(ctx context.Context, entities tg.Entities, msg *tg.Message, flag int16) {
	started := time.Now()
	defer b.countEvent(ctx, started)

	chatID := markedPeerID(msg.PeerID)
	if chatID == 0 {
		return
	}
	uid := senderUID(msg)
	date := time.Unix(int64(msg.Date), 0)

	text := msg.Message
	if photo := extractPhoto(msg); photo != nil {
		desc := ocr.NewPhotoDescriptor(b.c.UID, photo, date)
		wrapped, err := ocr.BuildSentinelText(desc, msg.Message)
		if err != nil {
			b.fail(ctx, "build photo sentinel", err)
			return
		}
		text = wrapped
	}

	if err := b.h.gateway.InsertMessage(ctx, chatID, int64(msg.ID), uid, text, date, flag, false); err != nil {
		b.fail(ctx, "enqueue insert", err)
		return
	}
	// Поиск ссылок всегда по сырому тексту, не по сентинелю.
	if err := b.h.gateway.EnqueueFindLink(ctx, msg.Message); err != nil {
		b.fail(ctx, "enqueue find_link", err)
	}

	b.refreshUser(ctx, entities, uid)
	if chatID < 0 {
		b.refreshGroup(ctx, entities, chatID)
	}

	if b.h.presence != nil && b.h.presence.NeedToBeOnline(ctx) {
		b.readAck(ctx, msg.PeerID, msg.ID)
	}
}

// OnDeleteMessages — удаление в личных и обычных группах. Апдейт не несёт
// идентификатор чата, атрибутировать удаление некуда.
func (b *Binding) OnDeleteMessages(_ context.Context, _ tg.Entities, u *tg.UpdateDeleteMessages) error {
	logger.Warn("delete event without chat id", zap.Ints("message_ids", u.Messages))
	return nil
}

// OnDeleteChannelMessages — удаление в супергруппе или канале: по задаче
// пометки на каждый id.
func (b *Binding) OnDeleteChannelMessages(ctx context.Context, _ tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
	chatID := -(channelMarker + u.ChannelID)
	for _, id := range u.Messages {
		if err := b.h.gateway.MarkDeleted(ctx, chatID, int64(id)); err != nil {
			b.fail(ctx, "enqueue mark", err)
		}
	}
	return nil
}

// OnChatParticipant — событие участника обычной группы: обновляем и
// пользователя, и группу.
func (b *Binding) OnChatParticipant(ctx context.Context, entities tg.Entities, u *tg.UpdateChatParticipant) error {
	b.refreshUser(ctx, entities, u.UserID)
	b.refreshGroup(ctx, entities, -u.ChatID)
	return nil
}

// OnChannelParticipant — событие участника супергруппы. Выкидывание одного из
// наших аккаунтов — повод для тревоги с именем инициатора.
func (b *Binding) OnChannelParticipant(ctx context.Context, entities tg.Entities, u *tg.UpdateChannelParticipant) error {
	b.refreshUser(ctx, entities, u.UserID)

	if name, ours := b.h.ownNames[u.UserID]; ours && participantGone(u) {
		msg := fmt.Sprintf("I, %s, was kicked from %s by uid %d",
			name, channelTitle(entities, u.ChannelID), u.ActorID)
		logger.Warn(msg)
		if b.h.notify != nil {
			b.h.notify.NotifyAdmins(ctx, msg)
		}
		return nil
	}

	b.refreshGroup(ctx, entities, -(channelMarker + u.ChannelID))
	return nil
}

// refreshUser обновляет пользователя, если он не трогался в пределах recency-окна.
func (b *Binding) refreshUser(ctx context.Context, entities tg.Entities, uid int64) {
	if uid == 0 {
		return
	}
	user, ok := entities.Users[uid]
	if !ok {
		return
	}
	seen, err := b.h.userChanged.Contains(ctx, fmt.Sprint(uid))
	if err != nil || seen {
		return
	}
	if err := b.h.gateway.UpdateUser(ctx, uid, user.FirstName, user.LastName, user.Username, user.LangCode); err != nil {
		b.fail(ctx, "enqueue user update", err)
		return
	}
	_ = b.h.userChanged.Add(ctx, fmt.Sprint(uid))
}

// refreshGroup обновляет группу, если она не трогалась в пределах recency-окна.
func (b *Binding) refreshGroup(ctx context.Context, entities tg.Entities, chatID int64) {
	title, link, ok := groupInfo(entities, chatID)
	if !ok {
		return
	}
	seen, err := b.h.groupChanged.Contains(ctx, fmt.Sprint(chatID))
	if err != nil || seen {
		return
	}
	if err := b.h.gateway.UpdateGroup(ctx, b.c.UID, chatID, title, link); err != nil {
		b.fail(ctx, "enqueue group update", err)
		return
	}
	_ = b.h.groupChanged.Add(ctx, fmt.Sprint(chatID))
}

// readAck подтверждает прочтение до msgID включительно. Ошибки только
// логируются: отметка прочитанного — косметика.
func (b *Binding) readAck(ctx context.Context, peer tg.PeerClass, msgID int) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		_, err := b.c.API.MessagesReadHistory(ctx, &tg.MessagesReadHistoryRequest{
			Peer: &tg.InputPeerUser{UserID: p.UserID}, MaxID: msgID,
		})
		if err != nil {
			logger.Warn("read ack failed", zap.Int64("peer", p.UserID), zap.Error(err))
		}
	case *tg.PeerChat:
		_, err := b.c.API.MessagesReadHistory(ctx, &tg.MessagesReadHistoryRequest{
			Peer: &tg.InputPeerChat{ChatID: p.ChatID}, MaxID: msgID,
		})
		if err != nil {
			logger.Warn("read ack failed", zap.Int64("peer", -p.ChatID), zap.Error(err))
		}
	case *tg.PeerChannel:
		channel, err := b.c.Peers().ResolveChannelID(ctx, p.ChannelID)
		if err != nil {
			logger.Warn("read ack: resolve channel failed", zap.Int64("channel", p.ChannelID), zap.Error(err))
			return
		}
		_, err = b.c.API.ChannelsReadHistory(ctx, &tg.ChannelsReadHistoryRequest{
			Channel: channel.InputChannel(), MaxID: msgID,
		})
		if err != nil {
			logger.Warn("read ack failed", zap.Int64("peer", -(channelMarker + p.ChannelID)), zap.Error(err))
		}
	}
}

// countEvent инкрементирует сквозные счётчики обработки.
func (b *Binding) countEvent(ctx context.Context, started time.Time) {
	if err := b.h.counts.IncrBy(ctx, "received_message", 1); err != nil {
		logger.Warn("counter increment failed", zap.Error(err))
		return
	}
	_ = b.h.counts.IncrBy(ctx, "total_used_time", int64(time.Since(started).Seconds()))
}

func (b *Binding) fail(ctx context.Context, action string, err error) {
	logger.Error("ingest "+action+" failed", zap.String("client", b.c.SessionName), zap.Error(err))
	if b.h.notify != nil {
		b.h.notify.NotifyAdmins(ctx, fmt.Sprintf("ingest %s failed on %s: %v", action, b.c.SessionName, err))
	}
}

// markedPeerID — знаковый bot-api идентификатор чата: пользователи
// положительны, группы отрицательны, супергруппы со смещением 1e12.
func markedPeerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return -p.ChatID
	case *tg.PeerChannel:
		return -(channelMarker + p.ChannelID)
	default:
		return 0
	}
}

func senderUID(msg *tg.Message) int64 {
	if from, ok := msg.FromID.(*tg.PeerUser); ok {
		return from.UserID
	}
	if p, ok := msg.PeerID.(*tg.PeerUser); ok {
		return p.UserID
	}
	return 0
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

func groupInfo(entities tg.Entities, chatID int64) (title, link string, ok bool) {
	if chatID <= -channelMarker {
		channel, found := entities.Channels[-chatID-channelMarker]
		if !found {
			return "", "", false
		}
		return channel.Title, channel.Username, true
	}
	chat, found := entities.Chats[-chatID]
	if !found {
		return "", "", false
	}
	return chat.Title, "", true
}

// participantGone — наш аккаунт больше не состоит в группе: новая запись
// участника отсутствует либо помечена забаненным/ушедшим.
func participantGone(u *tg.UpdateChannelParticipant) bool {
	next, ok := u.GetNewParticipant()
	if !ok {
		return true
	}
	switch next.(type) {
	case *tg.ChannelParticipantBanned, *tg.ChannelParticipantLeft:
		return true
	default:
		return false
	}
}

func channelTitle(entities tg.Entities, channelID int64) string {
	if channel, ok := entities.Channels[channelID]; ok {
		return fmt.Sprintf("%s (@%s)", channel.Title, channel.Username)
	}
	return fmt.Sprintf("channel %d", channelID)
}
