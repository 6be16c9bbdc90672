package discover

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"math"

	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"telegram-ingest/internal/adapters/botapi"
	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/faults"
	"telegram-ingest/internal/infra/logger"
)

// TTL множеств недавней активности: найденные ссылки не перепроверяются
// сутки, свежевзятые группы не переапдейтятся час.
const (
	recentLinksTTL  = 24 * time.Hour
	groupChangedTTL = time.Hour
	joinQueueName   = "join_queue"
)

// Типы ссылок в задаче вступления.
const (
	LinkPublic  = "public"
	LinkPrivate = "private"
)

// JoinTask — задача одиночного воркера вступления. Для публичных каналов
// цель уже разрешена инвокером в пару (channel_id, access_hash).
type JoinTask struct {
	LinkType   string `json:"link_type"`
	Link       string `json:"link,omitempty"`
	Hash       string `json:"hash,omitempty"`
	ChannelID  int64  `json:"channel_id,omitempty"`
	AccessHash int64  `json:"access_hash,omitempty"`
	Title      string `json:"title,omitempty"`
}

// InvitePreview — срез checkChatInvite: заголовок, размер и вид чата.
// Known означает, что инвокер уже состоит в чате.
type InvitePreview struct {
	Title     string
	Members   int
	Broadcast bool
	Known     bool
}

// Store — подмножество реляционного хранилища, нужное фазе допуска.
// Реализуется *mysql.Store.
type Store interface {
	GroupExists(ctx context.Context, gid int64) (bool, error)
	InsertGroup(ctx context.Context, gid int64, name, link string, master int64) error
	InviteExists(ctx context.Context, hash string) (bool, error)
	InsertInvite(ctx context.Context, hash string, inviterUID, gid int64, nonce uint64, title string) error
}

// FetcherPool выдаёт ботов-фетчеров для проб. Реализуется *botapi.Pool.
type FetcherPool interface {
	AcquireFetcher(ctx context.Context) (*botapi.Fetcher, error)
}

// Invoker — привилегированные MTProto-вызовы от лица аккаунта-инвокера.
type Invoker interface {
	UID() int64
	ResolveChannel(ctx context.Context, username string) (*tg.InputChannel, error)
	RecentMessages(ctx context.Context, channel *tg.InputChannel) ([]string, error)
	CheckInvite(ctx context.Context, hash string) (InvitePreview, error)
	JoinChannel(ctx context.Context, channelID, accessHash int64) error
	ImportInvite(ctx context.Context, hash string) error
}

// Notifier доставляет тревоги администраторам.
type Notifier interface {
	NotifyAdmins(ctx context.Context, text string)
}

// Options — параметры политики допуска.
type Options struct {
	// JoinLimit — минимум участников для автоматического вступления
	// в публичную группу и порог подсказки /joinprv для приватной.
	JoinLimit int
	// Blacklist — username-токены, которые никогда не пробуются.
	Blacklist []string
}

// Service реализует обнаружение и допуск ссылок (воркеры find_link и join).
type Service struct {
	store   Store
	pool    FetcherPool
	invoker Invoker
	notify  Notifier

	joinQ        cache.Queue
	recent       cache.ExpiringSet
	groupChanged cache.ExpiringSet
	globalCount  cache.Dict

	joinLimit int
	blacklist map[string]struct{}
}

// NewService собирает сервис обнаружения.
func NewService(c *cache.Client, store Store, pool FetcherPool, invoker Invoker, notify Notifier, opts Options) *Service {
	blacklist := make(map[string]struct{}, len(opts.Blacklist))
	for _, token := range opts.Blacklist {
		blacklist[token] = struct{}{}
	}
	return &Service{
		store:        store,
		pool:         pool,
		invoker:      invoker,
		notify:       notify,
		joinQ:        c.Queue(joinQueueName),
		recent:       c.ExpiringSet("recent_found_links", recentLinksTTL),
		groupChanged: c.ExpiringSet("group_last_changed", groupChangedTTL),
		globalCount:  c.Dict("global_count"),
		joinLimit:    opts.JoinLimit,
		blacklist:    blacklist,
	}
}

// HandleFindLink — обработчик очереди find_link. Полезная нагрузка — сырой
// текст сообщения. Ошибки проб и допуска гасятся политикой (дроп с логом),
// наружу уходят только инфраструктурные сбои.
func (s *Service) HandleFindLink(ctx context.Context, payload []byte) error {
	text := string(payload)
	public, invites := ExtractLinks(text)
	if len(public) > 0 || len(invites) > 0 {
		logger.Info("found links",
			zap.Strings("public", public), zap.Strings("private", invites))
	}

	for _, link := range public {
		if _, banned := s.blacklist[link]; banned {
			continue
		}
		seen, err := s.recent.Contains(ctx, link)
		if err != nil {
			return err
		}
		if seen {
			logger.Warnf("group @%s is in recent found links, skip", link)
			continue
		}
		if err := s.recent.Add(ctx, link); err != nil {
			return err
		}
		gid, joined, err := s.AdmitPublic(ctx, link, false)
		if err != nil {
			return err
		}
		if joined {
			if err := s.groupChanged.Add(ctx, fmt.Sprintf("%d", gid)); err != nil {
				return err
			}
		}
	}

	for _, hash := range invites {
		_, gid, _, err := DecodeInvite(hash)
		if err != nil {
			logger.Warn("malformed invite hash", zap.String("hash", hash), zap.Error(err))
			continue
		}
		gidKey := fmt.Sprintf("%d", gid)
		seen, err := s.recent.Contains(ctx, gidKey)
		if err != nil {
			return err
		}
		if seen {
			continue
		}
		if err := s.recent.Add(ctx, gidKey); err != nil {
			return err
		}
		if err := s.AdmitPrivate(ctx, hash, false); err != nil {
			return err
		}
	}
	return nil
}

// AdmitPublic пробует публичный username и решает, вступать ли. joinNow
// (админская команда) обходит пороги размера и языка. Возвращает gid
// (0, если проба не дошла до идентификатора) и факт постановки на вступление.
func (s *Service) AdmitPublic(ctx context.Context, link string, joinNow bool) (int64, bool, error) {
	fetcher, err := s.pool.AcquireFetcher(ctx)
	if errors.Is(err, botapi.ErrTooFewBots) {
		logger.Warn("no usable fetcher bots, candidate dropped", zap.String("link", link))
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	info, err := fetcher.ProbeChat(ctx, link)
	if err != nil {
		// Штраф RetryAfter уже применён фетчером; любой исход пробы — дроп.
		logger.Warn("probe failed", zap.String("link", link), zap.Error(err))
		return 0, false, nil
	}
	if info.Type != botapi.ChatTypeSupergroup && info.Type != botapi.ChatTypeChannel {
		return 0, false, nil
	}

	gid := info.ID
	exists, err := s.store.GroupExists(ctx, gid)
	if err != nil {
		return gid, false, err
	}
	if exists {
		logger.Warnf("group @%s is already in our database, skip", link)
		return gid, false, nil
	}
	username := info.Username
	if username == "" {
		username = link
	}

	count, err := fetcher.MemberCount(ctx, username)
	if err != nil {
		logger.Warn("member count failed", zap.String("link", username), zap.Error(err))
		return gid, false, nil
	}
	if count < int64(s.joinLimit) && !joinNow {
		logger.Warnf("group @%s has %d < %d members, skip", username, count, s.joinLimit)
		return gid, false, s.recordGroup(ctx, gid, info.Title, username, false)
	}

	channel, err := s.invoker.ResolveChannel(ctx, username)
	if err != nil {
		if faults.FromMTProto(err).Kind == faults.RateLimited {
			logger.Warn("resolve flooded", zap.String("link", username), zap.Error(err))
			return gid, false, s.recordGroup(ctx, gid, info.Title, username, false)
		}
		return gid, false, err
	}

	shouldJoin := joinNow || containsChinese(info.Title) || containsChinese(info.Description)
	if !shouldJoin {
		shouldJoin, err = s.isChineseGroup(ctx, channel, info.Title, username)
		if err != nil {
			return gid, false, err
		}
	}
	if shouldJoin {
		task := JoinTask{
			LinkType:   LinkPublic,
			Link:       username,
			ChannelID:  channel.ChannelID,
			AccessHash: channel.AccessHash,
			Title:      info.Title,
		}
		if err := s.enqueueJoin(ctx, task); err != nil {
			return gid, false, err
		}
	}
	return gid, shouldJoin, s.recordGroup(ctx, gid, info.Title, username, shouldJoin)
}

// AdmitPrivate обрабатывает хэш приватного инвайта. joinNow ставит задачу
// вступления сразу; иначе крупные чаты предлагаются администратору.
func (s *Service) AdmitPrivate(ctx context.Context, hash string, joinNow bool) error {
	inviterUID, gid, nonce, err := DecodeInvite(hash)
	if err != nil {
		logger.Warn("malformed invite hash", zap.String("hash", hash), zap.Error(err))
		return nil
	}

	exists, err := s.store.InviteExists(ctx, hash)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	preview, err := s.invoker.CheckInvite(ctx, hash)
	if err != nil {
		switch faults.FromMTProto(err).Kind {
		case faults.NotFound:
			logger.Warn("invite expired or invalid", zap.String("hash", hash), zap.Error(err))
			return nil
		case faults.RateLimited:
			logger.Warn("unable to resolve invite now", zap.String("hash", hash), zap.Error(err))
			return nil
		default:
			return err
		}
	}

	if err := s.store.InsertInvite(ctx, hash, inviterUID, gid, nonce, preview.Title); err != nil {
		return err
	}
	known, err := s.store.GroupExists(ctx, gid)
	if err != nil {
		return err
	}
	if known {
		return nil
	}

	switch {
	case joinNow:
		return s.enqueueJoin(ctx, JoinTask{LinkType: LinkPrivate, Hash: hash, Title: preview.Title})
	case preview.Members > s.joinLimit:
		kind := "group"
		if preview.Broadcast {
			kind = "channel"
		}
		s.notify.NotifyAdmins(ctx, fmt.Sprintf(
			"invitation %s (gid %d): %s, %d members\nJoin %s with /joinprv %s",
			hash, gid, html.EscapeString(preview.Title), preview.Members, kind, hash))
	}
	return nil
}

// HandleJoin — одиночный воркер вступления. ChannelsTooMuch защёлкивает
// global_count[full] и тревожит администраторов только на переходе 0→1;
// FLOOD_WAIT отдаётся фабрике как RateLimited (возврат в голову + пауза).
func (s *Service) HandleJoin(ctx context.Context, payload []byte) error {
	var task JoinTask
	if err := json.Unmarshal(payload, &task); err != nil {
		logger.Error("malformed join task", zap.ByteString("payload", payload), zap.Error(err))
		return nil
	}

	var err error
	switch task.LinkType {
	case LinkPublic:
		err = s.invoker.JoinChannel(ctx, task.ChannelID, task.AccessHash)
	case LinkPrivate:
		err = s.invoker.ImportInvite(ctx, task.Hash)
	default:
		logger.Error("unknown join task type", zap.String("link_type", task.LinkType))
		return nil
	}
	if err == nil {
		if err := s.globalCount.Set(ctx, "full", "0"); err != nil {
			return err
		}
		label := task.Title
		if task.Link != "" {
			label = fmt.Sprintf("%s (@%s)", task.Title, task.Link)
		}
		s.notify.NotifyAdmins(ctx, fmt.Sprintf("joined %s: %s", task.LinkType, html.EscapeString(label)))
		return nil
	}

	fault := faults.FromMTProto(err)
	switch fault.Kind {
	case faults.QuotaExhausted:
		prev, gerr := s.globalCount.GetDefault(ctx, "full", "0")
		if gerr != nil {
			return gerr
		}
		if prev == "0" {
			s.notify.NotifyAdmins(ctx, "Too many groups! It's time to sign up for a new account")
			if serr := s.globalCount.Set(ctx, "full", "1"); serr != nil {
				return serr
			}
		}
		return nil
	case faults.RateLimited:
		s.notify.NotifyAdmins(ctx, fmt.Sprintf("join flooded, backing off %s", fault.Wait))
		return fault
	default:
		return err
	}
}

// isChineseGroup сэмплирует последние сообщения группы: китайской считается
// группа, где иероглифы содержит больше ceil(n/10) из n сообщений.
// Краткая сводка анализа уходит администраторам.
func (s *Service) isChineseGroup(ctx context.Context, channel *tg.InputChannel, title, username string) (bool, error) {
	messages, err := s.invoker.RecentMessages(ctx, channel)
	if err != nil {
		return false, err
	}
	chinese := 0
	for _, m := range messages {
		if containsChinese(m) {
			chinese++
		}
	}
	s.notify.NotifyAdmins(ctx, fmt.Sprintf(
		"Quick message analysis for %s (@%s)\nChinese detected: %d/%d",
		html.EscapeString(title), username, chinese, len(messages)))
	return chinese > int(math.Ceil(float64(len(messages))/10)), nil
}

// recordGroup фиксирует группу в хранилище; master — uid инвокера, если
// группа взята под наблюдение.
func (s *Service) recordGroup(ctx context.Context, gid int64, title, link string, joined bool) error {
	var master int64
	if joined {
		master = s.invoker.UID()
	}
	return s.store.InsertGroup(ctx, gid, title, link, master)
}

func (s *Service) enqueueJoin(ctx context.Context, task JoinTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.joinQ.Put(ctx, payload)
}
