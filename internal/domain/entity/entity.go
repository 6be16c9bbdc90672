// Package entity — асинхронный шлюз к реляционному хранилищу. Горячий путь
// инжеста никогда не пишет в MySQL напрямую: обновления пользователей и
// групп, вставки сообщений и пометки удаления идут через долговечные очереди,
// которые разгребают control-воркеры.
package entity

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/logger"
)

// OCRSentinel — первая строка текста сообщения с нераспознанной фотографией.
// За ней идёт JSON-дескриптор снимка, затем исходная подпись. Insert-воркер
// по этому префиксу ставит строку в OCR-очередь.
const OCRSentinel = "=TGPIC="

// findLinkBacklogLimit — глубина очереди поиска ссылок, после которой новые
// тексты дропаются с тревогой администратору: очередь такого размера значит,
// что воркеры мертвы либо захлебнулись.
const findLinkBacklogLimit = 50

// insertDedupTTL — окно подавления повторных вставок одного и того же
// (chatid, messageid) с flag=new. Telegram может доставить событие дважды.
const insertDedupTTL = 10 * time.Second

// markRetryLimit — сколько раз пометка удаления переигрывается, если строка
// ещё не успела вставиться (удаление обогнало insert).
const markRetryLimit = 2

type userUpdate struct {
	UID       int64  `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	LangCode  string `json:"lang_code"`
}

type groupUpdate struct {
	MasterUID int64  `json:"master_uid"`
	GID       int64  `json:"chat_id"`
	Name      string `json:"name"`
	Link      string `json:"link"`
}

type task struct {
	Type  string       `json:"type"`
	User  *userUpdate  `json:"user,omitempty"`
	Group *groupUpdate `json:"group,omitempty"`
}

// messageRow — JSON-представление задачи insert-очереди.
type messageRow struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	UserID    int64  `json:"user_id,omitempty"`
	Text      string `json:"text"`
	Date      int64  `json:"date"`
	Flag      int16  `json:"flag"`
}

// MarkTask — задача пометки удаления.
type MarkTask struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
	Tries     int   `json:"tries,omitempty"`
}

// OCRTask — задача OCR-координатора: суррогатный id строки chat_new.
type OCRTask struct {
	ID    int64 `json:"id"`
	Tries int   `json:"tries,omitempty"`
}

// Notifier доставляет тревоги администраторам. Реализуется botapi-пулом.
type Notifier interface {
	NotifyAdmins(ctx context.Context, text string)
}

// Gateway кладёт задачи в очереди entity/insert/mark/find_link.
type Gateway struct {
	entityQ   cache.Queue
	insertQ   cache.Queue
	markQ     cache.Queue
	findLinkQ cache.Queue
	notify    Notifier
}

// NewGateway конструирует шлюз поверх клиента Redis.
func NewGateway(c *cache.Client, notify Notifier) *Gateway {
	return &Gateway{
		entityQ:   c.Queue("entity_queue"),
		insertQ:   c.Queue("insert_queue"),
		markQ:     c.Queue("mark_queue"),
		findLinkQ: c.Queue("find_link_queue"),
		notify:    notify,
	}
}

// UpdateUser ставит обновление пользователя в очередь сущностей.
func (g *Gateway) UpdateUser(ctx context.Context, uid int64, first, last, username, lang string) error {
	return g.putTask(ctx, task{Type: "user", User: &userUpdate{
		UID: uid, FirstName: first, LastName: last, Username: username, LangCode: lang,
	}})
}

// UpdateGroup ставит обновление группы в очередь сущностей.
func (g *Gateway) UpdateGroup(ctx context.Context, masterUID, gid int64, name, link string) error {
	return g.putTask(ctx, task{Type: "group", Group: &groupUpdate{
		MasterUID: masterUID, GID: gid, Name: name, Link: link,
	}})
}

func (g *Gateway) putTask(ctx context.Context, t task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return g.entityQ.Put(ctx, payload)
}

// InsertMessage нормализует дату к unix UTC, ставит задачу вставки и, если
// findLink не отключён, отдаёт сырой текст в поиск ссылок. Пустой текст —
// не текстовое сообщение, молча игнорируется.
func (g *Gateway) InsertMessage(ctx context.Context, chatID, messageID, uid int64, text string, date time.Time, flag int16, findLink bool) error {
	if text == "" {
		return nil
	}
	row := messageRow{
		ChatID:    chatID,
		MessageID: messageID,
		UserID:    uid,
		Text:      text,
		Date:      date.UTC().Unix(),
		Flag:      flag,
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if err := g.insertQ.Put(ctx, payload); err != nil {
		return err
	}
	if !findLink {
		return nil
	}
	return g.EnqueueFindLink(ctx, text)
}

// MarkDeleted ставит задачу пометки удаления для одной пары (chatid, messageid).
func (g *Gateway) MarkDeleted(ctx context.Context, chatID, messageID int64) error {
	payload, err := json.Marshal(MarkTask{ChatID: chatID, MessageID: messageID})
	if err != nil {
		return err
	}
	return g.markQ.Put(ctx, payload)
}

// EnqueueFindLink отдаёт текст в очередь поиска ссылок. При забитой очереди
// текст дропается, администраторы получают тревогу: лучше потерять ссылку,
// чем раздуть Redis мёртвой очередью.
func (g *Gateway) EnqueueFindLink(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	depth, err := g.findLinkQ.Len(ctx)
	if err != nil {
		return err
	}
	if depth > findLinkBacklogLimit {
		logger.Warn("find_link queue full", zap.Int64("depth", depth))
		if g.notify != nil {
			g.notify.NotifyAdmins(ctx, "Find link queue full, worker dead?")
		}
		return nil
	}
	return g.findLinkQ.Put(ctx, []byte(text))
}

// messageKey — ключ дедупликации вставки.
func messageKey(chatID, messageID int64) string {
	return strconv.FormatInt(chatID, 10) + "-" + strconv.FormatInt(messageID, 10)
}

// Store — срез операций реляционного хранилища, нужный воркерам пакета.
// Реализуется mysql.Store.
type Store interface {
	InsertMessage(ctx context.Context, chatID, messageID, userID int64, text string, date int64, flag int16) (int64, error)
	MessageExists(ctx context.Context, chatID, messageID int64) (bool, error)
	MarkDeleted(ctx context.Context, chatID, messageID int64) error
	UpsertUser(ctx context.Context, uid int64, first, last, username, lang string) error
	UpsertGroup(ctx context.Context, masterUID, gid int64, name, link string) error
}

// Workers — обработчики control-очередей пакета.
type Workers struct {
	store Store
	dedup cache.ExpiringSet
	ocrQ  cache.Queue
	markQ cache.Queue
}

// NewWorkers конструирует обработчики поверх хранилища и Redis.
func NewWorkers(store Store, c *cache.Client) *Workers {
	return &Workers{
		store: store,
		dedup: c.ExpiringSet("insert_set", insertDedupTTL),
		ocrQ:  c.Queue("ocr_queue"),
		markQ: c.Queue("mark_queue"),
	}
}

// HandleEntity — обработчик очереди entity: upsert пользователя или группы.
func (w *Workers) HandleEntity(ctx context.Context, payload []byte) error {
	var t task
	if err := json.Unmarshal(payload, &t); err != nil {
		logger.Warn("malformed entity task", zap.Error(err))
		return nil // мусор не ретраится
	}
	switch {
	case t.Type == "user" && t.User != nil:
		u := t.User
		return w.store.UpsertUser(ctx, u.UID, u.FirstName, u.LastName, u.Username, u.LangCode)
	case t.Type == "group" && t.Group != nil:
		gr := t.Group
		return w.store.UpsertGroup(ctx, gr.MasterUID, gr.GID, gr.Name, gr.Link)
	default:
		logger.Warn("unknown entity task type", zap.String("type", t.Type))
		return nil
	}
}

// HandleInsert — обработчик очереди insert: дедупликация по recency-окну,
// вставка строки, постановка OCR-задачи для сообщений с сентинелом.
func (w *Workers) HandleInsert(ctx context.Context, payload []byte) error {
	var row messageRow
	if err := json.Unmarshal(payload, &row); err != nil {
		logger.Warn("malformed insert task", zap.Error(err))
		return nil
	}

	if row.Flag == 0 {
		seen, err := w.dedup.Contains(ctx, messageKey(row.ChatID, row.MessageID))
		if err != nil {
			return err
		}
		if seen {
			return nil
		}
	}

	id, err := w.store.InsertMessage(ctx, row.ChatID, row.MessageID, row.UserID, row.Text, row.Date, row.Flag)
	if err != nil {
		return err
	}
	if err := w.dedup.Add(ctx, messageKey(row.ChatID, row.MessageID)); err != nil {
		return err
	}

	if strings.HasPrefix(row.Text, OCRSentinel) {
		ocrPayload, err := json.Marshal(OCRTask{ID: id})
		if err != nil {
			return err
		}
		return w.ocrQ.Put(ctx, ocrPayload)
	}
	return nil
}

// HandleMark — обработчик очереди mark: OR бита deleted. Если строки ещё нет
// (удаление обогнало вставку), задача переигрывается с инкрементом tries,
// после markRetryLimit попыток — дропается.
func (w *Workers) HandleMark(ctx context.Context, payload []byte) error {
	var t MarkTask
	if err := json.Unmarshal(payload, &t); err != nil {
		logger.Warn("malformed mark task", zap.Error(err))
		return nil
	}

	exists, err := w.store.MessageExists(ctx, t.ChatID, t.MessageID)
	if err != nil {
		return err
	}
	if !exists {
		t.Tries++
		if t.Tries > markRetryLimit {
			logger.Warn("mark target never appeared",
				zap.Int64("chat_id", t.ChatID), zap.Int64("message_id", t.MessageID))
			return nil
		}
		retry, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return w.markQ.Put(ctx, retry)
	}

	return w.store.MarkDeleted(ctx, t.ChatID, t.MessageID)
}
