// Package admin — командный интерфейс администратора поверх Bot API.
// Команды приходят апдейтами вебхука админского бота; каждый обработчик —
// короткая операция с HTML-ответом в тот же чат. Доступ ограничен явным
// списком uid, остальные апдейты молча игнорируются.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/gotd/td/tg"
	"github.com/kr/pretty"
	"go.uber.org/zap"

	"telegram-ingest/internal/adapters/botapi"
	"telegram-ingest/internal/domain/history"
	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/fabric"
	"telegram-ingest/internal/infra/logger"
)

// channelMarker — смещение bot-api идентификаторов супергрупп/каналов.
const channelMarker = 1_000_000_000_000

// commandTimeout ограничивает каждую админскую операцию, включая шелл.
const commandTimeout = 30 * time.Second

// Discoverer — вход контура обнаружения для ручных вступлений.
// Реализуется *discover.Service.
type Discoverer interface {
	AdmitPublic(ctx context.Context, link string, joinNow bool) (int64, bool, error)
	AdmitPrivate(ctx context.Context, hash string, joinNow bool) error
}

// Invoker — привилегированные вызовы аккаунта-инвокера.
// Реализуется *discover.SenderInvoker.
type Invoker interface {
	ResolveChannel(ctx context.Context, username string) (*tg.InputChannel, error)
	ResolveChannelID(ctx context.Context, channelID int64) (*tg.InputChannel, error)
	LeaveChannel(ctx context.Context, channelID, accessHash int64) error
	Dialogs(ctx context.Context) (tg.MessagesDialogsClass, error)
}

// StatSource — класс воркеров, умеющий отчитаться о своём состоянии.
type StatSource interface {
	Stat(ctx context.Context) (fabric.Stat, error)
}

// Service — реестр админских команд.
type Service struct {
	allowed  map[int64]struct{}
	unsafe   bool
	disc     Discoverer
	invoker  Invoker
	workers  []StatSource
	historyQ cache.Queue
	counts   cache.Dict
	calls    cache.Dict
}

// NewService собирает командный сервис. adminUIDs — допущенные пользователи;
// unsafe включает выполнение шелл-команд через /exec.
func NewService(c *cache.Client, disc Discoverer, invoker Invoker, workers []StatSource, adminUIDs []int64, unsafe bool) *Service {
	allowed := make(map[int64]struct{}, len(adminUIDs))
	for _, uid := range adminUIDs {
		allowed[uid] = struct{}{}
	}
	return &Service{
		allowed:  allowed,
		unsafe:   unsafe,
		disc:     disc,
		invoker:  invoker,
		workers:  workers,
		historyQ: c.Queue("history_queue"),
		counts:   c.Dict("global_count"),
		calls:    c.Dict("worker_called_count"),
	}
}

// command — обработчик одной команды: аргумент — хвост сообщения после
// имени команды, ответ — готовый HTML.
type command func(ctx context.Context, args string) (string, error)

// Register вешает команды на диспетчер админского бота.
func (s *Service) Register(dispatcher *ext.Dispatcher) {
	for name, handler := range map[string]command{
		"help":    s.help,
		"exec":    s.execShell,
		"py":      s.evalExpr,
		"joinpub": s.joinPublic,
		"joinprv": s.joinPrivate,
		"leave":   s.leave,
		"stat":    s.statistics,
		"stats":   s.statistics,
		"threads": s.threads,
		"workers": s.workerStatus,
		"fetch":   s.fetch,
		"dialogs": s.dialogs,
	} {
		dispatcher.AddHandler(handlers.NewCommand(name, s.wrap(name, handler)))
	}
}

// wrap — общая обвязка команды: допуск по uid, таймаут, доставка ответа.
func (s *Service) wrap(name string, handler command) func(b *gotgbot.Bot, ectx *ext.Context) error {
	return func(b *gotgbot.Bot, ectx *ext.Context) error {
		msg := ectx.EffectiveMessage
		if msg == nil || ectx.EffectiveUser == nil {
			return nil
		}
		if _, ok := s.allowed[ectx.EffectiveUser.Id]; !ok {
			logger.Warn("admin command from stranger",
				zap.String("command", name), zap.Int64("uid", ectx.EffectiveUser.Id))
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		reply, err := handler(ctx, commandArgs(msg.Text))
		if err != nil {
			logger.Error("admin command failed", zap.String("command", name), zap.Error(err))
			reply = pre(fmt.Sprintf("%s failed: %v", name, err))
		}
		if reply == "" {
			return nil
		}
		_, sendErr := b.SendMessage(msg.Chat.Id, botapi.Truncate(reply), &gotgbot.SendMessageOpts{
			ParseMode: "HTML",
		})
		return sendErr
	}
}

func (s *Service) help(context.Context, string) (string, error) {
	return "Commands:\n" +
		"/joinpub &lt;link&gt; — join a public group\n" +
		"/joinprv &lt;invite-hash&gt; — join by private invite\n" +
		"/leave &lt;link-or-gid&gt; — leave a group\n" +
		"/fetch &lt;gid&gt; — back-fill group history\n" +
		"/stat — uptime and throughput\n" +
		"/workers — worker queues health\n" +
		"/threads — per-instance call counts\n" +
		"/dialogs — invoker dialog list\n" +
		"/exec &lt;shell&gt; — run a shell command\n" +
		"/py &lt;expr&gt; — evaluate an expression", nil
}

// execShell выполняет шелл-команду. Выключено по умолчанию: требует
// ADMIN_UNSAFE=true.
func (s *Service) execShell(ctx context.Context, args string) (string, error) {
	if !s.unsafe {
		return "shell execution is disabled (set ADMIN_UNSAFE=true)", nil
	}
	if args == "" {
		return "usage: /exec &lt;shell command&gt;", nil
	}
	logger.Info("executing shell command", zap.String("command", args))
	out, err := exec.CommandContext(ctx, "sh", "-c", args).CombinedOutput()
	if err != nil {
		return pre(fmt.Sprintf("%s\n%v", out, err)), nil
	}
	if len(out) == 0 {
		return "<i>no output</i>", nil
	}
	return pre(string(out)), nil
}

func (s *Service) evalExpr(_ context.Context, _ string) (string, error) {
	if !s.unsafe {
		return "expression evaluation is disabled (set ADMIN_UNSAFE=true)", nil
	}
	return "inline expression evaluation is not available in this build, use /exec", nil
}

func (s *Service) joinPublic(ctx context.Context, args string) (string, error) {
	link := normalizeLink(args)
	if link == "" {
		return "usage: /joinpub &lt;link&gt;", nil
	}
	gid, joined, err := s.disc.AdmitPublic(ctx, link, true)
	if err != nil {
		return "", err
	}
	if gid == 0 {
		return fmt.Sprintf("@%s was not admitted (dropped or unknown)", html.EscapeString(link)), nil
	}
	if joined {
		return fmt.Sprintf("join of @%s (gid %d) queued", html.EscapeString(link), gid), nil
	}
	return fmt.Sprintf("@%s recorded as gid %d without joining", html.EscapeString(link), gid), nil
}

func (s *Service) joinPrivate(ctx context.Context, args string) (string, error) {
	hash := strings.TrimSpace(args)
	if idx := strings.LastIndex(hash, "/"); idx >= 0 {
		hash = hash[idx+1:]
	}
	if hash == "" {
		return "usage: /joinprv &lt;invite-hash&gt;", nil
	}
	if err := s.disc.AdmitPrivate(ctx, hash, true); err != nil {
		return "", err
	}
	return fmt.Sprintf("private join by hash %s queued", html.EscapeString(hash)), nil
}

// leave покидает группу по username, ссылке или знаковому gid.
func (s *Service) leave(ctx context.Context, args string) (string, error) {
	target := strings.TrimSpace(args)
	if target == "" {
		return "usage: /leave &lt;link-or-gid&gt;", nil
	}

	var (
		channel *tg.InputChannel
		err     error
	)
	if gid, convErr := strconv.ParseInt(target, 10, 64); convErr == nil {
		if gid > -channelMarker {
			return "", fmt.Errorf("gid %d is not a supergroup id", gid)
		}
		channel, err = s.invoker.ResolveChannelID(ctx, -gid-channelMarker)
	} else {
		channel, err = s.invoker.ResolveChannel(ctx, normalizeLink(target))
	}
	if err != nil {
		return "", err
	}
	if err := s.invoker.LeaveChannel(ctx, channel.ChannelID, channel.AccessHash); err != nil {
		return "", err
	}
	return fmt.Sprintf("left %s", html.EscapeString(target)), nil
}

// statistics — аптайм и пропускная способность из сквозных счётчиков.
func (s *Service) statistics(ctx context.Context, _ string) (string, error) {
	start, err := s.counterValue(ctx, "start_time")
	if err != nil {
		return "", err
	}
	received, err := s.counterValue(ctx, "received_message")
	if err != nil {
		return "", err
	}
	used, err := s.counterValue(ctx, "total_used_time")
	if err != nil {
		return "", err
	}

	average := 0.0
	if received > 0 {
		average = float64(used) / float64(received)
	}
	return fmt.Sprintf("Uptime: %ds\nProcessed: %d\nAverage: %.3fs",
		time.Now().Unix()-start, received, average), nil
}

// threads — счётчики вызовов по инстансам воркеров.
func (s *Service) threads(ctx context.Context, _ string) (string, error) {
	items, err := s.calls.Items(ctx)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "<i>no worker calls recorded yet</i>", nil
	}
	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s\n", name, items[name])
	}
	return pre(b.String()), nil
}

// workerStatus — здоровье очередей: давность последнего успеха и глубина.
func (s *Service) workerStatus(ctx context.Context, _ string) (string, error) {
	var b strings.Builder
	for _, w := range s.workers {
		st, err := w.Stat(ctx)
		if err != nil {
			return "", err
		}
		if st.SecondsAgo < 0 {
			fmt.Fprintf(&b, "%s Worker: never, size %d\n", st.Name, st.QueueSize)
			continue
		}
		fmt.Fprintf(&b, "%s Worker: %d seconds ago, size %d\n", st.Name, st.SecondsAgo, st.QueueSize)
	}
	if b.Len() == 0 {
		return "<i>no workers registered</i>", nil
	}
	return pre(b.String()), nil
}

// fetch ставит задачу дозагрузки истории группы.
func (s *Service) fetch(ctx context.Context, args string) (string, error) {
	gid, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		return "usage: /fetch &lt;gid&gt;", nil
	}
	payload, err := json.Marshal(history.Task{GID: gid})
	if err != nil {
		return "", err
	}
	if err := s.historyQ.Put(ctx, payload); err != nil {
		return "", err
	}
	return fmt.Sprintf("history fetch for %d queued", gid), nil
}

// dialogs — сырой дамп диалогов инвокера.
func (s *Service) dialogs(ctx context.Context, _ string) (string, error) {
	res, err := s.invoker.Dialogs(ctx)
	if err != nil {
		return "", err
	}
	return pre(pretty.Sprint(res)), nil
}

func (s *Service) counterValue(ctx context.Context, key string) (int64, error) {
	raw, ok, err := s.counts.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// commandArgs отбрасывает сам токен команды из текста сообщения.
func commandArgs(text string) string {
	_, rest, found := strings.Cut(text, " ")
	if !found {
		return ""
	}
	return strings.TrimSpace(rest)
}

// normalizeLink приводит @mention и t.me-ссылки к голому username.
func normalizeLink(raw string) string {
	link := strings.TrimSpace(raw)
	link = strings.TrimPrefix(link, "@")
	for _, prefix := range []string{"https://", "http://", "t.me/", "telegram.me/"} {
		link = strings.TrimPrefix(link, prefix)
	}
	return link
}

// pre оборачивает произвольный вывод в экранированный <pre>-блок.
func pre(text string) string {
	return "<pre>" + html.EscapeString(strings.TrimSpace(text)) + "</pre>"
}
