// Package botapi — пул ботов Bot API и доставка тревог администраторам.
// Боты-фетчеры пробуют публичные группы (getChat, членство), админ-бот держит
// вебхук и пишет в служебный канал. Штрафы FLOOD-лимитов хранятся в Redis
// (bot_info: токен → unix-время, когда бот снова пригоден) и переживают
// рестарты.
package botapi

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/logger"
)

// minUsableBots — минимум непоштрафованных фетчеров для пробы публичной
// группы. Меньше — проба откладывается, чтобы не сжечь оставшиеся боты.
const minUsableBots = 3

// maxMessageLen — лимит Telegram на текст одного сообщения.
const maxMessageLen = 4096

// ErrTooFewBots возвращается, когда пригодных фетчеров меньше minUsableBots.
var ErrTooFewBots = errors.New("too few usable bots")

// Pool держит подключённых ботов, ключ — токен.
type Pool struct {
	bots      map[string]*gotgbot.Bot
	tokens    []string
	penalties cache.Dict
}

// NewPool создаёт ботов для всех токенов. Ошибка любого из них фатальна:
// пул с дырами молча искажал бы выбор случайного фетчера. opts применяется
// ко всем ботам (nil — значения по умолчанию gotgbot).
func NewPool(tokens []string, c *cache.Client, opts *gotgbot.BotOpts) (*Pool, error) {
	p := &Pool{
		bots:      make(map[string]*gotgbot.Bot, len(tokens)),
		tokens:    append([]string(nil), tokens...),
		penalties: c.Dict("bot_info"),
	}
	for _, token := range tokens {
		bot, err := gotgbot.NewBot(token, opts)
		if err != nil {
			return nil, errors.Wrap(err, "create bot")
		}
		p.bots[token] = bot
	}
	return p, nil
}

// Bot возвращает бота по токену; nil, если токен не из пула.
func (p *Pool) Bot(token string) *gotgbot.Bot {
	return p.bots[token]
}

// Tokens возвращает все токены пула.
func (p *Pool) Tokens() []string {
	return append([]string(nil), p.tokens...)
}

// RandomUsable выбирает случайного бота, не отбывающего штраф. Если пригодных
// меньше minUsableBots, возвращает ErrTooFewBots.
func (p *Pool) RandomUsable(ctx context.Context) (string, *gotgbot.Bot, error) {
	now := time.Now().Unix()
	usable := make([]string, 0, len(p.tokens))
	for _, token := range p.tokens {
		until, ok, err := p.penalties.Get(ctx, token)
		if err != nil {
			return "", nil, err
		}
		if ok {
			ts, perr := strconv.ParseInt(until, 10, 64)
			if perr == nil && ts > now {
				continue
			}
		}
		usable = append(usable, token)
	}
	if len(usable) < minUsableBots {
		logger.Warn("bot pool exhausted", zap.Int("usable", len(usable)), zap.Int("total", len(p.tokens)))
		return "", nil, ErrTooFewBots
	}
	token := usable[rand.Intn(len(usable))]
	return token, p.bots[token], nil
}

// Penalize помечает бота непригодным на wait секунд вперёд.
func (p *Pool) Penalize(ctx context.Context, token string, wait time.Duration) error {
	until := time.Now().Add(wait).Unix()
	return p.penalties.Set(ctx, token, strconv.FormatInt(until, 10))
}

// Notifier пишет тревоги в служебный админ-канал от имени админ-бота.
type Notifier struct {
	bot       *gotgbot.Bot
	channelID int64
}

// NewNotifier конструирует нотификатор. bot может совпадать с одним из ботов
// пула или быть отдельным админ-ботом.
func NewNotifier(bot *gotgbot.Bot, channelID int64) *Notifier {
	return &Notifier{bot: bot, channelID: channelID}
}

// NotifyAdmins отправляет HTML-сообщение в админ-канал. Сбои доставки только
// логируются: тревожный канал не должен ронять пайплайн. Слишком длинные
// тексты усекаются с сохранением начала и конца.
func (n *Notifier) NotifyAdmins(ctx context.Context, text string) {
	if n == nil || n.bot == nil {
		return
	}
	_, err := n.bot.SendMessage(n.channelID, Truncate(text), &gotgbot.SendMessageOpts{
		ParseMode: "HTML",
	})
	if err != nil {
		logger.Warn("admin notification failed", zap.Error(err))
	}
}

// Truncate усекает текст до лимита Telegram, сохраняя голову и хвост:
// в тревогах конец трейса обычно важнее середины.
func Truncate(text string) string {
	if len(text) <= maxMessageLen {
		return text
	}
	const marker = "\n... (truncated) ...\n"
	head := (maxMessageLen - len(marker)) * 2 / 3
	tail := maxMessageLen - len(marker) - head
	return text[:head] + marker + text[len(text)-tail:]
}
