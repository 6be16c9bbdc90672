package botapi

import (
	"context"
	"encoding/json"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-ingest/internal/infra/faults"
	"telegram-ingest/internal/infra/logger"
)

// ChatInfo — срез ответа getChat, достаточный для фазы допуска.
type ChatInfo struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Username    string `json:"username"`
	Description string `json:"description"`
}

// Признаки типа чата Bot API, интересные фазе допуска.
const (
	ChatTypeSupergroup = "supergroup"
	ChatTypeChannel    = "channel"
)

// Fetcher — бот, арендованный из пула на одну пробу публичной группы.
type Fetcher struct {
	pool  *Pool
	token string
	bot   *gotgbot.Bot
}

// AcquireFetcher выбирает случайного непоштрафованного бота. При нехватке
// кворума возвращает ErrTooFewBots.
func (p *Pool) AcquireFetcher(ctx context.Context) (*Fetcher, error) {
	token, bot, err := p.RandomUsable(ctx)
	if err != nil {
		return nil, err
	}
	return &Fetcher{pool: p, token: token, bot: bot}, nil
}

// ProbeChat выполняет getChat("@link"). Генерированные обёртки gotgbot
// принимают только числовые chat_id, поэтому проба идёт сырым Request.
func (f *Fetcher) ProbeChat(ctx context.Context, link string) (ChatInfo, error) {
	raw, err := f.request(ctx, "getChat", link)
	if err != nil {
		return ChatInfo{}, err
	}
	var info ChatInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return ChatInfo{}, errors.Wrap(err, "decode getChat")
	}
	return info, nil
}

// MemberCount возвращает число участников чата @link.
func (f *Fetcher) MemberCount(ctx context.Context, link string) (int64, error) {
	raw, err := f.request(ctx, "getChatMemberCount", link)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := json.Unmarshal(raw, &count); err != nil {
		return 0, errors.Wrap(err, "decode getChatMemberCount")
	}
	return count, nil
}

// request зовёт метод Bot API и классифицирует ошибку. RetryAfter попутно
// переводит арендованного бота в штраф.
func (f *Fetcher) request(ctx context.Context, method, link string) (json.RawMessage, error) {
	raw, err := f.bot.Request(method, map[string]string{"chat_id": "@" + link}, nil, nil)
	if err == nil {
		return raw, nil
	}
	fault := faults.FromBotAPI(err)
	if fault.Kind == faults.RateLimited {
		logger.Warn("fetcher throttled",
			zap.String("method", method), zap.Duration("wait", fault.Wait))
		if perr := f.pool.Penalize(ctx, f.token, fault.Wait); perr != nil {
			logger.Warn("penalize fetcher", zap.Error(perr))
		}
	}
	return nil, fault
}
