package ingest

import (
	"context"
	"math/rand/v2"
	"strconv"
	"time"

	"go.uber.org/zap"

	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/logger"
)

// readAckChance — знаменатель вероятности отметить сообщение прочитанным
// внутри окна присутствия: примерно одно из одиннадцати.
const readAckChance = 11

// Presence — политика «живого» присутствия аккаунтов. Раз в сутки выбирается
// случайное окно онлайна вокруг сконфигурированных часов; внутри окна каждое
// сообщение с небольшой вероятностью подтверждается прочитанным, снаружи —
// никогда. Окно общее для всех аккаунтов и живёт в global_count.
type Presence struct {
	counts      cache.Dict
	onlineHour  int
	offlineHour int

	now func() time.Time
}

// NewPresence собирает политику поверх клиента Redis.
func NewPresence(c *cache.Client, onlineHour, offlineHour int) *Presence {
	return &Presence{
		counts:      c.Dict("global_count"),
		onlineHour:  onlineHour,
		offlineHour: offlineHour,
		now:         time.Now,
	}
}

// NeedToBeOnline сообщает, стоит ли подтвердить текущее сообщение прочитанным.
// Ошибки Redis логируются и трактуются как «нет»: политика присутствия не
// должна ронять инжест.
func (p *Presence) NeedToBeOnline(ctx context.Context) bool {
	now := p.now()
	today := now.Format("2006-01-02")

	stored, _, err := p.counts.Get(ctx, "today")
	if err != nil {
		logger.Warn("presence window read failed", zap.Error(err))
		return false
	}
	if stored != today {
		if err := p.rollWindow(ctx, now, today); err != nil {
			logger.Warn("presence window roll failed", zap.Error(err))
			return false
		}
	}

	online, err := p.windowEdge(ctx, "online_time")
	if err != nil {
		logger.Warn("presence window read failed", zap.Error(err))
		return false
	}
	offline, err := p.windowEdge(ctx, "offline_time")
	if err != nil {
		logger.Warn("presence window read failed", zap.Error(err))
		return false
	}

	ts := now.Unix()
	if online < ts && ts < offline {
		return rand.IntN(readAckChance) == 5 // #nosec G404 -- поведенческий джиттер, не криптография
	}
	return false
}

// rollWindow выбирает окно онлайна на новый день: час размывается на ±1,
// минуты и секунды случайны.
func (p *Presence) rollWindow(ctx context.Context, now time.Time, today string) error {
	if err := p.counts.Set(ctx, "today", today); err != nil {
		return err
	}
	if err := p.counts.Set(ctx, "online_time", strconv.FormatInt(randomDayTime(now, p.onlineHour), 10)); err != nil {
		return err
	}
	return p.counts.Set(ctx, "offline_time", strconv.FormatInt(randomDayTime(now, p.offlineHour), 10))
}

func (p *Presence) windowEdge(ctx context.Context, key string) (int64, error) {
	raw, ok, err := p.counts.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// randomDayTime — unix-время сегодняшнего дня с часом hour±1 и случайными
// минутой и секундой.
func randomDayTime(now time.Time, hour int) int64 {
	h := hour - 1 + rand.IntN(3)   // #nosec G404
	m := rand.IntN(60)             // #nosec G404
	s := rand.IntN(60)             // #nosec G404
	t := time.Date(now.Year(), now.Month(), now.Day(), h, m, s, 0, now.Location())
	return t.Unix()
}
