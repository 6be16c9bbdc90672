// Package history — дозагрузка истории свежевзятой группы. Одиночный воркер
// листает сообщения назад от самого раннего сохранённого message_id и гонит
// каждое через общий конвейер вставки (без поиска ссылок, чтобы дозагрузка
// не порождала новые вступления и новые дозагрузки).
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"telegram-ingest/internal/adapters/mysql"
	"telegram-ingest/internal/domain/ocr"
	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/faults"
	"telegram-ingest/internal/infra/logger"
)

const (
	pageSize = 100
	// retryPause — пауза перед повтором после неклассифицированного сбоя,
	// чтобы цикл дозагрузки не молотил вхолостую.
	retryPause = time.Second

	statusDictName = "history_worker_status"
)

// Task — задача дозагрузки одной группы.
type Task struct {
	GID int64 `json:"gid"`
}

// Message — одно историческое сообщение в том виде, в каком его отдаёт пейджер.
type Message struct {
	ID     int64
	UserID int64
	Text   string
	Date   time.Time
	Photo  ocr.PhotoDescriptor
	// HasPhoto выставлен, когда Photo заполнен и текст надо обернуть сентинелью.
	HasPhoto bool
}

// Pager отдаёт страницу истории группы до message_id=before (исключительно).
// Реализуется инвокером.
type Pager interface {
	HistoryPage(ctx context.Context, gid, before int64, limit int) ([]Message, error)
}

// Store — подмножество реляционного хранилища для дозагрузки.
type Store interface {
	GroupByID(ctx context.Context, gid int64) (mysql.Group, bool, error)
	MinMessageID(ctx context.Context, gid int64) (int64, bool, error)
}

// Gateway — вход общего конвейера вставки. Реализуется *entity.Gateway.
type Gateway interface {
	InsertMessage(ctx context.Context, chatID, messageID, uid int64, text string, date time.Time, flag int16, findLink bool) error
}

// Notifier доставляет тревоги администраторам.
type Notifier interface {
	NotifyAdmins(ctx context.Context, text string)
}

// Service — воркер history_queue.
type Service struct {
	store    Store
	pager    Pager
	gateway  Gateway
	notify   Notifier
	progress cache.Dict
}

// NewService собирает воркер дозагрузки.
func NewService(c *cache.Client, store Store, pager Pager, gateway Gateway, notify Notifier) *Service {
	return &Service{
		store:    store,
		pager:    pager,
		gateway:  gateway,
		notify:   notify,
		progress: c.Dict(statusDictName),
	}
}

// HandleHistory выполняет дозагрузку одной группы до упора.
//
// Дисциплина сбоев: FLOOD_WAIT — спим n+1 и продолжаем (паузу держим сами,
// не отдавая задачу фабрике, чтобы не потерять позицию прогона);
// канал стал приватным — тревога и стоп; временный сбой — повтор;
// прочее — тревога и следующая итерация. Завершение: итерация, не сдвинувшая
// нижнюю границу.
func (s *Service) HandleHistory(ctx context.Context, payload []byte) error {
	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		logger.Error("malformed history task", zap.ByteString("payload", payload), zap.Error(err))
		return nil
	}
	gid := task.GID

	group, ok, err := s.store.GroupByID(ctx, gid)
	if err != nil {
		return err
	}
	if !ok {
		logger.Error("history requested for unknown group", zap.Int64("gid", gid))
		return nil
	}
	if !group.Master.Valid {
		s.notify.NotifyAdmins(ctx, fmt.Sprintf("history fetch refused: group %d has no master account", gid))
		return nil
	}
	masterUID := group.Master.Int64

	first, ok, err := s.store.MinMessageID(ctx, gid)
	if err != nil {
		return err
	}
	if !ok {
		first = 0
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		prev := first
		page, err := s.pager.HistoryPage(ctx, gid, first, pageSize)
		if err != nil {
			fault := faults.FromMTProto(err)
			switch fault.Kind {
			case faults.RateLimited:
				logger.Warn("history fetch flooded",
					zap.Int64("gid", gid), zap.Duration("wait", fault.Wait))
				if serr := sleepCtx(ctx, fault.Wait+time.Second); serr != nil {
					return serr
				}
				continue
			case faults.Forbidden:
				s.notify.NotifyAdmins(ctx, fmt.Sprintf("history fetch for %d stopped: %v", gid, err))
				return nil
			case faults.Transient:
				continue
			default:
				s.notify.NotifyAdmins(ctx, fmt.Sprintf("history fetch for %d hiccup: %v", gid, err))
				if serr := sleepCtx(ctx, retryPause); serr != nil {
					return serr
				}
				continue
			}
		}

		for _, m := range page {
			text := m.Text
			if m.HasPhoto {
				photo := m.Photo
				photo.Client = masterUID
				text, err = ocr.BuildSentinelText(photo, m.Text)
				if err != nil {
					return err
				}
			}
			if err := s.gateway.InsertMessage(ctx, gid, m.ID, m.UserID, text, m.Date, mysql.FlagNew, false); err != nil {
				return err
			}
			if first == 0 || m.ID < first {
				first = m.ID
			}
		}

		if err := s.progress.Set(ctx, strconv.FormatInt(gid, 10), strconv.FormatInt(first, 10)); err != nil {
			return err
		}
		if first == prev {
			break
		}
	}

	s.notify.NotifyAdmins(ctx, fmt.Sprintf("history for group %d fully fetched down to message %d", gid, first))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
