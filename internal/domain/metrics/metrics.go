// Package metrics — фан-аут счётчиков во временные ряды. Дельты сначала
// коалесцируются в общий hash global_statistics (дёшево, переживает рестарты),
// фоновая петля раз в 30 секунд сливает накопленное в приёмник. Точки,
// потерянные на падении процесса между сливами, не переигрываются.
package metrics

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/logger"
)

// flushInterval — период слива накопленных счётчиков.
const flushInterval = 30 * time.Second

// Point — одна точка временного ряда.
type Point struct {
	Measurement string
	Tags        map[string]string
	Field       string
	Value       int64
	Time        time.Time
}

// Sink принимает пачку точек. Реализация не обязана быть транзакционной:
// при ошибке пачка логируется и теряется.
type Sink interface {
	Write(ctx context.Context, points []Point) error
}

// Reporter коалесцирует дельты счётчиков в Redis.
type Reporter struct {
	stats cache.Dict
}

// NewReporter конструирует репортёр поверх клиента Redis.
func NewReporter(c *cache.Client) *Reporter {
	return &Reporter{stats: c.Dict("global_statistics")}
}

// Report добавляет дельты fields к счётчикам measurement с данными тегами.
// Каждое поле хранится под собственным ключом: имя поля подмешивается в теги
// под именем key, чтобы один hash держал произвольные комбинации.
func (r *Reporter) Report(ctx context.Context, measurement string, tags map[string]string, fields map[string]int64) error {
	for field, delta := range fields {
		withKey := make(map[string]string, len(tags)+1)
		for k, v := range tags {
			withKey[k] = v
		}
		withKey["key"] = field

		encoded, err := json.Marshal(withKey) // ключи сортируются, ключ детерминирован
		if err != nil {
			return err
		}
		if err := r.stats.IncrBy(ctx, measurement+"|"+string(encoded), delta); err != nil {
			return err
		}
	}
	return nil
}

// Flusher периодически сливает счётчики в приёмник.
type Flusher struct {
	stats  cache.Dict
	sink   Sink
	status cache.Dict
}

// NewFlusher конструирует флашер.
func NewFlusher(c *cache.Client, sink Sink) *Flusher {
	return &Flusher{
		stats:  c.Dict("global_statistics"),
		sink:   sink,
		status: c.Dict("statistics_worker_status"),
	}
}

// Run блокируется до отмены ctx, просыпаясь каждые flushInterval.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.Flush(ctx); err != nil {
				logger.Warn("metrics flush failed", zap.Error(err))
			}
		}
	}
}

// Flush атомарно снимает каждый счётчик (чтение + удаление ключа; дельты,
// пришедшие между этими двумя командами, попадут в следующее окно) и пишет
// пачку точек в приёмник.
func (f *Flusher) Flush(ctx context.Context) error {
	items, err := f.stats.Items(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	now := time.Now()
	points := make([]Point, 0, len(items))
	for key := range items {
		val, ok, err := f.stats.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue // другой флашер успел раньше
		}
		if err := f.stats.Delete(ctx, key); err != nil {
			return err
		}

		p, perr := parseCounterKey(key)
		if perr != nil {
			logger.Warn("malformed statistics key", zap.String("key", key), zap.Error(perr))
			continue
		}
		n, nerr := strconv.ParseInt(val, 10, 64)
		if nerr != nil {
			logger.Warn("malformed statistics value", zap.String("key", key), zap.String("value", val))
			continue
		}
		p.Value = n
		p.Time = now
		points = append(points, p)
	}

	if len(points) == 0 {
		return nil
	}
	if err := f.sink.Write(ctx, points); err != nil {
		logger.Warn("metrics sink write failed", zap.Int("points", len(points)), zap.Error(err))
		return nil // точки не переигрываются
	}

	_ = f.status.Set(ctx, "last", strconv.FormatInt(now.Unix(), 10))
	_ = f.status.Set(ctx, "size", "0")
	return nil
}

// parseCounterKey разбирает ключ measurement|<tags-json> обратно в точку.
// Имя поля лежит в тегах под именем key.
func parseCounterKey(key string) (Point, error) {
	sep := strings.Index(key, "|")
	if sep < 0 {
		return Point{}, strconv.ErrSyntax
	}
	var tags map[string]string
	if err := json.Unmarshal([]byte(key[sep+1:]), &tags); err != nil {
		return Point{}, err
	}
	field := tags["key"]
	delete(tags, "key")
	if field == "" {
		field = "value"
	}
	return Point{Measurement: key[:sep], Tags: tags, Field: field}, nil
}

// EncodeLine сериализует точку в строку influx line protocol
// (measurement,tag=value field=123i <unix ns>). Теги идут в лексикографическом
// порядке, спецсимволы экранируются.
func EncodeLine(p Point) string {
	var b strings.Builder
	b.WriteString(escapeIdent(p.Measurement))

	names := make([]string, 0, len(p.Tags))
	for name := range p.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteByte(',')
		b.WriteString(escapeIdent(name))
		b.WriteByte('=')
		b.WriteString(escapeIdent(p.Tags[name]))
	}

	b.WriteByte(' ')
	b.WriteString(escapeIdent(p.Field))
	b.WriteByte('=')
	b.WriteString(strconv.FormatInt(p.Value, 10))
	b.WriteByte('i')
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(p.Time.UnixNano(), 10))
	return b.String()
}

var identEscaper = strings.NewReplacer(",", `\,`, " ", `\ `, "=", `\=`)

func escapeIdent(s string) string {
	return identEscaper.Replace(s)
}
