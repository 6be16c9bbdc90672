// Package cache — примитивы поверх Redis, на которых держится вся координация
// пайплайна: долговечные очереди задач, множества с TTL для проверок давности,
// строковые словари (в т.ч. с посуточной ротацией) и одиночные значения с TTL.
//
// Контракт: каждая мутация — одна атомарная команда Redis; другие
// транзакционные гарантии не требуются. Все структуры адресуются строковым
// именем и переживают рестарты процесса.
package cache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// Client держит подключение к Redis и служит фабрикой примитивов.
type Client struct {
	rdb *redis.Client
}

// Init разбирает Redis URL, открывает пул соединений и проверяет его ping-ом.
func Init(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrap(err, "redis ping")
	}
	return &Client{rdb: rdb}, nil
}

// NewFromRedis оборачивает готовый клиент. Используется в тестах с miniredis.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close закрывает пул соединений.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func nowUnix() int64 {
	return time.Now().Unix()
}

// ---------------------------------------------------------------------------
// Queue — долговечная FIFO-очередь на Redis-списке.

// Queue адресует именованную очередь. Значения непрозрачны для очереди;
// производители и потребители договариваются о JSON-кодировании per-queue.
type Queue struct {
	c    *Client
	name string
}

// Queue возвращает очередь с данным именем.
func (c *Client) Queue(name string) Queue {
	return Queue{c: c, name: name}
}

// Name возвращает имя очереди (ключ Redis).
func (q Queue) Name() string { return q.name }

// Put добавляет значение в хвост очереди.
func (q Queue) Put(ctx context.Context, value []byte) error {
	return q.c.rdb.RPush(ctx, q.name, value).Err()
}

// Insert добавляет значение в голову очереди. Используется для ретраев,
// которые должны пройти без очереди.
func (q Queue) Insert(ctx context.Context, value []byte) error {
	return q.c.rdb.LPush(ctx, q.name, value).Err()
}

// Get снимает и возвращает голову очереди. Пустая очередь даёт (nil, nil) —
// неблокирующая семантика, опрос лежит на вызывающем.
func (q Queue) Get(ctx context.Context) ([]byte, error) {
	val, err := q.c.rdb.LPop(ctx, q.name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Len возвращает текущую длину очереди.
func (q Queue) Len(ctx context.Context) (int64, error) {
	return q.c.rdb.LLen(ctx, q.name).Result()
}

// Delete удаляет очередь целиком.
func (q Queue) Delete(ctx context.Context) error {
	return q.c.rdb.Del(ctx, q.name).Err()
}

// ---------------------------------------------------------------------------
// ExpiringSet — множество с TTL на сортированном множестве Redis.
// Score элемента — unix-время последнего касания; чтение фильтрует по
// score >= now-ttl.

// ExpiringSet реализует проверки давности («видели ли X за последние N часов»).
type ExpiringSet struct {
	c    *Client
	name string
	ttl  time.Duration
}

// ExpiringSet возвращает множество с данным именем и TTL.
func (c *Client) ExpiringSet(name string, ttl time.Duration) ExpiringSet {
	return ExpiringSet{c: c, name: name, ttl: ttl}
}

// Contains сообщает, касались ли элемента за последние ttl секунд, и при
// попадании обновляет отметку времени (скользящий TTL). Скользящее поведение
// нагрузочно-значимо для дедупликации ссылок под спамом: повторно
// встречающаяся ссылка никогда не «протухает».
func (s ExpiringSet) Contains(ctx context.Context, item string) (bool, error) {
	saved, err := s.c.rdb.ZScore(ctx, s.name, item).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := nowUnix()
	if int64(saved)+int64(s.ttl.Seconds()) > now {
		if err := s.c.rdb.ZAdd(ctx, s.name, redis.Z{Score: float64(now), Member: item}).Err(); err != nil {
			return false, err
		}
		return true, nil
	}

	// Элемент протух: убираем, чтобы множество не росло безгранично.
	if err := s.c.rdb.ZRem(ctx, s.name, item).Err(); err != nil {
		return false, err
	}
	return false, nil
}

// Add помечает элемент текущим временем.
func (s ExpiringSet) Add(ctx context.Context, item string) error {
	return s.c.rdb.ZAdd(ctx, s.name, redis.Z{Score: float64(nowUnix()), Member: item}).Err()
}

// Discard явно удаляет элемент.
func (s ExpiringSet) Discard(ctx context.Context, item string) error {
	return s.c.rdb.ZRem(ctx, s.name, item).Err()
}

// Clear удаляет множество целиком.
func (s ExpiringSet) Clear(ctx context.Context) error {
	return s.c.rdb.Del(ctx, s.name).Err()
}

// ---------------------------------------------------------------------------
// Dict — строковый hash Redis.

// Dict — разделяемый словарь string→string: статусы воркеров, счётчики,
// карта штрафов ботов и прочее координационное состояние.
type Dict struct {
	c    *Client
	name string
}

// Dict возвращает словарь с данным именем.
func (c *Client) Dict(name string) Dict {
	return Dict{c: c, name: name}
}

// Name возвращает ключ Redis словаря.
func (d Dict) Name() string { return d.name }

// Get возвращает значение ключа; ok=false, если ключ отсутствует.
func (d Dict) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := d.c.rdb.HGet(ctx, d.name, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// GetDefault возвращает значение ключа либо def, если ключ отсутствует.
func (d Dict) GetDefault(ctx context.Context, key, def string) (string, error) {
	val, ok, err := d.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return def, nil
	}
	return val, nil
}

// Set записывает значение ключа.
func (d Dict) Set(ctx context.Context, key, value string) error {
	return d.c.rdb.HSet(ctx, d.name, key, value).Err()
}

// Delete удаляет ключ из словаря.
func (d Dict) Delete(ctx context.Context, key string) error {
	return d.c.rdb.HDel(ctx, d.name, key).Err()
}

// IncrBy атомарно увеличивает целочисленное значение ключа.
func (d Dict) IncrBy(ctx context.Context, key string, delta int64) error {
	return d.c.rdb.HIncrBy(ctx, d.name, key, delta).Err()
}

// Items возвращает снимок всего словаря.
func (d Dict) Items(ctx context.Context) (map[string]string, error) {
	return d.c.rdb.HGetAll(ctx, d.name).Result()
}

// Drop удаляет словарь целиком.
func (d Dict) Drop(ctx context.Context) error {
	return d.c.rdb.Del(ctx, d.name).Err()
}

// ---------------------------------------------------------------------------
// DailyDict — словарь с посуточной ротацией имени.

// DailyDict оборачивает Dict, подставляя в имя дату: <base>/<YYYY-MM-DD>.
// Любой аксессор работает со словарём сегодняшнего дня; в нулевой час
// локального времени вчерашний hash удаляется. Используется OCR-кэшем:
// результаты распознавания идемпотентны в пределах календарного дня.
type DailyDict struct {
	c    *Client
	base string
}

// DailyDict возвращает ротационный словарь с данным базовым именем.
func (c *Client) DailyDict(base string) DailyDict {
	return DailyDict{c: c, base: base}
}

// Today возвращает Dict за сегодняшнюю дату, попутно удаляя вчерашний hash,
// если локальный час равен нулю. Удаление идемпотентно: DEL по отсутствующему
// ключу безвреден.
func (dd DailyDict) Today(ctx context.Context) (Dict, error) {
	now := time.Now()
	name := dd.base + "/" + now.Format("2006-01-02")
	if now.Hour() == 0 {
		yesterday := dd.base + "/" + now.AddDate(0, 0, -1).Format("2006-01-02")
		if err := dd.c.rdb.Del(ctx, yesterday).Err(); err != nil {
			return Dict{}, err
		}
	}
	return Dict{c: dd.c, name: name}, nil
}

// ---------------------------------------------------------------------------
// ExpiringValue — одиночное строковое значение с TTL.

// ExpiringValue хранит одну строку с временем жизни (например, токен
// авторизации blob-хранилища).
type ExpiringValue struct {
	c    *Client
	name string
}

// ExpiringValue возвращает значение с данным именем.
func (c *Client) ExpiringValue(name string) ExpiringValue {
	return ExpiringValue{c: c, name: name}
}

// Get возвращает значение; ok=false, если оно отсутствует или истекло.
func (v ExpiringValue) Get(ctx context.Context) (string, bool, error) {
	val, err := v.c.rdb.Get(ctx, v.name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set записывает значение с данным TTL (ttl=0 — без истечения).
func (v ExpiringValue) Set(ctx context.Context, value string, ttl time.Duration) error {
	return v.c.rdb.Set(ctx, v.name, value, ttl).Err()
}

// Clear удаляет значение.
func (v ExpiringValue) Clear(ctx context.Context) error {
	return v.c.rdb.Del(ctx, v.name).Err()
}
