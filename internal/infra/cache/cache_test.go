package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-ingest/internal/infra/cache"
)

func newTestClient(t *testing.T) (*cache.Client, *miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewFromRedis(rdb), mr, rdb
}

func TestQueueFIFOAndInsert(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()
	q := c.Queue("test_queue")

	require.NoError(t, q.Put(ctx, []byte("a")))
	require.NoError(t, q.Put(ctx, []byte("b")))
	// Insert прыгает в голову очереди, впереди обычных элементов.
	require.NoError(t, q.Insert(ctx, []byte("urgent")))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	for _, want := range []string{"urgent", "a", "b"} {
		got, err := q.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	// Пустая очередь даёт nil без ошибки.
	got, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestQueueDelete(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()
	q := c.Queue("drop_queue")

	require.NoError(t, q.Put(ctx, []byte("x")))
	require.NoError(t, q.Delete(ctx))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpiringSetContainsRefreshes(t *testing.T) {
	c, _, rdb := newTestClient(t)
	ctx := context.Background()
	s := c.ExpiringSet("recent", time.Hour)

	require.NoError(t, s.Add(ctx, "link"))

	ok, err := s.Contains(ctx, "link")
	require.NoError(t, err)
	assert.True(t, ok)

	// Состариваем отметку вручную и проверяем, что Contains её освежил:
	// score после попадания должен быть близок к текущему времени.
	old := float64(time.Now().Add(-30 * time.Minute).Unix())
	require.NoError(t, rdb.ZAdd(ctx, "recent", goredis.Z{Score: old, Member: "link"}).Err())

	ok, err = s.Contains(ctx, "link")
	require.NoError(t, err)
	require.True(t, ok)

	score, err := rdb.ZScore(ctx, "recent", "link").Result()
	require.NoError(t, err)
	assert.InDelta(t, float64(time.Now().Unix()), score, 2)
}

func TestExpiringSetExpiry(t *testing.T) {
	c, _, rdb := newTestClient(t)
	ctx := context.Background()
	s := c.ExpiringSet("recent", time.Hour)

	// Отметка старше TTL: Contains обязан ответить false и убрать элемент.
	stale := float64(time.Now().Add(-2 * time.Hour).Unix())
	require.NoError(t, rdb.ZAdd(ctx, "recent", goredis.Z{Score: stale, Member: "old"}).Err())

	ok, err := s.Contains(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = rdb.ZScore(ctx, "recent", "old").Result()
	assert.ErrorIs(t, err, goredis.Nil)
}

func TestExpiringSetDiscard(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()
	s := c.ExpiringSet("recent", time.Hour)

	require.NoError(t, s.Add(ctx, "x"))
	require.NoError(t, s.Discard(ctx, "x"))

	ok, err := s.Contains(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDictOperations(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()
	d := c.Dict("status")

	_, ok, err := d.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := d.GetDefault(ctx, "missing", "0")
	require.NoError(t, err)
	assert.Equal(t, "0", val)

	require.NoError(t, d.Set(ctx, "last", "1700000000"))
	require.NoError(t, d.IncrBy(ctx, "count", 2))
	require.NoError(t, d.IncrBy(ctx, "count", 3))

	items, err := d.Items(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"last": "1700000000", "count": "5"}, items)

	require.NoError(t, d.Delete(ctx, "last"))
	_, ok, err = d.Get(ctx, "last")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDailyDictUsesTodayName(t *testing.T) {
	c, _, rdb := newTestClient(t)
	ctx := context.Background()

	dd := c.DailyDict("ocr")
	d, err := dd.Today(ctx)
	require.NoError(t, err)

	want := "ocr/" + time.Now().Format("2006-01-02")
	assert.Equal(t, want, d.Name())

	require.NoError(t, d.Set(ctx, "file", "PROCESSING"))
	got, err := rdb.HGet(ctx, want, "file").Result()
	require.NoError(t, err)
	assert.Equal(t, "PROCESSING", got)
}

func TestExpiringValue(t *testing.T) {
	c, mr, _ := newTestClient(t)
	ctx := context.Background()
	v := c.ExpiringValue("token")

	_, ok, err := v.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, v.Set(ctx, "secret", time.Minute))
	got, ok, err := v.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "secret", got)

	mr.FastForward(2 * time.Minute)
	_, ok, err = v.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
