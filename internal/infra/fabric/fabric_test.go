package fabric_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/fabric"
	"telegram-ingest/internal/infra/faults"
)

func newTestCache(t *testing.T) (*cache.Client, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewFromRedis(rdb), rdb
}

// waitFor опрашивает условие, пока оно не выполнится или не истечёт срок.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWorkerProcessesTasks(t *testing.T) {
	c, _ := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got atomic.Int64
	w := fabric.New(c, "insert", func(ctx context.Context, payload []byte) error {
		got.Add(1)
		return nil
	})

	require.NoError(t, w.Queue().Put(ctx, []byte(`{"n":1}`)))
	require.NoError(t, w.Queue().Put(ctx, []byte(`{"n":2}`)))

	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx, 2)
		close(done)
	}()

	waitFor(t, func() bool { return got.Load() == 2 })
	cancel()
	<-done

	n, err := w.Queue().Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorkerUpdatesStatus(t *testing.T) {
	c, rdb := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := fabric.New(c, "mark", func(ctx context.Context, payload []byte) error {
		return nil
	})
	require.NoError(t, w.Queue().Put(ctx, []byte("task")))

	go func() { _ = w.Run(ctx, 1) }()

	waitFor(t, func() bool {
		return rdb.HExists(context.Background(), "mark_worker_status", "last").Val()
	})

	st, err := w.Stat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mark", st.Name)
	assert.GreaterOrEqual(t, st.SecondsAgo, int64(0))
	assert.Less(t, st.SecondsAgo, int64(5))
	assert.Zero(t, st.QueueSize)
}

func TestWorkerStatBeforeFirstSuccess(t *testing.T) {
	c, _ := newTestCache(t)

	w := fabric.New(c, "ocr", func(ctx context.Context, payload []byte) error { return nil })
	require.NoError(t, w.Queue().Put(context.Background(), []byte("pending")))

	st, err := w.Stat(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, -1, st.SecondsAgo)
	assert.EqualValues(t, 1, st.QueueSize)
}

func TestWorkerRequeuesTransientFailure(t *testing.T) {
	c, _ := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Первая попытка падает временно, вторая проходит: at-least-once.
	var calls atomic.Int64
	w := fabric.New(c, "find_link", func(ctx context.Context, payload []byte) error {
		if calls.Add(1) == 1 {
			return faults.New(faults.Transient, assert.AnError)
		}
		return nil
	})
	require.NoError(t, w.Queue().Put(ctx, []byte("flaky")))

	go func() { _ = w.Run(ctx, 1) }()

	waitFor(t, func() bool { return calls.Load() >= 2 })

	n, err := w.Queue().Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorkerDropsNotFound(t *testing.T) {
	c, _ := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	w := fabric.New(c, "join", func(ctx context.Context, payload []byte) error {
		calls.Add(1)
		return faults.New(faults.NotFound, assert.AnError)
	})
	require.NoError(t, w.Queue().Put(ctx, []byte("gone")))

	go func() { _ = w.Run(ctx, 1) }()

	waitFor(t, func() bool { return calls.Load() == 1 })
	// Задача не вернулась: невосстановимый сбой дропается.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())

	n, err := w.Queue().Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorkerRateLimitedGoesToHead(t *testing.T) {
	c, _ := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Первая задача ловит лимит: она должна ретраиться раньше второй.
	var order []string
	seen := make(chan string, 4)
	var limited atomic.Bool
	w := fabric.New(c, "history", func(ctx context.Context, payload []byte) error {
		seen <- string(payload)
		if string(payload) == "first" && limited.CompareAndSwap(false, true) {
			return faults.Waitf(10*time.Millisecond, assert.AnError)
		}
		return nil
	})
	require.NoError(t, w.Queue().Put(ctx, []byte("first")))
	require.NoError(t, w.Queue().Put(ctx, []byte("second")))

	go func() { _ = w.Run(ctx, 1) }()

	for i := 0; i < 3; i++ {
		select {
		case p := <-seen:
			order = append(order, p)
		case <-time.After(3 * time.Second):
			t.Fatal("worker stalled")
		}
	}
	assert.Equal(t, []string{"first", "first", "second"}, order)
}

func TestWorkerEscalatesProgrammerFault(t *testing.T) {
	c, _ := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	escalated := make(chan string, 1)
	var calls atomic.Int64
	w := fabric.New(c, "entity", func(ctx context.Context, payload []byte) error {
		if calls.Add(1) == 1 {
			return assert.AnError // неклассифицированная ошибка = Programmer
		}
		return nil
	})
	w.OnProgrammer = func(ctx context.Context, worker string, err error) {
		select {
		case escalated <- worker:
		default:
		}
	}
	require.NoError(t, w.Queue().Put(ctx, []byte("bug")))

	go func() { _ = w.Run(ctx, 1) }()

	select {
	case worker := <-escalated:
		assert.Equal(t, "entity#0", worker)
	case <-time.After(3 * time.Second):
		t.Fatal("programmer fault not escalated")
	}
	// Programmer-задача возвращается в очередь и дорабатывается.
	waitFor(t, func() bool { return calls.Load() >= 2 })
}

func TestEnqueueMarshalsJSON(t *testing.T) {
	c, rdb := newTestCache(t)
	ctx := context.Background()

	w := fabric.New(c, "ocr", func(ctx context.Context, payload []byte) error { return nil })
	require.NoError(t, w.Enqueue(ctx, map[string]any{"id": "photos/abc", "tries": 0}))

	raw, err := rdb.LPop(ctx, "ocr_queue").Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"photos/abc","tries":0}`, raw)
}
