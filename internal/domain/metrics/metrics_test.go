package metrics_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-ingest/internal/domain/metrics"
	"telegram-ingest/internal/infra/cache"
)

func newCache(t *testing.T) (*cache.Client, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewFromRedis(rdb), rdb
}

type memSink struct {
	points []metrics.Point
}

func (m *memSink) Write(ctx context.Context, points []metrics.Point) error {
	m.points = append(m.points, points...)
	return nil
}

func TestReportCoalescesUnderTaggedKey(t *testing.T) {
	c, rdb := newCache(t)
	ctx := context.Background()
	r := metrics.NewReporter(c)

	tags := map[string]string{"chat": "-100123"}
	require.NoError(t, r.Report(ctx, "messages", tags, map[string]int64{"received": 2}))
	require.NoError(t, r.Report(ctx, "messages", tags, map[string]int64{"received": 3}))

	// Имя поля подмешано в теги под именем key; дельты складываются.
	val, err := rdb.HGet(ctx, "global_statistics", `messages|{"chat":"-100123","key":"received"}`).Result()
	require.NoError(t, err)
	assert.Equal(t, "5", val)
}

func TestFlushDrainsCounters(t *testing.T) {
	c, rdb := newCache(t)
	ctx := context.Background()
	r := metrics.NewReporter(c)
	sink := &memSink{}
	f := metrics.NewFlusher(c, sink)

	require.NoError(t, r.Report(ctx, "messages", map[string]string{"chat": "-1"}, map[string]int64{"received": 7}))
	require.NoError(t, f.Flush(ctx))

	require.Len(t, sink.points, 1)
	p := sink.points[0]
	assert.Equal(t, "messages", p.Measurement)
	assert.Equal(t, map[string]string{"chat": "-1"}, p.Tags)
	assert.Equal(t, "received", p.Field)
	assert.EqualValues(t, 7, p.Value)

	// Счётчики сняты: повторный слив пуст.
	assert.Zero(t, rdb.HLen(ctx, "global_statistics").Val())
	require.NoError(t, f.Flush(ctx))
	assert.Len(t, sink.points, 1)
}

func TestEncodeLine(t *testing.T) {
	t.Parallel()

	ts := time.Unix(1700000000, 0)
	tests := []struct {
		name  string
		point metrics.Point
		want  string
	}{
		{
			name: "plain",
			point: metrics.Point{
				Measurement: "messages",
				Tags:        map[string]string{"chat": "-1"},
				Field:       "received",
				Value:       7,
				Time:        ts,
			},
			want: "messages,chat=-1 received=7i 1700000000000000000",
		},
		{
			name: "tags sorted and escaped",
			point: metrics.Point{
				Measurement: "bot stats",
				Tags:        map[string]string{"b": "x,y", "a": "v=1"},
				Field:       "count",
				Value:       1,
				Time:        ts,
			},
			want: `bot\ stats,a=v\=1,b=x\,y count=1i 1700000000000000000`,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, metrics.EncodeLine(tt.point))
		})
	}
}

func TestHTTPSinkPostsLineProtocol(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = string(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := metrics.NewHTTPSink(srv.URL)
	err := sink.Write(context.Background(), []metrics.Point{
		{Measurement: "m", Tags: map[string]string{"t": "1"}, Field: "v", Value: 2, Time: time.Unix(1, 0)},
		{Measurement: "m", Tags: map[string]string{"t": "2"}, Field: "v", Value: 3, Time: time.Unix(1, 0)},
	})
	require.NoError(t, err)

	lines := strings.Split(got, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "m,t=1 v=2i 1000000000", lines[0])
	assert.Equal(t, "m,t=2 v=3i 1000000000", lines[1])
}
