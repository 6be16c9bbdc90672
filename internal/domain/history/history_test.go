package history_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-ingest/internal/adapters/mysql"
	"telegram-ingest/internal/domain/history"
	"telegram-ingest/internal/domain/ocr"
	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/faults"
)

func newTestCache(t *testing.T) *cache.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewFromRedis(rdb)
}

type fakeStore struct {
	group    mysql.Group
	groupOK  bool
	minID    int64
	hasRows  bool
}

func (f *fakeStore) GroupByID(_ context.Context, gid int64) (mysql.Group, bool, error) {
	return f.group, f.groupOK, nil
}

func (f *fakeStore) MinMessageID(_ context.Context, _ int64) (int64, bool, error) {
	return f.minID, f.hasRows, nil
}

// fakePager отдаёт страницы из карты before→сообщения; неизвестный срез пуст.
type fakePager struct {
	mu    sync.Mutex
	pages map[int64][]history.Message
	errs  []error
	calls []int64
}

func (f *fakePager) HistoryPage(_ context.Context, _ int64, before int64, _ int) ([]history.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, before)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.pages[before], nil
}

type insertedMessage struct {
	chatID    int64
	messageID int64
	uid       int64
	text      string
	findLink  bool
}

type fakeGateway struct {
	mu       sync.Mutex
	inserted []insertedMessage
}

func (f *fakeGateway) InsertMessage(_ context.Context, chatID, messageID, uid int64, text string, _ time.Time, _ int16, findLink bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, insertedMessage{chatID: chatID, messageID: messageID, uid: uid, text: text, findLink: findLink})
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) NotifyAdmins(_ context.Context, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
}

func msgs(ids ...int64) []history.Message {
	out := make([]history.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, history.Message{ID: id, UserID: 5, Text: fmt.Sprintf("msg %d", id), Date: time.Unix(1756000000, 0)})
	}
	return out
}

func taskPayload(t *testing.T, gid int64) []byte {
	t.Helper()
	payload, err := json.Marshal(history.Task{GID: gid})
	require.NoError(t, err)
	return payload
}

func TestHandleHistoryPagesBackward(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	store := &fakeStore{
		group:   mysql.Group{GID: -100, Master: sql.NullInt64{Int64: 42, Valid: true}},
		groupOK: true,
		minID:   50,
		hasRows: true,
	}
	pager := &fakePager{pages: map[int64][]history.Message{
		50: msgs(49, 45, 40),
		40: msgs(39, 30),
	}}
	gw := &fakeGateway{}
	notify := &fakeNotifier{}
	svc := history.NewService(c, store, pager, gw, notify)

	require.NoError(t, svc.HandleHistory(ctx, taskPayload(t, -100)))

	require.Len(t, gw.inserted, 5)
	for _, ins := range gw.inserted {
		assert.Equal(t, int64(-100), ins.chatID)
		assert.False(t, ins.findLink, "history back-fill must not feed link discovery")
	}
	assert.Equal(t, []int64{50, 40, 30}, pager.calls)

	progress, _, err := c.Dict("history_worker_status").Get(ctx, "-100")
	require.NoError(t, err)
	assert.Equal(t, "30", progress)

	require.Len(t, notify.messages, 1)
	assert.Contains(t, notify.messages[0], "fully fetched")
}

func TestHandleHistoryRefusesMasterlessGroup(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	store := &fakeStore{group: mysql.Group{GID: -100}, groupOK: true}
	pager := &fakePager{}
	notify := &fakeNotifier{}
	svc := history.NewService(c, store, pager, &fakeGateway{}, notify)

	require.NoError(t, svc.HandleHistory(ctx, taskPayload(t, -100)))

	assert.Empty(t, pager.calls)
	require.Len(t, notify.messages, 1)
	assert.Contains(t, notify.messages[0], "no master account")
}

func TestHandleHistoryWrapsPhotosWithSentinel(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	store := &fakeStore{
		group:   mysql.Group{GID: -100, Master: sql.NullInt64{Int64: 42, Valid: true}},
		groupOK: true,
	}
	photoMsg := history.Message{
		ID:       10,
		Text:     "photo caption",
		Date:     time.Unix(1756000000, 0),
		Photo:    ocr.PhotoDescriptor{PhotoID: 77, Filename: "1756000000-77_2.jpg", Path: "2026/8"},
		HasPhoto: true,
	}
	pager := &fakePager{pages: map[int64][]history.Message{0: {photoMsg}}}
	gw := &fakeGateway{}
	svc := history.NewService(c, store, pager, gw, &fakeNotifier{})

	require.NoError(t, svc.HandleHistory(ctx, taskPayload(t, -100)))

	require.NotEmpty(t, gw.inserted)
	text := gw.inserted[0].text
	desc, caption, err := ocr.ParseSentinel(text)
	require.NoError(t, err)
	assert.Equal(t, "photo caption", caption)
	assert.Equal(t, int64(42), desc.Client, "descriptor must point at the master account")
	assert.Equal(t, int64(77), desc.PhotoID)
}

func TestHandleHistoryStopsOnPrivateChannel(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	store := &fakeStore{
		group:   mysql.Group{GID: -100, Master: sql.NullInt64{Int64: 42, Valid: true}},
		groupOK: true,
	}
	pager := &fakePager{errs: []error{faults.New(faults.Forbidden, fmt.Errorf("CHANNEL_PRIVATE"))}}
	notify := &fakeNotifier{}
	svc := history.NewService(c, store, pager, &fakeGateway{}, notify)

	require.NoError(t, svc.HandleHistory(ctx, taskPayload(t, -100)))

	require.Len(t, notify.messages, 1)
	assert.True(t, strings.Contains(notify.messages[0], "stopped"))
}

func TestHandleHistoryRetriesTransientFailure(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	store := &fakeStore{
		group:   mysql.Group{GID: -100, Master: sql.NullInt64{Int64: 42, Valid: true}},
		groupOK: true,
	}
	pager := &fakePager{
		pages: map[int64][]history.Message{0: msgs(10)},
		errs:  []error{faults.New(faults.Transient, fmt.Errorf("RPC_CALL_FAIL"))},
	}
	gw := &fakeGateway{}
	svc := history.NewService(c, store, pager, gw, &fakeNotifier{})

	require.NoError(t, svc.HandleHistory(ctx, taskPayload(t, -100)))

	assert.GreaterOrEqual(t, len(pager.calls), 2, "transient failure must be retried")
	require.Len(t, gw.inserted, 1)
	assert.Equal(t, int64(10), gw.inserted[0].messageID)
}
