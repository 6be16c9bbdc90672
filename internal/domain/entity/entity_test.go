package entity_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-ingest/internal/domain/entity"
	"telegram-ingest/internal/infra/cache"
)

type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	inserted []string // text каждой вставленной строки
	rows     map[[2]int64]bool
	marked   []([2]int64)
	users    []int64
	groups   []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 100, rows: map[[2]int64]bool{}}
}

func (f *fakeStore) InsertMessage(ctx context.Context, chatID, messageID, userID int64, text string, date int64, flag int16) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.inserted = append(f.inserted, text)
	f.rows[[2]int64{chatID, messageID}] = true
	return f.nextID, nil
}

func (f *fakeStore) MessageExists(ctx context.Context, chatID, messageID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[[2]int64{chatID, messageID}], nil
}

func (f *fakeStore) MarkDeleted(ctx context.Context, chatID, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, [2]int64{chatID, messageID})
	return nil
}

func (f *fakeStore) UpsertUser(ctx context.Context, uid int64, first, last, username, lang string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, uid)
	return nil
}

func (f *fakeStore) UpsertGroup(ctx context.Context, masterUID, gid int64, name, link string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, gid)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeNotifier) NotifyAdmins(ctx context.Context, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, text)
}

func newCache(t *testing.T) (*cache.Client, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewFromRedis(rdb), rdb
}

func TestInsertMessageEnqueuesInsertAndFindLink(t *testing.T) {
	c, rdb := newCache(t)
	ctx := context.Background()
	g := entity.NewGateway(c, nil)

	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, g.InsertMessage(ctx, -100123, 42, 777, "hello t.me/somegroup", date, 0, true))

	raw, err := rdb.LPop(ctx, "insert_queue").Result()
	require.NoError(t, err)
	var row map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &row))
	assert.EqualValues(t, -100123, row["chat_id"])
	assert.EqualValues(t, 42, row["message_id"])
	assert.EqualValues(t, date.Unix(), row["date"])

	link, err := rdb.LPop(ctx, "find_link_queue").Result()
	require.NoError(t, err)
	assert.Equal(t, "hello t.me/somegroup", link)
}

func TestInsertMessageSkipsFindLinkWhenDisabled(t *testing.T) {
	c, rdb := newCache(t)
	ctx := context.Background()
	g := entity.NewGateway(c, nil)

	require.NoError(t, g.InsertMessage(ctx, -1, 1, 0, "history text", time.Now(), 0, false))

	assert.EqualValues(t, 1, rdb.LLen(ctx, "insert_queue").Val())
	assert.Zero(t, rdb.LLen(ctx, "find_link_queue").Val())
}

func TestInsertMessageIgnoresEmptyText(t *testing.T) {
	c, rdb := newCache(t)
	g := entity.NewGateway(c, nil)

	require.NoError(t, g.InsertMessage(context.Background(), -1, 1, 0, "", time.Now(), 0, true))
	assert.Zero(t, rdb.LLen(context.Background(), "insert_queue").Val())
}

func TestFindLinkBacklogGuard(t *testing.T) {
	c, rdb := newCache(t)
	ctx := context.Background()
	notifier := &fakeNotifier{}
	g := entity.NewGateway(c, notifier)

	for i := 0; i < 51; i++ {
		require.NoError(t, rdb.RPush(ctx, "find_link_queue", "x").Err())
	}

	require.NoError(t, g.EnqueueFindLink(ctx, "t.me/overflow"))

	// Текст дропнут, администраторы предупреждены.
	assert.EqualValues(t, 51, rdb.LLen(ctx, "find_link_queue").Val())
	require.Len(t, notifier.msgs, 1)
	assert.Contains(t, notifier.msgs[0], "queue full")
}

func TestHandleEntityDispatch(t *testing.T) {
	c, rdb := newCache(t)
	ctx := context.Background()
	store := newFakeStore()
	g := entity.NewGateway(c, nil)
	w := entity.NewWorkers(store, c)

	require.NoError(t, g.UpdateUser(ctx, 777, "First", "Last", "user", "en"))
	require.NoError(t, g.UpdateGroup(ctx, 111, -100555, "Group", "grouplink"))

	for i := 0; i < 2; i++ {
		raw, err := rdb.LPop(ctx, "entity_queue").Bytes()
		require.NoError(t, err)
		require.NoError(t, w.HandleEntity(ctx, raw))
	}

	assert.Equal(t, []int64{777}, store.users)
	assert.Equal(t, []int64{-100555}, store.groups)
}

func TestHandleInsertDeduplicatesNewMessages(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	store := newFakeStore()
	w := entity.NewWorkers(store, c)

	payload := []byte(`{"chat_id":-1,"message_id":5,"user_id":7,"text":"hi","date":1700000000,"flag":0}`)
	require.NoError(t, w.HandleInsert(ctx, payload))
	require.NoError(t, w.HandleInsert(ctx, payload))

	// Вторая доставка того же (chatid, messageid) с flag=new подавлена.
	assert.Len(t, store.inserted, 1)
}

func TestHandleInsertAllowsEditedDuplicates(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	store := newFakeStore()
	w := entity.NewWorkers(store, c)

	edited := []byte(`{"chat_id":-1,"message_id":5,"user_id":7,"text":"v2","date":1700000000,"flag":1}`)
	require.NoError(t, w.HandleInsert(ctx, edited))
	require.NoError(t, w.HandleInsert(ctx, edited))

	// Правки append-only: каждая пишет свою строку.
	assert.Len(t, store.inserted, 2)
}

func TestHandleInsertEnqueuesOCRForSentinel(t *testing.T) {
	c, rdb := newCache(t)
	ctx := context.Background()
	store := newFakeStore()
	w := entity.NewWorkers(store, c)

	text := entity.OCRSentinel + "\n{\"path\":\"2024/5\"}\ncaption"
	payload, err := json.Marshal(map[string]any{
		"chat_id": -1, "message_id": 9, "text": text, "date": 1700000000, "flag": 0,
	})
	require.NoError(t, err)
	require.NoError(t, w.HandleInsert(ctx, payload))

	raw, err := rdb.LPop(ctx, "ocr_queue").Bytes()
	require.NoError(t, err)
	var task entity.OCRTask
	require.NoError(t, json.Unmarshal(raw, &task))
	assert.EqualValues(t, 101, task.ID)
	assert.Zero(t, task.Tries)
}

func TestHandleMarkRetriesThenDrops(t *testing.T) {
	c, rdb := newCache(t)
	ctx := context.Background()
	store := newFakeStore()
	w := entity.NewWorkers(store, c)

	// Строки нет: задача переигрывается с инкрементом tries.
	payload := []byte(`{"chat_id":-1,"message_id":5}`)
	require.NoError(t, w.HandleMark(ctx, payload))

	raw, err := rdb.LPop(ctx, "mark_queue").Bytes()
	require.NoError(t, err)
	var task entity.MarkTask
	require.NoError(t, json.Unmarshal(raw, &task))
	assert.Equal(t, 1, task.Tries)

	// После исчерпания лимита — дроп без повторной постановки.
	require.NoError(t, w.HandleMark(ctx, []byte(`{"chat_id":-1,"message_id":5,"tries":2}`)))
	assert.Zero(t, rdb.LLen(ctx, "mark_queue").Val())
	assert.Empty(t, store.marked)
}

func TestHandleMarkSetsDeletedFlag(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	store := newFakeStore()
	store.rows[[2]int64{-1, 5}] = true
	w := entity.NewWorkers(store, c)

	require.NoError(t, w.HandleMark(ctx, []byte(`{"chat_id":-1,"message_id":5}`)))
	assert.Equal(t, []([2]int64){{-1, 5}}, store.marked)
}
