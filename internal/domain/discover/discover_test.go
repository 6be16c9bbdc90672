package discover_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/alicebob/miniredis/v2"
	"github.com/gotd/td/tg"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-ingest/internal/adapters/botapi"
	"telegram-ingest/internal/domain/discover"
	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/faults"
)

func newTestCache(t *testing.T) (*cache.Client, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewFromRedis(rdb), rdb
}

// botAPIStub эмулирует методы Bot API, которыми пользуется проба.
type botAPIStub struct {
	mu          sync.Mutex
	chatInfo    map[string]any
	memberCount int64
	probes      int
}

func (s *botAPIStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var result any
		switch {
		case strings.HasSuffix(r.URL.Path, "/getChat"):
			s.probes++
			result = s.chatInfo
		case strings.HasSuffix(r.URL.Path, "/getChatMemberCount"):
			result = s.memberCount
		default:
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
	}
}

func newTestPool(t *testing.T, c *cache.Client, stub *botAPIStub) *botapi.Pool {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	pool, err := botapi.NewPool([]string{"111:a", "222:b", "333:c"}, c, &gotgbot.BotOpts{
		DisableTokenCheck: true,
		BotClient: &gotgbot.BaseBotClient{
			DefaultRequestOpts: &gotgbot.RequestOpts{APIURL: srv.URL},
		},
	})
	require.NoError(t, err)
	return pool
}

type fakeStore struct {
	mu      sync.Mutex
	groups  map[int64]bool
	invites map[string]bool

	insertedGroups  []insertedGroup
	insertedInvites []insertedInvite
}

type insertedGroup struct {
	gid    int64
	name   string
	link   string
	master int64
}

type insertedInvite struct {
	hash    string
	inviter int64
	gid     int64
	nonce   uint64
	title   string
}

func newFakeStore() *fakeStore {
	return &fakeStore{groups: make(map[int64]bool), invites: make(map[string]bool)}
}

func (f *fakeStore) GroupExists(_ context.Context, gid int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups[gid], nil
}

func (f *fakeStore) InsertGroup(_ context.Context, gid int64, name, link string, master int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[gid] = true
	f.insertedGroups = append(f.insertedGroups, insertedGroup{gid: gid, name: name, link: link, master: master})
	return nil
}

func (f *fakeStore) InviteExists(_ context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invites[hash], nil
}

func (f *fakeStore) InsertInvite(_ context.Context, hash string, inviterUID, gid int64, nonce uint64, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites[hash] = true
	f.insertedInvites = append(f.insertedInvites, insertedInvite{hash: hash, inviter: inviterUID, gid: gid, nonce: nonce, title: title})
	return nil
}

type fakeInvoker struct {
	uid      int64
	messages []string
	preview  discover.InvitePreview

	resolveErr error
	joinErr    error
	importErr  error
	checkErr   error

	joined   []int64
	imported []string
}

func (f *fakeInvoker) UID() int64 { return f.uid }

func (f *fakeInvoker) ResolveChannel(_ context.Context, username string) (*tg.InputChannel, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return &tg.InputChannel{ChannelID: 777, AccessHash: 999}, nil
}

func (f *fakeInvoker) RecentMessages(_ context.Context, _ *tg.InputChannel) ([]string, error) {
	return f.messages, nil
}

func (f *fakeInvoker) CheckInvite(_ context.Context, hash string) (discover.InvitePreview, error) {
	if f.checkErr != nil {
		return discover.InvitePreview{}, f.checkErr
	}
	return f.preview, nil
}

func (f *fakeInvoker) JoinChannel(_ context.Context, channelID, _ int64) error {
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = append(f.joined, channelID)
	return nil
}

func (f *fakeInvoker) ImportInvite(_ context.Context, hash string) error {
	if f.importErr != nil {
		return f.importErr
	}
	f.imported = append(f.imported, hash)
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

func (f *fakeNotifier) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

// makeInviteHash собирает валидный 22-символьный хэш с данными uid/gid/nonce.
func makeInviteHash(uid, gid uint32, nonce uint64) string {
	raw := make([]byte, 16)
	binary.BigEndian.PutUint32(raw[0:4], uid)
	binary.BigEndian.PutUint32(raw[4:8], gid)
	binary.BigEndian.PutUint64(raw[8:16], nonce)
	return strings.TrimRight(base64.URLEncoding.EncodeToString(raw), "=")
}

func TestHandleFindLinkJoinsChineseGroup(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	stub := &botAPIStub{
		chatInfo:    map[string]any{"id": int64(-1001234), "type": "supergroup", "title": "交流群", "username": "foo_group"},
		memberCount: 5000,
	}
	store := newFakeStore()
	invoker := &fakeInvoker{uid: 42}
	notify := &fakeNotifier{}
	svc := discover.NewService(c, store, newTestPool(t, c, stub), invoker, notify, discover.Options{JoinLimit: 100})

	require.NoError(t, svc.HandleFindLink(ctx, []byte("join us https://t.me/foo_group now")))

	seen, err := c.ExpiringSet("recent_found_links", 24*time.Hour).Contains(ctx, "foo_group")
	require.NoError(t, err)
	assert.True(t, seen)

	require.Len(t, store.insertedGroups, 1)
	assert.Equal(t, int64(-1001234), store.insertedGroups[0].gid)
	assert.Equal(t, int64(42), store.insertedGroups[0].master)

	payload, err := c.Queue("join_queue").Get(ctx)
	require.NoError(t, err)
	var task discover.JoinTask
	require.NoError(t, json.Unmarshal(payload, &task))
	assert.Equal(t, discover.LinkPublic, task.LinkType)
	assert.Equal(t, int64(777), task.ChannelID)

	changed, err := c.ExpiringSet("group_last_changed", time.Hour).Contains(ctx, "-1001234")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestHandleFindLinkRecordsSmallGroupWithoutJoin(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	stub := &botAPIStub{
		chatInfo:    map[string]any{"id": int64(-1005678), "type": "supergroup", "title": "tiny", "username": "tiny_group"},
		memberCount: 0,
	}
	store := newFakeStore()
	notify := &fakeNotifier{}
	svc := discover.NewService(c, store, newTestPool(t, c, stub), &fakeInvoker{uid: 42}, notify, discover.Options{JoinLimit: 100})

	require.NoError(t, svc.HandleFindLink(ctx, []byte("hello https://t.me/tiny_group world")))

	require.Len(t, store.insertedGroups, 1)
	assert.Equal(t, int64(-1005678), store.insertedGroups[0].gid)
	assert.Zero(t, store.insertedGroups[0].master, "master must stay NULL when the group is not joined")

	depth, err := c.Queue("join_queue").Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestHandleFindLinkSkipsRecentAndBlacklisted(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	stub := &botAPIStub{
		chatInfo:    map[string]any{"id": int64(-1001234), "type": "supergroup", "title": "t", "username": "foo_group"},
		memberCount: 0,
	}
	store := newFakeStore()
	svc := discover.NewService(c, store, newTestPool(t, c, stub), &fakeInvoker{}, &fakeNotifier{},
		discover.Options{JoinLimit: 100, Blacklist: []string{"banned_grp"}})

	require.NoError(t, svc.HandleFindLink(ctx, []byte("t.me/foo_group t.me/banned_grp")))
	require.NoError(t, svc.HandleFindLink(ctx, []byte("t.me/foo_group")))

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, 1, stub.probes, "the second pass must be deduplicated, the blacklisted token never probed")
}

func TestAdmitPrivateSuggestsManualJoin(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	hash := makeInviteHash(1234, 1500000000, 42)
	store := newFakeStore()
	notify := &fakeNotifier{}
	invoker := &fakeInvoker{
		preview: discover.InvitePreview{Title: "big group", Members: 5000},
	}
	svc := discover.NewService(c, store, newTestPool(t, c, &botAPIStub{}), invoker, notify, discover.Options{JoinLimit: 100})

	require.NoError(t, svc.AdmitPrivate(ctx, hash, false))

	require.Len(t, store.insertedInvites, 1)
	assert.Equal(t, hash, store.insertedInvites[0].hash)
	assert.Equal(t, int64(1234), store.insertedInvites[0].inviter)
	assert.Equal(t, int64(-1001500000000), store.insertedInvites[0].gid)
	assert.Equal(t, uint64(42), store.insertedInvites[0].nonce)

	depth, err := c.Queue("join_queue").Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	messages := notify.all()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "/joinprv "+hash)
}

func TestAdmitPrivateDropsKnownInvite(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	hash := makeInviteHash(1, 500, 7)
	store := newFakeStore()
	store.invites[hash] = true
	invoker := &fakeInvoker{preview: discover.InvitePreview{Members: 10000}}
	notify := &fakeNotifier{}
	svc := discover.NewService(c, store, newTestPool(t, c, &botAPIStub{}), invoker, notify, discover.Options{JoinLimit: 100})

	require.NoError(t, svc.AdmitPrivate(ctx, hash, false))
	assert.Empty(t, store.insertedInvites)
	assert.Empty(t, notify.all())
}

func TestHandleJoinQuotaLatch(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	invoker := &fakeInvoker{
		joinErr: faults.New(faults.QuotaExhausted, fmt.Errorf("CHANNELS_TOO_MUCH")),
	}
	notify := &fakeNotifier{}
	svc := discover.NewService(c, newFakeStore(), newTestPool(t, c, &botAPIStub{}), invoker, notify, discover.Options{JoinLimit: 100})

	task, _ := json.Marshal(discover.JoinTask{LinkType: discover.LinkPublic, ChannelID: 1, AccessHash: 2})
	require.NoError(t, svc.HandleJoin(ctx, task))
	require.NoError(t, svc.HandleJoin(ctx, task))

	assert.Len(t, notify.all(), 1, "quota alarm must fire only on the 0->1 transition")

	full, _, err := c.Dict("global_count").Get(ctx, "full")
	require.NoError(t, err)
	assert.Equal(t, "1", full)
}

func TestHandleJoinFloodWaitPropagates(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	invoker := &fakeInvoker{
		importErr: faults.Waitf(3*time.Second, fmt.Errorf("FLOOD_WAIT_3")),
	}
	notify := &fakeNotifier{}
	svc := discover.NewService(c, newFakeStore(), newTestPool(t, c, &botAPIStub{}), invoker, notify, discover.Options{JoinLimit: 100})

	task, _ := json.Marshal(discover.JoinTask{LinkType: discover.LinkPrivate, Hash: "h"})
	err := svc.HandleJoin(ctx, task)
	require.Error(t, err)
	assert.Equal(t, faults.RateLimited, faults.KindOf(err))
	assert.Len(t, notify.all(), 1)
}

func TestHandleJoinSuccessResetsLatch(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	invoker := &fakeInvoker{}
	notify := &fakeNotifier{}
	svc := discover.NewService(c, newFakeStore(), newTestPool(t, c, &botAPIStub{}), invoker, notify, discover.Options{JoinLimit: 100})
	require.NoError(t, c.Dict("global_count").Set(ctx, "full", "1"))

	task, _ := json.Marshal(discover.JoinTask{LinkType: discover.LinkPublic, ChannelID: 5, AccessHash: 6, Title: "g", Link: "g_link"})
	require.NoError(t, svc.HandleJoin(ctx, task))

	assert.Equal(t, []int64{5}, invoker.joined)
	full, _, err := c.Dict("global_count").Get(ctx, "full")
	require.NoError(t, err)
	assert.Equal(t, "0", full)
}
