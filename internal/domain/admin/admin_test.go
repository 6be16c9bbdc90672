package admin_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/alicebob/miniredis/v2"
	"github.com/gotd/td/tg"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-ingest/internal/domain/admin"
	"telegram-ingest/internal/domain/history"
	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/fabric"
)

const adminUID = 100

func newTestCache(t *testing.T) *cache.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewFromRedis(rdb)
}

// botStub перехватывает sendMessage и копит отправленные тексты.
type botStub struct {
	mu    sync.Mutex
	sent  []string
	chats []int64
}

func (s *botStub) handler(w http.ResponseWriter, r *http.Request) {
	var params map[string]string
	_ = json.NewDecoder(r.Body).Decode(&params)
	if r.URL.Path == "/bot123:token/sendMessage" {
		s.mu.Lock()
		s.sent = append(s.sent, params["text"])
		var chatID int64
		_, _ = fmt.Sscan(params["chat_id"], &chatID)
		s.chats = append(s.chats, chatID)
		s.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":1,"chat":{"id":1,"type":"private"},"text":"ok"}}`))
		return
	}
	_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
}

func (s *botStub) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fakeDiscoverer struct {
	mu      sync.Mutex
	public  []string
	private []string
}

func (f *fakeDiscoverer) AdmitPublic(_ context.Context, link string, joinNow bool) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.public = append(f.public, link)
	if !joinNow {
		return 0, false, nil
	}
	return -1000000000500, true, nil
}

func (f *fakeDiscoverer) AdmitPrivate(_ context.Context, hash string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.private = append(f.private, hash)
	return nil
}

type fakeInvoker struct {
	mu   sync.Mutex
	left []int64
}

func (f *fakeInvoker) ResolveChannel(_ context.Context, username string) (*tg.InputChannel, error) {
	if username == "" {
		return nil, fmt.Errorf("empty username")
	}
	return &tg.InputChannel{ChannelID: 500, AccessHash: 7}, nil
}

func (f *fakeInvoker) ResolveChannelID(_ context.Context, channelID int64) (*tg.InputChannel, error) {
	return &tg.InputChannel{ChannelID: channelID, AccessHash: 7}, nil
}

func (f *fakeInvoker) LeaveChannel(_ context.Context, channelID, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, channelID)
	return nil
}

func (f *fakeInvoker) Dialogs(_ context.Context) (tg.MessagesDialogsClass, error) {
	return &tg.MessagesDialogs{}, nil
}

type fakeStat struct {
	stat fabric.Stat
}

func (f fakeStat) Stat(context.Context) (fabric.Stat, error) { return f.stat, nil }

type fixture struct {
	cache      *cache.Client
	stub       *botStub
	bot        *gotgbot.Bot
	dispatcher *ext.Dispatcher
	disc       *fakeDiscoverer
	invoker    *fakeInvoker
}

func newFixture(t *testing.T, unsafe bool) *fixture {
	t.Helper()
	c := newTestCache(t)
	stub := &botStub{}
	srv := httptest.NewServer(http.HandlerFunc(stub.handler))
	t.Cleanup(srv.Close)

	bot, err := gotgbot.NewBot("123:token", &gotgbot.BotOpts{
		DisableTokenCheck: true,
		BotClient: &gotgbot.BaseBotClient{
			DefaultRequestOpts: &gotgbot.RequestOpts{APIURL: srv.URL},
		},
	})
	require.NoError(t, err)

	disc := &fakeDiscoverer{}
	invoker := &fakeInvoker{}
	workers := []admin.StatSource{
		fakeStat{fabric.Stat{Name: "insert", SecondsAgo: 5, QueueSize: 2}},
		fakeStat{fabric.Stat{Name: "ocr", SecondsAgo: -1, QueueSize: 0}},
	}
	svc := admin.NewService(c, disc, invoker, workers, []int64{adminUID}, unsafe)

	dispatcher := ext.NewDispatcher(nil)
	svc.Register(dispatcher)
	return &fixture{cache: c, stub: stub, bot: bot, dispatcher: dispatcher, disc: disc, invoker: invoker}
}

func (f *fixture) send(t *testing.T, uid int64, text string) {
	t.Helper()
	command := text
	if idx := strings.IndexByte(command, ' '); idx > 0 {
		command = command[:idx]
	}
	update := &gotgbot.Update{
		UpdateId: 1,
		Message: &gotgbot.Message{
			MessageId: 10,
			Text:      text,
			Chat:      gotgbot.Chat{Id: 777, Type: "private"},
			From:      &gotgbot.User{Id: uid},
			Entities: []gotgbot.MessageEntity{
				{Type: "bot_command", Offset: 0, Length: int64(len(command))},
			},
		},
	}
	require.NoError(t, f.dispatcher.ProcessUpdate(f.bot, update, nil))
}

func TestStrangerIsIgnored(t *testing.T) {
	f := newFixture(t, false)
	f.send(t, 999, "/stat")
	assert.Empty(t, f.stub.texts())
}

func TestStatReportsThroughput(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	counts := f.cache.Dict("global_count")
	require.NoError(t, counts.Set(ctx, "start_time", "0"))
	require.NoError(t, counts.Set(ctx, "received_message", "10"))
	require.NoError(t, counts.Set(ctx, "total_used_time", "5"))

	f.send(t, adminUID, "/stat")

	texts := f.stub.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Uptime:")
	assert.Contains(t, texts[0], "Processed: 10")
	assert.Contains(t, texts[0], "Average: 0.500s")
}

func TestFetchEnqueuesHistoryTask(t *testing.T) {
	f := newFixture(t, false)
	f.send(t, adminUID, "/fetch -1001500000000")

	payload, err := f.cache.Queue("history_queue").Get(context.Background())
	require.NoError(t, err)
	var task history.Task
	require.NoError(t, json.Unmarshal(payload, &task))
	assert.Equal(t, int64(-1001500000000), task.GID)

	texts := f.stub.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "queued")
}

func TestJoinPubAdmitsImmediately(t *testing.T) {
	f := newFixture(t, false)
	f.send(t, adminUID, "/joinpub https://t.me/goodsgroup")

	assert.Equal(t, []string{"goodsgroup"}, f.disc.public)
	texts := f.stub.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "queued")
}

func TestLeaveBySignedGID(t *testing.T) {
	f := newFixture(t, false)
	f.send(t, adminUID, "/leave -1000000000500")

	assert.Equal(t, []int64{500}, f.invoker.left)
}

func TestWorkersStatusFormat(t *testing.T) {
	f := newFixture(t, false)
	f.send(t, adminUID, "/workers")

	texts := f.stub.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "insert Worker: 5 seconds ago, size 2")
	assert.Contains(t, texts[0], "ocr Worker: never, size 0")
}

func TestExecDisabledByDefault(t *testing.T) {
	f := newFixture(t, false)
	f.send(t, adminUID, "/exec id")

	texts := f.stub.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "disabled")
}

func TestExecRunsWhenUnsafe(t *testing.T) {
	f := newFixture(t, true)
	f.send(t, adminUID, "/exec echo admin-shell-ok")

	texts := f.stub.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "admin-shell-ok")
}
