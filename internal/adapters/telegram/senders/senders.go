// Package senders — реестр MTProto-клиентов пайплайна. На каждый
// пользовательский аккаунт из конфигурации создаётся свой gotd-клиент с
// файловой сессией, bbolt-хранилищем пиров и состояния апдейтов и
// middleware-цепочкой floodwait+ratelimit. Один аккаунт, чьё имя сессии
// задано INVOKER_SESSION, назначается инвокером: все привилегированные
// вызовы (пробы, вступления, пейджинг истории) идут через него.
package senders

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram"
	tdauth "github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/telegram/peers"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"

	"telegram-ingest/internal/adapters/telegram/auth"
	"telegram-ingest/internal/adapters/telegram/session"
	"telegram-ingest/internal/infra/config"
	"telegram-ingest/internal/infra/logger"
	"telegram-ingest/internal/infra/storage"
)

var peersBucket = []byte("peers")

// lazyUpdateHandler откладывает установку реального обработчика апдейтов,
// разрывая цикл инициализации клиент → менеджер апдейтов → клиент.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// Client — один аккаунт: gotd-клиент, RPC, диспетчер апдейтов и менеджер пиров.
type Client struct {
	UID         int64
	SessionName string
	Phone       string
	Name        string

	Telegram   *telegram.Client
	API        *tg.Client
	Dispatcher tg.UpdateDispatcher

	waiter *floodwait.Waiter
	updMgr *tgupdates.Manager
	peers  *peers.Manager
	db     *bbolt.DB
}

// Peers возвращает менеджер пиров аккаунта.
func (c *Client) Peers() *peers.Manager { return c.peers }

// Run поднимает соединение, при необходимости проходит интерактивную
// авторизацию, после чего блокируется в менеджере апдейтов до отмены ctx.
// ready вызывается после успешной авторизации, до запуска потока апдейтов.
func (c *Client) Run(ctx context.Context, ready func(ctx context.Context, self *tg.User) error) error {
	return c.waiter.Run(ctx, func(ctx context.Context) error {
		return c.Telegram.Run(ctx, func(ctx context.Context) error {
			flow := tdauth.NewFlow(auth.TerminalAuthenticator{
				SessionName: c.SessionName,
				PhoneNumber: c.Phone,
			}, tdauth.SendCodeOptions{})
			if err := c.Telegram.Auth().IfNecessary(ctx, flow); err != nil {
				return errors.Wrap(err, "auth")
			}

			self, err := c.Telegram.Self(ctx)
			if err != nil {
				return errors.Wrap(err, "self")
			}
			if c.UID != 0 && c.UID != self.ID {
				logger.Warnf("session %s: configured uid %d, actual %d", c.SessionName, c.UID, self.ID)
			}
			c.UID = self.ID
			logger.Infof("client %s connected as uid %d", c.SessionName, self.ID)

			if ready != nil {
				if err := ready(ctx, self); err != nil {
					return err
				}
			}
			return c.updMgr.Run(ctx, c.API, self.ID, tgupdates.AuthOptions{})
		})
	})
}

// Close закрывает локальные хранилища аккаунта.
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Registry — реестр клиентов с выделенным инвокером.
type Registry struct {
	clients map[int64]*Client
	ordered []*Client
	invoker *Client
}

// CreateClients строит клиентов для всех аккаунтов конфигурации.
// Контракт: после успешного возврата Invoker() не nil.
func CreateClients(env *config.EnvConfig) (*Registry, error) {
	reg := &Registry{clients: make(map[int64]*Client, len(env.Accounts))}

	for _, acc := range env.Accounts {
		client, err := newClient(env, acc)
		if err != nil {
			reg.Close()
			return nil, errors.Wrapf(err, "create client %s", acc.SessionName)
		}
		reg.clients[acc.UID] = client
		reg.ordered = append(reg.ordered, client)
		if acc.SessionName == env.InvokerSession {
			reg.invoker = client
		}
	}

	if reg.invoker == nil {
		reg.Close()
		return nil, errors.Errorf("invoker session %q is not among configured accounts", env.InvokerSession)
	}
	return reg, nil
}

// newClient собирает один gotd-клиент в духе: файловая сессия, bbolt для
// пиров и состояния апдейтов, floodwait+ratelimit на каждом RPC.
func newClient(env *config.EnvConfig, acc config.AccountConfig) (*Client, error) {
	c := &Client{
		UID:         acc.UID,
		SessionName: acc.SessionName,
		Phone:       acc.Phone,
		Name:        acc.DisplayName,
		Dispatcher:  tg.NewUpdateDispatcher(),
		waiter:      floodwait.NewWaiter(),
	}

	sessionPath := filepath.Join(env.SessionDir, acc.SessionName+".session")
	if err := storage.EnsureDir(sessionPath); err != nil {
		return nil, err
	}
	statePath := filepath.Join(env.StateDir, acc.SessionName+".bolt")
	if err := storage.EnsureDir(statePath); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(statePath, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open bolt storage")
	}
	c.db = db

	lazyHandler := &lazyUpdateHandler{}
	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: sessionPath},
		UpdateHandler: lazyHandler,
		Middlewares: []telegram.Middleware{
			c.waiter,
			ratelimit.New(
				rate.Limit(env.ThrottleRPS),
				env.ThrottleRPS*2, //nolint:mnd // burst = 2*rate
			),
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    "5.8.3",
		},
	}
	if env.TestDC {
		options.DCList = dcs.Test()
	}

	c.Telegram = telegram.NewClient(env.APIID, env.APIHash, options)
	c.API = c.Telegram.API()
	c.peers = (peers.Options{}).Build(c.API)

	peerStore := boltstor.NewPeerStorage(db, peersBucket)
	c.updMgr = tgupdates.New(tgupdates.Config{
		Handler:      c.Dispatcher,
		Storage:      boltstor.NewStateStorage(db),
		AccessHasher: c.peers,
	})
	lazyHandler.set(contribstorage.UpdateHook(c.peers.UpdateHook(c.updMgr), peerStore))

	return c, nil
}

// Invoker возвращает клиента-инвокера. После CreateClients никогда не nil.
func (r *Registry) Invoker() *Client { return r.invoker }

// ByUID возвращает клиента по uid аккаунта; nil для чужих uid.
func (r *Registry) ByUID(uid int64) *Client { return r.clients[uid] }

// All возвращает клиентов в порядке конфигурации.
func (r *Registry) All() []*Client {
	return append([]*Client(nil), r.ordered...)
}

// UIDs возвращает uid всех аккаунтов реестра.
func (r *Registry) UIDs() []int64 {
	out := make([]int64, 0, len(r.ordered))
	for _, c := range r.ordered {
		out = append(out, c.UID)
	}
	return out
}

// Close закрывает хранилища всех клиентов.
func (r *Registry) Close() {
	for _, c := range r.ordered {
		if err := c.Close(); err != nil {
			logger.Warnf("close client %s: %v", c.SessionName, err)
		}
	}
}
