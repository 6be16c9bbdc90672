// Package app — верхний уровень сборки конвейера наблюдения. Здесь связываются
// конфигурация, Redis-подложка (очереди, recency-множества, счётчики), пул
// MySQL, реестр MTProto-клиентов, пул Bot API, доменные сервисы (инжест,
// обнаружение ссылок, допуск и вступление, OCR, дозагрузка истории) и
// воркерная фабрика. Отсюда стартует цикл обработки событий и обеспечивается
// корректный shutdown.
package app

import (
	"context"
	"html"
	"strconv"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/go-faster/errors"

	"telegram-ingest/internal/adapters/blob"
	"telegram-ingest/internal/adapters/botapi"
	"telegram-ingest/internal/adapters/mysql"
	"telegram-ingest/internal/adapters/ocrsvc"
	"telegram-ingest/internal/adapters/telegram/senders"
	"telegram-ingest/internal/adapters/web"
	"telegram-ingest/internal/domain/admin"
	"telegram-ingest/internal/domain/discover"
	"telegram-ingest/internal/domain/entity"
	"telegram-ingest/internal/domain/history"
	"telegram-ingest/internal/domain/ingest"
	"telegram-ingest/internal/domain/metrics"
	"telegram-ingest/internal/domain/ocr"
	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/config"
	"telegram-ingest/internal/infra/fabric"
	"telegram-ingest/internal/infra/logger"
)

// Число инстансов на класс воркеров: ingest-сторона обслуживает горячий поток
// сообщений параллельно, control-сторона намеренно однопоточна (single-flight
// вступлений, последовательный пейджинг истории).
const (
	ingestInstances  = 4
	controlInstances = 1
)

// App агрегирует зависимости конвейера и управляет их связью.
// Отвечает за:
//   - подключения к Redis и MySQL,
//   - реестр аккаунтов и пул ботов-фетчеров,
//   - сборку доменных сервисов и регистрацию обработчиков апдейтов,
//   - запуск Runner, который оркестрирует жизненный цикл и graceful shutdown.
type App struct {
	mainCtx    context.Context    // Контекст жизненного цикла приложения.
	mainCancel context.CancelFunc // Инициирует отмену mainCtx.

	cache    *cache.Client
	store    *mysql.Store
	registry *senders.Registry
	pool     *botapi.Pool
	adminBot *gotgbot.Bot
	notify   *botapi.Notifier

	runner *Runner
}

// NewApp создаёт пустой каркас приложения. Фактическая инициализация
// выполняется в Init().
func NewApp() *App {
	return &App{}
}

// Init собирает все подсистемы в порядке загрузки: Redis, счётчики, MySQL,
// аккаунты, Bot API, доменные сервисы, воркеры, вебхук-сервер. Ошибка любого
// шага фатальна: конвейер с частично собранным графом зависимостей опаснее
// честного падения на старте.
func (a *App) Init(mainCtx context.Context, mainCancel context.CancelFunc) error {
	a.mainCtx = mainCtx
	a.mainCancel = mainCancel
	env := config.Env()

	logger.Info("ingest pipeline initializing...")

	// 1) Redis: очереди, recency-множества, статусы воркеров, счётчики.
	cacheClient, err := cache.Init(mainCtx, env.RedisURL)
	if err != nil {
		return errors.Wrap(err, "init redis")
	}
	a.cache = cacheClient

	if err = seedCounters(mainCtx, cacheClient); err != nil {
		return errors.Wrap(err, "seed counters")
	}

	// 2) MySQL: строки сообщений, сущности, история изменений, инвайты.
	store, err := mysql.Connect(env.MySQLDSN)
	if err != nil {
		return errors.Wrap(err, "connect mysql")
	}
	a.store = store
	if err = store.EnsureSchema(mainCtx); err != nil {
		return errors.Wrap(err, "ensure schema")
	}

	// 3) Аккаунты: по клиенту на запись конфигурации, один из них — инвокер.
	registry, err := senders.CreateClients(&env)
	if err != nil {
		return errors.Wrap(err, "create clients")
	}
	a.registry = registry

	// 4) Bot API: фетчеры для проб публичных групп и админ-бот для тревог.
	pool, err := botapi.NewPool(env.BotTokens, cacheClient, nil)
	if err != nil {
		registry.Close()
		return errors.Wrap(err, "create bot pool")
	}
	a.pool = pool
	adminBot, err := gotgbot.NewBot(env.AdminBotToken, nil)
	if err != nil {
		registry.Close()
		return errors.Wrap(err, "create admin bot")
	}
	a.adminBot = adminBot
	a.notify = botapi.NewNotifier(adminBot, env.AdminChannelID)

	// 5) Доменные сервисы.
	gateway := entity.NewGateway(cacheClient, a.notify)
	entityWorkers := entity.NewWorkers(store, cacheClient)

	invoker := discover.NewSenderInvoker(registry.Invoker())
	discoverSvc := discover.NewService(cacheClient, store, pool, invoker, a.notify, discover.Options{
		JoinLimit: env.GroupMemberJoinLimit,
		Blacklist: env.GroupBlacklist,
	})

	pager := history.NewSenderPager(registry.Invoker())
	historySvc := history.NewService(cacheClient, store, pager, gateway, a.notify)

	blobClient := blob.New(env.BlobKeyID, env.BlobKeySecret, env.BlobBucketID, cacheClient)
	ocrSvc := ocr.NewService(
		cacheClient,
		store,
		ocr.NewTelegramDownloader(registry, adminBot),
		blobClient,
		ocrsvc.New(env.OCRURL),
		env.BlobBucketID,
	)

	// 6) Инжест: общие обработчики, привязанные к диспетчеру каждого аккаунта.
	presence := ingest.NewPresence(cacheClient, env.OnlineHour, env.OfflineHour)
	own := make(map[int64]string, len(registry.All()))
	for _, c := range registry.All() {
		own[c.UID] = c.Name
	}
	handlers := ingest.NewHandlers(cacheClient, gateway, a.notify, presence, own)
	for _, c := range registry.All() {
		handlers.Bind(c)
	}

	// 7) Воркеры. Сбои вида Programmer эскалируются в админ-канал.
	escalate := func(ctx context.Context, worker string, err error) {
		a.notify.NotifyAdmins(ctx, "worker <b>"+worker+"</b> failed:\n<pre>"+html.EscapeString(err.Error())+"</pre>")
	}
	newWorker := func(name string, handler fabric.Handler) *fabric.Worker {
		w := fabric.New(cacheClient, name, handler)
		w.OnProgrammer = escalate
		return w
	}
	ingestWorkers := []*fabric.Worker{
		newWorker("insert", entityWorkers.HandleInsert),
		newWorker("ocr", ocrSvc.HandleOCR),
		newWorker("find_link", discoverSvc.HandleFindLink),
	}
	controlWorkers := []*fabric.Worker{
		newWorker("entity", entityWorkers.HandleEntity),
		newWorker("mark", entityWorkers.HandleMark),
		newWorker("join", discoverSvc.HandleJoin),
		newWorker("history", historySvc.HandleHistory),
	}

	// 8) Админские команды поверх диспетчера Bot API.
	stats := make([]admin.StatSource, 0, len(ingestWorkers)+len(controlWorkers))
	for _, w := range ingestWorkers {
		stats = append(stats, w)
	}
	for _, w := range controlWorkers {
		stats = append(stats, w)
	}
	adminSvc := admin.NewService(cacheClient, discoverSvc, invoker, stats, env.AdminUIDs, env.AdminUnsafe)
	dispatcher := ext.NewDispatcher(nil)
	adminSvc.Register(dispatcher)

	// 9) Вебхук-сервер: апдейты админ-бота + телефонные мосты TwiML.
	bots := map[string]*gotgbot.Bot{adminBot.Token: adminBot}
	for _, token := range pool.Tokens() {
		bots[token] = pool.Bot(token)
	}
	webServer := web.NewServer(env.WebhookListen, bots, dispatcher, a.notify)

	// 10) Метрики: флашер включается только при настроенном приёмнике.
	var flusher *metrics.Flusher
	if env.MetricsURL != "" {
		flusher = metrics.NewFlusher(cacheClient, metrics.NewHTTPSink(env.MetricsURL))
	}

	a.runner = NewRunner(RunnerDeps{
		MainCtx:        mainCtx,
		MainCancel:     mainCancel,
		Cache:          cacheClient,
		Store:          store,
		Registry:       registry,
		AdminBot:       adminBot,
		Notify:         a.notify,
		Web:            webServer,
		Flusher:        flusher,
		IngestWorkers:  ingestWorkers,
		ControlWorkers: controlWorkers,
	})
	return nil
}

// Run запускает основной цикл: клиентов, воркеров, вебхук-сервер.
// Блокируется до остановки приложения.
func (a *App) Run() error {
	return a.runner.Run()
}

// seedCounters задаёт стартовые значения глобальных счётчиков. start_time
// перезаписывается при каждом запуске, счётчики сообщений сбрасываются.
func seedCounters(ctx context.Context, c *cache.Client) error {
	counts := c.Dict("global_count")
	now := strconv.FormatInt(time.Now().Unix(), 10)
	for key, value := range map[string]string{
		"received_message": "0",
		"total_used_time":  "0",
		"start_time":       now,
	} {
		if err := counts.Set(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}
