// Файл runner.go — точка оркестрации: здесь сервисы запускаются в правильном
// порядке (вебхук-сервер, MTProto-клиенты, пулы воркеров, флашер метрик),
// регистрируется вебхук админ-бота и организуется корректный graceful
// shutdown. Бизнес-назначение: гарантировать, что задачи, находившиеся в
// обработке на момент остановки, вернутся в свои очереди, а клиенты и пулы
// соединений будут закрыты до выхода процесса.
package app

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"telegram-ingest/internal/adapters/botapi"
	"telegram-ingest/internal/adapters/mysql"
	"telegram-ingest/internal/adapters/telegram/senders"
	"telegram-ingest/internal/adapters/web"
	"telegram-ingest/internal/domain/metrics"
	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/config"
	"telegram-ingest/internal/infra/fabric"
	"telegram-ingest/internal/infra/logger"
)

const (
	webServerShutdownTimeout = 10 * time.Second
	// stackDumpBuf — верхняя граница дампа горутин по SIGUSR1.
	stackDumpBuf = 1 << 20
)

// RunnerDeps — зависимости Runner, собранные App.Init.
type RunnerDeps struct {
	MainCtx    context.Context
	MainCancel context.CancelFunc

	Cache    *cache.Client
	Store    *mysql.Store
	Registry *senders.Registry
	AdminBot *gotgbot.Bot
	Notify   *botapi.Notifier
	Web      *web.Server
	Flusher  *metrics.Flusher

	IngestWorkers  []*fabric.Worker
	ControlWorkers []*fabric.Worker
}

// Runner инкапсулирует сценарий запуска и остановки конвейера.
// Отвечает за:
//   - подключение и авторизацию всех аккаунтов (инвокер в том числе),
//   - линейный запуск сервисов и пулов воркеров,
//   - корректное завершение: воркеры возвращают задачи в очереди, затем
//     гасятся вебхук-сервер, клиенты и пулы соединений,
//   - диагностический дамп горутин по SIGUSR1.
type Runner struct {
	deps RunnerDeps
}

// NewRunner подготавливает Runner с переданными зависимостями.
func NewRunner(deps RunnerDeps) *Runner {
	return &Runner{deps: deps}
}

// Run — главный цикл конвейера. Блокируется до отмены mainCtx или фатальной
// ошибки одного из узлов; после остановки закрывает ресурсы в обратном
// порядке запуска.
func (r *Runner) Run() error {
	g, ctx := errgroup.WithContext(r.deps.MainCtx)

	// Вебхук-сервер поднимается до клиентов: Telegram начнёт доставлять
	// апдейты админ-бота сразу после SetWebhook.
	g.Go(func() error {
		return r.deps.Web.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), webServerShutdownTimeout)
		defer cancel()
		if err := r.deps.Web.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("web server shutdown: %v", err)
		}
		return nil
	})

	if err := r.registerWebhook(ctx); err != nil {
		logger.Warn("admin webhook registration failed", zap.Error(err))
	}

	// Клиенты: каждый живёт в своей горутине до отмены контекста. Падение
	// любого из них гасит конвейер — неполное покрытие аккаунтов хуже
	// рестарта под супервизором.
	for _, client := range r.deps.Registry.All() {
		c := client
		g.Go(func() error {
			err := c.Run(ctx, func(_ context.Context, self *tg.User) error {
				logger.Info("account ready",
					zap.String("session", c.SessionName),
					zap.Int64("uid", self.ID))
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return errors.Wrapf(err, "client %s", c.SessionName)
			}
			return nil
		})
	}

	// Пулы воркеров: горячие классы в несколько инстансов, control — в один.
	for _, w := range r.deps.IngestWorkers {
		worker := w
		g.Go(func() error {
			return worker.Run(ctx, ingestInstances)
		})
	}
	for _, w := range r.deps.ControlWorkers {
		worker := w
		g.Go(func() error {
			return worker.Run(ctx, controlInstances)
		})
	}

	if r.deps.Flusher != nil {
		g.Go(func() error {
			err := r.deps.Flusher.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		r.watchDebugSignal(ctx)
		return nil
	})

	logger.Info("ingest pipeline running")
	err := g.Wait()

	r.shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// registerWebhook вешает вебхук только на админ-бота: фетчеры апдейтов не
// принимают, их токены в маршруте сервера нужны лишь для полноты пула.
func (r *Runner) registerWebhook(_ context.Context) error {
	base := config.Env().WebhookBaseURL
	if base == "" {
		logger.Warn("WEBHOOK_BASE_URL is not set; admin bot commands will not be delivered")
		return nil
	}
	url := base + "/webhook/bot/" + r.deps.AdminBot.Token
	if _, err := r.deps.AdminBot.SetWebhook(url, nil); err != nil {
		return errors.Wrap(err, "set webhook")
	}
	logger.Info("admin webhook registered", zap.String("url", base+"/webhook/bot/<token>"))
	return nil
}

// watchDebugSignal по SIGUSR1 пишет в лог полный дамп горутин — замена
// интерактивного дебаггера исходной системы, пригодная для headless-деплоя.
func (r *Runner) watchDebugSignal(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			buf := make([]byte, stackDumpBuf)
			n := runtime.Stack(buf, true)
			logger.Infof("goroutine dump (SIGUSR1):\n%s", buf[:n])
		}
	}
}

// shutdown закрывает ресурсы в обратном порядке запуска. Вызывается после
// того, как все горутины группы вернулись: очереди уже получили назад свои
// задачи, новых обращений к хранилищам не будет.
func (r *Runner) shutdown() {
	logger.Info("ingest pipeline stopping")

	r.deps.Registry.Close()
	r.deps.Store.Close()
	if err := r.deps.Cache.Close(); err != nil {
		logger.Errorf("close redis: %v", err)
	}

	logger.Info("ingest pipeline stopped")
}
