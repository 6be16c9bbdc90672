// Package fabric — кооперативная воркерная фабрика поверх долговечных очередей.
// Класс воркера — это пара «имя + обработчик»; очередь и статусная запись
// выводятся из имени при конструировании (<name>_queue, <name>_worker_status),
// без рантайм-интроспекции. Семантика доставки — at-least-once: задача
// снимается с очереди, и при любом сбое обработчика возвращается обратно.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/faults"
	"telegram-ingest/internal/infra/logger"
)

// Handler обрабатывает одну задачу. Ошибки классифицируются через faults:
// вид сбоя определяет, вернётся ли задача в очередь и с какой стороны.
type Handler func(ctx context.Context, payload []byte) error

// Stat — моментальный снимок состояния класса воркеров для /workers.
type Stat struct {
	Name       string
	SecondsAgo int64 // секунд с последней успешной задачи; -1, если успехов ещё не было
	QueueSize  int64
}

const (
	// idlePoll — пауза опроса пустой очереди.
	idlePoll = 10 * time.Millisecond
	// requeueTimeout ограничивает возврат задачи в очередь при остановке,
	// когда рабочий контекст уже отменён.
	requeueTimeout = 5 * time.Second
)

// Worker — класс воркеров: общая очередь, общий статус, N конкурентных
// инстансов. Инстансы не держат собственного долговечного состояния.
type Worker struct {
	name   string
	handle Handler
	queue  cache.Queue
	status cache.Dict
	calls  cache.Dict

	// OnProgrammer вызывается для сбоев вида Programmer (эскалация администратору).
	// Поле опционально; фабрика не зависит от транспорта уведомлений.
	OnProgrammer func(ctx context.Context, worker string, err error)
}

// New конструирует класс воркеров с данным именем и обработчиком.
func New(c *cache.Client, name string, handler Handler) *Worker {
	return &Worker{
		name:   name,
		handle: handler,
		queue:  c.Queue(name + "_queue"),
		status: c.Dict(name + "_worker_status"),
		calls:  c.Dict("worker_called_count"),
	}
}

// Name возвращает имя класса.
func (w *Worker) Name() string { return w.name }

// Queue отдаёт очередь класса: производители кладут задачи напрямую в неё.
func (w *Worker) Queue() cache.Queue { return w.queue }

// Enqueue сериализует значение в JSON и ставит его в хвост очереди.
func (w *Worker) Enqueue(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s task: %w", w.name, err)
	}
	return w.queue.Put(ctx, payload)
}

// Run запускает instances конкурентных инстансов и блокируется до отмены ctx.
// Инстансы делят одну очередь; порядок завершения обработки между ними не
// специфицирован.
func (w *Worker) Run(ctx context.Context, instances int) error {
	if instances < 1 {
		instances = 1
	}
	g, runCtx := errgroup.WithContext(ctx)
	for i := 0; i < instances; i++ {
		idx := i
		g.Go(func() error {
			w.runOne(runCtx, idx)
			return nil
		})
	}
	return g.Wait()
}

// runOne — основной цикл одного инстанса.
//
// Инварианты:
//   - задача теряется из очереди только после безошибочного обработчика;
//   - при отмене контекста текущая задача возвращается в очередь, инстанс выходит;
//   - любой другой сбой логируется, задача возвращается, цикл продолжается.
func (w *Worker) runOne(ctx context.Context, idx int) {
	instance := w.name + "#" + strconv.Itoa(idx)
	logger.Info("worker started", zap.String("worker", instance))

	for {
		if ctx.Err() != nil {
			logger.Info("worker stopped", zap.String("worker", instance))
			return
		}

		payload, err := w.queue.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Warn("queue get failed", zap.String("worker", instance), zap.Error(err))
			w.sleep(ctx, time.Second)
			continue
		}
		if payload == nil {
			w.sleep(ctx, idlePoll)
			continue
		}

		_ = w.calls.IncrBy(ctx, instance, 1)
		handleErr := w.handle(ctx, payload)

		if handleErr == nil {
			w.markOK(ctx)
			continue
		}

		// Отмена: вернуть задачу и выйти. Рабочий контекст мёртв, поэтому
		// возврат идёт на отдельном коротком контексте.
		if ctx.Err() != nil {
			w.requeue(payload)
			logger.Info("worker stopped, task requeued", zap.String("worker", instance))
			return
		}

		w.dispatchFailure(ctx, instance, payload, handleErr)
	}
}

// dispatchFailure применяет политику таксономии сбоев к неудачной задаче.
func (w *Worker) dispatchFailure(ctx context.Context, instance string, payload []byte, err error) {
	fault := faults.FromMTProto(err)
	switch fault.Kind {
	case faults.RateLimited:
		// Ретрай без очереди: задача уже «созрела», пусть идёт первой.
		if qErr := w.queue.Insert(ctx, payload); qErr != nil {
			logger.Error("requeue at head failed", zap.String("worker", instance), zap.Error(qErr))
		}
		logger.Warn("rate limited, backing off",
			zap.String("worker", instance), zap.Duration("wait", fault.Wait), zap.Error(err))
		w.sleep(ctx, fault.Wait)
	case faults.NotFound, faults.Forbidden, faults.QuotaExhausted:
		logger.Warn("task dropped", zap.String("worker", instance),
			zap.String("kind", fault.Kind.String()), zap.Error(err))
	case faults.AuthLost:
		// Операция бросается; восстановление авторизации — ручное действие.
		logger.Error("auth lost, task dropped", zap.String("worker", instance), zap.Error(err))
	default: // Transient, Programmer
		if fault.Kind == faults.Programmer && w.OnProgrammer != nil {
			w.OnProgrammer(ctx, instance, err)
		}
		logger.Warn("task failed, requeued", zap.String("worker", instance),
			zap.String("kind", fault.Kind.String()), zap.Error(err))
		if qErr := w.queue.Put(ctx, payload); qErr != nil {
			logger.Error("requeue failed", zap.String("worker", instance), zap.Error(qErr))
		}
	}
}

// markOK фиксирует успешную задачу в статусной записи класса.
func (w *Worker) markOK(ctx context.Context) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := w.status.Set(ctx, "last", now); err != nil {
		logger.Warn("status update failed", zap.String("worker", w.name), zap.Error(err))
		return
	}
	size, err := w.queue.Len(ctx)
	if err != nil {
		return
	}
	_ = w.status.Set(ctx, "size", strconv.FormatInt(size, 10))
}

// requeue возвращает задачу в очередь на отдельном контексте (используется при
// остановке, когда рабочий контекст уже отменён).
func (w *Worker) requeue(payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()
	if err := w.queue.Put(ctx, payload); err != nil {
		logger.Error("requeue on shutdown failed", zap.String("worker", w.name), zap.Error(err))
	}
}

// sleep — отменяемая пауза.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Stat возвращает снимок состояния класса: имя, давность последнего успеха
// и текущую длину очереди.
func (w *Worker) Stat(ctx context.Context) (Stat, error) {
	st := Stat{Name: w.name, SecondsAgo: -1}

	last, ok, err := w.status.Get(ctx, "last")
	if err != nil {
		return st, err
	}
	if ok {
		if ts, parseErr := strconv.ParseInt(last, 10, 64); parseErr == nil {
			st.SecondsAgo = time.Now().Unix() - ts
		}
	}

	size, err := w.queue.Len(ctx)
	if err != nil {
		return st, err
	}
	st.QueueSize = size
	return st, nil
}
