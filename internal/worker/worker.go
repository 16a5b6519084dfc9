package worker

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/hibiken/asynq"

	"pushengine/internal/queue"
)

type Worker struct {
	server      *asynq.Server
	scheduler   *asynq.PeriodicTaskManager
	processors  *Processors
	concurrency int
}

// NewWorker builds the queue consumer and, when configs is non-nil, the
// periodic task manager that fires recurring jobs.
func NewWorker(redisOpt asynq.RedisConnOpt, concurrency int, p *Processors, configs asynq.PeriodicTaskConfigProvider) (*Worker, error) {
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency:    concurrency,
			Queues:         queue.Weights(),
			RetryDelayFunc: RetryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
				slog.Error("task failed", "type", t.Type(), "error", err)
			}),
		},
	)

	w := &Worker{server: server, processors: p, concurrency: concurrency}
	if configs != nil {
		scheduler, err := asynq.NewPeriodicTaskManager(asynq.PeriodicTaskManagerOpts{
			RedisConnOpt:               redisOpt,
			PeriodicTaskConfigProvider: configs,
			SyncInterval:               30 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		w.scheduler = scheduler
	}
	return w, nil
}

// RetryDelay backs webhook deliveries off exponentially from 2s and leaves
// every other task on asynq's default curve.
func RetryDelay(n int, err error, t *asynq.Task) time.Duration {
	if t.Type() == queue.TypeWebhookDelivery {
		return time.Duration(math.Pow(2, float64(n))) * 2 * time.Second
	}
	return asynq.DefaultRetryDelayFunc(n, err, t)
}

func (w *Worker) Start(ctx context.Context) error {
	mux := asynq.NewServeMux()
	w.processors.Register(mux)

	slog.Info("Starting worker",
		"queues", len(queue.Weights()),
		"concurrency", w.concurrency)

	if err := w.server.Start(mux); err != nil {
		return err
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			w.server.Shutdown()
			return err
		}
	}

	slog.Info("Worker started successfully")

	<-ctx.Done()

	if w.scheduler != nil {
		w.scheduler.Shutdown()
	}
	w.server.Shutdown()
	slog.Info("Worker stopped")
	return nil
}
