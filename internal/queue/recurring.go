package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// RecurringConfigProvider feeds active registry rows to asynq's
// PeriodicTaskManager. The manager polls it, so newly created and
// deactivated jobs are picked up without a restart.
type RecurringConfigProvider struct {
	registry RecurringRegistry
	timeout  time.Duration
}

func NewRecurringConfigProvider(registry RecurringRegistry) *RecurringConfigProvider {
	return &RecurringConfigProvider{registry: registry, timeout: 10 * time.Second}
}

func (p *RecurringConfigProvider) GetConfigs() ([]*asynq.PeriodicTaskConfig, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	rows, err := p.registry.ListActiveRecurring(ctx)
	if err != nil {
		return nil, err
	}

	configs := make([]*asynq.PeriodicTaskConfig, 0, len(rows))
	for _, row := range rows {
		task, err := RecurringTask(row.ID)
		if err != nil {
			slog.Error("failed to build recurring task", "recurring_id", row.ID, "error", err)
			continue
		}
		configs = append(configs, &asynq.PeriodicTaskConfig{
			Cronspec: row.CronSpec,
			Task:     task,
			Opts: []asynq.Option{
				asynq.Queue(QueueName(ShapeRecurring, Priority(row.Priority))),
				asynq.MaxRetry(3),
				asynq.Timeout(5 * time.Minute),
				asynq.Retention(24 * time.Hour),
			},
		})
	}
	return configs, nil
}
