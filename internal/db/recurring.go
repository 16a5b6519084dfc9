package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RecurringJob is the registry row behind a recurring notification. Payload
// holds the serialized notification intent.
type RecurringJob struct {
	ID             string          `db:"id" json:"id"`
	ProjectID      string          `db:"project_id" json:"project_id"`
	Name           string          `db:"name" json:"name"`
	ScheduleType   string          `db:"schedule_type" json:"schedule_type"`
	ScheduleValue  string          `db:"schedule_value" json:"schedule_value"`
	Timezone       string          `db:"timezone" json:"timezone"`
	CronSpec       string          `db:"cron_spec" json:"cron_spec"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Priority       int             `db:"priority" json:"priority"`
	StartDate      *time.Time      `db:"start_date" json:"start_date,omitempty"`
	EndDate        *time.Time      `db:"end_date" json:"end_date,omitempty"`
	MaxExecutions  *int            `db:"max_executions" json:"max_executions,omitempty"`
	ExecutionCount int             `db:"execution_count" json:"execution_count"`
	Active         bool            `db:"active" json:"active"`
	LastRunAt      *time.Time      `db:"last_run_at" json:"last_run_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

const recurringColumns = `id, project_id, name, schedule_type, schedule_value, timezone, cron_spec, payload,
	priority, start_date, end_date, max_executions, execution_count, active, last_run_at, created_at`

func (s *Store) CreateRecurring(ctx context.Context, j *RecurringJob) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO recurring_jobs (id, project_id, name, schedule_type, schedule_value, timezone, cron_spec,
			payload, priority, start_date, end_date, max_executions, execution_count, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, TRUE)
		RETURNING created_at
	`, j.ID, j.ProjectID, j.Name, j.ScheduleType, j.ScheduleValue, j.Timezone, j.CronSpec,
		[]byte(j.Payload), j.Priority, j.StartDate, j.EndDate, j.MaxExecutions).Scan(&j.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create recurring job: %w", err)
	}
	j.Active = true
	j.ExecutionCount = 0
	return nil
}

func (s *Store) GetRecurring(ctx context.Context, id string) (*RecurringJob, error) {
	j := &RecurringJob{}
	err := s.db.GetContext(ctx, j, `SELECT `+recurringColumns+` FROM recurring_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recurring job: %w", err)
	}
	return j, nil
}

func (s *Store) ListActiveRecurring(ctx context.Context) ([]RecurringJob, error) {
	var jobs []RecurringJob
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT `+recurringColumns+`
		FROM recurring_jobs
		WHERE active = TRUE
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list recurring jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) DeactivateRecurring(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recurring_jobs
		SET active = FALSE, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate recurring job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementExecutions records one firing and returns the new count. The
// single UPDATE keeps the counter exact when several workers fire at once.
func (s *Store) IncrementExecutions(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		UPDATE recurring_jobs
		SET execution_count = execution_count + 1, last_run_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING execution_count
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment executions: %w", err)
	}
	return count, nil
}
