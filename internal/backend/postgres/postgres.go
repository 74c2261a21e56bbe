// Package postgres stores task result records and the periodic-task
// schedule in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"taskrelay/internal/backend"
	"taskrelay/internal/domain"
	"taskrelay/internal/errval"
	"taskrelay/internal/excwrap"
)

const uniqueViolationCode = "23505"

type Backend struct {
	pool         *pgxpool.Pool
	pollInterval time.Duration
}

func New(ctx context.Context, dsn string) (*Backend, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	var pool *pgxpool.Pool
	err = backoff.Retry(func() error {
		if pool, err = pgxpool.ConnectConfig(ctx, config); err != nil {
			slog.ErrorContext(ctx, "failed to connect to postgres database.. retrying...", "error", err)
			return err
		}

		if err = pool.Ping(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to ping postgres database connection.. retrying...", "error", err)
			return err
		}

		return nil
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 5))

	if err != nil {
		return nil, err
	}

	return &Backend{
		pool:         pool,
		pollInterval: backend.DefaultPollInterval,
	}, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

func (b *Backend) StoreResult(ctx context.Context, taskID string, result any, status domain.TaskStatus) error {
	value, failure := backend.SplitResult(result, status)

	resultData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshalling result for task %s: %w", taskID, err)
	}
	var failureData []byte
	if failure != nil {
		if failureData, err = json.Marshal(failure); err != nil {
			return fmt.Errorf("marshalling failure for task %s: %w", taskID, err)
		}
	}

	// The WHERE clause makes DONE and FAILURE write-once: the update is a
	// no-op against a record already in a terminal state.
	tag, err := b.pool.Exec(ctx, `
		INSERT INTO task_results (task_id, status, result, failure, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (task_id) DO UPDATE
		SET status = $2, result = $3, failure = $4, updated_at = now()
		WHERE task_results.status NOT IN ('DONE', 'FAILURE')`,
		taskID, string(status), resultData, failureData)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errval.ErrStateConflict
	}
	return nil
}

func (b *Backend) MarkDone(ctx context.Context, taskID string, result any) error {
	return b.StoreResult(ctx, taskID, result, domain.Done)
}

func (b *Backend) MarkFailure(ctx context.Context, taskID string, failure *excwrap.Info) error {
	return b.StoreResult(ctx, taskID, failure, domain.Failure)
}

func (b *Backend) MarkRetry(ctx context.Context, taskID string, failure *excwrap.Info) error {
	return b.StoreResult(ctx, taskID, failure, domain.Retry)
}

func (b *Backend) GetStatus(ctx context.Context, taskID string) (domain.TaskStatus, error) {
	var status string
	err := b.pool.QueryRow(ctx,
		`SELECT status FROM task_results WHERE task_id = $1`, taskID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Pending, nil
	}
	if err != nil {
		return "", err
	}
	return domain.TaskStatus(status), nil
}

func (b *Backend) GetResult(ctx context.Context, taskID string) (*domain.ResultMeta, error) {
	var (
		status      string
		resultData  []byte
		failureData []byte
		updatedAt   pgtype.Timestamptz
	)
	err := b.pool.QueryRow(ctx, `
		SELECT status, result, failure, updated_at
		FROM task_results WHERE task_id = $1`, taskID).
		Scan(&status, &resultData, &failureData, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errval.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	meta := &domain.ResultMeta{
		TaskID: taskID,
		Status: domain.TaskStatus(status),
	}
	if updatedAt.Status == pgtype.Present {
		meta.UpdatedAtStamp = updatedAt.Time.Unix()
	}
	if len(resultData) > 0 {
		if err := json.Unmarshal(resultData, &meta.Result); err != nil {
			return nil, fmt.Errorf("unmarshalling result for task %s: %w", taskID, err)
		}
	}
	if len(failureData) > 0 {
		meta.Failure = new(excwrap.Info)
		if err := json.Unmarshal(failureData, meta.Failure); err != nil {
			return nil, fmt.Errorf("unmarshalling failure for task %s: %w", taskID, err)
		}
	}
	return meta, nil
}

func (b *Backend) WaitFor(ctx context.Context, taskID string, timeout time.Duration) (any, error) {
	return backend.Poll(ctx, b, taskID, timeout, b.pollInterval)
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

// AddPeriodicTask registers a named schedule entry. Names are unique; a
// duplicate reports errval.ErrStateConflict.
func (b *Backend) AddPeriodicTask(ctx context.Context, name string, args []any, kwargs map[string]any, every time.Duration) error {
	argsData, err := json.Marshal(args)
	if err != nil {
		return err
	}
	kwargsData, err := json.Marshal(kwargs)
	if err != nil {
		return err
	}

	_, err = b.pool.Exec(ctx, `
		INSERT INTO periodic_tasks (name, args, kwargs, interval_seconds, enabled)
		VALUES ($1, $2, $3, $4, true)`,
		name, argsData, kwargsData, int64(every/time.Second))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return fmt.Errorf("%w: periodic task %q already exists", errval.ErrStateConflict, name)
		}
		return err
	}
	return nil
}

// DueTasks returns every enabled periodic task whose interval has elapsed
// and stamps it as triggered, so the same entry is not returned again until
// it next falls due.
func (b *Backend) DueTasks(ctx context.Context, now time.Time) ([]domain.PeriodicTask, error) {
	rows, err := b.pool.Query(ctx, `
		UPDATE periodic_tasks
		SET last_run_at = $1
		WHERE enabled
		  AND (last_run_at IS NULL
		       OR last_run_at + make_interval(secs => interval_seconds) <= $1)
		RETURNING name, args, kwargs`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []domain.PeriodicTask
	for rows.Next() {
		var (
			task       domain.PeriodicTask
			argsData   []byte
			kwargsData []byte
		)
		if err := rows.Scan(&task.Name, &argsData, &kwargsData); err != nil {
			return nil, err
		}
		if len(argsData) > 0 {
			if err := json.Unmarshal(argsData, &task.Args); err != nil {
				return nil, fmt.Errorf("unmarshalling args of periodic task %q: %w", task.Name, err)
			}
		}
		if len(kwargsData) > 0 {
			if err := json.Unmarshal(kwargsData, &task.Kwargs); err != nil {
				return nil, fmt.Errorf("unmarshalling kwargs of periodic task %q: %w", task.Name, err)
			}
		}
		due = append(due, task)
	}
	return due, rows.Err()
}
