// Package backend holds what every result backend implementation shares:
// the status poll loop behind WaitFor and the failure payload conversion.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskrelay/internal/domain"
	"taskrelay/internal/errval"
	"taskrelay/internal/excwrap"
)

// DefaultPollInterval is how often Poll re-checks the task status.
const DefaultPollInterval = 50 * time.Millisecond

// Reader is the subset of domain.ResultBackend the poll loop needs.
type Reader interface {
	GetStatus(ctx context.Context, taskID string) (domain.TaskStatus, error)
	GetResult(ctx context.Context, taskID string) (*domain.ResultMeta, error)
}

// Poll blocks until the task reaches Done (returning its result) or Failure
// (returning the stored failure as the error). This is the only blocking
// primitive in the core; callers needing push notification must layer it
// externally.
func Poll(ctx context.Context, r Reader, taskID string, timeout, interval time.Duration) (any, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := r.GetStatus(ctx, taskID)
		if err != nil && !errors.Is(err, errval.ErrNotFound) {
			return nil, err
		}
		switch status {
		case domain.Done:
			meta, err := r.GetResult(ctx, taskID)
			if err != nil {
				return nil, err
			}
			return meta.Result, nil
		case domain.Failure:
			meta, err := r.GetResult(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if meta.Failure != nil {
				return nil, meta.Failure
			}
			return nil, errval.ErrInternal
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("%w: task %s still pending after %s", errval.ErrTimeout, taskID, timeout)
		case <-ticker.C:
		}
	}
}

// SplitResult separates a stored value into the result and failure halves of
// a record, preparing raw errors for safe transport when needed.
func SplitResult(result any, status domain.TaskStatus) (value any, failure *excwrap.Info) {
	if status != domain.Failure && status != domain.Retry {
		return result, nil
	}
	switch v := result.(type) {
	case *excwrap.Info:
		return nil, v
	case error:
		return nil, excwrap.Prepare(v)
	default:
		return nil, &excwrap.Info{
			Type:    "Failure",
			Message: fmt.Sprint(v),
			Wrapped: true,
		}
	}
}
