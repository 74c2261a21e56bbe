package domain

import (
	"context"
	"time"

	"taskrelay/internal/excwrap"
)

// ResultMeta is the stored record for one task id.
type ResultMeta struct {
	TaskID         string        `json:"task_id"`
	Status         TaskStatus    `json:"status"`
	Result         any           `json:"result,omitempty"`
	Failure        *excwrap.Info `json:"failure,omitempty"`
	UpdatedAtStamp int64         `json:"updated_at_stamp"`
}

// ResultBackend stores and retrieves task status and results. Writes made by
// one process must be visible to reads from another; this is the rendezvous
// point between the executing worker and whoever awaits the result.
type ResultBackend interface {
	StoreResult(ctx context.Context, taskID string, result any, status TaskStatus) error
	MarkDone(ctx context.Context, taskID string, result any) error
	MarkFailure(ctx context.Context, taskID string, failure *excwrap.Info) error
	MarkRetry(ctx context.Context, taskID string, failure *excwrap.Info) error
	GetStatus(ctx context.Context, taskID string) (TaskStatus, error)
	GetResult(ctx context.Context, taskID string) (*ResultMeta, error)
	// WaitFor polls until the task is Done (returning its result) or Failure
	// (returning the stored failure as the error). It fails with
	// errval.ErrTimeout once timeout elapses; timeout <= 0 means no limit.
	WaitFor(ctx context.Context, taskID string, timeout time.Duration) (any, error)
	Close() error
}
