// Package memory is the reference in-process result backend. It is only
// cross-process in the degenerate single-process sense and exists for tests
// and embedded deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"taskrelay/internal/backend"
	"taskrelay/internal/domain"
	"taskrelay/internal/errval"
	"taskrelay/internal/excwrap"
)

type Backend struct {
	mu           sync.RWMutex
	records      map[string]*domain.ResultMeta
	pollInterval time.Duration
}

func New() *Backend {
	return &Backend{
		records:      map[string]*domain.ResultMeta{},
		pollInterval: backend.DefaultPollInterval,
	}
}

func (b *Backend) StoreResult(ctx context.Context, taskID string, result any, status domain.TaskStatus) error {
	value, failure := backend.SplitResult(result, status)

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.records[taskID]; ok && existing.Status.Terminal() {
		return errval.ErrStateConflict
	}
	b.records[taskID] = &domain.ResultMeta{
		TaskID:         taskID,
		Status:         status,
		Result:         value,
		Failure:        failure,
		UpdatedAtStamp: time.Now().Unix(),
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
	b.mu.RLock()
	defer b.mu.RUnlock()
	meta, ok := b.records[taskID]
	if !ok {
		return domain.Pending, nil
	}
	return meta.Status, nil
}

func (b *Backend) GetResult(ctx context.Context, taskID string) (*domain.ResultMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	meta, ok := b.records[taskID]
	if !ok {
		return nil, errval.ErrNotFound
	}
	copied := *meta
	return &copied, nil
}

func (b *Backend) WaitFor(ctx context.Context, taskID string, timeout time.Duration) (any, error) {
	return backend.Poll(ctx, b, taskID, timeout, b.pollInterval)
}

func (b *Backend) Close() error {
	return nil
}
