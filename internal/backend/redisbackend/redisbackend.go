// Package redisbackend stores task result records in Redis, one JSON value
// per task id, so results written by a worker are visible to any process
// sharing the Redis instance.
package redisbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"taskrelay/internal/backend"
	"taskrelay/internal/domain"
	"taskrelay/internal/errval"
	"taskrelay/internal/excwrap"
)

const keyPrefix = "taskrelay:result:"

type Backend struct {
	client *redis.Client
	// resultTTL expires stored records; zero keeps them forever.
	resultTTL    time.Duration
	pollInterval time.Duration
}

func New(dsn string, resultTTL time.Duration) (*Backend, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return &Backend{
		client:       redis.NewClient(opts),
		resultTTL:    resultTTL,
		pollInterval: backend.DefaultPollInterval,
	}, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Backend) StoreResult(ctx context.Context, taskID string, result any, status domain.TaskStatus) error {
	value, failure := backend.SplitResult(result, status)

	existing, err := b.load(ctx, taskID)
	if err != nil && !errors.Is(err, errval.ErrNotFound) {
		return err
	}
	if existing != nil && existing.Status.Terminal() {
		return errval.ErrStateConflict
	}

	meta := &domain.ResultMeta{
		TaskID:         taskID,
		Status:         status,
		Result:         value,
		Failure:        failure,
		UpdatedAtStamp: time.Now().Unix(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshalling result record for task %s: %w", taskID, err)
	}
	return b.client.Set(ctx, keyPrefix+taskID, data, b.resultTTL).Err()
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
	meta, err := b.load(ctx, taskID)
	if errors.Is(err, errval.ErrNotFound) {
		return domain.Pending, nil
	}
	if err != nil {
		return "", err
	}
	return meta.Status, nil
}

func (b *Backend) GetResult(ctx context.Context, taskID string) (*domain.ResultMeta, error) {
	return b.load(ctx, taskID)
}

func (b *Backend) WaitFor(ctx context.Context, taskID string, timeout time.Duration) (any, error) {
	return backend.Poll(ctx, b, taskID, timeout, b.pollInterval)
}

func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) load(ctx context.Context, taskID string) (*domain.ResultMeta, error) {
	data, err := b.client.Get(ctx, keyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errval.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	meta := new(domain.ResultMeta)
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("unmarshalling result record for task %s: %w", taskID, err)
	}
	return meta, nil
}
