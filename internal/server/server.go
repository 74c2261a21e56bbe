// Package server holds the producer-facing application logic behind the
// HTTP API: publishing tasks and reading back their results.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"taskrelay/internal/domain"
	"taskrelay/internal/errval"
)

// RouterRequestSubmitTask is the POST /tasks request body. Args and Kwargs
// stay raw JSON so their shape can be validated the same way the publisher
// validates direct calls.
type RouterRequestSubmitTask struct {
	Task             string          `json:"task" binding:"required"`
	Args             json.RawMessage `json:"args"`
	Kwargs           json.RawMessage `json:"kwargs"`
	Retries          int             `json:"retries" binding:"gte=0"`
	CountdownSeconds float64         `json:"countdown" binding:"gte=0"`
	ExpiresInSeconds float64         `json:"expires_in" binding:"gte=0"`
	TaskID           string          `json:"task_id"`
	Taskset          string          `json:"taskset"`
}

type ServerLogic struct {
	publisher domain.Publisher
	backend   domain.ResultBackend
}

func NewServerLogic(publisher domain.Publisher, backend domain.ResultBackend) *ServerLogic {
	return &ServerLogic{
		publisher: publisher,
		backend:   backend,
	}
}

// SubmitTask publishes the requested task and returns its id. Shape
// violations in args/kwargs come back as errval.ErrValidation.
func (s *ServerLogic) SubmitTask(ctx context.Context, req RouterRequestSubmitTask) (taskID string, err error) {
	var args any
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return "", errval.ErrValidation
		}
	}
	var kwargs any
	if len(req.Kwargs) > 0 {
		if err := json.Unmarshal(req.Kwargs, &kwargs); err != nil {
			return "", errval.ErrValidation
		}
	}

	taskID, err = s.publisher.Publish(ctx, domain.PublishRequest{
		Task:      req.Task,
		Args:      args,
		Kwargs:    kwargs,
		Retries:   req.Retries,
		Countdown: time.Duration(req.CountdownSeconds * float64(time.Second)),
		ExpiresIn: time.Duration(req.ExpiresInSeconds * float64(time.Second)),
		TaskID:    req.TaskID,
		Taskset:   req.Taskset,
	}, domain.MessageOptions{})
	if err != nil {
		if errors.Is(err, errval.ErrValidation) {
			return "", err
		}
		slog.ErrorContext(ctx, "error occurred while publishing task", "task", req.Task, "error", err)
		return "", errval.ErrInternal
	}

	return taskID, nil
}

// GetTaskResult returns the stored record for the task, or a synthetic
// Pending record when none exists yet.
func (s *ServerLogic) GetTaskResult(ctx context.Context, taskID string) (*domain.ResultMeta, error) {
	meta, err := s.backend.GetResult(ctx, taskID)
	if errors.Is(err, errval.ErrNotFound) {
		return &domain.ResultMeta{
			TaskID: taskID,
			Status: domain.Pending,
		}, nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "error occurred while reading task result", "task_id", taskID, "error", err)
		return nil, errval.ErrInternal
	}
	return meta, nil
}

// WaitForTask blocks until the task completes or timeout elapses.
func (s *ServerLogic) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (any, error) {
	return s.backend.WaitFor(ctx, taskID, timeout)
}
