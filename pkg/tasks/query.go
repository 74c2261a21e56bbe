package tasks

import (
	"context"
	"errors"
	"log/slog"
)

// RunQueryTask simulates a flaky query execution.
type RunQueryTask struct {
	RandomFunc func() int
}

// NewRunQueryTask is a constructor that takes a random function as a dependency
func NewRunQueryTask(randomFunc func() int) RunQueryTask {
	return RunQueryTask{
		RandomFunc: randomFunc,
	}
}

func (q RunQueryTask) Run(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	slog.Info("run_query parameters:", "args", args, "kwargs", kwargs)

	// q.RandomFunc is an injected function which returns random number between 1 and 100
	randomNumber := q.RandomFunc()
	// This function fails for 20% of times
	if randomNumber <= 20 {
		slog.Warn("Error occurred while executing the query", "args", args)
		return nil, errors.New("run_query failed")
	}

	return randomNumber, nil
}
