package tasks

import (
	"context"
	"fmt"
)

// AddTask sums its numeric positional arguments.
type AddTask struct{}

func NewAddTask() AddTask {
	return AddTask{}
}

func (a AddTask) Run(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	var sum float64
	for i, arg := range args {
		n, err := toNumber(arg)
		if err != nil {
			return nil, fmt.Errorf("add: argument %d: %w", i, err)
		}
		sum += n
	}
	return sum, nil
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
