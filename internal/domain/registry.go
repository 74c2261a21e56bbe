package domain

import (
	"context"
)

// Runner is an executable task body. Kwargs always carries the daemon's
// "logfile" and "loglevel" entries in addition to the caller's own.
type Runner interface {
	Run(ctx context.Context, args []any, kwargs map[string]any) (any, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

func (f RunnerFunc) Run(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return f(ctx, args, kwargs)
}

// Registry maps task-type names to runners. Lookup misses are reported with
// errval.ErrUnknownTask instead of a panic or a nil runner.
type Registry interface {
	Register(name string, r Runner)
	Lookup(name string) (Runner, error)
	Names() []string
}
