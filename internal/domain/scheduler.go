package domain

import (
	"context"
	"time"
)

// PeriodicTask is one scheduled invocation that fell due. Due tasks re-enter
// the system as ordinary published envelopes, not a separate execution path.
type PeriodicTask struct {
	Name   string
	Args   []any
	Kwargs map[string]any
}

// PeriodicSource lists the periodic tasks currently due and marks them as
// triggered so the next poll does not return them again until their interval
// elapses.
type PeriodicSource interface {
	DueTasks(ctx context.Context, now time.Time) ([]PeriodicTask, error)
}
