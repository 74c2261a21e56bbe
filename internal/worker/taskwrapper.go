package worker

import (
	"taskrelay/internal/domain"
	"taskrelay/internal/excwrap"
	"taskrelay/internal/pool"
)

// TaskWrapper is a decoded envelope bound to its runner, ready for pool
// submission.
type TaskWrapper struct {
	TaskName string
	TaskID   string
	Runner   domain.Runner
	Args     []any
	Kwargs   map[string]any
}

// WrapEnvelope resolves the envelope's task name against the registry.
// A registry miss reports errval.ErrUnknownTask; the caller decides what to
// do with the message.
func WrapEnvelope(env *domain.Envelope, reg domain.Registry) (*TaskWrapper, error) {
	runner, err := reg.Lookup(env.Task)
	if err != nil {
		return nil, err
	}
	return &TaskWrapper{
		TaskName: env.Task,
		TaskID:   env.ID,
		Runner:   runner,
		Args:     env.Args,
		Kwargs:   env.Kwargs,
	}, nil
}

// ExtendKwargsWithLogging injects the daemon's logging context into the call
// kwargs. Caller-supplied keys win over the injected ones.
func (t *TaskWrapper) ExtendKwargsWithLogging(logfile, loglevel string) map[string]any {
	kwargs := map[string]any{
		"logfile":  logfile,
		"loglevel": loglevel,
	}
	for k, v := range t.Kwargs {
		kwargs[k] = v
	}
	return kwargs
}

// Job builds the pool submission for this task.
func (t *TaskWrapper) Job(logfile, loglevel string, onSuccess []func(any), onFailure []func(*excwrap.Info)) pool.Job {
	return pool.Job{
		Target:    t.Runner.Run,
		Args:      t.Args,
		Kwargs:    t.ExtendKwargsWithLogging(logfile, loglevel),
		OnSuccess: onSuccess,
		OnFailure: onFailure,
	}
}
