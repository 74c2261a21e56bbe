// Package worker runs the fetch -> validate -> submit -> ack control loop.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"taskrelay/internal/domain"
	"taskrelay/internal/errval"
	"taskrelay/internal/excwrap"
	"taskrelay/internal/pool"
)

type Config struct {
	// QueueWakeupAfter is the idle-backoff sleep between polls of an empty
	// queue set.
	QueueWakeupAfter time.Duration
	// EmptyMsgEmitEvery rate-limits the "waiting for queue" notice; zero
	// disables the notice entirely.
	EmptyMsgEmitEvery time.Duration
	Logfile           string
	Loglevel          string
	Logger            *slog.Logger
}

// Daemon executes tasks waiting in the task queues. The control loop is
// single-threaded: polling, decoding, and submission are sequential within
// one daemon instance, while execution parallelism lives in the pool.
type Daemon struct {
	cfg       Config
	fetcher   domain.Fetcher
	publisher domain.Publisher
	registry  domain.Registry
	backend   domain.ResultBackend
	pool      *pool.Pool
	periodic  domain.PeriodicSource
	logger    *slog.Logger

	lastEmptyEmit time.Time
}

func New(cfg Config, fetcher domain.Fetcher, publisher domain.Publisher, reg domain.Registry,
	backend domain.ResultBackend, p *pool.Pool, periodic domain.PeriodicSource) *Daemon {
	if cfg.QueueWakeupAfter <= 0 {
		cfg.QueueWakeupAfter = 300 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Daemon{
		cfg:       cfg,
		fetcher:   fetcher,
		publisher: publisher,
		registry:  reg,
		backend:   backend,
		pool:      p,
		periodic:  periodic,
		logger:    cfg.Logger,
	}
}

// Run starts the pool and loops until ctx is canceled (graceful: in-flight
// work drains) or a fatal signal arrives from a task body (forced: the pool
// is terminated and the fatal error returned).
func (d *Daemon) Run(ctx context.Context) error {
	d.pool.Start()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Worker daemon is shutting down, draining in-flight tasks...")
			d.pool.Stop()
			return nil
		case fatal := <-d.pool.Fatal():
			d.logger.Error("Fatal signal raised inside a task, terminating", "kind", fatal.Kind)
			d.pool.Terminate()
			return fatal
		default:
		}

		d.runPeriodicTasks(ctx)

		err := d.executeNextTask(ctx)
		switch {
		case err == nil:
		case errors.Is(err, errval.ErrQueueEmpty):
			d.idleWait(ctx)
		case errors.Is(err, errval.ErrUnknownTask):
			d.logger.Info("Unknown task ignored", "error", err.Error())
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			// handled at the top of the loop
		default:
			// broker trouble is loud but never fatal to the loop
			d.logger.Error("Message queue raised an exception", "error", err.Error())
		}
	}
}

// executeNextTask performs one fetch -> validate -> submit -> ack cycle.
func (d *Daemon) executeNextTask(ctx context.Context) error {
	env, msg, err := d.fetcher.Fetch(ctx)
	if err != nil {
		return err
	}

	d.logger.Info("Got task from broker", "task", env.Task, "task_id", env.ID)

	now := time.Now()
	if env.Expires != nil && now.After(*env.Expires) {
		d.logger.Info("Discarding expired task", "task", env.Task, "task_id", env.ID, "expired_at", env.Expires)
		return msg.Ack()
	}
	if env.ETA != nil && now.Before(*env.ETA) {
		// not due yet: put it back and treat this tick as idle
		if err := msg.Reject(true); err != nil {
			return err
		}
		return errval.ErrQueueEmpty
	}

	task, err := WrapEnvelope(env, d.registry)
	if err != nil {
		if rejectErr := msg.Reject(true); rejectErr != nil {
			d.logger.Error("Failed to requeue message for unknown task", "task", env.Task, "error", rejectErr.Error())
		}
		return err
	}

	job := task.Job(d.cfg.Logfile, d.cfg.Loglevel,
		[]func(any){d.storeSuccess(task)},
		[]func(*excwrap.Info){d.storeFailure(task)})

	if err := d.pool.ApplyAsync(job); err != nil {
		// neither acked nor requeued here: broker-level redelivery takes over
		d.logger.Error("Worker got exception while submitting task to pool",
			"task", task.TaskName, "task_id", task.TaskID, "error", err.Error())
		return nil
	}

	// ack means "accepted for execution", not "finished"
	if err := msg.Ack(); err != nil {
		d.logger.Error("Failed to acknowledge message after submission",
			"task_id", task.TaskID, "error", err.Error())
	}
	return nil
}

func (d *Daemon) storeSuccess(task *TaskWrapper) func(any) {
	return func(result any) {
		// callbacks can outlive the loop's ctx during a graceful drain
		if err := d.backend.MarkDone(context.Background(), task.TaskID, result); err != nil {
			d.logger.Error("Failed to store task result", "task_id", task.TaskID, "error", err.Error())
			return
		}
		d.logger.Info("Task processed", "task", task.TaskName, "task_id", task.TaskID)
	}
}

func (d *Daemon) storeFailure(task *TaskWrapper) func(*excwrap.Info) {
	return func(failure *excwrap.Info) {
		if err := d.backend.MarkFailure(context.Background(), task.TaskID, failure); err != nil {
			d.logger.Error("Failed to store task failure", "task_id", task.TaskID, "error", err.Error())
			return
		}
		d.logger.Error("Task failed", "task", task.TaskName, "task_id", task.TaskID, "failure", failure.Error())
	}
}

// runPeriodicTasks publishes every periodic task currently due. Due tasks
// re-enter the system as ordinary envelopes.
func (d *Daemon) runPeriodicTasks(ctx context.Context) {
	if d.periodic == nil || d.publisher == nil {
		return
	}
	due, err := d.periodic.DueTasks(ctx, time.Now())
	if err != nil {
		d.logger.Error("Failed to list due periodic tasks", "error", err.Error())
		return
	}
	for _, t := range due {
		taskID, err := d.publisher.Publish(ctx, domain.PublishRequest{
			Task:   t.Name,
			Args:   t.Args,
			Kwargs: t.Kwargs,
		}, domain.MessageOptions{})
		if err != nil {
			d.logger.Error("Failed to publish periodic task", "task", t.Name, "error", err.Error())
			continue
		}
		d.logger.Info("Periodic task published", "task", t.Name, "task_id", taskID)
	}
}

// idleWait sleeps one wakeup interval, emitting the rate-limited
// "waiting for queue" notice instead of logging on every idle poll.
func (d *Daemon) idleWait(ctx context.Context) {
	if d.cfg.EmptyMsgEmitEvery > 0 {
		now := time.Now()
		if d.lastEmptyEmit.IsZero() || now.After(d.lastEmptyEmit.Add(d.cfg.EmptyMsgEmitEvery)) {
			d.logger.Info("Waiting for queue.")
			d.lastEmptyEmit = now
		}
	}

	timer := time.NewTimer(d.cfg.QueueWakeupAfter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
