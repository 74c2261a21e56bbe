// Package pool runs submitted task bodies concurrently on a bounded set of
// pre-started workers and reports each outcome through callbacks invoked
// from a single result-collecting goroutine.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"taskrelay/internal/errval"
	"taskrelay/internal/excwrap"
)

// Target is the callable a job executes.
type Target func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Job is one in-flight submission. Exactly one of the OnSuccess or OnFailure
// lists fires, exactly once, from the collector goroutine. Callbacks must be
// fast: a slow callback stalls result delivery for every later job.
type Job struct {
	Target    Target
	Args      []any
	Kwargs    map[string]any
	OnSuccess []func(result any)
	OnFailure []func(failure *excwrap.Info)
	// OnAccept fires when a worker picks the job up, with that worker's id.
	OnAccept func(workerID int)
	// OnTimeout fires with soft=true when the soft limit passes while the
	// job keeps running, and with soft=false when the hard limit kills the
	// wait for it.
	OnTimeout func(soft bool)

	holdsSlot bool
}

type Config struct {
	Concurrency int
	// PutGuard makes ApplyAsync block until a worker slot frees instead of
	// queuing unboundedly. This is the pool's only admission control.
	PutGuard    bool
	SoftTimeout time.Duration
	HardTimeout time.Duration
	Logger      *slog.Logger
}

// Info is an introspection snapshot of the pool.
type Info struct {
	MaxConcurrency int
	Workers        []int
	SoftTimeout    time.Duration
	HardTimeout    time.Duration
	PutGuarded     bool
}

const (
	stateCreated = iota
	stateRunning
	stateClosing
	stateTerminated
)

// maxSlots bounds how far Grow can take the pool in put-guard mode.
const maxSlots = 1024

type worker struct {
	id   int
	stop chan struct{}
}

type outcome struct {
	ok      bool
	value   any
	failure *excwrap.Info
	fatal   *excwrap.FatalError
}

type completion struct {
	job *Job
	out outcome
}

type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	state   int
	pending []*Job
	workers map[int]*worker
	nextID  int

	ctx    context.Context
	cancel context.CancelFunc

	slots         chan struct{}
	jobs          chan *Job
	results       chan completion
	fatal         chan *excwrap.FatalError
	done          chan struct{}
	collectorDone chan struct{}

	inflight sync.WaitGroup
	wg       sync.WaitGroup
}

func New(cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:           cfg,
		logger:        cfg.Logger,
		workers:       map[int]*worker{},
		ctx:           ctx,
		cancel:        cancel,
		jobs:          make(chan *Job),
		results:       make(chan completion),
		fatal:         make(chan *excwrap.FatalError, 1),
		done:          make(chan struct{}),
		collectorDone: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	if cfg.PutGuard {
		p.slots = make(chan struct{}, maxSlots)
		for i := 0; i < cfg.Concurrency; i++ {
			p.slots <- struct{}{}
		}
	}
	return p
}

// Start pre-starts every worker so dispatch latency never includes spawn
// cost. It must be called before ApplyAsync.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateCreated {
		return
	}
	p.state = stateRunning
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.startWorkerLocked()
	}
	go p.dispatch()
	go p.collect()
}

// ApplyAsync enqueues the job and returns without waiting for execution,
// except in put-guard mode where it blocks until a worker slot frees.
func (p *Pool) ApplyAsync(job Job) error {
	if job.Target == nil {
		return fmt.Errorf("%w: job target must not be nil", errval.ErrValidation)
	}
	p.mu.Lock()
	if p.state != stateRunning {
		p.mu.Unlock()
		return errval.ErrPoolClosed
	}
	p.mu.Unlock()

	p.inflight.Add(1)
	if p.cfg.PutGuard {
		select {
		case <-p.slots:
			job.holdsSlot = true
		case <-p.done:
			p.inflight.Done()
			return errval.ErrPoolClosed
		}
	}

	p.mu.Lock()
	if p.state != stateRunning {
		p.mu.Unlock()
		p.releaseJob(&job)
		return errval.ErrPoolClosed
	}
	p.pending = append(p.pending, &job)
	p.cond.Signal()
	p.mu.Unlock()
	return nil
}

// Grow adds n workers at runtime.
func (p *Pool) Grow(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateRunning {
		return errval.ErrPoolClosed
	}
	if p.cfg.PutGuard && p.cfg.Concurrency+n > maxSlots {
		return fmt.Errorf("pool cannot grow beyond %d workers", maxSlots)
	}
	for i := 0; i < n; i++ {
		p.startWorkerLocked()
		if p.cfg.PutGuard {
			p.slots <- struct{}{}
		}
	}
	p.cfg.Concurrency += n
	return nil
}

// Shrink retires n workers without dropping in-flight work. A retiring
// worker finishes its current job before exiting.
func (p *Pool) Shrink(n int) error {
	for i := 0; i < n; i++ {
		p.mu.Lock()
		if p.state != stateRunning {
			p.mu.Unlock()
			return errval.ErrPoolClosed
		}
		if len(p.workers) <= 1 {
			p.mu.Unlock()
			return fmt.Errorf("pool must keep at least one worker")
		}
		var w *worker
		for _, cand := range p.workers {
			if w == nil || cand.id > w.id {
				w = cand
			}
		}
		delete(p.workers, w.id)
		p.cfg.Concurrency--
		putGuard := p.cfg.PutGuard
		p.mu.Unlock()

		close(w.stop)
		if putGuard {
			// retire that worker's slot once it is free
			<-p.slots
		}
	}
	return nil
}

// Fatal delivers shutdown requests raised inside task bodies. The daemon
// treats anything received here as an order to stop, not as a task failure.
func (p *Pool) Fatal() <-chan *excwrap.FatalError {
	return p.fatal
}

// Stop stops accepting work, lets everything in flight finish and deliver
// its callbacks, then releases all workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.state != stateRunning {
		p.mu.Unlock()
		return
	}
	p.state = stateClosing
	p.cond.Broadcast()
	p.mu.Unlock()

	p.inflight.Wait()
	p.wg.Wait()
	close(p.results)
	<-p.collectorDone
}

// Terminate abandons queued and running work immediately. Running targets
// see their context canceled; their results are discarded.
func (p *Pool) Terminate() {
	p.mu.Lock()
	if p.state == stateTerminated {
		p.mu.Unlock()
		return
	}
	p.state = stateTerminated
	dropped := p.pending
	p.pending = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.cancel()
	close(p.done)
	for _, job := range dropped {
		p.releaseJob(job)
	}
}

func (p *Pool) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return Info{
		MaxConcurrency: p.cfg.Concurrency,
		Workers:        ids,
		SoftTimeout:    p.cfg.SoftTimeout,
		HardTimeout:    p.cfg.HardTimeout,
		PutGuarded:     p.cfg.PutGuard,
	}
}

func (p *Pool) startWorkerLocked() {
	w := &worker{
		id:   p.nextID,
		stop: make(chan struct{}),
	}
	p.nextID++
	p.workers[w.id] = w
	p.wg.Add(1)
	go p.runWorker(w)
}

func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case <-p.done:
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.runJob(w.id, job)
		}
	}
}

// dispatch is the single feeder from the unbounded pending queue to the
// workers. It owns closing p.jobs.
func (p *Pool) dispatch() {
	for {
		p.mu.Lock()
		for len(p.pending) == 0 && p.state == stateRunning {
			p.cond.Wait()
		}
		if len(p.pending) == 0 {
			p.mu.Unlock()
			close(p.jobs)
			return
		}
		job := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		select {
		case p.jobs <- job:
		case <-p.done:
			p.releaseJob(job)
			close(p.jobs)
			return
		}
	}
}

func (p *Pool) runJob(workerID int, job *Job) {
	if job.OnAccept != nil {
		p.safeApply(func() { job.OnAccept(workerID) })
	}

	ctx := p.ctx
	if p.cfg.HardTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.HardTimeout)
		defer cancel()
	}
	if p.cfg.SoftTimeout > 0 && job.OnTimeout != nil {
		softTimer := time.AfterFunc(p.cfg.SoftTimeout, func() {
			p.safeApply(func() { job.OnTimeout(true) })
		})
		defer softTimer.Stop()
	}

	invoked := make(chan outcome, 1)
	go func() {
		invoked <- p.invoke(ctx, job)
	}()

	var out outcome
	if p.cfg.HardTimeout > 0 {
		select {
		case out = <-invoked:
		case <-ctx.Done():
			if job.OnTimeout != nil {
				p.safeApply(func() { job.OnTimeout(false) })
			}
			failure := excwrap.Prepare(fmt.Errorf("%w: task exceeded hard time limit of %s",
				errval.ErrTimeout, p.cfg.HardTimeout))
			out = outcome{failure: failure}
		}
	} else {
		out = <-invoked
	}

	select {
	case p.results <- completion{job: job, out: out}:
	case <-p.done:
		p.releaseJob(job)
	}
}

func (p *Pool) invoke(ctx context.Context, job *Job) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			if err, isErr := r.(error); isErr {
				if fe, isFatal := excwrap.IsFatal(err); isFatal {
					out = outcome{fatal: fe}
					return
				}
			}
			failure := excwrap.Prepare(fmt.Errorf("task panicked: %v", r))
			failure.Traceback = string(debug.Stack())
			out = outcome{failure: failure}
		}
	}()

	result, err := job.Target(ctx, job.Args, job.Kwargs)
	if err != nil {
		if fe, isFatal := excwrap.IsFatal(err); isFatal {
			return outcome{fatal: fe}
		}
		return outcome{failure: excwrap.Prepare(err)}
	}
	return outcome{ok: true, value: result}
}

func (p *Pool) collect() {
	defer close(p.collectorDone)
	for {
		select {
		case c, ok := <-p.results:
			if !ok {
				return
			}
			p.handleCompletion(c)
		case <-p.done:
			return
		}
	}
}

func (p *Pool) handleCompletion(c completion) {
	defer p.releaseJob(c.job)
	switch {
	case c.out.fatal != nil:
		select {
		case p.fatal <- c.out.fatal:
		default:
			p.logger.Error("Fatal signal dropped because one is already pending", "kind", c.out.fatal.Kind)
		}
	case c.out.failure != nil:
		for _, cb := range c.job.OnFailure {
			cb := cb
			p.safeApply(func() { cb(c.out.failure) })
		}
	default:
		for _, cb := range c.job.OnSuccess {
			cb := cb
			p.safeApply(func() { cb(c.out.value) })
		}
	}
}

// safeApply keeps a throwing callback from taking down result collection.
func (p *Pool) safeApply(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Pool callback raised an exception", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (p *Pool) releaseJob(job *Job) {
	if job.holdsSlot {
		job.holdsSlot = false
		p.slots <- struct{}{}
	}
	p.inflight.Done()
}
