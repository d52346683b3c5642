package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webstalk-dev/webstalk/internal/resource"
	"github.com/webstalk-dev/webstalk/internal/types"
)

// Task is a single unit of work handed out by a TaskController. The pool
// awaits it in its own goroutine; the task should honor ctx for cancellation
// on abort.
type Task func(ctx context.Context) error

// TaskController is the single interface a pool driver implements, instead
// of three loose closures: bundling NextTask/IsTaskReady/IsFinished onto one
// type lets a crawler hand the pool a read-only view of itself without the
// pool and its driver holding direct references to each other.
type TaskController interface {
	// NextTask returns the next task to run, or ok=false if nothing is
	// available right now (not the same as finished).
	NextTask(ctx context.Context) (task Task, ok bool, err error)
	// IsTaskReady is a cheap predicate consulted before NextTask; it
	// should be conservative (false when uncertain).
	IsTaskReady(ctx context.Context) (bool, error)
	// IsFinished is only queried when runningCount is 0 and no task is
	// ready. Returning true drains the pool.
	IsFinished(ctx context.Context) (bool, error)
}

// Pool is an autoscaled task pool: it keeps runningCount at most
// concurrency, invoking the controller whenever slack exists, and adjusts
// concurrency itself from resource samples.
type Pool struct {
	opts       Options
	controller TaskController
	sampler    resource.Sampler
	scaling    *resource.ScalingController
	log        *slog.Logger

	runningCount atomic.Int64
	aborted      atomic.Bool
	paused       atomic.Bool

	memOverloaded atomic.Bool
	cpuOverloaded atomic.Bool

	schedMu       sync.Mutex // serializes controller calls; at most one in flight
	predicateBusy atomic.Bool

	errOnce  sync.Once
	firstErr error

	doneCh chan struct{}
}

// New builds a Pool. sampler may be nil, in which case autoscaling degrades
// to a no-op (concurrency stays at MinConcurrency) — useful for tests and
// for callers that manage concurrency externally.
func New(controller TaskController, sampler resource.Sampler, opts Options, log *slog.Logger) *Pool {
	opts = opts.WithDefaults()
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "pool")
	p := &Pool{
		opts:       opts,
		controller: controller,
		sampler:    sampler,
		scaling:    resource.NewScalingController(opts.scalingOptions(), log),
		log:        log,
		doneCh:     make(chan struct{}),
	}
	return p
}

// Concurrency returns the pool's current concurrency target.
func (p *Pool) Concurrency() int { return p.scaling.Concurrency() }

// RunningCount returns the number of tasks currently in flight.
func (p *Pool) RunningCount() int { return int(p.runningCount.Load()) }

// IsAborted reports whether Abort has been called.
func (p *Pool) IsAborted() bool { return p.aborted.Load() }

// IsMemoryOverloaded reports whether the most recent autoscale tick found
// mean free memory below MinFreeMemoryRatio.
func (p *Pool) IsMemoryOverloaded() bool { return p.memOverloaded.Load() }

// IsCpuOverloaded reports whether the most recent autoscale tick found CPU
// overloaded for the whole scale-down window.
func (p *Pool) IsCpuOverloaded() bool { return p.cpuOverloaded.Load() }

// Run starts the pool and blocks until all tasks finish cleanly, Abort is
// called, or a task/controller reports a fatal error. It returns the first
// such error, or nil on clean completion.
func (p *Pool) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	maybeRunTicker := time.NewTicker(p.opts.MaybeRunInterval)
	defer maybeRunTicker.Stop()
	autoscaleTicker := time.NewTicker(p.opts.AutoscaleInterval)
	defer autoscaleTicker.Stop()

	var loggingTicker *time.Ticker
	var loggingC <-chan time.Time
	if p.opts.LoggingInterval > 0 {
		loggingTicker = time.NewTicker(p.opts.LoggingInterval)
		defer loggingTicker.Stop()
		loggingC = loggingTicker.C
	}

	p.maybeStart(runCtx)

	for {
		select {
		case <-p.doneCh:
			return p.firstErr
		case <-ctx.Done():
			p.Abort()
			<-p.doneCh
			if p.firstErr != nil {
				return p.firstErr
			}
			return ctx.Err()
		case <-maybeRunTicker.C:
			p.maybeStart(runCtx)
		case <-autoscaleTicker.C:
			p.autoscale(runCtx)
		case <-loggingC:
			p.logState()
		}
	}
}

// Abort stops the pool from starting new tasks and resolves Run immediately
// with types.ErrAborted, without waiting for in-flight tasks. They are not
// forcibly stopped; the context Run handed them is cancelled once Run
// returns.
func (p *Pool) Abort() {
	if p.aborted.CompareAndSwap(false, true) {
		p.resolve(types.ErrAborted)
	}
}

// Pause prevents new tasks from starting; in-flight tasks are unaffected.
func (p *Pool) Pause() { p.paused.Store(true) }

// Resume allows new tasks to start again after Pause. The next
// maybeRunIntervalMs tick (or task completion) picks up where it left off.
func (p *Pool) Resume() {
	p.paused.Store(false)
}

// resolve closes doneCh exactly once, recording err only if no error has
// been recorded yet. First error wins.
func (p *Pool) resolve(err error) {
	p.errOnce.Do(func() {
		p.firstErr = err
		close(p.doneCh)
	})
}

func (p *Pool) isDone() bool {
	select {
	case <-p.doneCh:
		return true
	default:
		return false
	}
}

// maybeStart starts one task if there is slack and the controller has
// work, then tail-calls itself to fill any remaining slack.
func (p *Pool) maybeStart(ctx context.Context) {
	if p.isDone() {
		return
	}
	if p.aborted.Load() || p.paused.Load() {
		return
	}
	if p.runningCount.Load() >= int64(p.scaling.Concurrency()) {
		return
	}
	if !p.predicateBusy.CompareAndSwap(false, true) {
		return
	}

	go p.runPredicateAndMaybeStartTask(ctx)
}

func (p *Pool) runPredicateAndMaybeStartTask(ctx context.Context) {
	p.schedMu.Lock()
	ready, err := p.controller.IsTaskReady(ctx)
	p.schedMu.Unlock()
	if err != nil {
		p.predicateBusy.Store(false)
		p.log.Warn("is_task_ready errored, will retry next tick", "error", err)
		return
	}
	if !ready {
		p.predicateBusy.Store(false)
		p.maybeFinish(ctx)
		return
	}

	p.schedMu.Lock()
	task, ok, err := p.controller.NextTask(ctx)
	p.schedMu.Unlock()

	// Release the busy flag as soon as the controller calls settle, not
	// after this task is dispatched: that's what lets the tail-called
	// maybeStart below actually claim the next predicate slot and start
	// filling remaining concurrency slack immediately instead of waiting
	// for the next external tick.
	p.predicateBusy.Store(false)

	if err != nil {
		if isFatal(err) {
			p.resolve(err)
			return
		}
		p.log.Warn("next_task errored, will retry next tick", "error", err)
		return
	}
	if !ok {
		p.maybeFinish(ctx)
		return
	}

	p.runningCount.Add(1)
	p.scaling.SetRunningCount(int(p.runningCount.Load()))

	// Fill remaining slack before awaiting this task.
	p.maybeStart(ctx)

	go p.runTask(ctx, task)
}

func (p *Pool) runTask(ctx context.Context, task Task) {
	taskCtx := ctx
	var cancel context.CancelFunc
	if p.opts.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, p.opts.TaskTimeout)
		defer cancel()
	}

	err := task(taskCtx)

	// Record a failure before giving the slot back: once runningCount hits
	// zero a concurrent maybeFinish could otherwise resolve Run cleanly ahead
	// of this error.
	if err != nil {
		p.log.Error("task failed", "error", err)
		p.resolve(err)
	}

	p.runningCount.Add(-1)
	p.scaling.SetRunningCount(int(p.runningCount.Load()))

	if err == nil {
		p.maybeStart(ctx)
	}
}

// maybeFinish resolves Run cleanly once runningCount is 0 and the controller
// reports finished.
func (p *Pool) maybeFinish(ctx context.Context) {
	if p.runningCount.Load() != 0 {
		return
	}
	p.schedMu.Lock()
	finished, err := p.controller.IsFinished(ctx)
	p.schedMu.Unlock()
	if err != nil {
		p.log.Warn("is_finished errored, will retry next tick", "error", err)
		return
	}
	if finished {
		p.resolve(nil)
	}
}

// autoscale runs one resource-sampling and scaling tick.
func (p *Pool) autoscale(ctx context.Context) {
	if p.sampler == nil {
		return
	}
	memOverloaded, cpuOverloaded, err := p.scaling.Tick(ctx, p.sampler)
	if err != nil {
		p.log.Warn("resource sample failed", "error", err)
		return
	}
	p.memOverloaded.Store(memOverloaded)
	p.cpuOverloaded.Store(cpuOverloaded)
	p.log.Debug("autoscale tick",
		"concurrency", p.scaling.Concurrency(),
		"running_count", p.runningCount.Load(),
		"mem_overloaded", memOverloaded,
		"cpu_overloaded", cpuOverloaded,
	)
}

func (p *Pool) logState() {
	p.log.Info("pool state",
		"running_count", p.runningCount.Load(),
		"concurrency", p.scaling.Concurrency(),
		"mem_overloaded", p.memOverloaded.Load(),
		"cpu_overloaded", p.cpuOverloaded.Load(),
		"paused", p.paused.Load(),
		"aborted", p.aborted.Load(),
	)
}

// isFatal reports whether a controller error should fail Run() outright
// rather than being logged and retried next tick. FatalBackendError and
// ValidationError are never transient; everything else is treated as a
// retryable hiccup, logged and retried on the next tick.
func isFatal(err error) bool {
	var fatal *types.FatalBackendError
	var validation *types.ValidationError
	return errors.As(err, &fatal) || errors.As(err, &validation)
}
