package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/webstalk-dev/webstalk/internal/types"
)

// countingController produces exactly n tasks, each a no-op, then reports
// finished.
type countingController struct {
	remaining atomic.Int64
	completed atomic.Int64
}

func newCountingController(n int64) *countingController {
	c := &countingController{}
	c.remaining.Store(n)
	return c
}

func (c *countingController) IsTaskReady(ctx context.Context) (bool, error) {
	return c.remaining.Load() > 0, nil
}

func (c *countingController) NextTask(ctx context.Context) (Task, bool, error) {
	if c.remaining.Add(-1) < 0 {
		c.remaining.Add(1)
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		c.completed.Add(1)
		return nil
	}, true, nil
}

func (c *countingController) IsFinished(ctx context.Context) (bool, error) {
	return c.remaining.Load() <= 0, nil
}

func TestPoolRunsAllTasksThenResolves(t *testing.T) {
	ctrl := newCountingController(50)
	opts := Options{
		MinConcurrency:    4,
		MaxConcurrency:    4,
		MaybeRunInterval:  10 * time.Millisecond,
		AutoscaleInterval: time.Hour,
	}
	p := New(ctrl, nil, opts, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := ctrl.completed.Load(); got != 50 {
		t.Fatalf("expected 50 completed tasks, got %d", got)
	}
}

func TestPoolPropagatesFirstTaskError(t *testing.T) {
	boom := errors.New("boom")
	sent := atomic.Bool{}
	ctrl := &fnController{
		isTaskReady: func(ctx context.Context) (bool, error) { return !sent.Load(), nil },
		nextTask: func(ctx context.Context) (Task, bool, error) {
			if sent.Swap(true) {
				return nil, false, nil
			}
			return func(ctx context.Context) error { return boom }, true, nil
		},
		isFinished: func(ctx context.Context) (bool, error) { return sent.Load(), nil },
	}

	opts := Options{MinConcurrency: 1, MaxConcurrency: 1, MaybeRunInterval: 10 * time.Millisecond, AutoscaleInterval: time.Hour}
	p := New(ctrl, nil, opts, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := p.Run(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("expected Run to fail with the task's error, got %v", err)
	}
}

func TestPoolAbortStopsNewTasksImmediately(t *testing.T) {
	ctrl := newCountingController(1_000_000)
	opts := Options{MinConcurrency: 2, MaxConcurrency: 2, MaybeRunInterval: 10 * time.Millisecond, AutoscaleInterval: time.Hour}
	p := New(ctrl, nil, opts, nil)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	p.Abort()

	select {
	case err := <-done:
		if !errors.Is(err, types.ErrAborted) {
			t.Fatalf("expected ErrAborted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not resolve after Abort")
	}
}

func TestPoolFatalControllerErrorFailsRun(t *testing.T) {
	fatal := &types.FatalBackendError{Op: "next_task", Err: errors.New("disk gone")}
	ctrl := &fnController{
		isTaskReady: func(ctx context.Context) (bool, error) { return true, nil },
		nextTask:    func(ctx context.Context) (Task, bool, error) { return nil, false, fatal },
		isFinished:  func(ctx context.Context) (bool, error) { return false, nil },
	}
	opts := Options{MinConcurrency: 1, MaxConcurrency: 1, MaybeRunInterval: 10 * time.Millisecond, AutoscaleInterval: time.Hour}
	p := New(ctrl, nil, opts, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := p.Run(ctx)
	if !errors.Is(err, fatal) && !errors.As(err, new(*types.FatalBackendError)) {
		t.Fatalf("expected fatal backend error to fail Run, got %v", err)
	}
}

// fnController lets individual tests stub each TaskController method.
type fnController struct {
	isTaskReady func(ctx context.Context) (bool, error)
	nextTask    func(ctx context.Context) (Task, bool, error)
	isFinished  func(ctx context.Context) (bool, error)
}

func (f *fnController) IsTaskReady(ctx context.Context) (bool, error) { return f.isTaskReady(ctx) }
func (f *fnController) NextTask(ctx context.Context) (Task, bool, error) {
	return f.nextTask(ctx)
}
func (f *fnController) IsFinished(ctx context.Context) (bool, error) { return f.isFinished(ctx) }
