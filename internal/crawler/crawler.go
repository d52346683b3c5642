// Package crawler implements the request lifecycle coordinator: it adapts
// a RequestList and/or RequestQueue into the pool's TaskController
// protocol, applying fetch/handle timeouts, retries, and terminal failure
// handling.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/webstalk-dev/webstalk/internal/fetcher"
	"github.com/webstalk-dev/webstalk/internal/pool"
	"github.com/webstalk-dev/webstalk/internal/queue"
	"github.com/webstalk-dev/webstalk/internal/requestlist"
	"github.com/webstalk-dev/webstalk/internal/resource"
	"github.com/webstalk-dev/webstalk/internal/types"
)

// Handler processes one fetched request. resp is nil when no Fetcher was
// configured, in which case Handler is expected to perform (or delegate)
// its own retrieval.
type Handler func(ctx context.Context, req *types.Request, resp *types.Response) error

// FailedRequestHandler is invoked once a request has exhausted its retries
// or was marked NoRetry. It is the terminal user-visible hook; afterwards
// the request is marked handled and never re-enters its source.
type FailedRequestHandler func(ctx context.Context, req *types.Request, cause error)

// Options configures a Crawler. Its Pool field carries the pool.Options of
// the pool the crawler drives.
type Options struct {
	Pool pool.Options

	MaxRequestRetries   int
	MaxRequestsPerCrawl int

	// RequestTimeout bounds the fetch phase, when Fetcher is set.
	RequestTimeout time.Duration
	// HandlePageTimeout bounds the handler phase.
	HandlePageTimeout time.Duration

	// ReclaimForefront controls whether a retried request goes back to
	// the head (true) or tail (false) of its source.
	ReclaimForefront bool

	// RetryBackoffBase is a short jittered delay applied before a
	// HandlerError/TimeoutError reclaim becomes eligible again. Distinct
	// from queue.Options.StorageConsistencyDelay, which absorbs backend
	// read-your-write lag rather than giving a flaky handler a moment to
	// recover. Zero disables the delay.
	RetryBackoffBase time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRequestRetries <= 0 {
		o.MaxRequestRetries = 3
	}
	return o
}

type requestSource int

const (
	sourceNone requestSource = iota
	sourceList
	sourceQueue
)

// Crawler composes a RequestList and/or RequestQueue with an AutoscaledPool
// to run a crawl to completion. At least one of List/Queue must be set.
type Crawler struct {
	list  *requestlist.RequestList
	queue *queue.RequestQueue
	fetch fetcher.Fetcher

	handleRequest       Handler
	handleFailedRequest FailedRequestHandler

	opts Options
	log  *slog.Logger

	pool *pool.Pool

	handledCount atomic.Int64
	stopped      atomic.Bool
}

// New builds a Crawler. sampler may be nil (see pool.New). fetch may be nil
// if handleRequest performs its own retrieval.
func New(
	list *requestlist.RequestList,
	q *queue.RequestQueue,
	fetch fetcher.Fetcher,
	handleRequest Handler,
	handleFailedRequest FailedRequestHandler,
	sampler resource.Sampler,
	opts Options,
	log *slog.Logger,
) (*Crawler, error) {
	if list == nil && q == nil {
		return nil, fmt.Errorf("crawler: at least one of requestList or requestQueue must be set")
	}
	if handleRequest == nil {
		return nil, fmt.Errorf("crawler: handleRequest must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "crawler")

	opts = opts.withDefaults()
	if handleFailedRequest == nil {
		handleFailedRequest = func(ctx context.Context, req *types.Request, cause error) {
			log.Error("request failed permanently", "url", req.URLString(), "error", cause, "retry_count", req.RetryCount)
		}
	}

	c := &Crawler{
		list:                list,
		queue:               q,
		fetch:               fetch,
		handleRequest:       handleRequest,
		handleFailedRequest: handleFailedRequest,
		opts:                opts,
		log:                 log,
	}
	c.pool = pool.New(c, sampler, opts.Pool, log)
	return c, nil
}

// Run drives the crawl to completion: it blocks until every configured
// source reports finished and no tasks remain in flight, Stop is called, or
// a fatal error occurs.
func (c *Crawler) Run(ctx context.Context) error {
	return c.pool.Run(ctx)
}

// Stop ends the crawl: no new requests are produced, IsFinished reports
// true, and Run returns types.ErrAborted right away through the pool's
// Abort, without waiting for in-flight tasks.
func (c *Crawler) Stop() {
	c.stopped.Store(true)
	c.pool.Abort()
}

// Pause/Resume proxy to the underlying pool.
func (c *Crawler) Pause()  { c.pool.Pause() }
func (c *Crawler) Resume() { c.pool.Resume() }

// HandledCount returns the number of requests marked handled (success or
// terminal failure) so far.
func (c *Crawler) HandledCount() int { return int(c.handledCount.Load()) }

// RunningCount/Concurrency/IsAborted/IsMemoryOverloaded/IsCpuOverloaded
// expose pool state for metrics/API surfaces without leaking the pool.Pool
// type itself.
func (c *Crawler) RunningCount() int        { return c.pool.RunningCount() }
func (c *Crawler) Concurrency() int         { return c.pool.Concurrency() }
func (c *Crawler) IsAborted() bool          { return c.pool.IsAborted() }
func (c *Crawler) IsMemoryOverloaded() bool { return c.pool.IsMemoryOverloaded() }
func (c *Crawler) IsCpuOverloaded() bool    { return c.pool.IsCpuOverloaded() }

// IsTaskReady implements pool.TaskController.
func (c *Crawler) IsTaskReady(ctx context.Context) (bool, error) {
	if c.stopped.Load() {
		return false, nil
	}
	if c.opts.MaxRequestsPerCrawl > 0 && int(c.handledCount.Load()) >= c.opts.MaxRequestsPerCrawl {
		return false, nil
	}
	return c.hasAvailableWork(ctx)
}

func (c *Crawler) hasAvailableWork(ctx context.Context) (bool, error) {
	if c.list != nil && !c.list.IsEmpty() {
		return true, nil
	}
	if c.queue != nil {
		empty, err := c.queue.IsEmpty(ctx)
		if err != nil {
			return false, err
		}
		if !empty {
			return true, nil
		}
	}
	return false, nil
}

// IsFinished implements pool.TaskController.
func (c *Crawler) IsFinished(ctx context.Context) (bool, error) {
	if c.stopped.Load() {
		return true, nil
	}
	if c.opts.MaxRequestsPerCrawl > 0 && int(c.handledCount.Load()) >= c.opts.MaxRequestsPerCrawl {
		return true, nil
	}
	if c.list != nil && !c.list.IsFinished() {
		return false, nil
	}
	if c.queue != nil {
		finished, err := c.queue.IsFinished(ctx)
		if err != nil {
			return false, err
		}
		if !finished {
			return false, nil
		}
	}
	return true, nil
}

// NextTask implements pool.TaskController.
func (c *Crawler) NextTask(ctx context.Context) (pool.Task, bool, error) {
	req, source, err := c.fetchOne(ctx)
	if err != nil {
		return nil, false, err
	}
	if req == nil {
		return nil, false, nil
	}
	return func(taskCtx context.Context) error {
		c.runRequest(taskCtx, req, source)
		return nil
	}, true, nil
}

// fetchOne performs the list-to-queue hand-off when both sources are
// configured, or a direct pull from whichever one is.
func (c *Crawler) fetchOne(ctx context.Context) (*types.Request, requestSource, error) {
	if c.list != nil {
		req, err := c.list.FetchNext(ctx)
		if err != nil {
			return nil, sourceNone, err
		}
		if req != nil {
			if c.queue == nil {
				return req, sourceList, nil
			}
			return c.handOffToQueue(ctx, req)
		}
		if c.queue == nil {
			return nil, sourceNone, nil
		}
		// List is exhausted for now (may still have in-progress/reclaimed
		// entries later); fall through to the queue.
	}

	if c.queue != nil {
		req, err := c.queue.FetchNextRequest(ctx)
		if err != nil {
			return nil, sourceNone, err
		}
		if req == nil {
			return nil, sourceNone, nil
		}
		return req, sourceQueue, nil
	}

	return nil, sourceNone, nil
}

// handOffToQueue enqueues a list-sourced request at the queue's forefront,
// then immediately re-fetches it so the list's job (seeding) and the
// queue's job (durable dedup + lease) compose atomically from the
// producer's point of view. If the enqueue fails, the request is reclaimed
// back onto the list and this tick produces nothing.
func (c *Crawler) handOffToQueue(ctx context.Context, req *types.Request) (*types.Request, requestSource, error) {
	if _, err := c.queue.AddRequest(ctx, req, true); err != nil {
		if rerr := c.list.Reclaim(ctx, req); rerr != nil {
			c.log.Error("failed to reclaim list entry after a failed queue handoff", "url", req.URLString(), "error", rerr)
		}
		c.log.Warn("queue handoff failed, will retry next tick", "url", req.URLString(), "error", err)
		return nil, sourceNone, nil
	}
	if err := c.list.MarkHandled(ctx, req); err != nil {
		c.log.Warn("failed to mark list entry handled after queue handoff", "url", req.URLString(), "error", err)
	}

	qreq, err := c.queue.FetchNextRequest(ctx)
	if err != nil {
		return nil, sourceNone, err
	}
	if qreq == nil {
		// Forefront insert landed in an eventual-consistency hole; the
		// queue's own consistency-delay handling will surface it again.
		return nil, sourceNone, nil
	}
	return qreq, sourceQueue, nil
}

// runRequest drives one request through handle, then mark-handled or
// retry/terminal-failure.
func (c *Crawler) runRequest(ctx context.Context, req *types.Request, source requestSource) {
	err := c.fetchAndHandle(ctx, req)
	if err == nil {
		c.finishHandled(ctx, req, source)
		return
	}

	req.AddError(err.Error())

	if req.NoRetry || req.RetryCount >= c.opts.MaxRequestRetries {
		c.finishHandled(ctx, req, source)
		c.handleFailedRequest(ctx, req, err)
		return
	}

	c.backoffBeforeRetry(ctx, err)
	c.reclaim(ctx, req, source)
}

// backoffBeforeRetry applies the jittered retry delay of
// Options.RetryBackoffBase for HandlerError/TimeoutError failures, grounded
// on fetcher.RandomDelay's ±25% jitter. Cut short if ctx is cancelled.
func (c *Crawler) backoffBeforeRetry(ctx context.Context, cause error) {
	if c.opts.RetryBackoffBase <= 0 {
		return
	}
	var handlerErr *types.HandlerError
	var timeoutErr *types.TimeoutError
	if !errors.As(cause, &handlerErr) && !errors.As(cause, &timeoutErr) {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(fetcher.RandomDelay(c.opts.RetryBackoffBase)):
	}
}

func (c *Crawler) fetchAndHandle(ctx context.Context, req *types.Request) error {
	var resp *types.Response
	if c.fetch != nil {
		fetchCtx := ctx
		var fetchCancel context.CancelFunc
		if c.opts.RequestTimeout > 0 {
			fetchCtx, fetchCancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
			defer fetchCancel()
		}

		var err error
		resp, err = c.fetch.Fetch(fetchCtx, req)
		if err != nil {
			if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
				return &types.TimeoutError{Phase: "fetch", Bound: c.opts.RequestTimeout.String()}
			}
			return &types.HandlerError{URL: req.URLString(), Err: err}
		}
	}

	handleCtx := ctx
	var handleCancel context.CancelFunc
	if c.opts.HandlePageTimeout > 0 {
		handleCtx, handleCancel = context.WithTimeout(ctx, c.opts.HandlePageTimeout)
		defer handleCancel()
	}

	if err := c.handleRequest(handleCtx, req, resp); err != nil {
		if errors.Is(handleCtx.Err(), context.DeadlineExceeded) {
			return &types.TimeoutError{Phase: "handle", Bound: c.opts.HandlePageTimeout.String()}
		}
		return &types.HandlerError{URL: req.URLString(), Err: err}
	}
	return nil
}

func (c *Crawler) finishHandled(ctx context.Context, req *types.Request, source requestSource) {
	switch source {
	case sourceList:
		if err := c.list.MarkHandled(ctx, req); err != nil {
			c.log.Warn("mark_handled on list failed", "url", req.URLString(), "error", err)
		}
	case sourceQueue:
		if err := c.queue.MarkRequestHandled(ctx, req); err != nil {
			c.log.Warn("mark_handled on queue failed", "url", req.URLString(), "error", err)
		}
	}
	c.handledCount.Add(1)
}

// reclaim returns a failed-but-retryable request to its source. RetryCount
// only advances once the reclaim itself succeeds: a backend hiccup during
// reclaim shouldn't burn an attempt the request was never actually
// re-dispatched for.
func (c *Crawler) reclaim(ctx context.Context, req *types.Request, source requestSource) {
	switch source {
	case sourceList:
		if err := c.list.Reclaim(ctx, req); err != nil {
			c.log.Warn("reclaim on list failed", "url", req.URLString(), "error", err)
			return
		}
	case sourceQueue:
		if err := c.queue.ReclaimRequest(ctx, req, c.opts.ReclaimForefront); err != nil {
			c.log.Warn("reclaim on queue failed", "url", req.URLString(), "error", err)
			return
		}
	default:
		return
	}
	req.RetryCount++
}
