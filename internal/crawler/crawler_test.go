package crawler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/webstalk-dev/webstalk/internal/pool"
	"github.com/webstalk-dev/webstalk/internal/queue"
	"github.com/webstalk-dev/webstalk/internal/requestlist"
	"github.com/webstalk-dev/webstalk/internal/types"
)

func mustRequest(t *testing.T, rawURL string) *types.Request {
	t.Helper()
	r, err := types.NewRequest(rawURL)
	if err != nil {
		t.Fatalf("NewRequest(%q): %v", rawURL, err)
	}
	return r
}

func seedList(t *testing.T, urls ...string) *requestlist.RequestList {
	t.Helper()
	reqs := make([]*types.Request, len(urls))
	for i, u := range urls {
		reqs[i] = mustRequest(t, u)
	}
	return requestlist.New(reqs, requestlist.Options{})
}

func testPoolOptions() pool.Options {
	return pool.Options{
		MinConcurrency:    2,
		MaxConcurrency:    2,
		MaybeRunInterval:  5 * time.Millisecond,
		AutoscaleInterval: time.Hour,
	}
}

func TestCrawlerListOnlyHandlesAllRequests(t *testing.T) {
	list := seedList(t, "https://example.com/1", "https://example.com/2", "https://example.com/3")

	var handledCount atomic.Int64
	handle := func(ctx context.Context, req *types.Request, resp *types.Response) error {
		handledCount.Add(1)
		return nil
	}

	c, err := New(list, nil, nil, handle, nil, nil, Options{Pool: testPoolOptions()}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := handledCount.Load(); got != 3 {
		t.Fatalf("expected all 3 requests handled, got %d", got)
	}
	if got := c.HandledCount(); got != 3 {
		t.Fatalf("expected crawler HandledCount 3, got %d", got)
	}
	if !list.IsFinished() {
		t.Fatal("expected the list to report finished once the crawl completes")
	}
}

func TestCrawlerRetryThenTerminalFailure(t *testing.T) {
	list := seedList(t, "https://example.com/flaky")

	var attempts atomic.Int64
	handle := func(ctx context.Context, req *types.Request, resp *types.Response) error {
		attempts.Add(1)
		return errors.New("boom")
	}

	var failedErr error
	var failedURL string
	var mu sync.Mutex
	onFailed := func(ctx context.Context, req *types.Request, cause error) {
		mu.Lock()
		defer mu.Unlock()
		failedErr = cause
		failedURL = req.URLString()
	}

	opts := Options{Pool: testPoolOptions(), MaxRequestRetries: 2}
	c, err := New(list, nil, nil, handle, onFailed, nil, opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// MaxRequestRetries=2: the request is attempted once, reclaimed twice on
	// retryable failures, then handled as a terminal failure on the third try.
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if failedErr == nil {
		t.Fatal("expected handleFailedRequest to be invoked")
	}
	if failedURL != "https://example.com/flaky" {
		t.Fatalf("unexpected failed request url: %q", failedURL)
	}
	if c.HandledCount() != 1 {
		t.Fatalf("expected a terminally failed request to still count as handled, got %d", c.HandledCount())
	}
}

func TestCrawlerNoRetryFailsImmediately(t *testing.T) {
	req := mustRequest(t, "https://example.com/once")
	req.NoRetry = true
	list := requestlist.New([]*types.Request{req}, requestlist.Options{})

	var attempts atomic.Int64
	handle := func(ctx context.Context, r *types.Request, resp *types.Response) error {
		attempts.Add(1)
		return errors.New("nope")
	}

	failed := make(chan struct{}, 1)
	onFailed := func(ctx context.Context, r *types.Request, cause error) {
		failed <- struct{}{}
	}

	opts := Options{Pool: testPoolOptions(), MaxRequestRetries: 5}
	c, err := New(list, nil, nil, handle, onFailed, nil, opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected NoRetry to fail after exactly 1 attempt, got %d", got)
	}
	select {
	case <-failed:
	default:
		t.Fatal("expected handleFailedRequest to have fired")
	}
}

func TestCrawlerListToQueueHandoff(t *testing.T) {
	list := seedList(t, "https://example.com/1", "https://example.com/2")
	q := queue.New(queue.NewLocalBackend(), queue.NewClientRegistry(), "client-1", queue.Options{}, nil)

	var handledURLs []string
	var mu sync.Mutex
	handle := func(ctx context.Context, req *types.Request, resp *types.Response) error {
		mu.Lock()
		handledURLs = append(handledURLs, req.URLString())
		mu.Unlock()
		return nil
	}

	c, err := New(list, q, nil, handle, nil, nil, Options{Pool: testPoolOptions()}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(handledURLs) != 2 {
		t.Fatalf("expected 2 requests handled via the queue, got %d: %v", len(handledURLs), handledURLs)
	}
	if q.HandledCount() != 2 {
		t.Fatalf("expected the queue itself to report 2 handled requests, got %d", q.HandledCount())
	}
	if !list.IsFinished() {
		t.Fatal("expected the seeding list to drain once every entry is handed off")
	}
}

func TestCrawlerHandlePageTimeoutIsRetryable(t *testing.T) {
	req := mustRequest(t, "https://example.com/slow")
	list := requestlist.New([]*types.Request{req}, requestlist.Options{})

	var attempts atomic.Int64
	handle := func(ctx context.Context, r *types.Request, resp *types.Response) error {
		n := attempts.Add(1)
		if n == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	opts := Options{
		Pool:              testPoolOptions(),
		MaxRequestRetries: 3,
		HandlePageTimeout: 20 * time.Millisecond,
	}
	c, err := New(list, nil, nil, handle, nil, nil, opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := attempts.Load(); got != 2 {
		t.Fatalf("expected exactly one timeout followed by one successful retry, got %d attempts", got)
	}
	if len(req.ErrorMessages) != 1 {
		t.Fatalf("expected the timeout to be recorded in ErrorMessages, got %v", req.ErrorMessages)
	}
	if req.RetryCount != 1 {
		t.Fatalf("expected RetryCount incremented once after the successful reclaim, got %d", req.RetryCount)
	}
}

func TestCrawlerAppliesRetryBackoffBeforeReclaim(t *testing.T) {
	list := seedList(t, "https://example.com/flaky")

	var attempts atomic.Int64
	var firstAttemptAt, secondAttemptAt time.Time
	var mu sync.Mutex
	handle := func(ctx context.Context, req *types.Request, resp *types.Response) error {
		n := attempts.Add(1)
		mu.Lock()
		if n == 1 {
			firstAttemptAt = time.Now()
		} else {
			secondAttemptAt = time.Now()
		}
		mu.Unlock()
		if n == 1 {
			return errors.New("boom")
		}
		return nil
	}

	opts := Options{Pool: testPoolOptions(), MaxRequestRetries: 2, RetryBackoffBase: 50 * time.Millisecond}
	c, err := New(list, nil, nil, handle, nil, nil, opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts.Load() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts.Load())
	}
	if gap := secondAttemptAt.Sub(firstAttemptAt); gap < 25*time.Millisecond {
		t.Fatalf("expected the retry to be delayed by roughly RetryBackoffBase, got gap=%v", gap)
	}
}

func TestCrawlerIsFinishedHonorsMaxRequestsPerCrawl(t *testing.T) {
	list := seedList(t, "https://example.com/1", "https://example.com/2", "https://example.com/3")
	handle := func(ctx context.Context, req *types.Request, resp *types.Response) error { return nil }

	// Sequential pool: the handled-count limit stops new production but lets
	// in-flight tasks finish, so anything above concurrency 1 could
	// legitimately overshoot.
	poolOpts := testPoolOptions()
	poolOpts.MinConcurrency = 1
	poolOpts.MaxConcurrency = 1
	opts := Options{Pool: poolOpts, MaxRequestsPerCrawl: 1}
	c, err := New(list, nil, nil, handle, nil, nil, opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := c.HandledCount(); got != 1 {
		t.Fatalf("expected the crawl to stop after maxRequestsPerCrawl=1, got %d handled", got)
	}
}
