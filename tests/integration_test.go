package integration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/webstalk-dev/webstalk/internal/config"
	"github.com/webstalk-dev/webstalk/internal/crawler"
	"github.com/webstalk-dev/webstalk/internal/fetcher"
	"github.com/webstalk-dev/webstalk/internal/parser"
	"github.com/webstalk-dev/webstalk/internal/pipeline"
	"github.com/webstalk-dev/webstalk/internal/pool"
	"github.com/webstalk-dev/webstalk/internal/queue"
	"github.com/webstalk-dev/webstalk/internal/requestlist"
	"github.com/webstalk-dev/webstalk/internal/storage"
	"github.com/webstalk-dev/webstalk/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

// siteFetcher serves canned HTML pages keyed by URL, so the full
// pool/queue/crawler stack can run offline and deterministically.
type siteFetcher struct {
	pages   map[string]string
	fetches atomic.Int64
}

func (f *siteFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	f.fetches.Add(1)
	body, ok := f.pages[req.URLString()]
	if !ok {
		return nil, &types.FetchError{URL: req.URLString(), StatusCode: 404, Err: fmt.Errorf("not found")}
	}
	return &types.Response{
		Request:     req,
		StatusCode:  200,
		Body:        []byte(body),
		ContentType: "text/html",
	}, nil
}

func (f *siteFetcher) Close() error { return nil }
func (f *siteFetcher) Type() string { return "site" }

func testSite() *siteFetcher {
	return &siteFetcher{pages: map[string]string{
		"https://site.test/": `<html><body>
			<h1>Home</h1>
			<a href="https://site.test/a">A</a>
			<a href="https://site.test/b">B</a>
		</body></html>`,
		"https://site.test/a": `<html><body><h1>Page A</h1></body></html>`,
		"https://site.test/b": `<html><body>
			<h1>Page B</h1>
			<a href="https://site.test/a">back to A</a>
		</body></html>`,
	}}
}

// TestCrawlSiteEndToEnd drives the whole stack — request list seeding,
// queue hand-off, link discovery, parsing, pipeline, storage — over the
// canned site and checks that every page is fetched exactly once.
func TestCrawlSiteEndToEnd(t *testing.T) {
	site := testSite()
	outDir := t.TempDir()

	store, err := storage.NewFileStorage("jsonl", outDir, testLogger)
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}
	compositeParser := parser.NewCompositeParser(testLogger)
	pipe := pipeline.New(testLogger)
	pipe.Use(&pipeline.TrimMiddleware{})

	rq := queue.New(queue.NewLocalBackend(), queue.NewClientRegistry(), "it-client", queue.Options{}, testLogger)

	rules := []config.ParseRule{{Name: "heading", Type: "css", Selector: "h1"}}

	handle := func(ctx context.Context, req *types.Request, resp *types.Response) error {
		items, links, err := compositeParser.Parse(resp, rules)
		if err != nil {
			return err
		}
		for _, item := range items {
			out, err := pipe.Process(item)
			if err != nil || out == nil {
				continue
			}
			if err := store.Store([]*types.Item{out}); err != nil {
				return err
			}
		}
		for _, link := range links {
			child, err := types.NewRequest(link)
			if err != nil {
				continue
			}
			child.Depth = req.Depth + 1
			if _, err := rq.AddRequest(ctx, child, false); err != nil {
				t.Logf("enqueue %s: %v", link, err)
			}
		}
		return nil
	}

	seed, err := types.NewRequest("https://site.test/")
	if err != nil {
		t.Fatal(err)
	}
	list := requestlist.New([]*types.Request{seed}, requestlist.Options{})

	opts := crawler.Options{
		Pool: pool.Options{
			MinConcurrency:    2,
			MaxConcurrency:    2,
			MaybeRunInterval:  5 * time.Millisecond,
			AutoscaleInterval: time.Hour,
		},
		MaxRequestRetries: 2,
	}
	c, err := crawler.New(list, rq, site, handle, nil, nil, opts, testLogger)
	if err != nil {
		t.Fatalf("create crawler: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("crawl failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close storage: %v", err)
	}

	// 3 distinct pages; the duplicate link back to /a must be deduplicated by
	// the queue, so exactly 3 fetches.
	if got := site.fetches.Load(); got != 3 {
		t.Errorf("expected 3 fetches (one per unique page), got %d", got)
	}
	if got := c.HandledCount(); got != 3 {
		t.Errorf("expected 3 handled requests, got %d", got)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected stored output in %s (err=%v)", outDir, err)
	}
	data, err := os.ReadFile(filepath.Join(outDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Home", "Page A", "Page B"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("stored output missing %q", want)
		}
	}
}

// TestCrawlRetriesTransientFetchFailure serves a page that fails once with a
// retryable error, then succeeds; the crawl must converge with the page
// handled exactly once.
func TestCrawlRetriesTransientFetchFailure(t *testing.T) {
	flaky := &flakyFetcher{inner: testSite(), failFirst: "https://site.test/a"}

	rq := queue.New(queue.NewLocalBackend(), queue.NewClientRegistry(), "it-client", queue.Options{
		StorageConsistencyDelay: 10 * time.Millisecond,
	}, testLogger)

	var handled atomic.Int64
	handle := func(ctx context.Context, req *types.Request, resp *types.Response) error {
		handled.Add(1)
		return nil
	}

	seed, _ := types.NewRequest("https://site.test/a")
	list := requestlist.New([]*types.Request{seed}, requestlist.Options{})

	opts := crawler.Options{
		Pool: pool.Options{
			MinConcurrency:    1,
			MaxConcurrency:    1,
			MaybeRunInterval:  5 * time.Millisecond,
			AutoscaleInterval: time.Hour,
		},
		MaxRequestRetries: 3,
	}
	c, err := crawler.New(list, rq, flaky, handle, nil, nil, opts, testLogger)
	if err != nil {
		t.Fatalf("create crawler: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("crawl failed: %v", err)
	}

	if got := handled.Load(); got != 1 {
		t.Errorf("expected the page handled once after a retry, got %d", got)
	}
}

// flakyFetcher fails the first fetch of failFirst, then delegates.
type flakyFetcher struct {
	inner     *siteFetcher
	failFirst string
	failed    atomic.Bool
}

func (f *flakyFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	if req.URLString() == f.failFirst && f.failed.CompareAndSwap(false, true) {
		return nil, &types.FetchError{URL: req.URLString(), Err: fmt.Errorf("connection reset"), Retryable: true}
	}
	return f.inner.Fetch(ctx, req)
}

func (f *flakyFetcher) Close() error { return nil }
func (f *flakyFetcher) Type() string { return "flaky" }

// TestLiveFetch fetches a real URL through the HTTP fetcher. Network tests
// are skipped in -short mode.
func TestLiveFetch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping live test")
	}

	cfg := config.DefaultConfig()
	f, err := fetcher.NewHTTPFetcher(cfg, testLogger)
	if err != nil {
		t.Fatalf("create fetcher: %v", err)
	}
	defer f.Close()

	req, _ := types.NewRequest("https://quotes.toscrape.com")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := f.Fetch(ctx, req)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !resp.IsSuccess() {
		t.Fatalf("expected 2xx, got %d", resp.StatusCode)
	}
	if len(resp.Body) == 0 {
		t.Fatal("expected a non-empty body")
	}
}
