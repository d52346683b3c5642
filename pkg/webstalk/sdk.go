// Package webstalk provides a public SDK for embedding WebStalk as a library.
//
// Example usage:
//
//	crawler := webstalk.NewCrawler(
//	    webstalk.WithConcurrency(5),
//	    webstalk.WithMaxDepth(3),
//	    webstalk.WithOutput("json", "./output"),
//	)
//
//	crawler.OnHTML("h1", func(e *webstalk.Element) {
//	    e.Item.Set("title", e.Text())
//	})
//
//	crawler.OnHTML("a[href]", func(e *webstalk.Element) {
//	    e.Request.Follow(e.Attr("href"))
//	})
//
//	crawler.Start("https://example.com")
//	crawler.Wait()
package webstalk

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/PuerkitoBio/goquery"

	"github.com/webstalk-dev/webstalk/internal/config"
	"github.com/webstalk-dev/webstalk/internal/crawler"
	"github.com/webstalk-dev/webstalk/internal/fetcher"
	"github.com/webstalk-dev/webstalk/internal/pipeline"
	"github.com/webstalk-dev/webstalk/internal/pool"
	"github.com/webstalk-dev/webstalk/internal/queue"
	"github.com/webstalk-dev/webstalk/internal/requestlist"
	"github.com/webstalk-dev/webstalk/internal/resource"
	"github.com/webstalk-dev/webstalk/internal/storage"
	"github.com/webstalk-dev/webstalk/internal/types"
)

// Crawler is the high-level API for using WebStalk as a library. It wraps
// the autoscaled pool, request queue, and lifecycle coordinator behind a
// callback-based surface.
type Crawler struct {
	cfg    *config.Config
	logger *slog.Logger

	htmlRules []htmlRule

	core  *crawler.Crawler
	queue *queue.RequestQueue

	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	started bool
}

type htmlRule struct {
	selector string
	callback HTMLCallback
}

// HTMLCallback is called for each element matching a CSS selector.
type HTMLCallback func(e *Element)

// Element represents a matched DOM element in a callback.
type Element struct {
	// Selection is the goquery selection.
	Selection *goquery.Selection

	// Item is the item being built for this page.
	Item *types.Item

	// Response is the page response.
	Response *types.Response

	// Request lets callbacks enqueue follow-up URLs.
	Request *FollowProxy
}

// Text returns the text content of the element.
func (e *Element) Text() string {
	return e.Selection.Text()
}

// Attr returns the value of the given attribute.
func (e *Element) Attr(name string) string {
	val, _ := e.Selection.Attr(name)
	return val
}

// HTML returns the inner HTML of the element.
func (e *Element) HTML() string {
	html, _ := e.Selection.Html()
	return html
}

// FollowProxy collects follow-up URLs a callback wants crawled.
type FollowProxy struct {
	base *url.URL
	urls []string
}

// Follow schedules rawURL for crawling. Relative URLs resolve against the
// current page.
func (f *FollowProxy) Follow(rawURL string) {
	if f.base != nil {
		if abs, err := f.base.Parse(rawURL); err == nil {
			f.urls = append(f.urls, abs.String())
			return
		}
	}
	f.urls = append(f.urls, rawURL)
}

// Option configures the crawler.
type Option func(c *config.Config)

// WithConcurrency sets the ceiling for the autoscaled pool.
func WithConcurrency(n int) Option {
	return func(c *config.Config) {
		c.Pool.MaxConcurrency = n
		if c.Pool.MinConcurrency > n {
			c.Pool.MinConcurrency = n
		}
	}
}

// WithMaxDepth limits how deep discovered links are followed.
func WithMaxDepth(depth int) Option {
	return func(c *config.Config) { c.Crawler.MaxDepth = depth }
}

// WithMaxRetries sets how many times a failed request is retried.
func WithMaxRetries(n int) Option {
	return func(c *config.Config) { c.Crawler.MaxRequestRetries = n }
}

// WithOutput sets the export format and path.
func WithOutput(format, path string) Option {
	return func(c *config.Config) {
		c.Storage.Type = format
		c.Storage.OutputPath = path
	}
}

// WithUserAgent sets a single custom User-Agent.
func WithUserAgent(ua string) Option {
	return func(c *config.Config) { c.Fetcher.UserAgents = []string{ua} }
}

// WithAllowedDomains restricts link-following to the given domains.
func WithAllowedDomains(domains ...string) Option {
	return func(c *config.Config) { c.Crawler.AllowedDomains = domains }
}

// WithProxy enables proxy rotation over the given URLs.
func WithProxy(urls ...string) Option {
	return func(c *config.Config) {
		c.Proxy.Enabled = true
		c.Proxy.URLs = urls
	}
}

// WithMaxRequests stops the crawl after n requests are handled.
func WithMaxRequests(n int) Option {
	return func(c *config.Config) { c.Crawler.MaxRequestsPerCrawl = n }
}

// WithVerbose enables debug logging.
func WithVerbose() Option {
	return func(c *config.Config) { c.Logging.Level = "debug" }
}

// NewCrawler creates a Crawler with the given options applied on top of the
// defaults.
func NewCrawler(opts ...Option) *Crawler {
	cfg := config.DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	level := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return &Crawler{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// OnHTML registers a callback invoked for every element matching selector on
// every fetched page. Callbacks run in registration order.
func (c *Crawler) OnHTML(selector string, cb HTMLCallback) {
	c.htmlRules = append(c.htmlRules, htmlRule{selector: selector, callback: cb})
}

// Start begins crawling from the given seed URLs. It returns immediately;
// use Wait to block until the crawl finishes.
func (c *Crawler) Start(urls ...string) error {
	if c.started {
		return fmt.Errorf("crawler already started")
	}
	if len(urls) == 0 {
		return fmt.Errorf("at least one seed URL is required")
	}
	if err := config.Validate(c.cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(c.cfg, c.logger)
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}

	var store storage.Storage
	if c.cfg.Storage.OutputPath != "" {
		store, err = storage.NewFileStorage(c.cfg.Storage.Type, c.cfg.Storage.OutputPath, c.logger)
		if err != nil {
			return fmt.Errorf("create storage: %w", err)
		}
	}

	pipe := pipeline.New(c.logger)
	pipe.Use(&pipeline.TrimMiddleware{})

	seeds := make([]*types.Request, 0, len(urls))
	for _, rawURL := range urls {
		if err := config.ValidateURL(rawURL); err != nil {
			return fmt.Errorf("invalid seed URL %q: %w", rawURL, err)
		}
		req, err := types.NewRequest(rawURL)
		if err != nil {
			return err
		}
		seeds = append(seeds, req)
	}
	list := requestlist.New(seeds, requestlist.Options{DeduplicateByUniqueKey: true})
	c.queue = queue.New(queue.NewLocalBackend(), queue.NewClientRegistry(), "webstalk-sdk", queue.Options{
		StorageConsistencyDelay:   c.cfg.Queue.StorageConsistencyDelay,
		APIProcessedRequestsDelay: c.cfg.Queue.APIProcessedRequestsDelay,
		UniqueKeyCacheSize:        c.cfg.Queue.UniqueKeyCacheSize,
	}, c.logger)

	opts := crawler.Options{
		Pool: pool.Options{
			MinConcurrency:     c.cfg.Pool.MinConcurrency,
			MaxConcurrency:     c.cfg.Pool.MaxConcurrency,
			MaybeRunInterval:   c.cfg.Pool.MaybeRunInterval,
			AutoscaleInterval:  c.cfg.Pool.AutoscaleInterval,
			MinFreeMemoryRatio: c.cfg.Pool.MinFreeMemoryRatio,
		},
		MaxRequestRetries:   c.cfg.Crawler.MaxRequestRetries,
		MaxRequestsPerCrawl: c.cfg.Crawler.MaxRequestsPerCrawl,
		RequestTimeout:      c.cfg.Crawler.RequestTimeout,
		HandlePageTimeout:   c.cfg.Crawler.HandlePageTimeout,
		RetryBackoffBase:    c.cfg.Crawler.RetryBackoffBase,
	}

	core, err := crawler.New(list, c.queue, httpFetcher, c.handlePage(store, pipe), nil, c.defaultSampler(), opts, c.logger)
	if err != nil {
		return err
	}
	c.core = core
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		defer close(c.done)
		defer httpFetcher.Close()
		c.runErr = core.Run(ctx)
		if store != nil {
			if err := store.Close(); err != nil {
				c.logger.Warn("close storage", "error", err)
			}
		}
	}()

	return nil
}

// handlePage builds the per-page handler: run OnHTML callbacks, pipe the
// item, store it, and enqueue followed links.
func (c *Crawler) handlePage(store storage.Storage, pipe *pipeline.Pipeline) crawler.Handler {
	return func(ctx context.Context, req *types.Request, resp *types.Response) error {
		doc, err := resp.Document()
		if err != nil {
			return fmt.Errorf("parse document: %w", err)
		}

		item := types.NewItem(req.URLString())
		item.Depth = req.Depth
		follow := &FollowProxy{base: req.URL}

		for _, rule := range c.htmlRules {
			doc.Find(rule.selector).Each(func(_ int, sel *goquery.Selection) {
				rule.callback(&Element{
					Selection: sel,
					Item:      item,
					Response:  resp,
					Request:   follow,
				})
			})
		}

		if len(item.Fields) > 0 && store != nil {
			out, err := pipe.Process(item)
			if err == nil && out != nil {
				if err := store.Store([]*types.Item{out}); err != nil {
					c.logger.Warn("store failed", "url", req.URLString(), "error", err)
				}
			}
		}

		c.enqueueFollowed(ctx, req, follow.urls)
		return nil
	}
}

func (c *Crawler) enqueueFollowed(ctx context.Context, parent *types.Request, urls []string) {
	childDepth := parent.Depth + 1
	if c.cfg.Crawler.MaxDepth > 0 && childDepth > c.cfg.Crawler.MaxDepth {
		return
	}
	for _, rawURL := range urls {
		req, err := types.NewRequest(rawURL)
		if err != nil {
			continue
		}
		if !c.domainAllowed(req.Domain()) {
			continue
		}
		req.Depth = childDepth
		req.ParentURL = parent.URLString()
		if _, err := c.queue.AddRequest(ctx, req, false); err != nil {
			c.logger.Debug("failed to enqueue followed link", "url", rawURL, "error", err)
		}
	}
}

func (c *Crawler) domainAllowed(domain string) bool {
	if len(c.cfg.Crawler.AllowedDomains) == 0 {
		return true
	}
	for _, d := range c.cfg.Crawler.AllowedDomains {
		if d == domain {
			return true
		}
	}
	return false
}

func (c *Crawler) defaultSampler() resource.Sampler {
	sampler, err := resource.NewProcfsSampler()
	if err != nil {
		return &resource.RuntimeSampler{}
	}
	return sampler
}

// Wait blocks until the crawl finishes and returns its error, if any.
func (c *Crawler) Wait() error {
	if !c.started {
		return fmt.Errorf("crawler not started")
	}
	<-c.done
	if c.runErr != nil && c.runErr != types.ErrAborted {
		return c.runErr
	}
	return nil
}

// Stop aborts the crawl: nothing new starts, and Wait returns without
// waiting for in-flight requests.
func (c *Crawler) Stop() {
	if c.core != nil {
		c.core.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// Pause stops new requests from starting until Resume is called.
func (c *Crawler) Pause() {
	if c.core != nil {
		c.core.Pause()
	}
}

// Resume restarts request production after a Pause.
func (c *Crawler) Resume() {
	if c.core != nil {
		c.core.Resume()
	}
}

// Stats returns a snapshot of the crawl's progress.
func (c *Crawler) Stats() map[string]any {
	if c.core == nil {
		return map[string]any{}
	}
	return map[string]any{
		"handled_count": c.core.HandledCount(),
		"running_count": c.core.RunningCount(),
		"concurrency":   c.core.Concurrency(),
		"aborted":       c.core.IsAborted(),
	}
}
