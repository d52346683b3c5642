package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/webstalk-dev/webstalk/internal/api"
	"github.com/webstalk-dev/webstalk/internal/config"
	"github.com/webstalk-dev/webstalk/internal/crawler"
	"github.com/webstalk-dev/webstalk/internal/fetcher"
	"github.com/webstalk-dev/webstalk/internal/observability"
	"github.com/webstalk-dev/webstalk/internal/parser"
	"github.com/webstalk-dev/webstalk/internal/pipeline"
	"github.com/webstalk-dev/webstalk/internal/pool"
	"github.com/webstalk-dev/webstalk/internal/queue"
	"github.com/webstalk-dev/webstalk/internal/requestlist"
	"github.com/webstalk-dev/webstalk/internal/resource"
	"github.com/webstalk-dev/webstalk/internal/storage"
	"github.com/webstalk-dev/webstalk/internal/types"
)

var (
	cfgFile string
	verbose bool

	outputPath          string
	outputType          string
	maxDepth            int
	maxConcurrency      int
	userAgent           string
	maxRequestsPerCrawl int
	maxRequestRetries   int
	handlePageTimeout   string
	allowedDomains      []string
	useQueue            bool
	apiPort             int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "webstalk",
		Short: "WebStalk — autoscaled web crawler",
		Long: `WebStalk crawls the web through an autoscaled task pool: concurrency
ramps up and down from live memory pressure instead of a fixed worker
count, and requests are deduplicated and leased through a request queue
(optionally Mongo-backed for durable, multi-client crawls).

Features:
  • Autoscaled concurrency driven by host memory and CPU samples
  • Deduplicated, eventually-consistent request queue with forefront priority
  • Per-request retry accounting with jittered backoff
  • CSS, XPath, and regex extraction rules
  • JSON, JSONL, CSV export
  • Proxy rotation and User-Agent rotation
  • Prometheus metrics and a control HTTP API`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(crawlCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// crawlCmd creates the "crawl" subcommand.
func crawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [url...]",
		Short: "Crawl from the given seed URL(s)",
		Long:  "Crawl from the given seed URL(s), following discovered links and extracting data with the configured parse rules.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCrawl,
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output directory or file path (empty = use config default)")
	cmd.Flags().StringVarP(&outputType, "format", "f", "", "output format: json, jsonl, csv (empty = use config default)")
	cmd.Flags().IntVarP(&maxDepth, "depth", "d", -1, "maximum crawl depth (-1 = use config default)")
	cmd.Flags().IntVarP(&maxConcurrency, "concurrency", "n", 0, "concurrency ceiling for the autoscaled pool (0 = use config default)")
	cmd.Flags().StringVar(&userAgent, "user-agent", "", "custom User-Agent string")
	cmd.Flags().IntVarP(&maxRequestsPerCrawl, "max-requests", "m", 0, "stop after this many requests are handled (0 = unlimited)")
	cmd.Flags().IntVar(&maxRequestRetries, "max-retries", -1, "retries per failed request before giving up (-1 = use config default)")
	cmd.Flags().StringVar(&handlePageTimeout, "handle-page-timeout", "", "max time allotted to handle one fetched page, e.g. 30s (empty = use config default)")
	cmd.Flags().StringSliceVar(&allowedDomains, "allowed-domains", nil, "restrict discovered-link crawling to these domains")
	cmd.Flags().BoolVar(&useQueue, "use-queue", true, "route discovered links through a request queue instead of a fixed finite list")
	cmd.Flags().IntVar(&apiPort, "api-port", 0, "serve the control/inspection HTTP API on this port (0 = disabled)")

	return cmd
}

// runCrawl executes the crawl command.
func runCrawl(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyCLIOverrides(cfg)

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, rawURL := range args {
		if err := config.ValidateURL(rawURL); err != nil {
			return fmt.Errorf("invalid URL %q: %w", rawURL, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpFetcher, err := fetcher.NewHTTPFetcher(cfg, logger)
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}
	defer httpFetcher.Close()

	compositeParser := parser.NewCompositeParser(logger)
	pipe := pipeline.New(logger)
	pipe.Use(&pipeline.TrimMiddleware{})

	store, err := storage.NewFileStorage(cfg.Storage.Type, cfg.Storage.OutputPath, logger)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(logger)
		if err := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Warn("failed to start metrics server", "error", err)
		}
	}

	seeds := make([]*types.Request, 0, len(args))
	for _, rawURL := range args {
		req, err := types.NewRequest(rawURL)
		if err != nil {
			logger.Warn("seed skipped", "url", rawURL, "reason", err)
			continue
		}
		req.Depth = 0
		seeds = append(seeds, req)
	}
	if len(seeds) == 0 {
		return fmt.Errorf("no valid seed URLs")
	}
	list := requestlist.New(seeds, requestlist.Options{DeduplicateByUniqueKey: true})

	var rq *queue.RequestQueue
	if useQueue {
		backend, closeBackend, err := buildQueueBackend(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("create queue backend: %w", err)
		}
		if closeBackend != nil {
			defer closeBackend()
		}
		clientID := cfg.Queue.ClientID
		if clientID == "" {
			clientID = "webstalk-cli"
		}
		rq = queue.New(backend, queue.NewClientRegistry(), clientID, queue.Options{
			StorageConsistencyDelay:   cfg.Queue.StorageConsistencyDelay,
			APIProcessedRequestsDelay: cfg.Queue.APIProcessedRequestsDelay,
			UniqueKeyCacheSize:        cfg.Queue.UniqueKeyCacheSize,
		}, logger)
	}

	handle := func(ctx context.Context, req *types.Request, resp *types.Response) error {
		started := time.Now()
		if metrics != nil {
			metrics.RecordRequest()
			metrics.RecordResponse(resp.StatusCode, resp.ContentLength)
		}

		items, links, err := compositeParser.Parse(resp, cfg.Parser.Rules)
		if err != nil {
			return fmt.Errorf("parse %s: %w", req.URLString(), err)
		}

		processed := make([]*types.Item, 0, len(items))
		for _, item := range items {
			item.Depth = req.Depth
			out, err := pipe.Process(item)
			if err != nil {
				if metrics != nil {
					metrics.RecordItemDropped()
				}
				continue
			}
			processed = append(processed, out)
		}
		if len(processed) > 0 {
			if err := store.Store(processed); err != nil {
				logger.Warn("store failed", "url", req.URLString(), "error", err)
			} else if metrics != nil {
				for range processed {
					metrics.RecordItemScraped()
					metrics.RecordItemStored()
				}
			}
		}

		enqueueDiscoveredLinks(ctx, rq, req, links, cfg.Crawler.AllowedDomains, cfg.Crawler.MaxDepth, logger)

		if metrics != nil {
			metrics.RecordHandled(time.Since(started).Seconds())
		}
		return nil
	}

	onFailed := func(ctx context.Context, req *types.Request, cause error) {
		logger.Error("request failed permanently", "url", req.URLString(), "error", cause, "retry_count", req.RetryCount)
		if metrics != nil {
			metrics.RecordFailed()
		}
	}

	opts := crawler.Options{
		Pool: pool.Options{
			MinConcurrency:          cfg.Pool.MinConcurrency,
			MaxConcurrency:          cfg.Pool.MaxConcurrency,
			DesiredConcurrencyRatio: cfg.Pool.DesiredConcurrencyRatio,
			ScaleUpStepRatio:        cfg.Pool.ScaleUpStepRatio,
			ScaleDownStepRatio:      cfg.Pool.ScaleDownStepRatio,
			MaybeRunInterval:        cfg.Pool.MaybeRunInterval,
			AutoscaleInterval:       cfg.Pool.AutoscaleInterval,
			TaskTimeout:             cfg.Pool.TaskTimeout,
			MaxMemoryBytes:          cfg.Pool.MaxMemoryBytes,
			MinFreeMemoryRatio:      cfg.Pool.MinFreeMemoryRatio,
			LoggingInterval:         cfg.Pool.LoggingInterval,
			ScaleUpWindow:           cfg.Pool.ScaleUpWindow,
			ScaleDownWindow:         cfg.Pool.ScaleDownWindow,
			ScaleUpTickEvery:        cfg.Pool.ScaleUpTickEvery,
			ScaleUpMaxStep:          cfg.Pool.ScaleUpMaxStep,
			IgnoreMainProcess:       cfg.Pool.IgnoreMainProcess,
		},
		MaxRequestRetries:   cfg.Crawler.MaxRequestRetries,
		MaxRequestsPerCrawl: cfg.Crawler.MaxRequestsPerCrawl,
		RequestTimeout:      cfg.Crawler.RequestTimeout,
		HandlePageTimeout:   cfg.Crawler.HandlePageTimeout,
		ReclaimForefront:    cfg.Crawler.ReclaimForefront,
		RetryBackoffBase:    cfg.Crawler.RetryBackoffBase,
	}

	c, err := crawler.New(list, rq, httpFetcher, handle, onFailed, newDefaultSampler(logger), opts, logger)
	if err != nil {
		return fmt.Errorf("create crawler: %w", err)
	}

	if apiPort > 0 {
		apiSrv := api.NewServer(apiPort, logger)
		apiSrv.SetCrawl(c)
		if err := apiSrv.Start(); err != nil {
			logger.Warn("failed to start API server", "error", err)
		}
	}

	if metrics != nil {
		go pollPoolStats(ctx, c, rq, metrics, cfg.Pool.AutoscaleInterval)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, stopping crawl...", "signal", sig)
		c.Stop()
	}()

	logger.Info("starting crawl",
		"seeds", args,
		"depth", cfg.Crawler.MaxDepth,
		"max_concurrency", cfg.Pool.MaxConcurrency,
		"output", cfg.Storage.OutputPath,
		"format", cfg.Storage.Type,
	)

	start := time.Now()
	runErr := c.Run(ctx)
	elapsed := time.Since(start)

	if err := store.Close(); err != nil {
		logger.Warn("close storage", "error", err)
	}

	fmt.Printf("\nCrawl complete in %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Handled:  %d requests\n", c.HandledCount())
	fmt.Printf("  Output:   %s\n", cfg.Storage.OutputPath)

	if runErr != nil && runErr != types.ErrAborted {
		return fmt.Errorf("crawl failed: %w", runErr)
	}
	return nil
}

// pollPoolStats feeds the pool/queue gauges on the autoscale cadence so the
// metrics endpoint tracks scaling decisions as they land.
func pollPoolStats(ctx context.Context, c *crawler.Crawler, rq *queue.RequestQueue, metrics *observability.Metrics, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth := 0
			if rq != nil {
				if info, err := rq.GetInfo(ctx); err == nil {
					depth = info.PendingRequestCount
				}
			}
			metrics.UpdatePoolStats(c.Concurrency(), c.RunningCount(), c.IsMemoryOverloaded(), c.IsCpuOverloaded(), depth)
		}
	}
}

// buildQueueBackend constructs the configured queue.Backend. The returned
// close func is nil for the local backend.
func buildQueueBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Backend, func(), error) {
	switch cfg.Queue.Backend {
	case "mongo":
		mb, err := queue.NewMongoBackend(ctx, cfg.Queue.MongoURI, cfg.Queue.MongoDatabase, cfg.Queue.MongoCollection, logger)
		if err != nil {
			return nil, nil, err
		}
		return mb, func() { _ = mb.Close(context.Background()) }, nil
	default:
		return queue.NewLocalBackend(), nil, nil
	}
}

// newDefaultSampler picks the best available resource.Sampler: /proc/meminfo
// where present, otherwise Go runtime memstats.
func newDefaultSampler(logger *slog.Logger) resource.Sampler {
	sampler, err := resource.NewProcfsSampler()
	if err != nil {
		logger.Warn("procfs sampler unavailable, falling back to runtime memstats", "error", err)
		return &resource.RuntimeSampler{}
	}
	return sampler
}

// enqueueDiscoveredLinks turns parser-discovered links into new requests one
// depth below their parent and adds them to the queue, honoring the
// allowed-domains whitelist and max depth. Links are dropped, not errored,
// when no queue is configured: a fixed request list has nowhere durable for
// newly discovered URLs to go.
func enqueueDiscoveredLinks(ctx context.Context, rq *queue.RequestQueue, parent *types.Request, links []string, allowedDomains []string, maxDepth int, logger *slog.Logger) {
	if rq == nil || len(links) == 0 {
		return
	}
	childDepth := parent.Depth + 1
	if maxDepth > 0 && childDepth > maxDepth {
		return
	}
	for _, link := range links {
		req, err := types.NewRequest(link)
		if err != nil {
			continue
		}
		if !isDomainAllowed(req.Domain(), allowedDomains) {
			continue
		}
		req.Depth = childDepth
		req.ParentURL = parent.URLString()
		if _, err := rq.AddRequest(ctx, req, false); err != nil {
			logger.Debug("failed to enqueue discovered link", "url", link, "error", err)
		}
	}
}

// isDomainAllowed reports whether domain passes the allow-list; an empty
// list allows everything.
func isDomainAllowed(domain string, allowedDomains []string) bool {
	if len(allowedDomains) == 0 {
		return true
	}
	for _, d := range allowedDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("WebStalk %s\n", config.Version)
		},
	}
}

// configCmd creates the "config" subcommand for inspecting configuration.
func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("Pool:\n")
			fmt.Printf("  Concurrency:       %d-%d\n", cfg.Pool.MinConcurrency, cfg.Pool.MaxConcurrency)
			fmt.Printf("  Autoscale Every:   %s\n", cfg.Pool.AutoscaleInterval)
			fmt.Printf("  Min Free Memory:   %.0f%%\n", cfg.Pool.MinFreeMemoryRatio*100)
			fmt.Printf("\nCrawler:\n")
			fmt.Printf("  Max Depth:         %d\n", cfg.Crawler.MaxDepth)
			fmt.Printf("  Max Retries:       %d\n", cfg.Crawler.MaxRequestRetries)
			fmt.Printf("  Request Timeout:   %s\n", cfg.Crawler.RequestTimeout)
			fmt.Printf("  Handle Timeout:    %s\n", cfg.Crawler.HandlePageTimeout)
			fmt.Printf("\nQueue:\n")
			fmt.Printf("  Backend:           %s\n", cfg.Queue.Backend)
			fmt.Printf("  Consistency Delay: %s\n", cfg.Queue.StorageConsistencyDelay)
			fmt.Printf("\nFetcher:\n")
			fmt.Printf("  Follow Redirects:  %v\n", cfg.Fetcher.FollowRedirects)
			fmt.Printf("  Max Body Size:     %d bytes\n", cfg.Fetcher.MaxBodySize)
			fmt.Printf("  User Agents:       %d configured\n", len(cfg.Fetcher.UserAgents))
			fmt.Printf("\nProxy:\n")
			fmt.Printf("  Enabled:           %v\n", cfg.Proxy.Enabled)
			fmt.Printf("  Rotation:          %s\n", cfg.Proxy.Rotation)
			fmt.Printf("  Count:             %d\n", len(cfg.Proxy.URLs))
			fmt.Printf("\nStorage:\n")
			fmt.Printf("  Type:              %s\n", cfg.Storage.Type)
			fmt.Printf("  Output Path:       %s\n", cfg.Storage.OutputPath)
			fmt.Printf("\nMetrics:\n")
			fmt.Printf("  Enabled:           %v\n", cfg.Metrics.Enabled)
			fmt.Printf("  Port:              %d\n", cfg.Metrics.Port)
			return nil
		},
	}
	return cmd
}

// setupLogger creates a structured logger.
func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler)
}

// applyCLIOverrides applies command-line flag values to the config.
func applyCLIOverrides(cfg *config.Config) {
	if maxDepth >= 0 {
		cfg.Crawler.MaxDepth = maxDepth
	}
	if maxConcurrency > 0 {
		cfg.Pool.MaxConcurrency = maxConcurrency
		if cfg.Pool.MinConcurrency > maxConcurrency {
			cfg.Pool.MinConcurrency = maxConcurrency
		}
	}
	if userAgent != "" {
		cfg.Fetcher.UserAgents = []string{userAgent}
	}
	if outputPath != "" {
		cfg.Storage.OutputPath = outputPath
	}
	if outputType != "" {
		cfg.Storage.Type = strings.ToLower(outputType)
	}
	if maxRequestsPerCrawl > 0 {
		cfg.Crawler.MaxRequestsPerCrawl = maxRequestsPerCrawl
	}
	if maxRequestRetries >= 0 {
		cfg.Crawler.MaxRequestRetries = maxRequestRetries
	}
	if handlePageTimeout != "" {
		if d, err := time.ParseDuration(handlePageTimeout); err == nil {
			cfg.Crawler.HandlePageTimeout = d
		}
	}
	if len(allowedDomains) > 0 {
		cfg.Crawler.AllowedDomains = allowedDomains
	}
}
