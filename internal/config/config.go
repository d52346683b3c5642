package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for WebStalk.
type Config struct {
	Pool     PoolConfig     `mapstructure:"pool"     yaml:"pool"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"  yaml:"crawler"`
	Queue    QueueConfig    `mapstructure:"queue"    yaml:"queue"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher"  yaml:"fetcher"`
	Proxy    ProxyConfig    `mapstructure:"proxy"    yaml:"proxy"`
	Parser   ParserConfig   `mapstructure:"parser"   yaml:"parser"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Storage  StorageConfig  `mapstructure:"storage"  yaml:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"  yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"  yaml:"metrics"`
}

// PoolConfig controls the AutoscaledPool that drives a crawl.
type PoolConfig struct {
	MinConcurrency          int           `mapstructure:"min_concurrency"            yaml:"min_concurrency"`
	MaxConcurrency          int           `mapstructure:"max_concurrency"            yaml:"max_concurrency"`
	DesiredConcurrencyRatio float64       `mapstructure:"desired_concurrency_ratio"  yaml:"desired_concurrency_ratio"`
	ScaleUpStepRatio        float64       `mapstructure:"scale_up_step_ratio"        yaml:"scale_up_step_ratio"`
	ScaleDownStepRatio      float64       `mapstructure:"scale_down_step_ratio"      yaml:"scale_down_step_ratio"`
	MaybeRunInterval        time.Duration `mapstructure:"maybe_run_interval"         yaml:"maybe_run_interval"`
	AutoscaleInterval       time.Duration `mapstructure:"autoscale_interval"         yaml:"autoscale_interval"`
	TaskTimeout             time.Duration `mapstructure:"task_timeout"               yaml:"task_timeout"`
	MaxMemoryBytes          uint64        `mapstructure:"max_memory_bytes"           yaml:"max_memory_bytes"`
	MinFreeMemoryRatio      float64       `mapstructure:"min_free_memory_ratio"      yaml:"min_free_memory_ratio"`
	LoggingInterval         time.Duration `mapstructure:"logging_interval"           yaml:"logging_interval"`
	ScaleUpWindow           int           `mapstructure:"scale_up_window"            yaml:"scale_up_window"`
	ScaleDownWindow         int           `mapstructure:"scale_down_window"          yaml:"scale_down_window"`
	ScaleUpTickEvery        int           `mapstructure:"scale_up_tick_every"        yaml:"scale_up_tick_every"`
	ScaleUpMaxStep          int           `mapstructure:"scale_up_max_step"          yaml:"scale_up_max_step"`
	IgnoreMainProcess       bool          `mapstructure:"ignore_main_process"        yaml:"ignore_main_process"`
}

// CrawlerConfig controls the request lifecycle coordinator.
type CrawlerConfig struct {
	MaxRequestRetries   int           `mapstructure:"max_request_retries"    yaml:"max_request_retries"`
	MaxRequestsPerCrawl int           `mapstructure:"max_requests_per_crawl" yaml:"max_requests_per_crawl"`
	MaxDepth            int           `mapstructure:"max_depth"              yaml:"max_depth"`
	AllowedDomains      []string      `mapstructure:"allowed_domains"        yaml:"allowed_domains"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"        yaml:"request_timeout"`
	HandlePageTimeout   time.Duration `mapstructure:"handle_page_timeout"    yaml:"handle_page_timeout"`
	ReclaimForefront    bool          `mapstructure:"reclaim_forefront"      yaml:"reclaim_forefront"`
	RetryBackoffBase    time.Duration `mapstructure:"retry_backoff_base"     yaml:"retry_backoff_base"`
}

// QueueConfig controls the durable RequestQueue backend and its
// eventual-consistency windows.
type QueueConfig struct {
	Backend                   string        `mapstructure:"backend"                      yaml:"backend"` // "local" or "mongo"
	MongoURI                  string        `mapstructure:"mongo_uri"                    yaml:"mongo_uri"`
	MongoDatabase             string        `mapstructure:"mongo_database"               yaml:"mongo_database"`
	MongoCollection           string        `mapstructure:"mongo_collection"              yaml:"mongo_collection"`
	ClientID                  string        `mapstructure:"client_id"                    yaml:"client_id"`
	StorageConsistencyDelay   time.Duration `mapstructure:"storage_consistency_delay"    yaml:"storage_consistency_delay"`
	APIProcessedRequestsDelay time.Duration `mapstructure:"api_processed_requests_delay" yaml:"api_processed_requests_delay"`
	UniqueKeyCacheSize        int           `mapstructure:"unique_key_cache_size"        yaml:"unique_key_cache_size"`
}

// FetcherConfig controls the request fetcher.
type FetcherConfig struct {
	Type            string        `mapstructure:"type"              yaml:"type"`
	UserAgents      []string      `mapstructure:"user_agents"       yaml:"user_agents"`
	FollowRedirects bool          `mapstructure:"follow_redirects"  yaml:"follow_redirects"`
	MaxRedirects    int           `mapstructure:"max_redirects"     yaml:"max_redirects"`
	MaxBodySize     int64         `mapstructure:"max_body_size"     yaml:"max_body_size"`
	TLSInsecure     bool          `mapstructure:"tls_insecure"      yaml:"tls_insecure"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    yaml:"max_idle_conns"`
}

// ProxyConfig controls proxy rotation.
type ProxyConfig struct {
	Enabled      bool     `mapstructure:"enabled"       yaml:"enabled"`
	Rotation     string   `mapstructure:"rotation"      yaml:"rotation"`
	URLs         []string `mapstructure:"urls"           yaml:"urls"`
	HealthCheck  bool     `mapstructure:"health_check"   yaml:"health_check"`
	RotateOnFail bool     `mapstructure:"rotate_on_fail" yaml:"rotate_on_fail"`
}

// ParserConfig controls the parser.
type ParserConfig struct {
	Rules []ParseRule `mapstructure:"rules" yaml:"rules"`
}

// ParseRule defines a single extraction rule.
type ParseRule struct {
	Name      string `mapstructure:"name"      yaml:"name"`
	Selector  string `mapstructure:"selector"  yaml:"selector"`
	Type      string `mapstructure:"type"      yaml:"type"` // css, xpath, regex
	Attribute string `mapstructure:"attribute" yaml:"attribute"`
	Pattern   string `mapstructure:"pattern"   yaml:"pattern"`
}

// PipelineConfig controls the processing pipeline.
type PipelineConfig struct {
	Middlewares []MiddlewareConfig `mapstructure:"middlewares" yaml:"middlewares"`
}

// MiddlewareConfig defines a single pipeline middleware.
type MiddlewareConfig struct {
	Name    string         `mapstructure:"name"    yaml:"name"`
	Type    string         `mapstructure:"type"    yaml:"type"`
	Options map[string]any `mapstructure:"options" yaml:"options"`
}

// StorageConfig controls output/storage.
type StorageConfig struct {
	Type       string `mapstructure:"type"        yaml:"type"`
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`
	BatchSize  int    `mapstructure:"batch_size"  yaml:"batch_size"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			MinConcurrency:          1,
			MaxConcurrency:          200,
			DesiredConcurrencyRatio: 0.95,
			ScaleUpStepRatio:        0.05,
			ScaleDownStepRatio:      0.05,
			MaybeRunInterval:        500 * time.Millisecond,
			AutoscaleInterval:       1 * time.Second,
			MinFreeMemoryRatio:      0.2,
			LoggingInterval:         10 * time.Second,
			ScaleUpWindow:           5,
			ScaleDownWindow:         5,
			ScaleUpTickEvery:        10,
			ScaleUpMaxStep:          10,
		},
		Crawler: CrawlerConfig{
			MaxRequestRetries:   3,
			MaxRequestsPerCrawl: 0,
			MaxDepth:            5,
			RequestTimeout:      30 * time.Second,
			HandlePageTimeout:   60 * time.Second,
			ReclaimForefront:    false,
			RetryBackoffBase:    500 * time.Millisecond,
		},
		Queue: QueueConfig{
			Backend:                   "local",
			MongoDatabase:             "webstalk",
			MongoCollection:           "request_queue",
			StorageConsistencyDelay:   3 * time.Second,
			APIProcessedRequestsDelay: 10 * time.Second,
			UniqueKeyCacheSize:        100_000,
		},
		Fetcher: FetcherConfig{
			Type:            "http",
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			},
			FollowRedirects: true,
			MaxRedirects:    10,
			MaxBodySize:     10 * 1024 * 1024, // 10MB
			IdleConnTimeout: 90 * time.Second,
			MaxIdleConns:    100,
		},
		Proxy: ProxyConfig{
			Enabled:      false,
			Rotation:     "round_robin",
			HealthCheck:  true,
			RotateOnFail: true,
		},
		Storage: StorageConfig{
			Type:       "json",
			OutputPath: "./output",
			BatchSize:  100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}
