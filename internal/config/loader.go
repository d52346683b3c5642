package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from defaults, the config file, and environment
// variables. Priority (highest to lowest): env vars > config file > defaults.
// CLI flag overrides are not read here; the caller applies them after Load.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	// Set defaults from struct
	setDefaults(v, cfg)

	// Environment variable support
	v.SetEnvPrefix("WEBSTALK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search default locations
		v.SetConfigName("webstalk")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".webstalk"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is okay if not explicitly specified
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	return Load(path)
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("pool.min_concurrency", cfg.Pool.MinConcurrency)
	v.SetDefault("pool.max_concurrency", cfg.Pool.MaxConcurrency)
	v.SetDefault("pool.desired_concurrency_ratio", cfg.Pool.DesiredConcurrencyRatio)
	v.SetDefault("pool.scale_up_step_ratio", cfg.Pool.ScaleUpStepRatio)
	v.SetDefault("pool.scale_down_step_ratio", cfg.Pool.ScaleDownStepRatio)
	v.SetDefault("pool.maybe_run_interval", cfg.Pool.MaybeRunInterval)
	v.SetDefault("pool.autoscale_interval", cfg.Pool.AutoscaleInterval)
	v.SetDefault("pool.task_timeout", cfg.Pool.TaskTimeout)
	v.SetDefault("pool.max_memory_bytes", cfg.Pool.MaxMemoryBytes)
	v.SetDefault("pool.min_free_memory_ratio", cfg.Pool.MinFreeMemoryRatio)
	v.SetDefault("pool.logging_interval", cfg.Pool.LoggingInterval)
	v.SetDefault("pool.scale_up_window", cfg.Pool.ScaleUpWindow)
	v.SetDefault("pool.scale_down_window", cfg.Pool.ScaleDownWindow)
	v.SetDefault("pool.scale_up_tick_every", cfg.Pool.ScaleUpTickEvery)
	v.SetDefault("pool.scale_up_max_step", cfg.Pool.ScaleUpMaxStep)
	v.SetDefault("pool.ignore_main_process", cfg.Pool.IgnoreMainProcess)

	v.SetDefault("crawler.max_request_retries", cfg.Crawler.MaxRequestRetries)
	v.SetDefault("crawler.max_requests_per_crawl", cfg.Crawler.MaxRequestsPerCrawl)
	v.SetDefault("crawler.max_depth", cfg.Crawler.MaxDepth)
	v.SetDefault("crawler.allowed_domains", cfg.Crawler.AllowedDomains)
	v.SetDefault("crawler.request_timeout", cfg.Crawler.RequestTimeout)
	v.SetDefault("crawler.handle_page_timeout", cfg.Crawler.HandlePageTimeout)
	v.SetDefault("crawler.reclaim_forefront", cfg.Crawler.ReclaimForefront)
	v.SetDefault("crawler.retry_backoff_base", cfg.Crawler.RetryBackoffBase)

	v.SetDefault("queue.backend", cfg.Queue.Backend)
	v.SetDefault("queue.mongo_uri", cfg.Queue.MongoURI)
	v.SetDefault("queue.mongo_database", cfg.Queue.MongoDatabase)
	v.SetDefault("queue.mongo_collection", cfg.Queue.MongoCollection)
	v.SetDefault("queue.client_id", cfg.Queue.ClientID)
	v.SetDefault("queue.storage_consistency_delay", cfg.Queue.StorageConsistencyDelay)
	v.SetDefault("queue.api_processed_requests_delay", cfg.Queue.APIProcessedRequestsDelay)
	v.SetDefault("queue.unique_key_cache_size", cfg.Queue.UniqueKeyCacheSize)

	v.SetDefault("fetcher.type", cfg.Fetcher.Type)
	v.SetDefault("fetcher.user_agents", cfg.Fetcher.UserAgents)
	v.SetDefault("fetcher.follow_redirects", cfg.Fetcher.FollowRedirects)
	v.SetDefault("fetcher.max_redirects", cfg.Fetcher.MaxRedirects)
	v.SetDefault("fetcher.max_body_size", cfg.Fetcher.MaxBodySize)
	v.SetDefault("fetcher.idle_conn_timeout", cfg.Fetcher.IdleConnTimeout)
	v.SetDefault("fetcher.max_idle_conns", cfg.Fetcher.MaxIdleConns)

	v.SetDefault("proxy.enabled", cfg.Proxy.Enabled)
	v.SetDefault("proxy.rotation", cfg.Proxy.Rotation)
	v.SetDefault("proxy.health_check", cfg.Proxy.HealthCheck)
	v.SetDefault("proxy.rotate_on_fail", cfg.Proxy.RotateOnFail)

	v.SetDefault("storage.type", cfg.Storage.Type)
	v.SetDefault("storage.output_path", cfg.Storage.OutputPath)
	v.SetDefault("storage.batch_size", cfg.Storage.BatchSize)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
