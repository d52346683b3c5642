package config

import (
	"fmt"
	"net/url"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Pool.MinConcurrency < 1 {
		return fmt.Errorf("pool.min_concurrency must be >= 1, got %d", cfg.Pool.MinConcurrency)
	}
	if cfg.Pool.MaxConcurrency < cfg.Pool.MinConcurrency {
		return fmt.Errorf("pool.max_concurrency (%d) must be >= pool.min_concurrency (%d)", cfg.Pool.MaxConcurrency, cfg.Pool.MinConcurrency)
	}
	if cfg.Pool.MinFreeMemoryRatio <= 0 || cfg.Pool.MinFreeMemoryRatio >= 1 {
		return fmt.Errorf("pool.min_free_memory_ratio must be in (0, 1), got %f", cfg.Pool.MinFreeMemoryRatio)
	}

	if cfg.Crawler.MaxRequestRetries < 0 {
		return fmt.Errorf("crawler.max_request_retries must be >= 0, got %d", cfg.Crawler.MaxRequestRetries)
	}
	if cfg.Crawler.MaxRequestsPerCrawl < 0 {
		return fmt.Errorf("crawler.max_requests_per_crawl must be >= 0, got %d", cfg.Crawler.MaxRequestsPerCrawl)
	}
	if cfg.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0, got %d", cfg.Crawler.MaxDepth)
	}
	if cfg.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}

	if cfg.Queue.Backend != "local" && cfg.Queue.Backend != "mongo" {
		return fmt.Errorf("queue.backend must be 'local' or 'mongo', got %q", cfg.Queue.Backend)
	}
	if cfg.Queue.Backend == "mongo" && cfg.Queue.MongoURI == "" {
		return fmt.Errorf("queue.mongo_uri is required when queue.backend is 'mongo'")
	}

	if cfg.Fetcher.MaxBodySize <= 0 {
		return fmt.Errorf("fetcher.max_body_size must be > 0")
	}
	if cfg.Fetcher.MaxRedirects < 0 {
		return fmt.Errorf("fetcher.max_redirects must be >= 0")
	}
	if cfg.Fetcher.Type != "http" {
		return fmt.Errorf("fetcher.type must be 'http', got %q", cfg.Fetcher.Type)
	}

	if cfg.Proxy.Enabled {
		if cfg.Proxy.Rotation != "round_robin" && cfg.Proxy.Rotation != "random" {
			return fmt.Errorf("proxy.rotation must be 'round_robin' or 'random', got %q", cfg.Proxy.Rotation)
		}
		for _, proxyURL := range cfg.Proxy.URLs {
			if _, err := url.Parse(proxyURL); err != nil {
				return fmt.Errorf("invalid proxy URL %q: %w", proxyURL, err)
			}
		}
	}

	validStorageTypes := map[string]bool{
		"json": true, "jsonl": true, "csv": true,
	}
	if !validStorageTypes[cfg.Storage.Type] {
		return fmt.Errorf("storage.type %q is not supported (valid: json, jsonl, csv)", cfg.Storage.Type)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	return nil
}

// ValidateURL checks if a URL string is valid for crawling.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
