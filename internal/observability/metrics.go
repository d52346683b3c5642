// Package observability exposes crawl-core and fetch/pipeline metrics in
// Prometheus exposition format.
package observability

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects operational metrics for a crawl: fetch/response/item
// counters carried over from the fetch pipeline, plus the pool/queue gauges
// an AutoscaledPool-driven crawl needs (concurrency, running count, memory
// and CPU overload flags, queue depth).
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal  prometheus.Counter
	requestsFailed prometheus.Counter

	responsesTotal prometheus.Counter
	responses2xx   prometheus.Counter
	responses3xx   prometheus.Counter
	responses4xx   prometheus.Counter
	responses5xx   prometheus.Counter

	itemsScraped prometheus.Counter
	itemsDropped prometheus.Counter
	itemsStored  prometheus.Counter

	bytesDownloaded prometheus.Counter

	poolConcurrency      prometheus.Gauge
	poolRunningCount     prometheus.Gauge
	poolMemoryOverloaded prometheus.Gauge
	poolCPUOverloaded    prometheus.Gauge
	queueDepth           prometheus.Gauge
	handledTotal         prometheus.Counter
	handleLatency        prometheus.Histogram

	logger *slog.Logger
}

// NewMetrics builds a Metrics collector on its own registry (rather than
// prometheus's global DefaultRegisterer), so more than one crawl can run
// metrics-enabled in the same process — e.g. in tests — without a duplicate
// registration panic.
func NewMetrics(logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		logger:   logger.With("component", "metrics"),

		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webstalk_requests_total", Help: "Total requests attempted.",
		}),
		requestsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webstalk_requests_failed_total", Help: "Requests that reached terminal failure.",
		}),
		responsesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webstalk_responses_total", Help: "Total responses received.",
		}),
		responses2xx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webstalk_responses_2xx_total", Help: "2xx responses received.",
		}),
		responses3xx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webstalk_responses_3xx_total", Help: "3xx responses received.",
		}),
		responses4xx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webstalk_responses_4xx_total", Help: "4xx responses received.",
		}),
		responses5xx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webstalk_responses_5xx_total", Help: "5xx responses received.",
		}),
		itemsScraped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webstalk_items_scraped_total", Help: "Items extracted by the pipeline.",
		}),
		itemsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webstalk_items_dropped_total", Help: "Items dropped by a pipeline stage.",
		}),
		itemsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webstalk_items_stored_total", Help: "Items successfully persisted.",
		}),
		bytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webstalk_bytes_downloaded_total", Help: "Total response bytes downloaded.",
		}),
		poolConcurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webstalk_pool_concurrency", Help: "Current AutoscaledPool concurrency target.",
		}),
		poolRunningCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webstalk_pool_running_count", Help: "Tasks currently in flight.",
		}),
		poolMemoryOverloaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webstalk_pool_memory_overloaded", Help: "1 if the last autoscale tick saw the memory window overloaded.",
		}),
		poolCPUOverloaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webstalk_pool_cpu_overloaded", Help: "1 if the last autoscale tick saw the CPU window overloaded.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webstalk_queue_depth", Help: "Approximate pending request count of the request queue.",
		}),
		handledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webstalk_handled_requests_total", Help: "Requests marked handled (success or terminal failure).",
		}),
		handleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "webstalk_handle_duration_seconds", Help: "Time spent in the request handler.", Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.requestsTotal, m.requestsFailed,
		m.responsesTotal, m.responses2xx, m.responses3xx, m.responses4xx, m.responses5xx,
		m.itemsScraped, m.itemsDropped, m.itemsStored, m.bytesDownloaded,
		m.poolConcurrency, m.poolRunningCount, m.poolMemoryOverloaded, m.poolCPUOverloaded,
		m.queueDepth, m.handledTotal, m.handleLatency,
	)

	return m
}

// RecordRequest increments the attempted-requests counter.
func (m *Metrics) RecordRequest() { m.requestsTotal.Inc() }

// RecordFailed increments the terminally-failed-requests counter.
func (m *Metrics) RecordFailed() { m.requestsFailed.Inc() }

// RecordResponse records a response's status class and byte count.
func (m *Metrics) RecordResponse(statusCode int, contentLength int64) {
	m.responsesTotal.Inc()
	switch {
	case statusCode >= 200 && statusCode < 300:
		m.responses2xx.Inc()
	case statusCode >= 300 && statusCode < 400:
		m.responses3xx.Inc()
	case statusCode >= 400 && statusCode < 500:
		m.responses4xx.Inc()
	case statusCode >= 500:
		m.responses5xx.Inc()
	}
	if contentLength > 0 {
		m.bytesDownloaded.Add(float64(contentLength))
	}
}

// RecordItemScraped, RecordItemDropped and RecordItemStored record the
// outcome of a pipeline item.
func (m *Metrics) RecordItemScraped() { m.itemsScraped.Inc() }
func (m *Metrics) RecordItemDropped() { m.itemsDropped.Inc() }
func (m *Metrics) RecordItemStored()  { m.itemsStored.Inc() }

// RecordHandled records that a request was marked handled, along with how
// long its handler call took.
func (m *Metrics) RecordHandled(duration float64) {
	m.handledTotal.Inc()
	m.handleLatency.Observe(duration)
}

// UpdatePoolStats updates the pool/queue gauges. Intended to be called from
// the pool's loggingInterval tick or an equivalent periodic sampler.
func (m *Metrics) UpdatePoolStats(concurrency, runningCount int, memOverloaded, cpuOverloaded bool, queueDepth int) {
	m.poolConcurrency.Set(float64(concurrency))
	m.poolRunningCount.Set(float64(runningCount))
	m.poolMemoryOverloaded.Set(boolToFloat(memOverloaded))
	m.poolCPUOverloaded.Set(boolToFloat(cpuOverloaded))
	m.queueDepth.Set(float64(queueDepth))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ServeHTTP exposes the collected metrics in Prometheus text format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// StartServer starts the metrics HTTP server on a background goroutine.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("metrics server starting", "addr", addr, "path", path)

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}
