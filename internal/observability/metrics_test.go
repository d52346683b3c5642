package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsServeHTTPExposesRecordedCounters(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordRequest()
	m.RecordResponse(200, 1024)
	m.RecordItemScraped()
	m.UpdatePoolStats(4, 2, false, true, 7)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"webstalk_requests_total 1",
		"webstalk_responses_2xx_total 1",
		"webstalk_items_scraped_total 1",
		"webstalk_pool_concurrency 4",
		"webstalk_pool_cpu_overloaded 1",
		"webstalk_queue_depth 7",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestNewMetricsAllowsMultipleIndependentInstances(t *testing.T) {
	// Each Metrics owns its own registry, so constructing a second one must
	// not panic with a duplicate-registration error the way it would against
	// prometheus's global DefaultRegisterer.
	_ = NewMetrics(nil)
	_ = NewMetrics(nil)
}
