package types

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Priority levels for request scheduling.
const (
	PriorityHighest = 0
	PriorityHigh    = 1
	PriorityNormal  = 2
	PriorityLow     = 3
	PriorityLowest  = 4
)

// Request represents a unit of crawl work: an HTTP request to be fetched,
// together with the lifecycle bookkeeping the queue and crawler need to
// drive it from insertion through to a terminal outcome.
type Request struct {
	// URL is the target URL to fetch.
	URL *url.URL

	// Method is the HTTP method (GET, POST, etc.). Defaults to GET.
	Method string

	// Headers are custom HTTP headers to send with the request.
	Headers http.Header

	// Body is the request body for POST/PUT requests.
	Body []byte

	// Depth is the crawl depth from the seed URL.
	Depth int

	// Priority controls scheduling order (lower = higher priority) for
	// fetcher implementations that support priority dispatch. The queue
	// itself orders by forefront + orderNo, not by this field.
	Priority int

	// MaxRetries is carried with the request (and through the queue's wire
	// format), but the crawler does not read it: its retry limit is
	// crawler.Options.MaxRequestRetries.
	MaxRetries int

	// RetryCount tracks the current retry attempt. Monotonically
	// increasing; never reset.
	RetryCount int

	// Timeout overrides the global request timeout for this request.
	Timeout time.Duration

	// Meta stores arbitrary fetcher/parser-facing metadata. Distinct from
	// UserData: Meta is scratch space for the fetch/parse layer, UserData
	// is the field the crawl lifecycle (queue, crawler, handler) reads
	// and writes.
	Meta map[string]any

	// Tag categorizes this request (e.g., "listing", "detail", "pagination").
	Tag string

	// FetcherType selects which registered fetcher serves this request.
	FetcherType string

	// ParentURL tracks which page this request was discovered on.
	ParentURL string

	// CreatedAt is when this request was created.
	CreatedAt time.Time

	// ID is the queue-assigned identifier for this request. It is set
	// exactly once, by whichever queue first accepts the request, and
	// must never be set by callers of AddRequest beforehand.
	ID string

	// UniqueKey deduplicates requests within a single queue. Defaults to
	// the canonicalized URL if left empty when added. Stable for the
	// life of the request.
	UniqueKey string

	// UserData carries caller-defined state through the crawl lifecycle
	// (survives retries and reclaims; round-trips through a queue
	// backend unchanged).
	UserData map[string]any

	// ErrorMessages accumulates one entry per failed attempt, in order.
	ErrorMessages []string

	// HandledAt is set the instant the request reaches a terminal state
	// (MarkHandled). Nil while pending or in progress.
	HandledAt *time.Time

	// NoRetry forces immediate terminal failure handling on the first
	// error, bypassing the crawler's retry limit.
	NoRetry bool

	// Payload is an opaque request body/descriptor passed to handlers
	// that don't speak HTTP verbs directly (e.g. RPC-style fetchers).
	Payload []byte
}

// NewRequest creates a new Request with sensible defaults. The returned
// Request has no ID and no UniqueKey: a queue or request list fills in
// UniqueKey when the request is added, and only a queue assigns an ID.
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	return &Request{
		URL:         u,
		Method:      http.MethodGet,
		Headers:     make(http.Header),
		Priority:    PriorityNormal,
		MaxRetries:  3,
		FetcherType: "http",
		Meta:        make(map[string]any),
		UserData:    make(map[string]any),
		CreatedAt:   time.Now(),
	}, nil
}

// URLString returns the string representation of the request URL.
func (r *Request) URLString() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.String()
}

// Domain returns the hostname of the request URL.
func (r *Request) Domain() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.Hostname()
}

// IsHandled reports whether the request has reached a terminal state.
func (r *Request) IsHandled() bool {
	return r.HandledAt != nil
}

// MarkHandled stamps the request as terminally complete.
func (r *Request) MarkHandled(at time.Time) {
	r.HandledAt = &at
}

// AddError appends an error message. It does not touch RetryCount: per the
// crawler's retry accounting (see DESIGN.md), RetryCount advances only once
// a reclaim back onto the source actually succeeds, so a reclaim failure
// doesn't silently burn a retry the request never got to use.
func (r *Request) AddError(msg string) {
	r.ErrorMessages = append(r.ErrorMessages, msg)
}
