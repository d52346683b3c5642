package fetcher

import (
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"

	"github.com/webstalk-dev/webstalk/internal/config"
)

// maxProxyFailures is how many consecutive fetch failures a proxy absorbs
// before it is dropped from rotation (when rotate_on_fail is set).
const maxProxyFailures = 3

// ProxyRotator cycles fetch traffic across a proxy pool. Selection happens
// inside the http.Transport's Proxy hook; the fetcher reports failures back
// via MarkLastFailed so repeatedly failing proxies drop out of rotation.
type ProxyRotator struct {
	rotation     string
	rotateOnFail bool
	log          *slog.Logger

	mu      sync.Mutex
	entries []*proxyState
	next    int
	last    *proxyState
}

type proxyState struct {
	url      *url.URL
	failures int
	disabled bool
}

// NewProxyRotator builds a rotator from configuration, skipping unparsable
// proxy URLs.
func NewProxyRotator(cfg *config.ProxyConfig, log *slog.Logger) *ProxyRotator {
	r := &ProxyRotator{
		rotation:     cfg.Rotation,
		rotateOnFail: cfg.RotateOnFail,
		log:          log.With("component", "proxy_rotator"),
	}
	for _, rawURL := range cfg.URLs {
		u, err := url.Parse(rawURL)
		if err != nil {
			log.Warn("invalid proxy URL", "url", rawURL, "error", err)
			continue
		}
		r.entries = append(r.entries, &proxyState{url: u})
	}
	r.log.Info("proxy rotation enabled", "count", len(r.entries), "rotation", cfg.Rotation)
	return r
}

// ProxyFunc returns an http.Transport-compatible proxy selection function.
func (r *ProxyRotator) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		if p := r.pick(); p != nil {
			return p, nil
		}
		return nil, nil // pool exhausted, fall back to a direct connection
	}
}

// pick selects the next active proxy per the rotation strategy, remembering
// it so a subsequent MarkLastFailed can attribute the failure.
func (r *ProxyRotator) pick() *url.URL {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := make([]*proxyState, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.disabled {
			active = append(active, e)
		}
	}
	if len(active) == 0 {
		return nil
	}

	var chosen *proxyState
	if r.rotation == "random" {
		chosen = active[rand.Intn(len(active))]
	} else { // round_robin
		chosen = active[r.next%len(active)]
		r.next++
	}
	r.last = chosen
	return chosen.url
}

// MarkLastFailed charges a fetch failure against the most recently selected
// proxy. After maxProxyFailures consecutive failures the proxy is dropped
// from rotation (if rotate_on_fail is configured); any success resets the
// count via MarkLastOK.
func (r *ProxyRotator) MarkLastFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return
	}
	r.last.failures++
	if r.rotateOnFail && r.last.failures >= maxProxyFailures && !r.last.disabled {
		r.last.disabled = true
		r.log.Warn("proxy dropped from rotation",
			"proxy", r.last.url.Host,
			"failures", r.last.failures,
			"error", err,
		)
	}
}

// MarkLastOK resets the failure count of the most recently selected proxy.
func (r *ProxyRotator) MarkLastOK() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last != nil {
		r.last.failures = 0
	}
}

// ActiveCount returns how many proxies remain in rotation.
func (r *ProxyRotator) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if !e.disabled {
			n++
		}
	}
	return n
}
