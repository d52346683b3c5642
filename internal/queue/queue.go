package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/webstalk-dev/webstalk/internal/types"
)

// queryHeadMinLength is the minimum listHead page size RequestQueue asks
// the backend for when refilling pendingHead.
const queryHeadMinLength = 25

// cacheEntry is what the unique-key LRU stores.
type cacheEntry struct {
	id                string
	wasAlreadyHandled bool
}

// Options configures a RequestQueue's consistency-delay windows. Both
// delays are anti-flake windows, not correctness guarantees; tests shrink
// them to keep runtimes short.
type Options struct {
	// StorageConsistencyDelay bounds how long a just-written record may
	// still read stale or absent on a subsequent Get/listHead.
	StorageConsistencyDelay time.Duration
	// APIProcessedRequestsDelay bounds how stale queueModifiedAt may be
	// before a multi-client queue is allowed to declare itself finished.
	APIProcessedRequestsDelay time.Duration
	// UniqueKeyCacheSize bounds the unique-key LRU's entry count.
	UniqueKeyCacheSize int
}

func (o Options) withDefaults() Options {
	if o.StorageConsistencyDelay <= 0 {
		o.StorageConsistencyDelay = 3 * time.Second
	}
	if o.APIProcessedRequestsDelay <= 0 {
		o.APIProcessedRequestsDelay = 10 * time.Second
	}
	if o.UniqueKeyCacheSize <= 0 {
		o.UniqueKeyCacheSize = 100_000
	}
	return o
}

// RequestQueue layers local bookkeeping (pendingHead, inProgress,
// recentlyReclaimed, unique-key cache) on top of a Backend. The cache is an
// explicit field of one RequestQueue instance, never a process-wide
// singleton, so multiple independent queues in the same process don't
// cross-pollinate.
type RequestQueue struct {
	backend  Backend
	clients  *ClientRegistry
	clientID string
	log      *slog.Logger
	opts     Options

	mu                sync.Mutex
	pendingHead       []types.HeadItem
	inProgress        map[string]struct{}
	recentlyReclaimed map[string]struct{}
	uniqueKeyCache    *lru.Cache

	// Client-local estimates: how many requests this instance has added and
	// handled. Only ever used to short-circuit IsFinished — never reported
	// as authoritative counts (GetInfo asks the backend for those).
	assumedTotalCount   int
	assumedHandledCount int
}

// New builds a RequestQueue over backend. clientID identifies this process
// to the shared ClientRegistry so IsFinished can tell single-client
// from multi-client consistency requirements apart.
func New(backend Backend, clients *ClientRegistry, clientID string, opts Options, log *slog.Logger) *RequestQueue {
	opts = opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &RequestQueue{
		backend:           backend,
		clients:           clients,
		clientID:          clientID,
		log:               log.With("component", "request_queue"),
		opts:              opts,
		inProgress:        make(map[string]struct{}),
		recentlyReclaimed: make(map[string]struct{}),
		uniqueKeyCache:    lru.New(opts.UniqueKeyCacheSize),
	}
}

// AddRequest adds req to the queue. It rejects requests that already carry
// an ID; ids are assigned by the queue.
func (q *RequestQueue) AddRequest(ctx context.Context, req *types.Request, forefront bool) (types.QueueOperationInfo, error) {
	if req.ID != "" {
		return types.QueueOperationInfo{}, &types.ValidationError{Op: "add_request", Err: types.ErrRequestIDAlreadySet}
	}

	uniqueKey := req.UniqueKey
	if uniqueKey == "" {
		uniqueKey = types.CanonicalizeURL(req.URLString())
		req.UniqueKey = uniqueKey
	}

	q.mu.Lock()
	if v, ok := q.uniqueKeyCache.Get(uniqueKey); ok {
		entry := v.(cacheEntry)
		q.mu.Unlock()
		req.ID = entry.id
		return types.QueueOperationInfo{RequestID: entry.id, WasAlreadyPresent: true, WasAlreadyHandled: entry.wasAlreadyHandled, Request: req}, nil
	}
	q.mu.Unlock()

	if q.clients != nil {
		q.clients.Touch(q.clientID)
	}

	info, err := q.backend.Add(ctx, req, forefront)
	if err != nil {
		return types.QueueOperationInfo{}, err
	}

	q.mu.Lock()
	q.uniqueKeyCache.Add(uniqueKey, cacheEntry{id: info.RequestID, wasAlreadyHandled: info.WasAlreadyHandled})
	if !info.WasAlreadyPresent {
		q.assumedTotalCount++
	}
	q.mu.Unlock()

	return info, nil
}

// FetchNextRequest leases the next pending request to this client. It
// returns (nil, nil) when nothing is available right now.
func (q *RequestQueue) FetchNextRequest(ctx context.Context) (*types.Request, error) {
	if q.clients != nil {
		q.clients.Touch(q.clientID)
	}

	id, ok, err := q.popPendingHead(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	req, err := q.backend.Get(ctx, id)
	if err != nil {
		q.releaseInProgress(id)
		return nil, err
	}
	if req == nil {
		// Eventual-consistency hole: the id we just listed isn't readable
		// yet. Keep it marked in-progress until StorageConsistencyDelay
		// elapses so the same stale id isn't immediately re-listed, then
		// let the next listHead pick it up again.
		time.AfterFunc(q.opts.StorageConsistencyDelay, func() {
			q.releaseInProgress(id)
		})
		return nil, nil
	}

	return req, nil
}

// popPendingHead pops the lowest-ordered id off the local head cache,
// refilling it from the backend if empty.
func (q *RequestQueue) popPendingHead(ctx context.Context) (string, bool, error) {
	q.mu.Lock()
	if len(q.pendingHead) == 0 {
		q.mu.Unlock()
		if err := q.refillPendingHead(ctx); err != nil {
			return "", false, err
		}
		q.mu.Lock()
	}
	if len(q.pendingHead) == 0 {
		q.mu.Unlock()
		return "", false, nil
	}

	item := q.pendingHead[0]
	q.pendingHead = q.pendingHead[1:]
	q.inProgress[item.ID] = struct{}{}
	q.mu.Unlock()

	return item.ID, true, nil
}

func (q *RequestQueue) refillPendingHead(ctx context.Context) error {
	listing, err := q.backend.ListHead(ctx, queryHeadMinLength)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range listing.Items {
		if _, inProg := q.inProgress[item.ID]; inProg {
			continue
		}
		if _, reclaimed := q.recentlyReclaimed[item.ID]; reclaimed {
			continue
		}
		q.pendingHead = append(q.pendingHead, item)
		q.uniqueKeyCache.Add(item.UniqueKey, cacheEntry{id: item.ID})
	}
	return nil
}

func (q *RequestQueue) releaseInProgress(id string) {
	q.mu.Lock()
	delete(q.inProgress, id)
	q.mu.Unlock()
}

// ReclaimRequest returns a leased request to the queue for another
// attempt. The id stays in inProgress for StorageConsistencyDelay after a
// successful update so a reclaim is not immediately re-fetched against
// stale backend state.
func (q *RequestQueue) ReclaimRequest(ctx context.Context, req *types.Request, forefront bool) error {
	if err := q.requireInProgress(req.ID); err != nil {
		return err
	}

	_, err := q.backend.Update(ctx, req, forefront)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.recentlyReclaimed[req.ID] = struct{}{}
	q.mu.Unlock()

	time.AfterFunc(q.opts.StorageConsistencyDelay, func() {
		q.mu.Lock()
		delete(q.inProgress, req.ID)
		delete(q.recentlyReclaimed, req.ID)
		alreadyPending := false
		for _, item := range q.pendingHead {
			if item.ID == req.ID {
				alreadyPending = true
				break
			}
		}
		if !alreadyPending {
			q.pendingHead = append(q.pendingHead, types.HeadItem{ID: req.ID, UniqueKey: req.UniqueKey})
		}
		q.mu.Unlock()
	})

	return nil
}

// MarkRequestHandled finalizes req: it can never be fetched again.
func (q *RequestQueue) MarkRequestHandled(ctx context.Context, req *types.Request) error {
	if err := q.requireInProgress(req.ID); err != nil {
		return err
	}

	now := time.Now()
	req.MarkHandled(now)
	if _, err := q.backend.Update(ctx, req, false); err != nil {
		return err
	}

	q.releaseInProgress(req.ID)
	q.mu.Lock()
	q.assumedHandledCount++
	if v, ok := q.uniqueKeyCache.Get(req.UniqueKey); ok {
		entry := v.(cacheEntry)
		entry.wasAlreadyHandled = true
		q.uniqueKeyCache.Add(req.UniqueKey, entry)
	}
	q.mu.Unlock()

	return nil
}

func (q *RequestQueue) requireInProgress(id string) error {
	q.mu.Lock()
	_, ok := q.inProgress[id]
	q.mu.Unlock()
	if !ok {
		return &types.ValidationError{Op: "reclaim_or_mark_handled", Err: types.ErrNotInProgress}
	}
	return nil
}

// IsEmpty reports whether the queue has no pending work visible right now.
func (q *RequestQueue) IsEmpty(ctx context.Context) (bool, error) {
	q.mu.Lock()
	hasPending := len(q.pendingHead) > 0
	q.mu.Unlock()
	if hasPending {
		return false, nil
	}

	listing, err := q.backend.ListHead(ctx, queryHeadMinLength)
	if err != nil {
		return false, err
	}
	return len(listing.Items) == 0, nil
}

// IsFinished reports whether all work is done, accounting for the lag a
// multi-client backend needs before an empty head can be trusted.
func (q *RequestQueue) IsFinished(ctx context.Context) (bool, error) {
	q.mu.Lock()
	busy := len(q.inProgress) > 0 || len(q.pendingHead) > 0
	// If this client knows it added more than it has seen handled, skip the
	// backend round-trip entirely: something is still pending somewhere.
	if q.assumedTotalCount > 0 && q.assumedTotalCount > q.assumedHandledCount {
		busy = true
	}
	q.mu.Unlock()
	if busy {
		return false, nil
	}

	const maxRetries = 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		listing, err := q.backend.ListHead(ctx, queryHeadMinLength)
		if err != nil {
			return false, err
		}
		if len(listing.Items) > 0 {
			return false, nil
		}

		hadMultiple := listing.HadMultipleClients
		if q.clients != nil && q.clients.HadMultipleClients() {
			hadMultiple = true
		}
		if !hadMultiple {
			return true, nil
		}

		if time.Since(listing.QueueModifiedAt) >= q.opts.APIProcessedRequestsDelay {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(q.opts.APIProcessedRequestsDelay / time.Duration(maxRetries)):
		}
	}
	return false, nil
}

// DropRequest removes a single request by id without tearing down the
// whole queue, clearing any local bookkeeping that still references it so a
// dropped id is never re-served from pendingHead.
func (q *RequestQueue) DropRequest(ctx context.Context, id string) error {
	if err := q.backend.DeleteRequest(ctx, id); err != nil {
		return err
	}

	q.mu.Lock()
	delete(q.inProgress, id)
	delete(q.recentlyReclaimed, id)
	for i, item := range q.pendingHead {
		if item.ID == id {
			q.pendingHead = append(q.pendingHead[:i], q.pendingHead[i+1:]...)
			break
		}
	}
	// A dropped request will never be marked handled; un-count it so the
	// added-vs-handled short-circuit in IsFinished can still converge.
	if q.assumedTotalCount > 0 {
		q.assumedTotalCount--
	}
	q.mu.Unlock()

	return nil
}

// GetInfo returns the backend's view of the queue's counters.
func (q *RequestQueue) GetInfo(ctx context.Context) (types.QueueInfo, error) {
	return q.backend.GetInfo(ctx)
}

// Drop deletes all backend state for this queue.
func (q *RequestQueue) Drop(ctx context.Context) error {
	return q.backend.Delete(ctx)
}

// HandledCount returns the number of requests this instance has marked
// handled since construction.
func (q *RequestQueue) HandledCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.assumedHandledCount
}
