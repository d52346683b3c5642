// Package queue implements the durable, deduplicated, eventually-consistent
// RequestQueue: a Backend holds the source of truth, while RequestQueue
// layers the local pendingHead/inProgress/recentlyReclaimed bookkeeping and
// unique-key caching on top of it.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/webstalk-dev/webstalk/internal/types"
)

// Backend is the external storage service RequestQueue consumes.
// Implementations must be safe for concurrent use.
type Backend interface {
	Add(ctx context.Context, req *types.Request, forefront bool) (types.QueueOperationInfo, error)
	Update(ctx context.Context, req *types.Request, forefront bool) (types.QueueOperationInfo, error)
	Get(ctx context.Context, id string) (*types.Request, error)
	ListHead(ctx context.Context, limit int) (types.HeadListing, error)
	GetInfo(ctx context.Context) (types.QueueInfo, error)
	// DeleteRequest removes a single record by id, independent of Delete's
	// whole-queue teardown, so callers can cancel one in-flight URL without
	// dropping everything.
	DeleteRequest(ctx context.Context, id string) error
	Delete(ctx context.Context) error
}

// LocalBackend is a single-process, in-memory emulation of Backend. Its id
// derivation is deterministic: the same uniqueKey always hashes to the same
// id, so a crash-free single-process run needs no external store at all.
type LocalBackend struct {
	mu           sync.Mutex
	records      map[string]*types.QueueRecord // id -> record
	byKey        map[string]string             // uniqueKey -> id
	order        []string                      // ids, maintained in orderNo order
	nextOrder    float64
	forefrontSeq float64
	createdAt    time.Time
	modifiedAt   time.Time
	accessedAt   time.Time
}

// NewLocalBackend builds an empty LocalBackend.
func NewLocalBackend() *LocalBackend {
	now := time.Now()
	return &LocalBackend{
		records:    make(map[string]*types.QueueRecord),
		byKey:      make(map[string]string),
		createdAt:  now,
		modifiedAt: now,
		accessedAt: now,
	}
}

// hashUniqueKey derives a deterministic id from a uniqueKey.
func hashUniqueKey(uniqueKey string) string {
	h := sha256.Sum256([]byte(uniqueKey))
	return hex.EncodeToString(h[:12])
}

func (b *LocalBackend) uniqueKeyFor(req *types.Request) string {
	if req.UniqueKey != "" {
		return req.UniqueKey
	}
	return types.CanonicalizeURL(req.URLString())
}

// Add implements Backend.
func (b *LocalBackend) Add(ctx context.Context, req *types.Request, forefront bool) (types.QueueOperationInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	uniqueKey := b.uniqueKeyFor(req)
	if id, ok := b.byKey[uniqueKey]; ok {
		existing := b.records[id]
		return types.QueueOperationInfo{
			RequestID:         id,
			WasAlreadyPresent: true,
			WasAlreadyHandled: existing.IsHandled(),
			Request:           existing.Request,
		}, nil
	}

	id := hashUniqueKey(uniqueKey)
	req.ID = id
	req.UniqueKey = uniqueKey
	rec := &types.QueueRecord{ID: id, Request: req, OrderNo: b.orderNoFor(forefront)}
	b.records[id] = rec
	b.byKey[uniqueKey] = id
	b.insertOrdered(id, rec.OrderNo)
	b.touch()

	return types.QueueOperationInfo{RequestID: id, Request: req}, nil
}

// Update implements Backend.
func (b *LocalBackend) Update(ctx context.Context, req *types.Request, forefront bool) (types.QueueOperationInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[req.ID]
	if !ok {
		return types.QueueOperationInfo{}, &types.ValidationError{Op: "update", Err: types.ErrNotInProgress}
	}

	wasHandled := rec.IsHandled()
	rec.Request = req
	rec.HandledAt = req.HandledAt
	if forefront {
		b.removeFromOrder(req.ID)
		rec.OrderNo = b.orderNoFor(true)
		b.insertOrdered(req.ID, rec.OrderNo)
	}
	b.touch()

	return types.QueueOperationInfo{RequestID: req.ID, WasAlreadyHandled: wasHandled, Request: req}, nil
}

// Get implements Backend.
func (b *LocalBackend) Get(ctx context.Context, id string) (*types.Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accessedAt = time.Now()

	rec, ok := b.records[id]
	if !ok {
		return nil, nil
	}
	return rec.Request, nil
}

// ListHead implements Backend. A single-process backend never has multiple
// clients, so HadMultipleClients is always false here.
func (b *LocalBackend) ListHead(ctx context.Context, limit int) (types.HeadListing, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accessedAt = time.Now()

	items := make([]types.HeadItem, 0, limit)
	for _, id := range b.order {
		rec := b.records[id]
		if rec.IsHandled() {
			continue
		}
		items = append(items, types.HeadItem{ID: id, UniqueKey: rec.Request.UniqueKey})
		if len(items) >= limit {
			break
		}
	}
	return types.HeadListing{Items: items, QueueModifiedAt: b.modifiedAt, HadMultipleClients: false}, nil
}

// GetInfo implements Backend.
func (b *LocalBackend) GetInfo(ctx context.Context) (types.QueueInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var handled, pending int
	for _, rec := range b.records {
		if rec.IsHandled() {
			handled++
		} else {
			pending++
		}
	}
	return types.QueueInfo{
		TotalRequestCount:   len(b.records),
		HandledRequestCount: handled,
		PendingRequestCount: pending,
		CreatedAt:           b.createdAt,
		ModifiedAt:          b.modifiedAt,
		AccessedAt:          b.accessedAt,
	}, nil
}

// DeleteRequest implements Backend.
func (b *LocalBackend) DeleteRequest(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[id]
	if !ok {
		return nil
	}
	delete(b.records, id)
	delete(b.byKey, rec.Request.UniqueKey)
	b.removeFromOrder(id)
	b.touch()
	return nil
}

// Delete implements Backend.
func (b *LocalBackend) Delete(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = make(map[string]*types.QueueRecord)
	b.byKey = make(map[string]string)
	b.order = nil
	b.touch()
	return nil
}

func (b *LocalBackend) touch() {
	b.modifiedAt = time.Now()
	b.accessedAt = b.modifiedAt
}

// forefrontOrderBase anchors forefront order numbers far below any normal
// one, so a forefront request always sorts ahead of every non-forefront
// request regardless of how long the queue has been running.
const forefrontOrderBase = -1e15

// orderNoFor returns a sortable key: below forefrontOrderBase for forefront
// inserts, monotonically increasing for normal appends. Among forefront
// inserts themselves the key also increases with each call, so two
// back-to-back forefront adds pop in the order they were added rather than
// reversed.
func (b *LocalBackend) orderNoFor(forefront bool) float64 {
	if forefront {
		b.forefrontSeq += 1
		return forefrontOrderBase + b.forefrontSeq
	}
	b.nextOrder += 1
	return b.nextOrder
}

func (b *LocalBackend) insertOrdered(id string, orderNo float64) {
	b.order = append(b.order, id)
	sort.SliceStable(b.order, func(i, j int) bool {
		return b.records[b.order[i]].OrderNo < b.records[b.order[j]].OrderNo
	})
}

func (b *LocalBackend) removeFromOrder(id string) {
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}
