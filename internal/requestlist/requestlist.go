// Package requestlist implements RequestList: a finite, ordered, restartable
// source of requests seeded from a fixed configuration, as
// opposed to RequestQueue's durable, dynamically-growing, multi-client
// store.
package requestlist

import (
	"context"
	"fmt"
	"sync"

	"github.com/webstalk-dev/webstalk/internal/types"
)

// Options configures a RequestList.
type Options struct {
	// DeduplicateByUniqueKey, when true, skips a seed entry whose
	// uniqueKey has already been seen in this list.
	DeduplicateByUniqueKey bool
}

// RequestList serves a fixed, ordered sequence of requests exactly once
// each, supporting reclaim-for-retry and persistable resume across process
// restarts.
type RequestList struct {
	opts Options

	mu          sync.Mutex
	entries     []*types.Request // the full ordered seed, indexed by position
	byUniqueKey map[string]int
	nextIndex   int
	inProgress  map[string]int // uniqueKey -> index, for requests handed out but not yet resolved
	reclaimed   []int          // indices reclaimed for re-serving, FIFO ahead of nextIndex
}

// New builds a RequestList from an ordered slice of seed requests. Each
// entry is assigned a UniqueKey (if it doesn't already have one) so it can
// be tracked across persistence snapshots.
func New(seed []*types.Request, opts Options) *RequestList {
	rl := &RequestList{
		opts:        opts,
		entries:     make([]*types.Request, 0, len(seed)),
		byUniqueKey: make(map[string]int),
		inProgress:  make(map[string]int),
	}

	seenKeys := make(map[string]struct{}, len(seed))
	for _, req := range seed {
		if req.UniqueKey == "" {
			req.UniqueKey = types.CanonicalizeURL(req.URLString())
		}
		if opts.DeduplicateByUniqueKey {
			if _, dup := seenKeys[req.UniqueKey]; dup {
				continue
			}
			seenKeys[req.UniqueKey] = struct{}{}
		}
		idx := len(rl.entries)
		rl.entries = append(rl.entries, req)
		rl.byUniqueKey[req.UniqueKey] = idx
	}

	return rl
}

// FetchNext returns the next unserved request, preferring reclaimed entries
// over fresh ones (so a retried request doesn't lose its place relative to
// never-yet-served ones), or nil if the list is exhausted.
func (rl *RequestList) FetchNext(ctx context.Context) (*types.Request, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.reclaimed) > 0 {
		idx := rl.reclaimed[0]
		rl.reclaimed = rl.reclaimed[1:]
		req := rl.entries[idx]
		rl.inProgress[req.UniqueKey] = idx
		return req, nil
	}

	if rl.nextIndex >= len(rl.entries) {
		return nil, nil
	}
	idx := rl.nextIndex
	rl.nextIndex++
	req := rl.entries[idx]
	rl.inProgress[req.UniqueKey] = idx
	return req, nil
}

// MarkHandled finalizes req, removing it from the in-progress set.
func (rl *RequestList) MarkHandled(ctx context.Context, req *types.Request) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.inProgress[req.UniqueKey]; !ok {
		return &types.ValidationError{Op: "mark_handled", Err: types.ErrNotInProgress}
	}
	delete(rl.inProgress, req.UniqueKey)
	return nil
}

// Reclaim returns req to the list for another attempt.
func (rl *RequestList) Reclaim(ctx context.Context, req *types.Request) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	idx, ok := rl.inProgress[req.UniqueKey]
	if !ok {
		return &types.ValidationError{Op: "reclaim", Err: types.ErrNotInProgress}
	}
	delete(rl.inProgress, req.UniqueKey)
	rl.reclaimed = append(rl.reclaimed, idx)
	return nil
}

// IsEmpty reports whether there is no unserved, non-reclaimed work left to
// hand out right now (in-progress entries may still return via Reclaim).
func (rl *RequestList) IsEmpty() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.reclaimed) == 0 && rl.nextIndex >= len(rl.entries)
}

// IsFinished reports whether the list has no more work to give out, ever:
// nothing pending, nothing reclaimed, and nothing still in progress.
func (rl *RequestList) IsFinished() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.reclaimed) == 0 && rl.nextIndex >= len(rl.entries) && len(rl.inProgress) == 0
}

// Length returns the total number of (deduplicated) entries in the list.
func (rl *RequestList) Length() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Snapshot captures {nextIndex, inProgress, reclaimed} for persistence.
type Snapshot struct {
	NextIndex  int      `json:"next_index"`
	InProgress []string `json:"in_progress"` // uniqueKeys
	Reclaimed  []int    `json:"reclaimed"`   // indices
}

// Snapshot returns the current persistable state.
func (rl *RequestList) Snapshot() Snapshot {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	inProgress := make([]string, 0, len(rl.inProgress))
	for k := range rl.inProgress {
		inProgress = append(inProgress, k)
	}
	reclaimed := make([]int, len(rl.reclaimed))
	copy(reclaimed, rl.reclaimed)

	return Snapshot{NextIndex: rl.nextIndex, InProgress: inProgress, Reclaimed: reclaimed}
}

// Restore reapplies a previously captured Snapshot. In-progress entries
// from the prior run are treated as reclaimed, since the process that held
// them is gone and can no longer mark them handled.
func (rl *RequestList) Restore(snap Snapshot) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if snap.NextIndex > len(rl.entries) {
		return fmt.Errorf("snapshot nextIndex %d exceeds list length %d", snap.NextIndex, len(rl.entries))
	}

	rl.nextIndex = snap.NextIndex
	rl.inProgress = make(map[string]int)
	rl.reclaimed = append([]int(nil), snap.Reclaimed...)

	for _, key := range snap.InProgress {
		idx, ok := rl.byUniqueKey[key]
		if !ok {
			continue
		}
		rl.reclaimed = append(rl.reclaimed, idx)
	}

	return nil
}
