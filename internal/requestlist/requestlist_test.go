package requestlist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/webstalk-dev/webstalk/internal/types"
)

func seedRequests(t *testing.T, urls ...string) []*types.Request {
	t.Helper()
	reqs := make([]*types.Request, len(urls))
	for i, u := range urls {
		r, err := types.NewRequest(u)
		if err != nil {
			t.Fatalf("NewRequest(%q): %v", u, err)
		}
		reqs[i] = r
	}
	return reqs
}

func TestFetchNextExhaustsInOrder(t *testing.T) {
	rl := New(seedRequests(t, "https://example.com/1", "https://example.com/2"), Options{})
	ctx := context.Background()

	first, err := rl.FetchNext(ctx)
	if err != nil || first == nil || first.URLString() != "https://example.com/1" {
		t.Fatalf("expected first seed request, got %v, err=%v", first, err)
	}
	second, err := rl.FetchNext(ctx)
	if err != nil || second == nil || second.URLString() != "https://example.com/2" {
		t.Fatalf("expected second seed request, got %v, err=%v", second, err)
	}
	third, err := rl.FetchNext(ctx)
	if err != nil || third != nil {
		t.Fatalf("expected nil once exhausted, got %v, err=%v", third, err)
	}
	if err := rl.MarkHandled(ctx, first); err != nil {
		t.Fatalf("MarkHandled(first): %v", err)
	}
	if err := rl.MarkHandled(ctx, second); err != nil {
		t.Fatalf("MarkHandled(second): %v", err)
	}
	if !rl.IsFinished() {
		t.Fatal("expected IsFinished once all entries served and handled, none reclaimed")
	}
}

func TestDeduplicationByUniqueKey(t *testing.T) {
	rl := New(seedRequests(t, "https://example.com/a", "https://example.com/a"), Options{DeduplicateByUniqueKey: true})
	if got := rl.Length(); got != 1 {
		t.Fatalf("expected deduplicated length 1, got %d", got)
	}
}

func TestReclaimRequeuesAheadOfFreshEntries(t *testing.T) {
	rl := New(seedRequests(t, "https://example.com/1", "https://example.com/2"), Options{})
	ctx := context.Background()

	first, _ := rl.FetchNext(ctx)
	if err := rl.Reclaim(ctx, first); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}

	got, err := rl.FetchNext(ctx)
	if err != nil || got == nil || got.URLString() != "https://example.com/1" {
		t.Fatalf("expected reclaimed entry served before the next fresh one, got %v, err=%v", got, err)
	}
}

func TestMarkHandledRejectsUnlistedRequest(t *testing.T) {
	rl := New(seedRequests(t, "https://example.com/1"), Options{})
	stray, _ := types.NewRequest("https://example.com/never-fetched")
	if err := rl.MarkHandled(context.Background(), stray); err == nil {
		t.Fatal("expected MarkHandled to reject a request never handed out by this list")
	}
}

func TestSnapshotRestoreTreatsInProgressAsReclaimed(t *testing.T) {
	rl := New(seedRequests(t, "https://example.com/1", "https://example.com/2", "https://example.com/3"), Options{})
	ctx := context.Background()

	first, _ := rl.FetchNext(ctx) // leaves "1" in-progress, simulating a crash before mark/reclaim
	_ = first
	_, _ = rl.FetchNext(ctx) // "2" also in-progress

	snap := rl.Snapshot()

	fresh := New(seedRequests(t, "https://example.com/1", "https://example.com/2", "https://example.com/3"), Options{})
	if err := fresh.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if fresh.IsFinished() {
		t.Fatal("restored list should still have the in-progress-turned-reclaimed entries to serve")
	}
	next, err := fresh.FetchNext(ctx)
	if err != nil || next == nil {
		t.Fatalf("expected a reclaimed entry to be servable after restore, got %v, err=%v", next, err)
	}
}

func TestFileKeyValueStoreRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	store, err := NewFileKeyValueStore(dir)
	if err != nil {
		t.Fatalf("NewFileKeyValueStore: %v", err)
	}

	snap := Snapshot{NextIndex: 3, InProgress: []string{"https://example.com/1"}, Reclaimed: []int{0, 1}}
	if err := store.Save("crawl-1", snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, found, err := store.Load("crawl-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found {
		t.Fatal("expected a previously saved snapshot to be found")
	}
	if got.NextIndex != 3 || len(got.Reclaimed) != 2 {
		t.Fatalf("round-tripped snapshot mismatch: %+v", got)
	}

	if _, found, err := store.Load("never-saved"); err != nil || found {
		t.Fatalf("expected Load for an unknown key to report not-found, got found=%v err=%v", found, err)
	}

	if _, err := os.Stat(filepath.Join(dir, "crawl-1.json")); err != nil {
		t.Fatalf("expected snapshot file on disk: %v", err)
	}
}
