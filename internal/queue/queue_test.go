package queue

import (
	"context"
	"testing"
	"time"

	"github.com/webstalk-dev/webstalk/internal/types"
)

func mustRequest(t *testing.T, rawURL string) *types.Request {
	t.Helper()
	r, err := types.NewRequest(rawURL)
	if err != nil {
		t.Fatalf("NewRequest(%q): %v", rawURL, err)
	}
	return r
}

func TestAddRequestDedupesByUniqueKey(t *testing.T) {
	q := New(NewLocalBackend(), NewClientRegistry(), "client-1", Options{}, nil)
	ctx := context.Background()

	r1 := mustRequest(t, "https://example.com/a")
	info1, err := q.AddRequest(ctx, r1, false)
	if err != nil {
		t.Fatal(err)
	}
	if info1.WasAlreadyPresent {
		t.Fatal("first add should not be WasAlreadyPresent")
	}

	r2 := mustRequest(t, "https://example.com/a")
	info2, err := q.AddRequest(ctx, r2, false)
	if err != nil {
		t.Fatal(err)
	}
	if !info2.WasAlreadyPresent {
		t.Fatal("second add of the same URL should be WasAlreadyPresent")
	}
	if info2.RequestID != info1.RequestID {
		t.Fatalf("expected same id for duplicate uniqueKey, got %q vs %q", info1.RequestID, info2.RequestID)
	}
}

func TestAddRequestRejectsPreAssignedID(t *testing.T) {
	q := New(NewLocalBackend(), NewClientRegistry(), "client-1", Options{}, nil)
	r := mustRequest(t, "https://example.com/a")
	r.ID = "not-allowed"

	_, err := q.AddRequest(context.Background(), r, false)
	if err == nil {
		t.Fatal("expected AddRequest to reject a request with a pre-set ID")
	}
}

func TestFetchNextRequestForefrontPriority(t *testing.T) {
	q := New(NewLocalBackend(), NewClientRegistry(), "client-1", Options{}, nil)
	ctx := context.Background()

	for _, u := range []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"} {
		if _, err := q.AddRequest(ctx, mustRequest(t, u), false); err != nil {
			t.Fatal(err)
		}
	}
	urgent := mustRequest(t, "https://example.com/urgent")
	if _, err := q.AddRequest(ctx, urgent, true); err != nil {
		t.Fatal(err)
	}

	got, err := q.FetchNextRequest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.URLString() != "https://example.com/urgent" {
		t.Fatalf("expected forefront request fetched first, got %v", got)
	}
}

func TestFetchNextRequestForefrontTiesAreFIFO(t *testing.T) {
	q := New(NewLocalBackend(), NewClientRegistry(), "client-1", Options{}, nil)
	ctx := context.Background()

	if _, err := q.AddRequest(ctx, mustRequest(t, "https://example.com/normal"), false); err != nil {
		t.Fatal(err)
	}
	for _, u := range []string{"https://example.com/first", "https://example.com/second", "https://example.com/third"} {
		if _, err := q.AddRequest(ctx, mustRequest(t, u), true); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"https://example.com/first", "https://example.com/second", "https://example.com/third"}
	for _, w := range want {
		got, err := q.FetchNextRequest(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.URLString() != w {
			t.Fatalf("expected forefront requests fetched in insertion order, wanted %q, got %v", w, got)
		}
	}
}

func TestFetchReclaimMarkHandledLifecycle(t *testing.T) {
	opts := Options{StorageConsistencyDelay: 10 * time.Millisecond}
	q := New(NewLocalBackend(), NewClientRegistry(), "client-1", opts, nil)
	ctx := context.Background()

	r := mustRequest(t, "https://example.com/a")
	if _, err := q.AddRequest(ctx, r, false); err != nil {
		t.Fatal(err)
	}

	fetched, err := q.FetchNextRequest(ctx)
	if err != nil || fetched == nil {
		t.Fatalf("expected to fetch the request, got %v, err=%v", fetched, err)
	}

	// The lease check behind MarkRequestHandled and ReclaimRequest must
	// reject an id that is not currently leased.
	stray := mustRequest(t, "https://example.com/a")
	stray.ID = fetched.ID
	if err := q.requireInProgress("bogus-id"); err == nil {
		t.Fatal("expected requireInProgress to reject an id that isn't leased")
	}

	if err := q.MarkRequestHandled(ctx, fetched); err != nil {
		t.Fatalf("MarkRequestHandled: %v", err)
	}
	if q.HandledCount() != 1 {
		t.Fatalf("expected HandledCount 1, got %d", q.HandledCount())
	}

	finished, err := q.IsFinished(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !finished {
		t.Fatal("expected queue to report finished after its only request was handled")
	}
}

func TestReclaimReturnsRequestForAnotherAttempt(t *testing.T) {
	opts := Options{StorageConsistencyDelay: 10 * time.Millisecond}
	q := New(NewLocalBackend(), NewClientRegistry(), "client-1", opts, nil)
	ctx := context.Background()

	r := mustRequest(t, "https://example.com/a")
	if _, err := q.AddRequest(ctx, r, false); err != nil {
		t.Fatal(err)
	}
	fetched, err := q.FetchNextRequest(ctx)
	if err != nil || fetched == nil {
		t.Fatalf("expected to fetch the request, got %v, err=%v", fetched, err)
	}

	fetched.AddError("boom")
	if err := q.ReclaimRequest(ctx, fetched, true); err != nil {
		t.Fatalf("ReclaimRequest: %v", err)
	}

	// The reclaimed id isn't immediately visible again (StorageConsistencyDelay).
	again, err := q.FetchNextRequest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatal("expected reclaimed request to stay hidden during StorageConsistencyDelay")
	}

	time.Sleep(30 * time.Millisecond)
	again, err = q.FetchNextRequest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again == nil || again.URLString() != "https://example.com/a" {
		t.Fatalf("expected reclaimed request back after the consistency delay, got %v", again)
	}
}

func TestDropRequestRemovesSingleRecord(t *testing.T) {
	q := New(NewLocalBackend(), NewClientRegistry(), "client-1", Options{}, nil)
	ctx := context.Background()

	kept := mustRequest(t, "https://example.com/kept")
	if _, err := q.AddRequest(ctx, kept, false); err != nil {
		t.Fatal(err)
	}
	dropped := mustRequest(t, "https://example.com/dropped")
	info, err := q.AddRequest(ctx, dropped, false)
	if err != nil {
		t.Fatal(err)
	}

	if err := q.DropRequest(ctx, info.RequestID); err != nil {
		t.Fatalf("DropRequest: %v", err)
	}

	var urls []string
	for {
		got, err := q.FetchNextRequest(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			break
		}
		urls = append(urls, got.URLString())
	}
	if len(urls) != 1 || urls[0] != "https://example.com/kept" {
		t.Fatalf("expected only the non-dropped request to be fetchable, got %v", urls)
	}
}

func TestIsFinishedWaitsForMultiClientConsistency(t *testing.T) {
	clients := NewClientRegistry()
	clients.Touch("client-1")
	clients.Touch("client-2")

	opts := Options{APIProcessedRequestsDelay: 30 * time.Millisecond}
	q := New(NewLocalBackend(), clients, "client-1", opts, nil)

	finished, err := q.IsFinished(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if finished {
		t.Fatal("expected IsFinished to hold off immediately after an empty multi-client queue is observed")
	}
}
