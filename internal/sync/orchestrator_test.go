package sync

import (
	"context"
	"testing"
	"time"

	"github.com/avask/pcontext/internal/storage"
	"github.com/avask/pcontext/internal/upstream"
)

func testOrchestrator(t *testing.T, store *storage.Store, registry *upstream.Registry, collections []string) *Orchestrator {
	t.Helper()
	r := NewReconciler(store, &fakeEmbedder{})
	return NewOrchestrator(store, registry, r, Options{
		Interval: time.Minute,
		Collections: func() ([]string, error) {
			return collections, nil
		},
	})
}

func TestSyncCollectionWritesCheckpoint(t *testing.T) {
	store := openTestStore(t)
	registry := upstream.NewRegistry()
	registry.Register("outline", newFakeProvider("col-a", makeDocs(2, time.Now().UTC())))
	o := testOrchestrator(t, store, registry, []string{"col-a"})

	before := time.Now().UTC().Add(-time.Second)
	res := o.SyncCollection(context.Background(), "col-a", "outline")

	if !res.Success || res.Result == nil || res.Result.Created != 2 {
		t.Fatalf("result = %+v", res)
	}

	state, err := store.GetSyncState("col-a")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if state.Status != storage.SyncStatusIdle {
		t.Errorf("status = %q, want idle", state.Status)
	}
	if state.LastPullAt == nil || state.LastPullAt.Before(before) {
		t.Errorf("checkpoint = %v, want >= %v", state.LastPullAt, before)
	}
}

func TestSyncCollectionRejectedWhileSyncing(t *testing.T) {
	store := openTestStore(t)
	registry := upstream.NewRegistry()
	registry.Register("outline", newFakeProvider("col-a", nil))
	o := testOrchestrator(t, store, registry, []string{"col-a"})

	if won, err := store.TryBeginSync("col-a"); err != nil || !won {
		t.Fatalf("TryBeginSync: won=%v err=%v", won, err)
	}

	res := o.SyncCollection(context.Background(), "col-a", "outline")
	if !res.InProgress {
		t.Errorf("result = %+v, want InProgress", res)
	}
}

func TestSyncCollectionUnknownProvider(t *testing.T) {
	store := openTestStore(t)
	o := testOrchestrator(t, store, upstream.NewRegistry(), nil)

	res := o.SyncCollection(context.Background(), "col-a", "nope")
	if res.Err == "" {
		t.Error("expected error for unregistered provider")
	}
}

// TestSyncCollectionErrorStillAdvancesCheckpoint verifies the checkpoint is
// written even when the pass fails, and the error lands in sync_state.
func TestSyncCollectionErrorStillAdvancesCheckpoint(t *testing.T) {
	store := openTestStore(t)
	provider := newFakeProvider("col-a", makeDocs(2, time.Now().UTC()))
	provider.failListAtOffset = 0
	registry := upstream.NewRegistry()
	registry.Register("outline", provider)
	o := testOrchestrator(t, store, registry, []string{"col-a"})

	res := o.SyncCollection(context.Background(), "col-a", "outline")
	if res.Success {
		t.Fatalf("result = %+v, want failure", res)
	}

	state, err := store.GetSyncState("col-a")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if state.Status != storage.SyncStatusError {
		t.Errorf("status = %q, want error", state.Status)
	}
	if state.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
	if state.LastPullAt == nil {
		t.Error("checkpoint not advanced on failure")
	}
}

func TestStartStop(t *testing.T) {
	store := openTestStore(t)
	registry := upstream.NewRegistry()
	registry.Register("outline", newFakeProvider("col-a", makeDocs(1, time.Now().UTC())))
	o := testOrchestrator(t, store, registry, []string{"col-a"})

	o.Start()
	if !o.Running() {
		t.Fatal("orchestrator not running after Start")
	}
	// Idempotent: a second Start must not panic or spawn a second loop.
	o.Start()

	// Wait for the first background pass to land.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := store.GetSyncState("col-a"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background pass never synced col-a")
		}
		time.Sleep(10 * time.Millisecond)
	}

	o.Stop()
	if o.Running() {
		t.Error("orchestrator still running after Stop")
	}

	// Stop on a stopped orchestrator is a no-op.
	o.Stop()
}

// TestStopConcurrent races two Stop calls against each other; only one may
// close the stop channel.
func TestStopConcurrent(t *testing.T) {
	store := openTestStore(t)
	registry := upstream.NewRegistry()
	registry.Register("outline", newFakeProvider("col-a", nil))
	o := testOrchestrator(t, store, registry, []string{"col-a"})

	for i := 0; i < 100; i++ {
		o.Start()

		barrier := make(chan struct{})
		done := make(chan struct{}, 2)
		for j := 0; j < 2; j++ {
			go func() {
				<-barrier
				o.Stop()
				done <- struct{}{}
			}()
		}
		close(barrier)
		<-done
		<-done

		if o.Running() {
			t.Fatal("orchestrator still running after Stop")
		}
	}
}

func TestFullResyncRebuildsFromScratch(t *testing.T) {
	store := openTestStore(t)

	// Pre-existing local-only junk that the wipe must remove.
	stale := storage.ContentRecord{SourceType: "manual", SourceID: "junk", Title: "Junk", Content: "junk"}
	if _, err := store.CreateContent(stale, []float32{1}); err != nil {
		t.Fatalf("CreateContent: %v", err)
	}

	registry := upstream.NewRegistry()
	// Alphabetical registry order puts "empty" first; resync must fall
	// through to the provider that owns the collection.
	registry.Register("empty", newFakeProvider("other-col", nil))
	registry.Register("outline", newFakeProvider("col-a", makeDocs(5, time.Now().UTC())))
	o := testOrchestrator(t, store, registry, []string{"col-a"})

	stats, err := o.FullResync(context.Background(), nil)
	if err != nil {
		t.Fatalf("FullResync: %v", err)
	}

	if stats.TotalCreated != 5 || stats.TotalErrors != 0 {
		t.Fatalf("stats = %+v, want 5 created", stats)
	}

	if _, err := store.GetContentByUpstreamID("doc-4"); err != nil {
		t.Errorf("doc-4 missing after resync: %v", err)
	}

	got, err := store.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if got.TotalDocs != 5 {
		t.Errorf("total docs = %d, want 5 (stale record not wiped?)", got.TotalDocs)
	}

	state, err := store.GetSyncState("col-a")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if state.Status != storage.SyncStatusIdle {
		t.Errorf("status = %q, want idle", state.Status)
	}
}

func TestFullResyncExplicitCollections(t *testing.T) {
	store := openTestStore(t)
	registry := upstream.NewRegistry()
	registry.Register("outline", newFakeProvider("col-b", makeDocs(2, time.Now().UTC())))
	o := testOrchestrator(t, store, registry, []string{"col-a"})

	stats, err := o.FullResync(context.Background(), []string{"col-b"})
	if err != nil {
		t.Fatalf("FullResync: %v", err)
	}
	if stats.Collections != 1 || stats.TotalCreated != 2 {
		t.Errorf("stats = %+v, want 2 created for col-b", stats)
	}
}

func TestJoinFirst(t *testing.T) {
	msgs := []string{"a", "b", "c", "d"}
	if got := joinFirst(msgs, 3); got != "a; b; c" {
		t.Errorf("joinFirst = %q", got)
	}
	if got := joinFirst(msgs[:1], 3); got != "a" {
		t.Errorf("joinFirst short = %q", got)
	}
	if got := joinFirst(nil, 3); got != "" {
		t.Errorf("joinFirst nil = %q", got)
	}
}
