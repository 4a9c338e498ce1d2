package sync

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/avask/pcontext/internal/storage"
	"github.com/avask/pcontext/internal/upstream"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0, 0}, nil
}

// fakeProvider serves a fixed document list sorted newest-first, the way
// real providers do.
type fakeProvider struct {
	collectionID string
	docs         []upstream.Document

	failListAtOffset int // -1 disables
	failGetID        string

	getCalls  []string
	listCalls int
}

func newFakeProvider(collectionID string, docs []upstream.Document) *fakeProvider {
	return &fakeProvider{collectionID: collectionID, docs: docs, failListAtOffset: -1}
}

func (p *fakeProvider) CreateDocument(ctx context.Context, title, content, collectionID string) (string, error) {
	return "", fmt.Errorf("not supported")
}

func (p *fakeProvider) GetDocument(ctx context.Context, docID string) (upstream.Document, error) {
	p.getCalls = append(p.getCalls, docID)
	if docID == p.failGetID {
		return upstream.Document{}, fmt.Errorf("boom")
	}
	for _, d := range p.docs {
		if d.ID == docID {
			return d, nil
		}
	}
	return upstream.Document{}, fmt.Errorf("document %s not found", docID)
}

func (p *fakeProvider) ListDocuments(ctx context.Context, collectionID string, limit, offset int) (upstream.DocumentPage, error) {
	p.listCalls++
	if p.failListAtOffset >= 0 && offset >= p.failListAtOffset {
		return upstream.DocumentPage{}, fmt.Errorf("listing failed")
	}
	if collectionID != p.collectionID {
		return upstream.DocumentPage{}, nil
	}
	if offset >= len(p.docs) {
		return upstream.DocumentPage{}, nil
	}
	end := offset + limit
	if end > len(p.docs) {
		end = len(p.docs)
	}
	return upstream.DocumentPage{
		Documents: p.docs[offset:end],
		HasMore:   end < len(p.docs),
	}, nil
}

func (p *fakeProvider) ListCollections(ctx context.Context) ([]upstream.Collection, error) {
	return []upstream.Collection{{ID: p.collectionID, Name: "Test"}}, nil
}

func (p *fakeProvider) Close() error { return nil }

func docAt(id string, updatedAt time.Time) upstream.Document {
	return upstream.Document{
		ID:        id,
		Title:     "Title " + id,
		Content:   "Content of " + id,
		UpdatedAt: updatedAt,
	}
}

// descending update times: doc-0 is newest.
func makeDocs(n int, newest time.Time) []upstream.Document {
	docs := make([]upstream.Document, n)
	for i := 0; i < n; i++ {
		docs[i] = docAt(fmt.Sprintf("doc-%d", i), newest.Add(-time.Duration(i)*time.Hour))
	}
	return docs
}

func TestReconcileCreatesAllOnFirstPass(t *testing.T) {
	store := openTestStore(t)
	provider := newFakeProvider("col-a", makeDocs(3, time.Now().UTC()))
	r := NewReconciler(store, &fakeEmbedder{})

	res := r.Reconcile(context.Background(), "col-a", provider, "outline", nil)

	if res.Created != 3 || res.Updated != 0 || res.Skipped != 0 || len(res.Errors) != 0 {
		t.Fatalf("result = %+v, want 3 created", res)
	}

	rec, err := store.GetContentByUpstreamID("doc-1")
	if err != nil {
		t.Fatalf("GetContentByUpstreamID: %v", err)
	}
	if rec.SourceType != "outline" || rec.CollectionID != "col-a" {
		t.Errorf("record = %+v", rec)
	}

	log, err := store.ListSyncLog("col-a", 10)
	if err != nil {
		t.Fatalf("ListSyncLog: %v", err)
	}
	if len(log) != 3 {
		t.Errorf("sync log has %d entries, want 3", len(log))
	}
	for _, entry := range log {
		if entry.Operation != storage.OpCreate {
			t.Errorf("operation = %q, want create", entry.Operation)
		}
	}
}

// TestReconcileIdempotent runs the same pass twice; the second converged pass
// writes nothing.
func TestReconcileIdempotent(t *testing.T) {
	store := openTestStore(t)
	provider := newFakeProvider("col-a", makeDocs(3, time.Now().UTC()))
	r := NewReconciler(store, &fakeEmbedder{})

	first := r.Reconcile(context.Background(), "col-a", provider, "outline", nil)
	if first.Created != 3 {
		t.Fatalf("first pass = %+v", first)
	}

	second := r.Reconcile(context.Background(), "col-a", provider, "outline", nil)
	if second.Created != 0 || second.Updated != 0 || second.Skipped != 3 {
		t.Errorf("second pass = %+v, want all skipped", second)
	}
}

func TestReconcileUpdatesChangedDocument(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()
	provider := newFakeProvider("col-a", makeDocs(2, now))
	r := NewReconciler(store, &fakeEmbedder{})

	if res := r.Reconcile(context.Background(), "col-a", provider, "outline", nil); res.Created != 2 {
		t.Fatalf("seed pass = %+v", res)
	}

	// doc-1 changes upstream.
	provider.docs[1] = docAt("doc-1", now.Add(time.Hour))

	res := r.Reconcile(context.Background(), "col-a", provider, "outline", nil)
	if res.Updated != 1 || res.Skipped != 1 || res.Created != 0 {
		t.Fatalf("result = %+v, want 1 updated 1 skipped", res)
	}

	rec, err := store.GetContentByUpstreamID("doc-1")
	if err != nil {
		t.Fatalf("GetContentByUpstreamID: %v", err)
	}
	if rec.UpstreamUpdatedAt == nil || !rec.UpstreamUpdatedAt.Equal(now.Add(time.Hour).Truncate(time.Second)) {
		t.Errorf("upstream_updated_at not advanced: %v", rec.UpstreamUpdatedAt)
	}
}

// TestReconcileCheckpointStopsPaging verifies that once a summary at or
// before the checkpoint appears, no further documents are fetched.
func TestReconcileCheckpointStopsPaging(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()
	docs := []upstream.Document{
		docAt("new-1", now),
		docAt("new-2", now.Add(-time.Minute)),
		docAt("old-1", now.Add(-2*time.Hour)),
		docAt("old-2", now.Add(-3*time.Hour)),
	}
	provider := newFakeProvider("col-a", docs)
	r := NewReconciler(store, &fakeEmbedder{})
	r.pageSize = 2

	checkpoint := now.Add(-time.Hour)
	res := r.Reconcile(context.Background(), "col-a", provider, "outline", &checkpoint)

	if res.Created != 2 {
		t.Fatalf("result = %+v, want 2 created", res)
	}
	for _, id := range provider.getCalls {
		if strings.HasPrefix(id, "old-") {
			t.Errorf("fetched %s, which is at or before the checkpoint", id)
		}
	}
	// One page of new docs, then the second page's first summary stops it.
	if provider.listCalls != 2 {
		t.Errorf("listCalls = %d, want 2", provider.listCalls)
	}
}

func TestReconcileBackfillsCollectionID(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	// Simulate a record synced before collection tracking existed.
	rec := storage.ContentRecord{
		SourceType:        "outline",
		SourceID:          "doc-0",
		Title:             "Old",
		Content:           "Old body",
		UpstreamDocID:     "doc-0",
		UpstreamUpdatedAt: &now,
	}
	if _, err := store.CreateContent(rec, nil); err != nil {
		t.Fatalf("CreateContent: %v", err)
	}

	provider := newFakeProvider("col-a", []upstream.Document{docAt("doc-0", now)})
	r := NewReconciler(store, &fakeEmbedder{})

	res := r.Reconcile(context.Background(), "col-a", provider, "outline", nil)
	if res.Skipped != 1 || res.Created != 0 || res.Updated != 0 {
		t.Fatalf("result = %+v, want 1 skipped", res)
	}

	got, err := store.GetContentByUpstreamID("doc-0")
	if err != nil {
		t.Fatalf("GetContentByUpstreamID: %v", err)
	}
	if got.CollectionID != "col-a" {
		t.Errorf("collection_id = %q, want col-a", got.CollectionID)
	}
}

// TestReconcileIsolatesDocumentErrors verifies one failing document does not
// stop the rest of the pass.
func TestReconcileIsolatesDocumentErrors(t *testing.T) {
	store := openTestStore(t)
	provider := newFakeProvider("col-a", makeDocs(3, time.Now().UTC()))
	provider.failGetID = "doc-1"
	r := NewReconciler(store, &fakeEmbedder{})

	res := r.Reconcile(context.Background(), "col-a", provider, "outline", nil)

	if res.Created != 2 {
		t.Errorf("created = %d, want 2", res.Created)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "doc-1") {
		t.Errorf("errors = %v, want one naming doc-1", res.Errors)
	}
	if _, err := store.GetContentByUpstreamID("doc-2"); err != nil {
		t.Errorf("doc-2 missing after isolated failure: %v", err)
	}
}

// TestReconcilePageErrorAborts verifies a failed listing stops the pass but
// keeps documents from earlier pages.
func TestReconcilePageErrorAborts(t *testing.T) {
	store := openTestStore(t)
	provider := newFakeProvider("col-a", makeDocs(4, time.Now().UTC()))
	provider.failListAtOffset = 2
	r := NewReconciler(store, &fakeEmbedder{})
	r.pageSize = 2

	res := r.Reconcile(context.Background(), "col-a", provider, "outline", nil)

	if res.Created != 2 {
		t.Errorf("created = %d, want 2 from the first page", res.Created)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "offset 2") {
		t.Errorf("errors = %v, want one page error at offset 2", res.Errors)
	}
}

func TestReconcileEmbeddingFailure(t *testing.T) {
	store := openTestStore(t)
	provider := newFakeProvider("col-a", makeDocs(2, time.Now().UTC()))
	r := NewReconciler(store, &fakeEmbedder{err: fmt.Errorf("embeddings down")})

	res := r.Reconcile(context.Background(), "col-a", provider, "outline", nil)

	if res.Created != 0 {
		t.Errorf("created = %d, want 0", res.Created)
	}
	if len(res.Errors) != 2 {
		t.Errorf("errors = %v, want one per document", res.Errors)
	}
}
