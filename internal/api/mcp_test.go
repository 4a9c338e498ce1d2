package api

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/avask/pcontext/internal/search"
	"github.com/avask/pcontext/internal/storage"
	"github.com/avask/pcontext/internal/upstream"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Store:    store,
		Search:   &fakeSearcher{},
		Embedder: &fakeEmbedder{},
		Registry: upstream.NewRegistry(),
	}, store
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) != 1 {
		t.Fatalf("content blocks = %d, want 1", len(result.Content))
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type = %T, want TextContent", result.Content[0])
	}
	return text.Text
}

// captureProvider records the document handed to CreateDocument.
type captureProvider struct {
	nopProvider
	docID   string
	title   string
	content string
	err     error
}

func (p *captureProvider) CreateDocument(_ context.Context, title, content, _ string) (string, error) {
	p.title, p.content = title, content
	return p.docID, p.err
}

func TestMCPSearchRequiresQuery(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpSearch(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search", nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("expected error result for missing query")
	}
}

func TestMCPSearchReturnsJSON(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	searcher := &fakeSearcher{results: []search.Result{
		{Record: storage.ContentRecord{ID: 4, Title: "Found"}, Score: 0.8},
	}}
	deps.Search = searcher
	handler := mcpSearch(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search", map[string]any{
		"query": "notes",
		"limit": 3,
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}
	if searcher.limit != 3 {
		t.Errorf("limit = %d, want 3", searcher.limit)
	}

	var out []searchResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(out) != 1 || out[0].ID != 4 || out[0].Title != "Found" {
		t.Errorf("results = %+v", out)
	}
}

func TestMCPSearchEmpty(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpSearch(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search", map[string]any{"query": "nothing"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if got := toolText(t, result); got != "[]" {
		t.Errorf("text = %q, want []", got)
	}
}

func TestMCPAddContentLocalOnly(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	handler := mcpAddContent(deps)

	result, err := handler(context.Background(), makeCallToolRequest("add_content", map[string]any{
		"title":   "Local note",
		"content": "Body text",
		"tags":    []any{"a", "b"},
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	rec, err := store.GetContent(1)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if rec.SourceType != "manual" || rec.Title != "Local note" {
		t.Errorf("record = %+v", rec)
	}
	if rec.UpstreamDocID != "" {
		t.Errorf("UpstreamDocID = %q, want empty for local content", rec.UpstreamDocID)
	}
	tags, err := store.ContentTags(1)
	if err != nil {
		t.Fatalf("ContentTags: %v", err)
	}
	if len(tags) != 2 {
		t.Errorf("tags = %v", tags)
	}
}

func TestMCPAddContentWritesUpstreamFirst(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	provider := &captureProvider{docID: "doc-42"}
	deps.Registry.Register("outline", provider)
	deps.DefaultProvider = "outline"
	handler := mcpAddContent(deps)

	result, err := handler(context.Background(), makeCallToolRequest("add_content", map[string]any{
		"title":   "Shared note",
		"content": "Goes upstream",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}
	if provider.title != "Shared note" {
		t.Errorf("upstream title = %q", provider.title)
	}

	rec, err := store.GetContentByUpstreamID("doc-42")
	if err != nil {
		t.Fatalf("GetContentByUpstreamID: %v", err)
	}
	if rec.SourceType != "outline" || rec.SourceID != "doc-42" {
		t.Errorf("record = %+v", rec)
	}
	if rec.UpstreamUpdatedAt == nil {
		t.Error("UpstreamUpdatedAt not set")
	}
}

func TestMCPAddContentUpstreamFailureStoresNothing(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	deps.Registry.Register("outline", &captureProvider{err: errors.New("upstream down")})
	deps.DefaultProvider = "outline"
	handler := mcpAddContent(deps)

	result, err := handler(context.Background(), makeCallToolRequest("add_content", map[string]any{
		"content": "Doomed",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}

	n, err := store.CountContent("")
	if err != nil {
		t.Fatalf("CountContent: %v", err)
	}
	if n != 0 {
		t.Errorf("content rows = %d, want 0 after upstream failure", n)
	}
}

func TestMCPGetContent(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	id, err := store.CreateContent(storage.ContentRecord{
		SourceType: "manual",
		SourceID:   "s-1",
		Title:      "Stored",
		Content:    "Text",
	}, nil)
	if err != nil {
		t.Fatalf("CreateContent: %v", err)
	}
	if err := store.AddTags(id, []string{"tag"}); err != nil {
		t.Fatalf("AddTags: %v", err)
	}
	handler := mcpGetContent(deps)

	result, err := handler(context.Background(), makeCallToolRequest("get_content", map[string]any{"id": float64(id)}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	var body struct {
		Content contentDTO `json:"content"`
		Tags    []string   `json:"tags"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &body); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if body.Content.Title != "Stored" || len(body.Tags) != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestMCPGetContentMissing(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpGetContent(deps)

	result, err := handler(context.Background(), makeCallToolRequest("get_content", map[string]any{"id": float64(99)}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("expected error result for unknown id")
	}
}

func TestMCPLoadPersonalPrompts(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	deps.PromptsCollectionID = "prompts-col"
	for _, title := range []string{"First prompt", "Second prompt"} {
		_, err := store.CreateContent(storage.ContentRecord{
			SourceType:   "outline",
			SourceID:     title,
			CollectionID: "prompts-col",
			Title:        title,
			Content:      "You are helpful.",
		}, nil)
		if err != nil {
			t.Fatalf("CreateContent: %v", err)
		}
	}
	handler := mcpLoadPersonalPrompts(deps)

	result, err := handler(context.Background(), makeCallToolRequest("load_personal_prompts", nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	var prompts []struct {
		ID      int64  `json:"id"`
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &prompts); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("prompts = %d, want 2", len(prompts))
	}
}

func TestMCPLoadPersonalPromptsUnconfigured(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpLoadPersonalPrompts(deps)

	result, err := handler(context.Background(), makeCallToolRequest("load_personal_prompts", nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("expected error result when no prompts collection configured")
	}
}
