// Package api exposes the store over HTTP and MCP.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/avask/pcontext/internal/connectors"
	"github.com/avask/pcontext/internal/search"
	"github.com/avask/pcontext/internal/storage"
	syncer "github.com/avask/pcontext/internal/sync"
	"github.com/avask/pcontext/internal/upstream"
)

const maxContentBodySize = 10 << 20 // 10MB

// Searcher abstracts hybrid retrieval for the HTTP and MCP layers.
type Searcher interface {
	Search(ctx context.Context, query string, limit int, sourceTypes []string) ([]search.Result, error)
}

// Syncer abstracts the sync orchestrator.
type Syncer interface {
	SyncCollection(ctx context.Context, collectionID, providerName string) syncer.SyncResult
	FullResync(ctx context.Context, collectionIDs []string) (syncer.ResyncStats, error)
	Running() bool
}

// Embedder turns text into a vector, used for content writes and reindexing.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// AppDeps holds dependencies for the HTTP handler.
type AppDeps struct {
	Store    *storage.Store
	Search   Searcher
	Embedder Embedder
	Sync     Syncer
	Registry *upstream.Registry
	Username string
	Password string
}

// NewAppHandler builds the full HTTP surface. /health is open; everything
// under /api requires basic auth when credentials are configured.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Route("/api", func(r chi.Router) {
		r.Use(BasicAuth(deps.Username, deps.Password))

		r.Get("/stats", handleStats(deps))
		r.Get("/search", handleSearch(deps))
		r.Post("/content", handleAddContent(deps))
		r.Get("/content/{id}", handleGetContent(deps))
		r.Get("/sync/status", handleSyncStatus(deps))
		r.Post("/sync/{collectionID}", handleSyncCollection(deps))
		r.Post("/resync", handleResync(deps))
		r.Post("/reindex", handleReindex(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"syncing":   deps.Sync.Running(),
			"providers": deps.Registry.Names(),
		})
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.GetStats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toStatsDTO(stats))
	}
}

type searchResult struct {
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	SourceType   string  `json:"source_type"`
	SourceURL    string  `json:"source_url,omitempty"`
	CollectionID string  `json:"collection_id,omitempty"`
	Score        float64 `json:"score"`
	VectorScore  float64 `json:"vector_score"`
	KeywordScore float64 `json:"keyword_score"`
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}

		limit := 10
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			if n > 100 {
				n = 100
			}
			limit = n
		}

		var sourceTypes []string
		if s := r.URL.Query().Get("types"); s != "" {
			sourceTypes = strings.Split(s, ",")
		}

		results, err := deps.Search.Search(r.Context(), query, limit, sourceTypes)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}

		out := make([]searchResult, len(results))
		for i, res := range results {
			out[i] = searchResult{
				ID:           res.Record.ID,
				Title:        res.Record.Title,
				Content:      snippet(res.Record.Content, 500),
				SourceType:   res.Record.SourceType,
				SourceURL:    res.Record.SourceURL,
				CollectionID: res.Record.CollectionID,
				Score:        res.Score,
				VectorScore:  res.VectorScore,
				KeywordScore: res.KeywordScore,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"query": query, "results": out})
	}
}

type addContentRequest struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	URL        string   `json:"url"`
	PDFBase64  string   `json:"pdf_base64"`
	SourceType string   `json:"source_type"`
	Tags       []string `json:"tags"`
}

func handleAddContent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxContentBodySize)

		var req addContentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" && req.URL == "" && req.PDFBase64 == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "one of content, url or pdf_base64 is required")
			return
		}

		sourceType := req.SourceType
		sourceURL := ""
		title := req.Title
		content := req.Content

		if req.PDFBase64 != "" && content == "" {
			data, err := base64.StdEncoding.DecodeString(req.PDFBase64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid pdf_base64: %v", err)
				return
			}
			text, err := connectors.ExtractPDF(data)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to extract pdf text: %v", err)
				return
			}
			content = text
			if sourceType == "" {
				sourceType = "pdf"
			}
		}
		if req.URL != "" && content == "" {
			page, err := connectors.FetchWebPage(r.Context(), req.URL)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to fetch url: %v", err)
				return
			}
			content = page.Content
			sourceURL = page.URL
			if title == "" {
				title = page.Title
			}
			if sourceType == "" {
				sourceType = "web"
			}
		}
		if sourceType == "" {
			sourceType = "manual"
		}
		if title == "" {
			title = snippet(content, 80)
		}

		embedding, err := deps.Embedder.Embed(r.Context(), title+"\n\n"+content)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to embed content: %v", err)
			return
		}

		rec := storage.ContentRecord{
			SourceType: sourceType,
			SourceID:   uuid.New().String(),
			SourceURL:  sourceURL,
			Title:      title,
			Content:    content,
		}
		id, err := deps.Store.CreateContent(rec, embedding)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save content: %v", err)
			return
		}
		if len(req.Tags) > 0 {
			if err := deps.Store.AddTags(id, req.Tags); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "saved content but failed to tag: %v", err)
				return
			}
		}

		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "source_id": rec.SourceID})
	}
}

func handleGetContent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid content id")
			return
		}

		rec, err := deps.Store.GetContent(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "content not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get content: %v", err)
			return
		}

		tags, err := deps.Store.ContentTags(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get tags: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"content": toContentDTO(rec), "tags": tags})
	}
}

func handleSyncStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states, err := deps.Store.ListSyncStates()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sync state: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"running":     deps.Sync.Running(),
			"collections": toSyncStateDTOs(states),
		})
	}
}

func handleSyncCollection(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		collectionID := chi.URLParam(r, "collectionID")

		providers := deps.Registry.Names()
		if p := r.URL.Query().Get("provider"); p != "" {
			providers = []string{p}
		}
		if len(providers) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no upstream providers configured")
			return
		}

		var last syncer.SyncResult
		for _, name := range providers {
			last = deps.Sync.SyncCollection(r.Context(), collectionID, name)
			if last.InProgress {
				httpError(w, http.StatusConflict, "sync_in_progress", "sync already running for collection %s", collectionID)
				return
			}
			if last.Success && last.Result != nil && last.Result.Created+last.Result.Updated > 0 {
				break
			}
		}

		if last.Err != "" {
			httpError(w, http.StatusBadGateway, "api_error", "sync failed: %s", last.Err)
			return
		}
		writeJSON(w, http.StatusOK, last)
	}
}

type resyncRequest struct {
	Collections []string `json:"collections"`
}

func handleResync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resyncRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		stats, err := deps.Sync.FullResync(r.Context(), req.Collections)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "full resync failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleReindex(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := Reindex(r.Context(), deps.Store, deps.Embedder)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reindex failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func snippet(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// NewHTTPServer wraps the handler in an http.Server with sane timeouts.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
	}
}
