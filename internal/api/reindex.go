package api

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/avask/pcontext/internal/storage"
)

const reindexConcurrency = 4

// ReindexStats summarizes a vector rebuild.
type ReindexStats struct {
	Total   int      `json:"total"`
	Indexed int64    `json:"indexed"`
	Errors  []string `json:"errors,omitempty"`
}

// Reindex drops every stored embedding and recomputes them from the current
// content. Used after switching embedding models, when stored vectors no
// longer match what the query side produces.
func Reindex(ctx context.Context, store *storage.Store, embedder Embedder) (ReindexStats, error) {
	records, err := store.ListAllContent()
	if err != nil {
		return ReindexStats{}, fmt.Errorf("listing content: %w", err)
	}
	if err := store.DeleteAllVectors(); err != nil {
		return ReindexStats{}, fmt.Errorf("clearing vectors: %w", err)
	}

	stats := ReindexStats{Total: len(records)}
	var indexed atomic.Int64
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reindexConcurrency)
	for _, rec := range records {
		g.Go(func() error {
			embedding, err := embedder.Embed(gctx, rec.Title+"\n\n"+rec.Content)
			if err != nil {
				mu.Lock()
				stats.Errors = append(stats.Errors, fmt.Sprintf("embed content %d: %v", rec.ID, err))
				mu.Unlock()
				return nil
			}
			if err := store.PutVector(rec.ID, embedding); err != nil {
				mu.Lock()
				stats.Errors = append(stats.Errors, fmt.Sprintf("store vector %d: %v", rec.ID, err))
				mu.Unlock()
				return nil
			}
			indexed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	stats.Indexed = indexed.Load()
	return stats, nil
}
