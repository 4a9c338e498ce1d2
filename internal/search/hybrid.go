// Package search fuses vector and keyword retrieval over the local store
// into a single ranked result list.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/avask/pcontext/internal/storage"
)

const (
	vectorWeight  = 0.6
	keywordWeight = 0.4
)

// Store is the slice of storage the engine needs.
type Store interface {
	VectorNearest(ctx context.Context, query []float32, k int, sourceTypes []string) ([]storage.VectorHit, error)
	KeywordSearch(ctx context.Context, query string, k int, sourceTypes []string) ([]storage.KeywordHit, error)
}

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is one fused hit. Score is a weighted combination of the vector
// and keyword scores; a document missing from one side contributes zero
// for that side.
type Result struct {
	Record       storage.ContentRecord
	Score        float64
	VectorScore  float64
	KeywordScore float64
}

// Engine runs hybrid retrieval: both arms in parallel, each over-fetching
// 2x the requested limit so documents ranked differently by the two arms
// still meet in the fused list.
type Engine struct {
	store    Store
	embedder Embedder
}

func NewEngine(store Store, embedder Embedder) *Engine {
	return &Engine{store: store, embedder: embedder}
}

// Search returns at most limit results ordered by fused score descending.
// Ties break on ascending content id so the ordering is deterministic.
//
// The query is embedded here rather than by the caller: every transport
// (HTTP, MCP, CLI) passes plain text and shares one entry point. An
// embedding failure fails the whole search.
func (e *Engine) Search(ctx context.Context, query string, limit int, sourceTypes []string) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	candidates := limit * 2

	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var (
		vecHits []storage.VectorHit
		kwHits  []storage.KeywordHit
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vecHits, err = e.store.VectorNearest(gctx, queryVec, candidates, sourceTypes)
		if err != nil {
			return fmt.Errorf("vector search: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		kwHits, err = e.store.KeywordSearch(gctx, query, candidates, sourceTypes)
		if err != nil {
			return fmt.Errorf("keyword search: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := fuse(vecHits, kwHits)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

// fuse unions the two candidate sets. Vector hits are scored 1/(1+distance),
// keyword hits |rank|/100; both land in [0, 1] for sane inputs before
// weighting.
func fuse(vecHits []storage.VectorHit, kwHits []storage.KeywordHit) []Result {
	byID := make(map[int64]*Result, len(vecHits)+len(kwHits))

	for _, h := range vecHits {
		byID[h.Record.ID] = &Result{
			Record:      h.Record,
			VectorScore: 1.0 / (1.0 + h.Distance),
		}
	}
	for _, h := range kwHits {
		score := math.Abs(h.Rank) / 100.0
		if r, ok := byID[h.Record.ID]; ok {
			r.KeywordScore = score
		} else {
			byID[h.Record.ID] = &Result{
				Record:       h.Record,
				KeywordScore: score,
			}
		}
	}

	results := make([]Result, 0, len(byID))
	for _, r := range byID {
		r.Score = vectorWeight*r.VectorScore + keywordWeight*r.KeywordScore
		results = append(results, *r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.ID < results[j].Record.ID
	})
	return results
}
