// Package sync converges local content with upstream knowledge bases. The
// Reconciler performs one pull pass for one collection against one provider;
// the Orchestrator schedules passes, guards concurrent syncs, and owns all
// sync-state transitions.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avask/pcontext/internal/storage"
	"github.com/avask/pcontext/internal/upstream"
)

// defaultPageSize is the provider listing page size.
const defaultPageSize = 100

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result holds the statistics of one reconciliation pass. Errors carries
// per-document and per-page failures; the pass itself always returns.
type Result struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Reconciler pulls one collection's documents from a provider and converges
// the local store with them. It writes content, vectors, and the sync log;
// sync_state belongs to the Orchestrator.
type Reconciler struct {
	store    *storage.Store
	embedder Embedder
	pageSize int
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler with the default page size.
func NewReconciler(store *storage.Store, embedder Embedder) *Reconciler {
	return &Reconciler{
		store:    store,
		embedder: embedder,
		pageSize: defaultPageSize,
		logger:   slog.Default(),
	}
}

// Reconcile runs one pull pass.
//
// The provider listing is sorted by update time descending, so once a
// summary at or before the checkpoint appears, everything after it is
// already converged and paging stops. A single bad document is recorded and
// skipped; a failed page listing aborts the remainder of the pass, leaving
// documents written by earlier pages committed.
func (r *Reconciler) Reconcile(ctx context.Context, collectionID string, provider upstream.Provider, providerName string, checkpoint *time.Time) Result {
	var res Result

	offset := 0
	paging := true

	for paging {
		page, err := provider.ListDocuments(ctx, collectionID, r.pageSize, offset)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("failed to list documents at offset %d: %v", offset, err))
			break
		}
		if len(page.Documents) == 0 {
			break
		}

		for _, summary := range page.Documents {
			if checkpoint != nil && !summary.UpdatedAt.After(*checkpoint) {
				// Listing is newest-first: the rest is already converged.
				paging = false
				break
			}

			if err := r.reconcileDocument(ctx, collectionID, provider, providerName, summary, &res); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("failed to sync %s: %v", summary.ID, err))
			}
		}

		offset += r.pageSize
		if !page.HasMore {
			break
		}
	}

	r.logger.Debug("reconcile pass finished",
		"collection", collectionID,
		"provider", providerName,
		"created", res.Created,
		"updated", res.Updated,
		"skipped", res.Skipped,
		"errors", len(res.Errors))

	return res
}

// reconcileDocument classifies one summary as create/update/skip and applies
// the classification. Backfilling a missing collection id is corrective and
// does not count as an update.
func (r *Reconciler) reconcileDocument(ctx context.Context, collectionID string, provider upstream.Provider, providerName string, summary upstream.Document, res *Result) error {
	local, err := r.store.GetContentByUpstreamID(summary.ID)
	exists := true
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("looking up local record: %w", err)
		}
		exists = false
	}

	if exists && local.CollectionID == "" {
		if err := r.store.BackfillCollectionID(local.ID, collectionID); err != nil {
			return fmt.Errorf("backfilling collection: %w", err)
		}
	}

	// Stored timestamps have second granularity; compare at the same
	// granularity or converged documents would rewrite forever.
	summaryUpdated := summary.UpdatedAt.Truncate(time.Second)
	needsWrite := !exists ||
		local.UpstreamUpdatedAt == nil ||
		summaryUpdated.After(*local.UpstreamUpdatedAt)
	if !needsWrite {
		res.Skipped++
		return nil
	}

	full, err := provider.GetDocument(ctx, summary.ID)
	if err != nil {
		return fmt.Errorf("fetching document: %w", err)
	}

	embedding, err := r.embedder.Embed(ctx, full.Content)
	if err != nil {
		return fmt.Errorf("embedding document: %w", err)
	}

	updatedAt := full.UpdatedAt
	if !exists {
		rec := storage.ContentRecord{
			SourceType:        providerName,
			SourceID:          full.ID,
			CollectionID:      collectionID,
			Title:             full.Title,
			Content:           full.Content,
			UpstreamDocID:     full.ID,
			UpstreamUpdatedAt: &updatedAt,
		}
		id, err := r.store.CreateContent(rec, embedding)
		if err != nil {
			return fmt.Errorf("creating local record: %w", err)
		}
		res.Created++
		if err := r.store.InsertSyncLog(collectionID, storage.OpCreate, id, full.ID); err != nil {
			return fmt.Errorf("logging create: %w", err)
		}
		return nil
	}

	if err := r.store.UpdateContent(local.ID, full.Title, full.Content, collectionID, &updatedAt, embedding); err != nil {
		return fmt.Errorf("updating local record: %w", err)
	}
	res.Updated++
	if err := r.store.InsertSyncLog(collectionID, storage.OpUpdate, local.ID, full.ID); err != nil {
		return fmt.Errorf("logging update: %w", err)
	}
	return nil
}
