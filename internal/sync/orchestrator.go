package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avask/pcontext/internal/storage"
	"github.com/avask/pcontext/internal/upstream"
)

// defaultStopTimeout bounds how long Stop waits for a graceful loop exit
// before force-cancelling in-flight work.
const defaultStopTimeout = 30 * time.Second

// SyncResult is the outcome of one sync attempt for one collection.
type SyncResult struct {
	CollectionID string `json:"collection_id"`
	ProviderName string `json:"provider"`
	// Success means the pass ran and collected no errors.
	Success bool `json:"success"`
	// InProgress means the attempt was rejected because another sync holds
	// the collection. Expected under the recurring schedule, not a failure.
	InProgress bool    `json:"in_progress,omitempty"`
	Result     *Result `json:"result,omitempty"`
	Err        string  `json:"error,omitempty"`
}

// ResyncStats aggregates a full resync across collections.
type ResyncStats struct {
	Collections  int                `json:"collections"`
	TotalCreated int                `json:"total_created"`
	TotalUpdated int                `json:"total_updated"`
	TotalErrors  int                `json:"total_errors"`
	Results      []CollectionResync `json:"results"`
}

// CollectionResync records the outcome for one collection during full resync.
type CollectionResync struct {
	CollectionID string `json:"collection_id"`
	Provider     string `json:"provider"`
	Created      int    `json:"created"`
	Updated      int    `json:"updated"`
	Errors       int    `json:"errors,omitempty"`
	Err          string `json:"error,omitempty"`
}

// Options configures the Orchestrator.
type Options struct {
	// Interval between background sync passes.
	Interval time.Duration
	// StopTimeout bounds graceful shutdown; defaults to 30s.
	StopTimeout time.Duration
	// Collections resolves the set of collection ids to sync each pass.
	Collections func() ([]string, error)
}

// Orchestrator owns the recurring sync schedule and every sync_state
// transition. All sync attempts funnel through SyncCollection so the
// per-collection "syncing" guard is enforced uniformly.
type Orchestrator struct {
	store      *storage.Store
	registry   *upstream.Registry
	reconciler *Reconciler
	opts       Options
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	cancel  context.CancelFunc
}

// NewOrchestrator creates an Orchestrator driving the given reconciler.
func NewOrchestrator(store *storage.Store, registry *upstream.Registry, reconciler *Reconciler, opts Options) *Orchestrator {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	return &Orchestrator{
		store:      store,
		registry:   registry,
		reconciler: reconciler,
		opts:       opts,
		logger:     slog.Default(),
	}
}

// SyncCollection runs one reconciliation pass for a collection against a
// named provider. The pass is guarded by the collection's sync status: if a
// sync is already running the attempt is rejected with InProgress set.
//
// The checkpoint written at pass end is the wall-clock time of completion,
// not the newest upstream timestamp observed, and it advances even when the
// pass collected errors. Documents updated between pass start and a mid-pass
// page failure can therefore be skipped until they change again upstream.
func (o *Orchestrator) SyncCollection(ctx context.Context, collectionID, providerName string) SyncResult {
	provider, ok := o.registry.Get(providerName)
	if !ok {
		return SyncResult{
			CollectionID: collectionID,
			ProviderName: providerName,
			Err:          fmt.Sprintf("provider %q not registered", providerName),
		}
	}

	won, err := o.store.TryBeginSync(collectionID)
	if err != nil {
		return SyncResult{CollectionID: collectionID, ProviderName: providerName, Err: err.Error()}
	}
	if !won {
		return SyncResult{CollectionID: collectionID, ProviderName: providerName, InProgress: true}
	}

	state, err := o.store.GetSyncState(collectionID)
	if err != nil {
		// The guard just created the row; failing to read it back means the
		// store is broken. Release the guard and report.
		o.finish(collectionID, storage.SyncStatusError, err.Error(), nil)
		return SyncResult{CollectionID: collectionID, ProviderName: providerName, Err: err.Error()}
	}

	res := o.reconciler.Reconcile(ctx, collectionID, provider, providerName, state.LastPullAt)

	// The checkpoint advances unconditionally at pass end.
	checkpoint := time.Now().UTC()
	status := storage.SyncStatusIdle
	errMsg := ""
	if len(res.Errors) > 0 {
		status = storage.SyncStatusError
		errMsg = joinFirst(res.Errors, 3)
	}
	if err := o.store.FinishSync(collectionID, status, errMsg, &checkpoint); err != nil {
		// Committed document writes stay committed; only the bookkeeping failed.
		res.Errors = append(res.Errors, fmt.Sprintf("failed to update sync state: %v", err))
	}

	o.logger.Info("synced collection",
		"collection", collectionID,
		"provider", providerName,
		"created", res.Created,
		"updated", res.Updated,
		"skipped", res.Skipped,
		"errors", len(res.Errors))

	return SyncResult{
		CollectionID: collectionID,
		ProviderName: providerName,
		Success:      len(res.Errors) == 0,
		Result:       &res,
	}
}

func (o *Orchestrator) finish(collectionID, status, errMsg string, checkpoint *time.Time) {
	if err := o.store.FinishSync(collectionID, status, errMsg, checkpoint); err != nil {
		o.logger.Error("failed to write sync state", "collection", collectionID, "error", err)
	}
}

// Start launches the background sync loop. Idempotent: calling Start on a
// running orchestrator is a no-op.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		o.logger.Warn("sync orchestrator already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	o.running = true

	o.logger.Info("starting sync orchestrator", "interval", o.opts.Interval)
	go o.loop(ctx, o.stopCh, o.doneCh)
}

// Stop signals the loop to end and waits up to StopTimeout for it to finish
// the current pass. On timeout the in-flight work is force-cancelled and the
// resulting cancellation is swallowed.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	// Clear the flag before unlocking so a concurrent Stop returns at the
	// guard instead of closing stopCh a second time.
	o.running = false
	stopCh, doneCh, cancel := o.stopCh, o.doneCh, o.cancel
	o.mu.Unlock()

	o.logger.Info("stopping sync orchestrator")
	close(stopCh)

	select {
	case <-doneCh:
	case <-time.After(o.opts.StopTimeout):
		o.logger.Warn("sync loop did not stop gracefully, cancelling")
		cancel()
		<-doneCh
	}

	cancel()
}

// Running reports whether the background loop is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// loop is the background schedule: one pass over every collection and every
// registered provider, then sleep until the next interval or a stop signal.
// Cancellation is cooperative between collections and between providers.
func (o *Orchestrator) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		collections, err := o.opts.Collections()
		if err != nil {
			o.logger.Warn("no collections to sync", "error", err)
		} else {
			o.syncAll(ctx, stopCh, collections)
		}

		select {
		case <-stopCh:
			return
		case <-time.After(o.opts.Interval):
		}
	}
}

func (o *Orchestrator) syncAll(ctx context.Context, stopCh <-chan struct{}, collections []string) {
	for _, collectionID := range collections {
		select {
		case <-stopCh:
			return
		default:
		}

		// The owning provider is not tracked; try all of them. A provider
		// that owns none of the collection's documents reports zero changes.
		for _, providerName := range o.registry.Names() {
			select {
			case <-stopCh:
				return
			default:
			}

			res := o.SyncCollection(ctx, collectionID, providerName)
			if res.Err != "" {
				o.logger.Error("sync attempt failed",
					"collection", collectionID, "provider", providerName, "error", res.Err)
			}
		}
	}
}

// FullResync wipes every content record, vector, tag, sync log entry, and
// sync state row, then rebuilds the targeted collections from scratch. The
// wipe is all-or-nothing: if it fails, no provider is contacted.
//
// With no explicit collectionIDs the configured collection set is used.
// Ownership is guessed: each collection is synced with each registered
// provider in turn until one succeeds with a nonzero created+updated count.
// A true owner transiently reporting zero leaves the collection unsynced
// until the next scheduled pass.
func (o *Orchestrator) FullResync(ctx context.Context, collectionIDs []string) (ResyncStats, error) {
	if len(collectionIDs) == 0 {
		var err error
		collectionIDs, err = o.opts.Collections()
		if err != nil {
			return ResyncStats{}, fmt.Errorf("resolving collections for resync: %w", err)
		}
	}

	if err := o.store.WipeAll(); err != nil {
		return ResyncStats{}, fmt.Errorf("clearing local data: %w", err)
	}
	o.logger.Info("cleared all local data for full resync")

	stats := ResyncStats{Collections: len(collectionIDs)}

	for _, collectionID := range collectionIDs {
		synced := false
		for _, providerName := range o.registry.Names() {
			res := o.SyncCollection(ctx, collectionID, providerName)

			switch {
			case res.InProgress:
				stats.TotalErrors++
				stats.Results = append(stats.Results, CollectionResync{
					CollectionID: collectionID,
					Provider:     providerName,
					Err:          "sync already in progress",
				})
			case res.Err != "" || !res.Success:
				stats.TotalErrors++
				cr := CollectionResync{CollectionID: collectionID, Provider: providerName, Err: res.Err}
				if res.Result != nil {
					cr.Created = res.Result.Created
					cr.Updated = res.Result.Updated
					cr.Errors = len(res.Result.Errors)
					if cr.Err == "" {
						cr.Err = joinFirst(res.Result.Errors, 3)
					}
				}
				stats.Results = append(stats.Results, cr)
			case res.Result.Created+res.Result.Updated > 0:
				stats.TotalCreated += res.Result.Created
				stats.TotalUpdated += res.Result.Updated
				stats.Results = append(stats.Results, CollectionResync{
					CollectionID: collectionID,
					Provider:     providerName,
					Created:      res.Result.Created,
					Updated:      res.Result.Updated,
				})
				synced = true
			}
			if synced {
				break
			}
			// Zero effect with no errors: the collection likely lives in a
			// different provider, try the next one.
		}

		if !synced {
			o.logger.Warn("collection not found in any configured provider", "collection", collectionID)
		}
	}

	o.logger.Info("full resync complete",
		"collections", stats.Collections,
		"created", stats.TotalCreated,
		"updated", stats.TotalUpdated,
		"errors", stats.TotalErrors)

	return stats, nil
}

// joinFirst joins at most n messages, the way sync_state.error_message is
// kept short.
func joinFirst(msgs []string, n int) string {
	if len(msgs) < n {
		n = len(msgs)
	}
	return strings.Join(msgs[:n], "; ")
}
