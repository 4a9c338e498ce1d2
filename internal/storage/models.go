package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Sync state machine values for SyncState.Status.
const (
	SyncStatusIdle    = "idle"
	SyncStatusSyncing = "syncing"
	SyncStatusError   = "error"
)

// Sync log operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
)

// ContentRecord is one stored document, local or mirrored from upstream.
// (SourceType, SourceID) is unique; UpstreamDocID is unique when set.
type ContentRecord struct {
	ID           int64
	SourceType   string
	SourceID     string
	SourceURL    string
	CollectionID string
	Title        string
	Content      string
	Metadata     string // JSON object stored as text, "" when absent

	UpstreamDocID     string
	UpstreamUpdatedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SyncState tracks per-collection sync progress. One row per collection.
type SyncState struct {
	CollectionID string
	// LastPullAt is the checkpoint; nil means the collection was never synced.
	LastPullAt   *time.Time
	Status       string
	ErrorMessage string
	UpdatedAt    time.Time
}

// SyncLogEntry is an append-only audit record of one document operation.
type SyncLogEntry struct {
	ID            int64
	CollectionID  string
	Operation     string
	ContentID     int64
	UpstreamDocID string
	CreatedAt     time.Time
}

// VectorHit is a nearest-neighbor match. Distance is cosine distance
// (0 = identical, ascending = less similar).
type VectorHit struct {
	Record   ContentRecord
	Distance float64
}

// KeywordHit is a full-text match. Rank is the FTS5 bm25 rank
// (negative, more negative = more relevant).
type KeywordHit struct {
	Record ContentRecord
	Rank   float64
}

// Stats aggregates dashboard counters.
type Stats struct {
	TotalDocs    int
	TotalVectors int
	TotalTags    int
	BySource     []SourceCount
	ByCollection []CollectionCount
	SyncStates   []SyncState
	RecentDocs   []ContentRecord
}

type SourceCount struct {
	SourceType string
	Count      int
}

type CollectionCount struct {
	CollectionID string
	Count        int
}
