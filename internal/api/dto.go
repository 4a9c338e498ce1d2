package api

import (
	"time"

	"github.com/avask/pcontext/internal/storage"
)

// Wire shapes for storage records. Storage structs stay tag-free; the API
// owns its JSON field names.

type contentDTO struct {
	ID                int64  `json:"id"`
	SourceType        string `json:"source_type"`
	SourceID          string `json:"source_id"`
	SourceURL         string `json:"source_url,omitempty"`
	CollectionID      string `json:"collection_id,omitempty"`
	Title             string `json:"title"`
	Content           string `json:"content"`
	Metadata          string `json:"metadata,omitempty"`
	UpstreamDocID     string `json:"upstream_doc_id,omitempty"`
	UpstreamUpdatedAt string `json:"upstream_updated_at,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

func toContentDTO(rec storage.ContentRecord) contentDTO {
	dto := contentDTO{
		ID:            rec.ID,
		SourceType:    rec.SourceType,
		SourceID:      rec.SourceID,
		SourceURL:     rec.SourceURL,
		CollectionID:  rec.CollectionID,
		Title:         rec.Title,
		Content:       rec.Content,
		Metadata:      rec.Metadata,
		UpstreamDocID: rec.UpstreamDocID,
		CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     rec.UpdatedAt.Format(time.RFC3339),
	}
	if rec.UpstreamUpdatedAt != nil {
		dto.UpstreamUpdatedAt = rec.UpstreamUpdatedAt.Format(time.RFC3339)
	}
	return dto
}

type syncStateDTO struct {
	CollectionID string `json:"collection_id"`
	LastPullAt   string `json:"last_pull_at,omitempty"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	UpdatedAt    string `json:"updated_at"`
}

func toSyncStateDTO(st storage.SyncState) syncStateDTO {
	dto := syncStateDTO{
		CollectionID: st.CollectionID,
		Status:       st.Status,
		ErrorMessage: st.ErrorMessage,
		UpdatedAt:    st.UpdatedAt.Format(time.RFC3339),
	}
	if st.LastPullAt != nil {
		dto.LastPullAt = st.LastPullAt.Format(time.RFC3339)
	}
	return dto
}

func toSyncStateDTOs(states []storage.SyncState) []syncStateDTO {
	out := make([]syncStateDTO, len(states))
	for i, st := range states {
		out[i] = toSyncStateDTO(st)
	}
	return out
}

type sourceCountDTO struct {
	SourceType string `json:"source_type"`
	Count      int    `json:"count"`
}

type collectionCountDTO struct {
	CollectionID string `json:"collection_id"`
	Count        int    `json:"count"`
}

type recentDocDTO struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	SourceType string `json:"source_type"`
	CreatedAt  string `json:"created_at"`
}

type statsDTO struct {
	TotalContent int                  `json:"total_content"`
	TotalVectors int                  `json:"total_vectors"`
	TotalTags    int                  `json:"total_tags"`
	BySource     []sourceCountDTO     `json:"by_source"`
	ByCollection []collectionCountDTO `json:"by_collection"`
	SyncStates   []syncStateDTO       `json:"sync_states"`
	Recent       []recentDocDTO       `json:"recent"`
}

func toStatsDTO(stats storage.Stats) statsDTO {
	dto := statsDTO{
		TotalContent: stats.TotalDocs,
		TotalVectors: stats.TotalVectors,
		TotalTags:    stats.TotalTags,
		BySource:     make([]sourceCountDTO, len(stats.BySource)),
		ByCollection: make([]collectionCountDTO, len(stats.ByCollection)),
		SyncStates:   toSyncStateDTOs(stats.SyncStates),
		Recent:       make([]recentDocDTO, len(stats.RecentDocs)),
	}
	for i, sc := range stats.BySource {
		dto.BySource[i] = sourceCountDTO{SourceType: sc.SourceType, Count: sc.Count}
	}
	for i, cc := range stats.ByCollection {
		dto.ByCollection[i] = collectionCountDTO{CollectionID: cc.CollectionID, Count: cc.Count}
	}
	for i, rec := range stats.RecentDocs {
		dto.Recent[i] = recentDocDTO{
			ID:         rec.ID,
			Title:      rec.Title,
			SourceType: rec.SourceType,
			CreatedAt:  rec.CreatedAt.Format(time.RFC3339),
		}
	}
	return dto
}
