package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertSyncLog appends one audit entry. The log is append-only; entries are
// never updated, only bulk-deleted by WipeAll.
func (s *Store) InsertSyncLog(collectionID, operation string, contentID int64, upstreamDocID string) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_log (collection_id, operation, content_id, upstream_doc_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		collectionID, operation, contentID, upstreamDocID, fmtTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("appending sync log: %w", err)
	}
	return nil
}

// ListSyncLog returns the newest audit entries for a collection.
func (s *Store) ListSyncLog(collectionID string, limit int) ([]SyncLogEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, collection_id, operation, content_id, upstream_doc_id, created_at
		FROM sync_log WHERE collection_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, collectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync log: %w", err)
	}
	defer rows.Close()

	var entries []SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		var collID, docID sql.NullString
		var contentID sql.NullInt64
		var createdAt string
		if err := rows.Scan(&e.ID, &collID, &e.Operation, &contentID, &docID, &createdAt); err != nil {
			return nil, err
		}
		e.CollectionID = collID.String
		e.ContentID = contentID.Int64
		e.UpstreamDocID = docID.String
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing sync log time: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetSyncState returns the state row for a collection, or ErrNotFound when
// the collection has never been synced.
func (s *Store) GetSyncState(collectionID string) (SyncState, error) {
	row := s.db.QueryRow(`
		SELECT collection_id, last_pull_at, status, error_message, updated_at
		FROM sync_state WHERE collection_id = ?`, collectionID)

	var st SyncState
	var lastPull, errMsg sql.NullString
	var updatedAt string
	err := row.Scan(&st.CollectionID, &lastPull, &st.Status, &errMsg, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{}, fmt.Errorf("sync state for %s: %w", collectionID, ErrNotFound)
	}
	if err != nil {
		return SyncState{}, fmt.Errorf("reading sync state: %w", err)
	}

	if lastPull.Valid {
		t, err := parseTime(lastPull.String)
		if err != nil {
			return SyncState{}, fmt.Errorf("parsing last_pull_at: %w", err)
		}
		st.LastPullAt = &t
	}
	st.ErrorMessage = errMsg.String
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return SyncState{}, fmt.Errorf("parsing sync state time: %w", err)
	}
	return st, nil
}

// ListSyncStates returns all sync state rows, most recently updated first.
func (s *Store) ListSyncStates() ([]SyncState, error) {
	rows, err := s.db.Query(`
		SELECT collection_id, last_pull_at, status, error_message, updated_at
		FROM sync_state ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sync states: %w", err)
	}
	defer rows.Close()

	var states []SyncState
	for rows.Next() {
		var st SyncState
		var lastPull, errMsg sql.NullString
		var updatedAt string
		if err := rows.Scan(&st.CollectionID, &lastPull, &st.Status, &errMsg, &updatedAt); err != nil {
			return nil, err
		}
		if lastPull.Valid {
			t, err := parseTime(lastPull.String)
			if err != nil {
				return nil, fmt.Errorf("parsing last_pull_at: %w", err)
			}
			st.LastPullAt = &t
		}
		st.ErrorMessage = errMsg.String
		if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing sync state time: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// TryBeginSync transitions a collection to "syncing" and reports whether the
// transition was won. The guard is a single conditional upsert, so two
// near-simultaneous callers cannot both observe idle and both proceed: one
// writes the row, the other sees zero rows affected.
func (s *Store) TryBeginSync(collectionID string) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO sync_state (collection_id, status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(collection_id) DO UPDATE
		SET status = excluded.status, updated_at = excluded.updated_at
		WHERE sync_state.status <> ?`,
		collectionID, SyncStatusSyncing, fmtTime(time.Now().UTC()), SyncStatusSyncing)
	if err != nil {
		return false, fmt.Errorf("acquiring sync guard for %s: %w", collectionID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking sync guard for %s: %w", collectionID, err)
	}
	return n > 0, nil
}

// FinishSync records the terminal status of a pass. When checkpoint is
// non-nil it becomes the new last_pull_at; otherwise the checkpoint is left
// untouched (failed passes keep the previous one only if the caller chooses
// not to advance it).
func (s *Store) FinishSync(collectionID, status, errorMessage string, checkpoint *time.Time) error {
	var err error
	if checkpoint != nil {
		_, err = s.db.Exec(`
			UPDATE sync_state
			SET status = ?, error_message = ?, last_pull_at = ?, updated_at = ?
			WHERE collection_id = ?`,
			status, nullStr(errorMessage), fmtTime(*checkpoint), fmtTime(time.Now().UTC()), collectionID)
	} else {
		_, err = s.db.Exec(`
			UPDATE sync_state
			SET status = ?, error_message = ?, updated_at = ?
			WHERE collection_id = ?`,
			status, nullStr(errorMessage), fmtTime(time.Now().UTC()), collectionID)
	}
	if err != nil {
		return fmt.Errorf("finishing sync for %s: %w", collectionID, err)
	}
	return nil
}
