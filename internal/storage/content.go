package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// contentColumns is the column list every ContentRecord scan uses.
const contentColumns = `id, source_type, source_id, source_url, collection_id,
	title, content, metadata, upstream_doc_id, upstream_updated_at,
	created_at, updated_at`

// CreateContent inserts a record together with its embedding vector in one
// transaction and returns the new content id. The vector row exists exactly
// when the content row does; a failure on either side rolls back both.
func (s *Store) CreateContent(rec ContentRecord, embedding []float32) (int64, error) {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning create transaction: %w", err)
	}

	res, err := tx.Exec(`
		INSERT INTO content (source_type, source_id, source_url, collection_id,
			title, content, metadata, upstream_doc_id, upstream_updated_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SourceType, nullStr(rec.SourceID), nullStr(rec.SourceURL),
		nullStr(rec.CollectionID), rec.Title, rec.Content, nullStr(rec.Metadata),
		nullStr(rec.UpstreamDocID), nullTime(rec.UpstreamUpdatedAt),
		fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt))
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("inserting content: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("reading content id: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO content_vectors (content_id, embedding) VALUES (?, ?)`,
		id, encodeFloat32s(embedding)); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("inserting vector for content %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing create: %w", err)
	}
	return id, nil
}

// UpdateContent rewrites a record's title, content, collection, and upstream
// timestamp, and replaces its embedding, in one transaction.
func (s *Store) UpdateContent(id int64, title, content, collectionID string, upstreamUpdatedAt *time.Time, embedding []float32) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning update transaction: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE content
		SET title = ?, content = ?, collection_id = ?, upstream_updated_at = ?, updated_at = ?
		WHERE id = ?`,
		title, content, nullStr(collectionID), nullTime(upstreamUpdatedAt),
		fmtTime(time.Now().UTC()), id)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("updating content %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		tx.Rollback()
		return fmt.Errorf("content %d: %w", id, ErrNotFound)
	}

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO content_vectors (content_id, embedding) VALUES (?, ?)`,
		id, encodeFloat32s(embedding)); err != nil {
		tx.Rollback()
		return fmt.Errorf("replacing vector for content %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing update: %w", err)
	}
	return nil
}

// GetContent returns a record by id, or ErrNotFound.
func (s *Store) GetContent(id int64) (ContentRecord, error) {
	row := s.db.QueryRow(`SELECT `+contentColumns+` FROM content WHERE id = ?`, id)
	rec, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ContentRecord{}, fmt.Errorf("content %d: %w", id, ErrNotFound)
	}
	return rec, err
}

// GetContentByUpstreamID returns the record mirroring the given upstream
// document, or ErrNotFound.
func (s *Store) GetContentByUpstreamID(docID string) (ContentRecord, error) {
	row := s.db.QueryRow(`SELECT `+contentColumns+` FROM content WHERE upstream_doc_id = ?`, docID)
	rec, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ContentRecord{}, fmt.Errorf("upstream doc %s: %w", docID, ErrNotFound)
	}
	return rec, err
}

// BackfillCollectionID sets the collection on a record that lacks one.
// Purely corrective; does not touch title/content/vector.
func (s *Store) BackfillCollectionID(id int64, collectionID string) error {
	_, err := s.db.Exec(
		`UPDATE content SET collection_id = ?, updated_at = ? WHERE id = ?`,
		collectionID, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("backfilling collection for content %d: %w", id, err)
	}
	return nil
}

// ListRecentContent returns the newest records by creation time.
func (s *Store) ListRecentContent(limit int) ([]ContentRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+contentColumns+` FROM content ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent content: %w", err)
	}
	defer rows.Close()
	return collectContent(rows)
}

// ListCollectionContent returns records in a collection, newest upstream
// update first. Used to assemble the personal prompts text.
func (s *Store) ListCollectionContent(collectionID string, limit int) ([]ContentRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+contentColumns+` FROM content
		WHERE collection_id = ?
		ORDER BY upstream_updated_at DESC, created_at DESC LIMIT ?`, collectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing collection %s: %w", collectionID, err)
	}
	defer rows.Close()
	return collectContent(rows)
}

// ListAllContent returns every record ordered by id. Used by reindexing.
func (s *Store) ListAllContent() ([]ContentRecord, error) {
	rows, err := s.db.Query(`SELECT ` + contentColumns + ` FROM content ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing content: %w", err)
	}
	defer rows.Close()
	return collectContent(rows)
}

// CountContent returns the number of records, optionally scoped to one collection.
func (s *Store) CountContent(collectionID string) (int, error) {
	var n int
	var err error
	if collectionID == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM content`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM content WHERE collection_id = ?`, collectionID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("counting content: %w", err)
	}
	return n, nil
}

// AddTags links the named tags to a record, creating missing tags.
// Idempotent: repeated calls with the same names are no-ops.
func (s *Store) AddTags(contentID int64, names []string) error {
	if len(names) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning tag transaction: %w", err)
	}

	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO tags (name) VALUES (?)`, name); err != nil {
			tx.Rollback()
			return fmt.Errorf("creating tag %q: %w", name, err)
		}
		var tagID int64
		if err := tx.QueryRow(`SELECT id FROM tags WHERE name = ?`, name).Scan(&tagID); err != nil {
			tx.Rollback()
			return fmt.Errorf("looking up tag %q: %w", name, err)
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO content_tags (content_id, tag_id) VALUES (?, ?)`,
			contentID, tagID); err != nil {
			tx.Rollback()
			return fmt.Errorf("linking tag %q: %w", name, err)
		}
	}

	return tx.Commit()
}

// ContentTags returns the tag names linked to a record.
func (s *Store) ContentTags(contentID int64) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT t.name FROM tags t
		JOIN content_tags ct ON ct.tag_id = t.id
		WHERE ct.content_id = ?
		ORDER BY t.name`, contentID)
	if err != nil {
		return nil, fmt.Errorf("listing tags for content %d: %w", contentID, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// WipeAll deletes every content record, vector, tag, sync log entry, and
// sync state row in one transaction. Used only by full resync.
func (s *Store) WipeAll() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning wipe transaction: %w", err)
	}

	for _, table := range []string{"content_tags", "tags", "content_vectors", "content", "sync_log", "sync_state"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			tx.Rollback()
			return fmt.Errorf("wiping %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing wipe: %w", err)
	}
	return nil
}

// DeleteAllVectors clears the vector table. Used by reindexing before
// embeddings are regenerated with the current model.
func (s *Store) DeleteAllVectors() error {
	if _, err := s.db.Exec(`DELETE FROM content_vectors`); err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}
	return nil
}

// PutVector writes (or replaces) the embedding for a record.
func (s *Store) PutVector(contentID int64, embedding []float32) error {
	if _, err := s.db.Exec(
		`INSERT OR REPLACE INTO content_vectors (content_id, embedding) VALUES (?, ?)`,
		contentID, encodeFloat32s(embedding)); err != nil {
		return fmt.Errorf("writing vector for content %d: %w", contentID, err)
	}
	return nil
}

// GetStats gathers the dashboard counters.
func (s *Store) GetStats() (Stats, error) {
	var stats Stats

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM content`).Scan(&stats.TotalDocs); err != nil {
		return Stats{}, fmt.Errorf("counting content: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM content_vectors`).Scan(&stats.TotalVectors); err != nil {
		return Stats{}, fmt.Errorf("counting vectors: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tags`).Scan(&stats.TotalTags); err != nil {
		return Stats{}, fmt.Errorf("counting tags: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT source_type, COUNT(*) FROM content
		GROUP BY source_type ORDER BY COUNT(*) DESC`)
	if err != nil {
		return Stats{}, fmt.Errorf("counting by source: %w", err)
	}
	for rows.Next() {
		var sc SourceCount
		if err := rows.Scan(&sc.SourceType, &sc.Count); err != nil {
			rows.Close()
			return Stats{}, err
		}
		stats.BySource = append(stats.BySource, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	rows, err = s.db.Query(`
		SELECT collection_id, COUNT(*) FROM content
		WHERE collection_id IS NOT NULL
		GROUP BY collection_id ORDER BY COUNT(*) DESC`)
	if err != nil {
		return Stats{}, fmt.Errorf("counting by collection: %w", err)
	}
	for rows.Next() {
		var cc CollectionCount
		if err := rows.Scan(&cc.CollectionID, &cc.Count); err != nil {
			rows.Close()
			return Stats{}, err
		}
		stats.ByCollection = append(stats.ByCollection, cc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	states, err := s.ListSyncStates()
	if err != nil {
		return Stats{}, err
	}
	stats.SyncStates = states

	recent, err := s.ListRecentContent(5)
	if err != nil {
		return Stats{}, err
	}
	stats.RecentDocs = recent

	return stats, nil
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContent(row rowScanner) (ContentRecord, error) {
	var rec ContentRecord
	var sourceID, sourceURL, collectionID, title, metadata, upstreamDocID sql.NullString
	var upstreamUpdatedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&rec.ID, &rec.SourceType, &sourceID, &sourceURL, &collectionID,
		&title, &rec.Content, &metadata, &upstreamDocID, &upstreamUpdatedAt,
		&createdAt, &updatedAt)
	if err != nil {
		return ContentRecord{}, err
	}

	rec.SourceID = sourceID.String
	rec.SourceURL = sourceURL.String
	rec.CollectionID = collectionID.String
	rec.Title = title.String
	rec.Metadata = metadata.String
	rec.UpstreamDocID = upstreamDocID.String

	if upstreamUpdatedAt.Valid {
		t, err := parseTime(upstreamUpdatedAt.String)
		if err != nil {
			return ContentRecord{}, fmt.Errorf("parsing upstream_updated_at for content %d: %w", rec.ID, err)
		}
		rec.UpstreamUpdatedAt = &t
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return ContentRecord{}, fmt.Errorf("parsing created_at for content %d: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ContentRecord{}, fmt.Errorf("parsing updated_at for content %d: %w", rec.ID, err)
	}

	return rec, nil
}

func collectContent(rows *sql.Rows) ([]ContentRecord, error) {
	var records []ContentRecord
	for rows.Next() {
		rec, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
