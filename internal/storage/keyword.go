package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// KeywordSearch runs an FTS5 match against title and content and returns up
// to k records ordered by relevance (most relevant first). Rank is the raw
// bm25 rank: negative, more negative meaning more relevant. sourceTypes
// optionally restricts candidates by source type.
func (s *Store) KeywordSearch(ctx context.Context, query string, k int, sourceTypes []string) ([]KeywordHit, error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	q := `SELECT ` + prefixColumns("c") + `, f.rank
		FROM content_fts f
		JOIN content c ON c.id = f.rowid
		WHERE content_fts MATCH ?`
	args := []any{ftsQuote(query)}

	if len(sourceTypes) > 0 {
		q += ` AND c.source_type IN (?` + strings.Repeat(",?", len(sourceTypes)-1) + `)`
		for _, st := range sourceTypes {
			args = append(args, st)
		}
	}

	q += ` ORDER BY f.rank LIMIT ?`
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		hit, err := scanKeywordHit(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// scanKeywordHit scans contentColumns plus the trailing rank column.
func scanKeywordHit(rows *sql.Rows) (KeywordHit, error) {
	var rec ContentRecord
	var rank float64
	var sourceID, sourceURL, collectionID, title, metadata, upstreamDocID sql.NullString
	var upstreamUpdatedAt sql.NullString
	var createdAt, updatedAt string

	err := rows.Scan(&rec.ID, &rec.SourceType, &sourceID, &sourceURL, &collectionID,
		&title, &rec.Content, &metadata, &upstreamDocID, &upstreamUpdatedAt,
		&createdAt, &updatedAt, &rank)
	if err != nil {
		return KeywordHit{}, fmt.Errorf("scanning keyword hit: %w", err)
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
			return KeywordHit{}, fmt.Errorf("parsing upstream_updated_at: %w", err)
		}
		rec.UpstreamUpdatedAt = &t
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return KeywordHit{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return KeywordHit{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return KeywordHit{Record: rec, Rank: rank}, nil
}

// prefixColumns qualifies contentColumns with a table alias.
func prefixColumns(alias string) string {
	cols := strings.Split(contentColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// ftsQuote wraps each whitespace-separated term in double quotes so user
// input cannot inject FTS5 query syntax (NEAR, column filters, etc).
func ftsQuote(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}
