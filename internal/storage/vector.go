package storage

import (
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// VectorNearest performs brute-force cosine nearest-neighbor search over all
// stored embeddings and returns the k closest records, ascending by
// distance. sourceTypes optionally restricts candidates by source type.
//
// The scan touches only (content_id, embedding) pairs; full records are
// fetched for the k winners afterwards.
func (s *Store) VectorNearest(ctx context.Context, query []float32, k int, sourceTypes []string) ([]VectorHit, error) {
	if k <= 0 {
		return nil, nil
	}
	queryNorm := norm(query)
	if queryNorm == 0 {
		return nil, nil
	}

	scanQuery := `SELECT v.content_id, v.embedding FROM content_vectors v`
	var args []any
	if len(sourceTypes) > 0 {
		scanQuery += ` JOIN content c ON c.id = v.content_id
			WHERE c.source_type IN (?` + strings.Repeat(",?", len(sourceTypes)-1) + `)`
		for _, st := range sourceTypes {
			args = append(args, st)
		}
	}

	rows, err := s.db.QueryContext(ctx, scanQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning vectors: %w", err)
	}
	defer rows.Close()

	h := &distHeap{}
	heap.Init(h)

	// Reusable decode buffer avoids a per-row allocation.
	var buf []float32

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for content %d: %w", id, err)
		}

		dist := cosineDistance(query, buf, queryNorm)
		if h.Len() < k {
			heap.Push(h, idDistance{ID: id, Distance: dist})
		} else if dist < (*h)[0].Distance {
			(*h)[0] = idDistance{ID: id, Distance: dist}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vector rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Pop yields worst-first; fill the result back to front.
	ids := make([]int64, h.Len())
	distances := make(map[int64]float64, h.Len())
	for i := len(ids) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idDistance)
		ids[i] = item.ID
		distances[item.ID] = item.Distance
	}

	queryArgs := make([]any, len(ids))
	for i, id := range ids {
		queryArgs[i] = id
	}
	fullQuery := `SELECT ` + contentColumns + ` FROM content WHERE id IN (?` +
		strings.Repeat(",?", len(ids)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching nearest records: %w", err)
	}
	defer fullRows.Close()

	byID := make(map[int64]ContentRecord, len(ids))
	for fullRows.Next() {
		rec, err := scanContent(fullRows)
		if err != nil {
			return nil, fmt.Errorf("scanning nearest record: %w", err)
		}
		byID[rec.ID] = rec
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nearest records: %w", err)
	}

	// Rebuild in ascending-distance order (IN query doesn't preserve it).
	hits := make([]VectorHit, 0, len(ids))
	for _, id := range ids {
		rec, ok := byID[id]
		if !ok {
			continue
		}
		hits = append(hits, VectorHit{Record: rec, Distance: distances[id]})
	}
	return hits, nil
}

// idDistance holds only the id and distance during the scan phase.
type idDistance struct {
	ID       int64
	Distance float64
}

// distHeap is a max-heap on distance, so the current worst candidate sits at
// the root and is the one evicted.
type distHeap []idDistance

func (h distHeap) Len() int            { return len(h) }
func (h distHeap) Less(i, j int) bool  { return h[i].Distance > h[j].Distance }
func (h distHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x any)         { *h = append(*h, x.(idDistance)) }
func (h *distHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// cosineDistance returns 1 - cosine similarity, clamped at 0 for identical
// directions. queryNorm is precomputed by the caller.
func cosineDistance(query, candidate []float32, queryNorm float64) float64 {
	n := len(query)
	if len(candidate) < n {
		n = len(candidate)
	}
	var dot, candNormSq float64
	for i := 0; i < n; i++ {
		dot += float64(query[i]) * float64(candidate[i])
		candNormSq += float64(candidate[i]) * float64(candidate[i])
	}
	candNorm := math.Sqrt(candNormSq)
	if candNorm == 0 {
		return 1
	}
	sim := dot / (queryNorm * candNorm)
	dist := 1 - sim
	if dist < 0 {
		return 0
	}
	return dist
}

func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes into the provided buffer, reusing it when large
// enough. The returned slice aliases buf when reused.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	}
	buf = buf[:n]
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}
