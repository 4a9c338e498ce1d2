package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// triliumTimeLayout matches ETAPI's UTC timestamps, e.g.
// "2024-01-29 14:30:45.123+0000".
const triliumTimeLayout = "2006-01-02 15:04:05.000-0700"

// TriliumClient talks to a Trilium Notes instance over ETAPI. Collections
// map to parent notes; documents are their child notes.
type TriliumClient struct {
	apiBase             string
	apiToken            string
	defaultParentNoteID string
	httpClient          *http.Client
}

var _ Provider = (*TriliumClient)(nil)

// NewTriliumClient creates a client for the given ETAPI endpoint.
func NewTriliumClient(apiBase, apiToken, defaultParentNoteID string) *TriliumClient {
	if defaultParentNoteID == "" {
		defaultParentNoteID = "root"
	}
	return &TriliumClient{
		apiBase:             strings.TrimRight(apiBase, "/"),
		apiToken:            apiToken,
		defaultParentNoteID: defaultParentNoteID,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *TriliumClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	// ETAPI uses the raw token, no Bearer prefix.
	req.Header.Set("Authorization", c.apiToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("trilium %s: http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (c *TriliumClient) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// triliumNote mirrors the note metadata object in ETAPI responses.
type triliumNote struct {
	NoteID          string `json:"noteId"`
	Title           string `json:"title"`
	UTCDateModified string `json:"utcDateModified"`
	UTCDateCreated  string `json:"utcDateCreated"`
}

// CreateDocument creates a text note under the given parent (collectionID)
// and returns the new note id.
func (c *TriliumClient) CreateDocument(ctx context.Context, title, content, collectionID string) (string, error) {
	parent := collectionID
	if parent == "" {
		parent = c.defaultParentNoteID
	}

	payload, err := json.Marshal(map[string]any{
		"parentNoteId": parent,
		"title":        title,
		"type":         "text",
		"content":      content,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling create-note request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/create-note", bytes.NewReader(payload), "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Note struct {
			NoteID string `json:"noteId"`
		} `json:"note"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding create-note response: %w", err)
	}
	return out.Note.NoteID, nil
}

// GetDocument retrieves note metadata and content in two calls.
func (c *TriliumClient) GetDocument(ctx context.Context, docID string) (Document, error) {
	var note triliumNote
	if err := c.getJSON(ctx, "/notes/"+docID, &note); err != nil {
		return Document{}, err
	}

	resp, err := c.do(ctx, http.MethodGet, "/notes/"+docID+"/content", nil, "")
	if err != nil {
		return Document{}, err
	}
	content, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return Document{}, fmt.Errorf("reading content for note %s: %w", docID, err)
	}

	return c.normalize(note, string(content))
}

func (c *TriliumClient) normalize(note triliumNote, content string) (Document, error) {
	updated, err := parseTriliumTime(note.UTCDateModified)
	if err != nil {
		return Document{}, fmt.Errorf("parsing utcDateModified for note %s: %w", note.NoteID, err)
	}
	doc := Document{
		ID:        note.NoteID,
		Title:     note.Title,
		Content:   content,
		UpdatedAt: updated,
	}
	if note.UTCDateCreated != "" {
		created, err := parseTriliumTime(note.UTCDateCreated)
		if err != nil {
			return Document{}, fmt.Errorf("parsing utcDateCreated for note %s: %w", note.NoteID, err)
		}
		doc.CreatedAt = &created
	}
	return doc, nil
}

// ListDocuments fetches all child notes of the parent, sorts them by update
// time descending, and windows the result. ETAPI has no server-side
// pagination for children, so the paging happens client-side.
func (c *TriliumClient) ListDocuments(ctx context.Context, collectionID string, limit, offset int) (DocumentPage, error) {
	var children []struct {
		NoteID string `json:"noteId"`
	}
	if err := c.getJSON(ctx, "/notes/"+collectionID+"/children", &children); err != nil {
		return DocumentPage{}, err
	}

	documents := make([]Document, 0, len(children))
	for _, child := range children {
		var note triliumNote
		if err := c.getJSON(ctx, "/notes/"+child.NoteID, &note); err != nil {
			return DocumentPage{}, err
		}

		content := ""
		if resp, err := c.do(ctx, http.MethodGet, "/notes/"+child.NoteID+"/content", nil, ""); err == nil {
			if data, readErr := io.ReadAll(resp.Body); readErr == nil {
				content = string(data)
			}
			resp.Body.Close()
		}

		doc, err := c.normalize(note, content)
		if err != nil {
			return DocumentPage{}, err
		}
		documents = append(documents, doc)
	}

	sort.Slice(documents, func(i, j int) bool {
		return documents[i].UpdatedAt.After(documents[j].UpdatedAt)
	})

	if offset >= len(documents) {
		return DocumentPage{}, nil
	}
	end := offset + limit
	hasMore := end < len(documents)
	if end > len(documents) {
		end = len(documents)
	}
	return DocumentPage{Documents: documents[offset:end], HasMore: hasMore}, nil
}

// ListCollections returns the root note's children as collections.
func (c *TriliumClient) ListCollections(ctx context.Context) ([]Collection, error) {
	var children []struct {
		NoteID string `json:"noteId"`
	}
	if err := c.getJSON(ctx, "/notes/root/children", &children); err != nil {
		return nil, err
	}

	collections := make([]Collection, 0, len(children))
	for _, child := range children {
		var note triliumNote
		if err := c.getJSON(ctx, "/notes/"+child.NoteID, &note); err != nil {
			return nil, err
		}
		collections = append(collections, Collection{ID: note.NoteID, Name: note.Title})
	}
	return collections, nil
}

// Close releases client resources.
func (c *TriliumClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func parseTriliumTime(s string) (time.Time, error) {
	return time.Parse(triliumTimeLayout, s)
}
