package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OutlineClient talks to the Outline knowledge base API. All Outline
// endpoints are POST with a JSON body and bearer auth.
type OutlineClient struct {
	apiBase             string
	apiKey              string
	defaultCollectionID string
	httpClient          *http.Client
}

var _ Provider = (*OutlineClient)(nil)

// NewOutlineClient creates a client for the given Outline instance.
// defaultCollectionID is used by CreateDocument when no collection is given.
func NewOutlineClient(apiBase, apiKey, defaultCollectionID string) *OutlineClient {
	return &OutlineClient{
		apiBase:             strings.TrimRight(apiBase, "/"),
		apiKey:              apiKey,
		defaultCollectionID: defaultCollectionID,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *OutlineClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("outline %s: http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// outlineDoc mirrors the document object in Outline API responses.
type outlineDoc struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	UpdatedAt string `json:"updatedAt"`
	CreatedAt string `json:"createdAt"`
}

func (d outlineDoc) normalize() (Document, error) {
	updated, err := time.Parse(time.RFC3339, d.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("parsing updatedAt for doc %s: %w", d.ID, err)
	}
	doc := Document{
		ID:        d.ID,
		Title:     d.Title,
		Content:   d.Text,
		UpdatedAt: updated,
	}
	if d.CreatedAt != "" {
		created, err := time.Parse(time.RFC3339, d.CreatedAt)
		if err != nil {
			return Document{}, fmt.Errorf("parsing createdAt for doc %s: %w", d.ID, err)
		}
		doc.CreatedAt = &created
	}
	return doc, nil
}

// CreateDocument creates a published document and returns its id. Falls back
// to the configured default collection when collectionID is empty.
func (c *OutlineClient) CreateDocument(ctx context.Context, title, content, collectionID string) (string, error) {
	collection := collectionID
	if collection == "" {
		collection = c.defaultCollectionID
	}
	if collection == "" {
		return "", fmt.Errorf("no collection id provided and no default configured")
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err := c.post(ctx, "/documents.create", map[string]any{
		"title":        title,
		"text":         content,
		"collectionId": collection,
		"publish":      true,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Data.ID, nil
}

// GetDocument retrieves a single document with its full body.
func (c *OutlineClient) GetDocument(ctx context.Context, docID string) (Document, error) {
	var resp struct {
		Data outlineDoc `json:"data"`
	}
	if err := c.post(ctx, "/documents.info", map[string]any{"id": docID}, &resp); err != nil {
		return Document{}, err
	}
	return resp.Data.normalize()
}

// ListDocuments pages through a collection sorted by updatedAt descending.
func (c *OutlineClient) ListDocuments(ctx context.Context, collectionID string, limit, offset int) (DocumentPage, error) {
	var resp struct {
		Data       []outlineDoc `json:"data"`
		Pagination struct {
			NextPath string `json:"nextPath"`
		} `json:"pagination"`
	}
	err := c.post(ctx, "/documents.list", map[string]any{
		"collectionId": collectionID,
		"limit":        limit,
		"offset":       offset,
		"sort":         "updatedAt",
		"direction":    "DESC",
	}, &resp)
	if err != nil {
		return DocumentPage{}, err
	}

	page := DocumentPage{HasMore: resp.Pagination.NextPath != ""}
	for _, d := range resp.Data {
		doc, err := d.normalize()
		if err != nil {
			return DocumentPage{}, err
		}
		page.Documents = append(page.Documents, doc)
	}
	return page, nil
}

// ListCollections returns all collections visible to the API key.
func (c *OutlineClient) ListCollections(ctx context.Context) ([]Collection, error) {
	var resp struct {
		Data []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/collections.list", map[string]any{}, &resp); err != nil {
		return nil, err
	}

	collections := make([]Collection, 0, len(resp.Data))
	for _, col := range resp.Data {
		collections = append(collections, Collection{
			ID:          col.ID,
			Name:        col.Name,
			Description: col.Description,
		})
	}
	return collections, nil
}

// Close releases client resources. The shared http.Client needs no teardown.
func (c *OutlineClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
