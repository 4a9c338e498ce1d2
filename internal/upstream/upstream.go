// Package upstream defines the provider interface for external knowledge
// bases and the HTTP clients implementing it. Every provider normalizes its
// documents to the same shape so the sync engine never needs to know which
// remote it is talking to.
package upstream

import (
	"context"
	"time"
)

// Document is a normalized document from any provider. In listing responses
// Content may be empty; GetDocument always returns the full body.
type Document struct {
	ID        string
	Title     string
	Content   string
	UpdatedAt time.Time
	CreatedAt *time.Time
}

// Collection is a normalized collection/folder from any provider.
type Collection struct {
	ID          string
	Name        string
	Description string
}

// DocumentPage is one page of document summaries.
type DocumentPage struct {
	Documents []Document
	HasMore   bool
}

// Provider is the capability interface each knowledge-base integration
// implements. ListDocuments must return documents sorted by update time
// descending; the sync engine's checkpoint early-termination depends on it.
type Provider interface {
	CreateDocument(ctx context.Context, title, content, collectionID string) (string, error)
	GetDocument(ctx context.Context, docID string) (Document, error)
	ListDocuments(ctx context.Context, collectionID string, limit, offset int) (DocumentPage, error)
	ListCollections(ctx context.Context) ([]Collection, error)
	Close() error
}
