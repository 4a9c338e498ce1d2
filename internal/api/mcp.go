package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/avask/pcontext/internal/storage"
	"github.com/avask/pcontext/internal/upstream"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Search   Searcher
	Embedder Embedder
	Registry *upstream.Registry

	// DefaultProvider receives documents created through add_content.
	// Empty means content is stored locally only.
	DefaultProvider string
	// PromptsCollectionID is where load_personal_prompts looks.
	PromptsCollectionID string
}

// NewMCPServer creates an MCP server with the pcontext tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"pcontext",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("pcontext is a personal context store synced from upstream knowledge bases, with hybrid search."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Search the personal context store. Combines semantic and keyword matching."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithArray("source_types", mcp.Description("Optional source type filter (e.g. outline, trilium, manual)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("add_content",
			mcp.WithDescription("Store a document. Written to the configured upstream knowledge base when one is set, and always indexed locally."),
			mcp.WithString("title", mcp.Description("Document title")),
			mcp.WithString("content", mcp.Description("The text content to store"), mcp.Required()),
			mcp.WithArray("tags", mcp.Description("Optional tags for categorization")),
		),
		mcpAddContent(deps),
	)

	s.AddTool(
		mcp.NewTool("get_content",
			mcp.WithDescription("Fetch a stored document by its local id, including tags."),
			mcp.WithNumber("id", mcp.Description("Local content id"), mcp.Required()),
		),
		mcpGetContent(deps),
	)

	s.AddTool(
		mcp.NewTool("load_personal_prompts",
			mcp.WithDescription("Load the documents from the personal prompts collection, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of prompts (default 20)")),
		),
		mcpLoadPersonalPrompts(deps),
	)

	return s
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		sourceTypes := req.GetStringSlice("source_types", nil)

		results, err := deps.Search.Search(ctx, query, limit, sourceTypes)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		out := make([]searchResult, len(results))
		for i, res := range results {
			out[i] = searchResult{
				ID:           res.Record.ID,
				Title:        res.Record.Title,
				Content:      snippet(res.Record.Content, 1000),
				SourceType:   res.Record.SourceType,
				SourceURL:    res.Record.SourceURL,
				CollectionID: res.Record.CollectionID,
				Score:        res.Score,
				VectorScore:  res.VectorScore,
				KeywordScore: res.KeywordScore,
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddContent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		title := req.GetString("title", "")
		if title == "" {
			title = snippet(content, 80)
		}
		tags := req.GetStringSlice("tags", nil)

		rec := storage.ContentRecord{
			SourceType: "manual",
			SourceID:   uuid.New().String(),
			Title:      title,
			Content:    content,
		}

		// Upstream first: a document that reaches the knowledge base but
		// fails to index locally is recovered by the next sync pass. The
		// reverse would strand it locally.
		if deps.DefaultProvider != "" {
			provider, ok := deps.Registry.Get(deps.DefaultProvider)
			if !ok {
				return mcpError(fmt.Sprintf("provider %q not registered", deps.DefaultProvider)), nil
			}
			docID, err := provider.CreateDocument(ctx, title, content, "")
			if err != nil {
				return mcpError(fmt.Sprintf("failed to create upstream document: %v", err)), nil
			}
			rec.SourceType = deps.DefaultProvider
			rec.SourceID = docID
			rec.UpstreamDocID = docID
			now := time.Now().UTC()
			rec.UpstreamUpdatedAt = &now
		}

		embedding, err := deps.Embedder.Embed(ctx, title+"\n\n"+content)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to embed content: %v", err)), nil
		}

		id, err := deps.Store.CreateContent(rec, embedding)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save content: %v", err)), nil
		}
		if len(tags) > 0 {
			if err := deps.Store.AddTags(id, tags); err != nil {
				return mcpError(fmt.Sprintf("saved content %d but failed to tag: %v", id, err)), nil
			}
		}

		return mcpText(fmt.Sprintf("Stored content %d (%s)", id, rec.SourceType)), nil
	}
}

func mcpGetContent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := req.GetInt("id", 0)
		if id <= 0 {
			return mcpError("id is required"), nil
		}

		rec, err := deps.Store.GetContent(int64(id))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get content %d: %v", id, err)), nil
		}
		tags, err := deps.Store.ContentTags(int64(id))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get tags for %d: %v", id, err)), nil
		}

		b, err := json.Marshal(map[string]any{"content": toContentDTO(rec), "tags": tags})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal content: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpLoadPersonalPrompts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.PromptsCollectionID == "" {
			return mcpError("no prompts collection configured"), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}

		records, err := deps.Store.ListCollectionContent(deps.PromptsCollectionID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load prompts: %v", err)), nil
		}
		if len(records) == 0 {
			return mcpText("[]"), nil
		}

		type prompt struct {
			ID      int64  `json:"id"`
			Title   string `json:"title"`
			Content string `json:"content"`
		}
		prompts := make([]prompt, len(records))
		for i, rec := range records {
			prompts[i] = prompt{ID: rec.ID, Title: rec.Title, Content: rec.Content}
		}

		b, err := json.Marshal(prompts)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal prompts: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
