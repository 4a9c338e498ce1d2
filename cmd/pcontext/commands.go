package main

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/avask/pcontext/internal/config"
	"github.com/avask/pcontext/internal/upstream"
)

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the personal context store",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		types, _ := cmd.Flags().GetString("types")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/api/search?q=%s&limit=%d", url.QueryEscape(query), limit)
		if types != "" {
			path += "&types=" + url.QueryEscape(types)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var body struct {
			Results []struct {
				ID         int64   `json:"id"`
				Title      string  `json:"title"`
				Content    string  `json:"content"`
				SourceType string  `json:"source_type"`
				SourceURL  string  `json:"source_url"`
				Score      float64 `json:"score"`
			} `json:"results"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if len(body.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range body.Results {
			header := fmt.Sprintf("%d. %s", i+1, r.Title)
			fmt.Printf("\n%s [%.3f, %s, id %d]\n", colorize(colorBold, header), r.Score, r.SourceType, r.ID)
			if r.SourceURL != "" {
				fmt.Printf("  %s\n", colorize(colorCyan, r.SourceURL))
			}
			text := r.Content
			if len(text) > 300 {
				text = text[:300] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
	searchCmd.Flags().String("types", "", "comma-separated source type filter")
}

// --- add ---

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add content to the store",
	Long: `Add content to the store.

Examples:
  pcontext add --text "I prefer tabs over spaces" --tags preference
  pcontext add --url https://example.com/article --tags research
  pcontext add --file ./notes.md --title "My notes"
  pcontext add --file ./paper.pdf --tags papers`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		pageURL, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		tagsStr, _ := cmd.Flags().GetString("tags")

		if text == "" && pageURL == "" && file == "" {
			return fmt.Errorf("one of --text, --url, or --file is required")
		}

		req := map[string]any{}
		if title != "" {
			req["title"] = title
		}
		if tagsStr != "" {
			tags := strings.Split(tagsStr, ",")
			for i := range tags {
				tags[i] = strings.TrimSpace(tags[i])
			}
			req["tags"] = tags
		}

		switch {
		case text != "":
			req["content"] = text
		case pageURL != "":
			req["url"] = pageURL
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			if strings.EqualFold(filepath.Ext(file), ".pdf") {
				req["pdf_base64"] = base64.StdEncoding.EncodeToString(data)
			} else {
				req["content"] = string(data)
			}
			if title == "" {
				req["title"] = filepath.Base(file)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/content", req)
		if err != nil {
			return err
		}

		var result struct {
			ID int64 `json:"id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored content %d", result.ID)
		return nil
	},
}

func init() {
	addCmd.Flags().String("text", "", "text content to store")
	addCmd.Flags().String("url", "", "URL to fetch and store")
	addCmd.Flags().String("file", "", "file path to store")
	addCmd.Flags().String("title", "", "title for the document")
	addCmd.Flags().String("tags", "", "comma-separated tags")
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync [collection-id]",
	Short: "Trigger a sync pass, or show sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			resp, err := client.get(cmd.Context(), "/api/sync/status")
			if err != nil {
				return err
			}
			var body struct {
				Running     bool `json:"running"`
				Collections []struct {
					CollectionID string `json:"collection_id"`
					LastPullAt   string `json:"last_pull_at"`
					Status       string `json:"status"`
					ErrorMessage string `json:"error_message"`
				} `json:"collections"`
			}
			if err := decodeJSON(resp, &body); err != nil {
				return err
			}

			printStatus("Background sync", "%v", body.Running)
			for _, c := range body.Collections {
				line := fmt.Sprintf("%s (last pull %s)", c.Status, orDash(c.LastPullAt))
				if c.ErrorMessage != "" {
					line += ": " + c.ErrorMessage
				}
				printStatus(c.CollectionID, "%s", line)
			}
			return nil
		}

		provider, _ := cmd.Flags().GetString("provider")
		path := "/api/sync/" + url.PathEscape(args[0])
		if provider != "" {
			path += "?provider=" + url.QueryEscape(provider)
		}
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		var result struct {
			Provider string `json:"provider"`
			Result   *struct {
				Created int      `json:"created"`
				Updated int      `json:"updated"`
				Skipped int      `json:"skipped"`
				Errors  []string `json:"errors"`
			} `json:"result"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Result == nil {
			printWarning("Sync returned no result")
			return nil
		}
		printSuccess("Synced via %s: %d created, %d updated, %d skipped, %d errors",
			result.Provider, result.Result.Created, result.Result.Updated,
			result.Result.Skipped, len(result.Result.Errors))
		for _, e := range result.Result.Errors {
			printError("%s", e)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().String("provider", "", "upstream provider to sync against")
}

// --- resync ---

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Wipe local data and rebuild from upstream",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes ALL local data and re-pulls from upstream. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		collections, _ := cmd.Flags().GetStringSlice("collections")
		req := map[string]any{}
		if len(collections) > 0 {
			req["collections"] = collections
		}

		resp, err := client.post(cmd.Context(), "/api/resync", req)
		if err != nil {
			return err
		}

		var stats struct {
			Collections  int `json:"collections"`
			TotalCreated int `json:"total_created"`
			TotalUpdated int `json:"total_updated"`
			TotalErrors  int `json:"total_errors"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printSuccess("Resynced %d collections: %d created, %d updated, %d errors",
			stats.Collections, stats.TotalCreated, stats.TotalUpdated, stats.TotalErrors)
		return nil
	},
}

func init() {
	resyncCmd.Flags().Bool("confirm", false, "confirm the wipe")
	resyncCmd.Flags().StringSlice("collections", nil, "collection ids to rebuild (default: configured set)")
}

// --- reindex ---

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Recompute all embeddings",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/reindex", nil)
		if err != nil {
			return err
		}

		var stats struct {
			Total   int      `json:"total"`
			Indexed int64    `json:"indexed"`
			Errors  []string `json:"errors"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printSuccess("Reindexed %d of %d documents", stats.Indexed, stats.Total)
		for _, e := range stats.Errors {
			printError("%s", e)
		}
		return nil
	},
}

// --- collections ---

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List collections in the configured upstream providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		registry := upstream.NewRegistry()
		if cfg.OutlineConfigured() {
			registry.Register("outline", upstream.NewOutlineClient(
				cfg.Outline.APIBase, cfg.Outline.APIKey, cfg.Outline.CollectionID))
		}
		if cfg.TriliumConfigured() {
			registry.Register("trilium", upstream.NewTriliumClient(
				cfg.Trilium.APIBase, cfg.Trilium.APIToken, cfg.Trilium.ParentNoteID))
		}
		defer registry.CloseAll()

		if registry.Len() == 0 {
			return fmt.Errorf("no upstream providers configured")
		}

		for _, name := range registry.Names() {
			provider, _ := registry.Get(name)
			collections, err := provider.ListCollections(cmd.Context())
			if err != nil {
				printError("%s: %v", name, err)
				continue
			}
			fmt.Printf("\n%s\n", colorize(colorBold, name))
			for _, c := range collections {
				fmt.Printf("  %s  %s\n", colorize(colorCyan, c.ID), c.Name)
			}
		}
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "never"
	}
	return s
}
