package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/avask/pcontext/internal/api"
	"github.com/avask/pcontext/internal/config"
	"github.com/avask/pcontext/internal/embeddings"
	"github.com/avask/pcontext/internal/search"
	"github.com/avask/pcontext/internal/storage"
	syncer "github.com/avask/pcontext/internal/sync"
	"github.com/avask/pcontext/internal/upstream"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pcontext server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running pcontext server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pcontext system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "pcontext.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "pcontext version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start. The health endpoint is authoritative; the PID
	// file only names the culprit.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://%s:%d/health", cfg.HTTP.Host, cfg.HTTP.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.HTTP.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	embedder := embeddings.New(cfg.Embedding.APIBase, cfg.Embedding.APIKey, cfg.Embedding.Model)
	defer embedder.Close()

	registry := upstream.NewRegistry()
	if cfg.OutlineConfigured() {
		registry.Register("outline", upstream.NewOutlineClient(
			cfg.Outline.APIBase, cfg.Outline.APIKey, cfg.Outline.CollectionID))
		slog.Info("registered upstream provider", "provider", "outline")
	}
	if cfg.TriliumConfigured() {
		registry.Register("trilium", upstream.NewTriliumClient(
			cfg.Trilium.APIBase, cfg.Trilium.APIToken, cfg.Trilium.ParentNoteID))
		slog.Info("registered upstream provider", "provider", "trilium")
	}
	defer func() {
		if err := registry.CloseAll(); err != nil {
			slog.Warn("closing upstream providers", "error", err)
		}
	}()

	reconciler := syncer.NewReconciler(store, embedder)
	orchestrator := syncer.NewOrchestrator(store, registry, reconciler, syncer.Options{
		Interval:    time.Duration(cfg.Sync.IntervalSeconds) * time.Second,
		Collections: cfg.CollectionsToSync,
	})
	if cfg.Sync.Enabled && registry.Len() > 0 {
		orchestrator.Start()
		defer orchestrator.Stop()
	} else {
		slog.Info("background sync disabled", "enabled", cfg.Sync.Enabled, "providers", registry.Len())
	}

	engine := search.NewEngine(store, embedder)

	handler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Search:   engine,
		Embedder: embedder,
		Sync:     orchestrator,
		Registry: registry,
		Username: cfg.HTTP.AuthUsername,
		Password: cfg.HTTP.AuthPassword,
	})

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	srv := api.NewHTTPServer(addr, handler)

	defaultProvider := ""
	if names := registry.Names(); len(names) > 0 {
		defaultProvider = names[0]
	}
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:               store,
		Search:              engine,
		Embedder:            embedder,
		Registry:            registry,
		DefaultProvider:     defaultProvider,
		PromptsCollectionID: cfg.Outline.PromptsCollectionID,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		slog.Info("pcontext listening", "addr", addr, "auth", cfg.AuthEnabled())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("pcontext is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop pcontext (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to pcontext (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.HTTP.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Providers", "%s", strings.Join(cfg.ConfiguredProviders(), ", "))
	printStatus("Embed model", "%s", cfg.Embedding.Model)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	if !running {
		return nil
	}

	apiClient, err := newAPIClient()
	if err != nil {
		return nil
	}
	statsResp, err := apiClient.get(ctx, "/api/stats")
	if err != nil {
		return nil
	}
	var stats struct {
		TotalContent int `json:"total_content"`
		TotalVectors int `json:"total_vectors"`
		TotalTags    int `json:"total_tags"`
	}
	if err := decodeJSON(statsResp, &stats); err == nil {
		printStatus("Documents", "%d", stats.TotalContent)
		printStatus("Vectors", "%d", stats.TotalVectors)
		printStatus("Tags", "%d", stats.TotalTags)
	}
	return nil
}
