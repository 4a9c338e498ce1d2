// Package config loads application configuration from environment variables
// and an optional config file.
//
// Sources, highest priority first:
//  1. Environment variables with the PCONTEXT_ prefix (e.g. PCONTEXT_HTTP_PORT)
//  2. config.yaml in the data directory
//  3. Built-in defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Outline   OutlineConfig
	Trilium   TriliumConfig
	Sync      SyncConfig
	HTTP      HTTPConfig
	Log       LogConfig
}

type StorageConfig struct {
	DataDir string
}

// EmbeddingConfig points at an OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	APIBase   string
	APIKey    string
	Model     string
	Dimension int
}

type OutlineConfig struct {
	APIBase string
	APIKey  string
	// CollectionID is the default collection for new documents.
	CollectionID string
	// PromptsCollectionID holds personal prompt documents.
	PromptsCollectionID string
}

type TriliumConfig struct {
	APIBase  string
	APIToken string
	// ParentNoteID is the default parent for new notes.
	ParentNoteID string
}

type SyncConfig struct {
	Enabled bool
	// IntervalSeconds is the delay between background sync passes.
	IntervalSeconds int
	// Collections overrides the set of collection IDs to sync.
	Collections []string
}

type HTTPConfig struct {
	Host string
	Port int
	// AuthUsername/AuthPassword enable basic auth when both are set.
	AuthUsername string
	AuthPassword string
}

type LogConfig struct {
	Level string
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pcontext"
	}
	return filepath.Join(home, ".pcontext")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.data_dir", defaultDataDir())

	v.SetDefault("embedding.api_base", "https://api.openai.com/v1")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimension", 1536)

	v.SetDefault("outline.api_base", "https://app.getoutline.com/api")
	v.SetDefault("outline.api_key", "")
	v.SetDefault("outline.collection_id", "")
	v.SetDefault("outline.prompts_collection_id", "")

	v.SetDefault("trilium.api_base", "http://localhost:8080/etapi")
	v.SetDefault("trilium.api_token", "")
	v.SetDefault("trilium.parent_note_id", "root")

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.interval_seconds", 300)
	v.SetDefault("sync.collections", []string{})

	v.SetDefault("http.host", "127.0.0.1")
	v.SetDefault("http.port", 8000)
	v.SetDefault("http.auth_username", "")
	v.SetDefault("http.auth_password", "")

	v.SetDefault("log.level", "info")
}

// Load reads configuration from the data directory's config.yaml (if present)
// and PCONTEXT_* environment variables.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PCONTEXT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	dataDir := v.GetString("storage.data_dir")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) Config {
	return Config{
		Storage: StorageConfig{
			DataDir: v.GetString("storage.data_dir"),
		},
		Embedding: EmbeddingConfig{
			APIBase:   v.GetString("embedding.api_base"),
			APIKey:    v.GetString("embedding.api_key"),
			Model:     v.GetString("embedding.model"),
			Dimension: v.GetInt("embedding.dimension"),
		},
		Outline: OutlineConfig{
			APIBase:             v.GetString("outline.api_base"),
			APIKey:              v.GetString("outline.api_key"),
			CollectionID:        v.GetString("outline.collection_id"),
			PromptsCollectionID: v.GetString("outline.prompts_collection_id"),
		},
		Trilium: TriliumConfig{
			APIBase:      v.GetString("trilium.api_base"),
			APIToken:     v.GetString("trilium.api_token"),
			ParentNoteID: v.GetString("trilium.parent_note_id"),
		},
		Sync: SyncConfig{
			Enabled:         v.GetBool("sync.enabled"),
			IntervalSeconds: v.GetInt("sync.interval_seconds"),
			Collections:     v.GetStringSlice("sync.collections"),
		},
		HTTP: HTTPConfig{
			Host:         v.GetString("http.host"),
			Port:         v.GetInt("http.port"),
			AuthUsername: v.GetString("http.auth_username"),
			AuthPassword: v.GetString("http.auth_password"),
		},
		Log: LogConfig{
			Level: v.GetString("log.level"),
		},
	}
}

func (c Config) validate() error {
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Sync.IntervalSeconds <= 0 {
		return fmt.Errorf("sync interval must be positive, got %d", c.Sync.IntervalSeconds)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTP.Port)
	}
	return nil
}

// OutlineConfigured reports whether the Outline provider can be registered.
func (c Config) OutlineConfigured() bool {
	return c.Outline.APIKey != "" && c.Outline.APIBase != ""
}

// TriliumConfigured reports whether the Trilium provider can be registered.
func (c Config) TriliumConfigured() bool {
	return c.Trilium.APIToken != "" && c.Trilium.APIBase != ""
}

// ConfiguredProviders returns the names of all providers with credentials set.
func (c Config) ConfiguredProviders() []string {
	var providers []string
	if c.OutlineConfigured() {
		providers = append(providers, "outline")
	}
	if c.TriliumConfigured() {
		providers = append(providers, "trilium")
	}
	return providers
}

// AuthEnabled reports whether HTTP basic auth is configured.
func (c Config) AuthEnabled() bool {
	return c.HTTP.AuthUsername != "" && c.HTTP.AuthPassword != ""
}

// CollectionsToSync resolves the set of collections background sync covers:
// the explicit sync.collections list if set, otherwise the configured
// default collections. Returns an error when neither yields any.
func (c Config) CollectionsToSync() ([]string, error) {
	if len(c.Sync.Collections) > 0 {
		return c.Sync.Collections, nil
	}

	var collections []string
	if c.Outline.CollectionID != "" {
		collections = append(collections, c.Outline.CollectionID)
	}
	if c.Outline.PromptsCollectionID != "" && !contains(collections, c.Outline.PromptsCollectionID) {
		collections = append(collections, c.Outline.PromptsCollectionID)
	}

	if len(collections) == 0 {
		return nil, fmt.Errorf("no collections configured for sync")
	}
	return collections, nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
