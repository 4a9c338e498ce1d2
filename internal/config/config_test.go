package config

import (
	"os"
	"path/filepath"
	"testing"
)

func loadWithEnv(t *testing.T, env map[string]string) Config {
	t.Helper()
	// Isolate from the developer's real data dir.
	t.Setenv("PCONTEXT_STORAGE_DATA_DIR", t.TempDir())
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadWithEnv(t, nil)

	if cfg.HTTP.Port != 8000 {
		t.Errorf("port = %d, want 8000", cfg.HTTP.Port)
	}
	if cfg.Embedding.Model != "text-embedding-3-small" || cfg.Embedding.Dimension != 1536 {
		t.Errorf("embedding = %+v", cfg.Embedding)
	}
	if !cfg.Sync.Enabled || cfg.Sync.IntervalSeconds != 300 {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.AuthEnabled() {
		t.Error("auth enabled with no credentials")
	}
	if got := cfg.ConfiguredProviders(); len(got) != 0 {
		t.Errorf("providers = %v, want none", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	cfg := loadWithEnv(t, map[string]string{
		"PCONTEXT_HTTP_PORT":       "9001",
		"PCONTEXT_OUTLINE_API_KEY": "ok",
		"PCONTEXT_LOG_LEVEL":       "debug",
	})

	if cfg.HTTP.Port != 9001 {
		t.Errorf("port = %d, want 9001", cfg.HTTP.Port)
	}
	if !cfg.OutlineConfigured() {
		t.Error("outline not configured despite api key")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "http:\n  port: 9100\ntrilium:\n  api_token: tok\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing config.yaml: %v", err)
	}
	t.Setenv("PCONTEXT_STORAGE_DATA_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 9100 {
		t.Errorf("port = %d, want 9100 from config file", cfg.HTTP.Port)
	}
	if !cfg.TriliumConfigured() {
		t.Error("trilium not configured despite token in file")
	}
}

func TestEnvBeatsConfigFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("http:\n  port: 9100\n"), 0o644); err != nil {
		t.Fatalf("writing config.yaml: %v", err)
	}
	t.Setenv("PCONTEXT_STORAGE_DATA_DIR", dir)
	t.Setenv("PCONTEXT_HTTP_PORT", "9200")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 9200 {
		t.Errorf("port = %d, want env override 9200", cfg.HTTP.Port)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PCONTEXT_STORAGE_DATA_DIR", t.TempDir())
	t.Setenv("PCONTEXT_HTTP_PORT", "-1")

	if _, err := Load(); err == nil {
		t.Error("expected error for negative port")
	}
}

func TestCollectionsToSync(t *testing.T) {
	cfg := Config{
		Outline: OutlineConfig{CollectionID: "col-a", PromptsCollectionID: "col-p"},
	}
	got, err := cfg.CollectionsToSync()
	if err != nil {
		t.Fatalf("CollectionsToSync: %v", err)
	}
	if len(got) != 2 || got[0] != "col-a" || got[1] != "col-p" {
		t.Errorf("collections = %v", got)
	}

	cfg.Sync.Collections = []string{"explicit"}
	got, err = cfg.CollectionsToSync()
	if err != nil {
		t.Fatalf("CollectionsToSync explicit: %v", err)
	}
	if len(got) != 1 || got[0] != "explicit" {
		t.Errorf("explicit list ignored: %v", got)
	}

	empty := Config{}
	if _, err := empty.CollectionsToSync(); err == nil {
		t.Error("expected error with nothing configured")
	}
}

func TestCollectionsToSyncDeduplicates(t *testing.T) {
	cfg := Config{
		Outline: OutlineConfig{CollectionID: "col-a", PromptsCollectionID: "col-a"},
	}
	got, err := cfg.CollectionsToSync()
	if err != nil {
		t.Fatalf("CollectionsToSync: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("collections = %v, want deduplicated single entry", got)
	}
}
