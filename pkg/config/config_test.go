package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
backend: memory
store:
  persist_all: true
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Bus.HistorySize != 1000 {
		t.Errorf("expected default history size 1000, got %d", cfg.Bus.HistorySize)
	}
	if cfg.Store.BatchSize != 50 {
		t.Errorf("expected default batch size 50, got %d", cfg.Store.BatchSize)
	}
	if cfg.Store.FlushInterval.Std() != 5*time.Second {
		t.Errorf("expected default flush interval 5s, got %v", cfg.Store.FlushInterval)
	}
	if cfg.Store.RetentionCron != "@hourly" {
		t.Errorf("expected default retention cron, got %q", cfg.Store.RetentionCron)
	}
	if !cfg.Store.PersistAll {
		t.Error("persist_all not read from file")
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
backend: redis
redis:
  addr: localhost:6379
store:
  batch_size: 10
  flush_interval: 2s
  persist_types:
    - task.completed
    - task.failed
bus:
  history_size: 50
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Backend != "redis" {
		t.Errorf("backend = %q", cfg.Backend)
	}
	if cfg.Store.BatchSize != 10 {
		t.Errorf("batch_size = %d", cfg.Store.BatchSize)
	}
	if cfg.Store.FlushInterval.Std() != 2*time.Second {
		t.Errorf("flush_interval = %v", cfg.Store.FlushInterval)
	}
	if len(cfg.Store.PersistTypes) != 2 {
		t.Errorf("persist_types = %v", cfg.Store.PersistTypes)
	}
	if cfg.Bus.HistorySize != 50 {
		t.Errorf("history_size = %d", cfg.Bus.HistorySize)
	}
}

func TestLoadConfig_EnvFallback(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("GCP_PROJECT", "my-project")

	path := writeConfig(t, `backend: redis`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("redis addr not taken from environment: %q", cfg.Redis.Addr)
	}
	if cfg.Firestore.ProjectID != "my-project" {
		t.Errorf("project id not taken from environment: %q", cfg.Firestore.ProjectID)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default is valid", func(*Config) {}, false},
		{"unknown backend", func(c *Config) { c.Backend = "dynamo" }, true},
		{"redis without addr", func(c *Config) { c.Backend = "redis" }, true},
		{"redis with addr", func(c *Config) {
			c.Backend = "redis"
			c.Redis.Addr = "localhost:6379"
		}, false},
		{"firestore without project", func(c *Config) { c.Backend = "firestore" }, true},
		{"zero batch size", func(c *Config) { c.Store.BatchSize = 0 }, true},
		{"sync without persistence", func(c *Config) { c.Store.SyncEnabled = true }, true},
		{"sync with persist_all", func(c *Config) {
			c.Store.SyncEnabled = true
			c.Store.PersistAll = true
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Backend = "redis"
	cfg.Redis.Addr = "localhost:6379"

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Backend != "redis" || loaded.Redis.Addr != "localhost:6379" {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}
