package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "ingest" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"empty tippers path", func(c *Config) { c.Tippers.DBPath = "" }},
		{"negative shards", func(c *Config) { c.Registry.Shards = -1 }},
		{"bad storage type", func(c *Config) { c.Storage.Type = "gcs" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestResolveDerivesPathsFromDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/srv/occupancy"
	cfg.Resolve()

	if cfg.Storage.Path != filepath.Join("/srv/occupancy", "storage") {
		t.Errorf("storage path = %s", cfg.Storage.Path)
	}
	if cfg.Registry.Dir != filepath.Join("/srv/occupancy", "registry") {
		t.Errorf("registry dir = %s", cfg.Registry.Dir)
	}
	if cfg.Compute.WorkDir != filepath.Join("/srv/occupancy", "work") {
		t.Errorf("work dir = %s", cfg.Compute.WorkDir)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
mode: scheduler
data_dir: /tmp/occ
tippers:
  db_path: /tmp/tippers.db
scheduler:
  tick_interval: 5s
  max_outstanding: 8
storage:
  type: s3
  s3:
    bucket: occupancy-chunks
    region: us-west-2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Mode != ModeScheduler {
		t.Errorf("mode = %s, want scheduler", cfg.Mode)
	}
	if cfg.Scheduler.TickInterval != 5*time.Second {
		t.Errorf("tick interval = %v, want 5s", cfg.Scheduler.TickInterval)
	}
	if cfg.Scheduler.MaxOutstanding != 8 {
		t.Errorf("max outstanding = %d, want 8", cfg.Scheduler.MaxOutstanding)
	}
	if cfg.Storage.S3.Bucket != "occupancy-chunks" {
		t.Errorf("bucket = %s", cfg.Storage.S3.Bucket)
	}
	// Fields the file omits keep their defaults.
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("http addr = %s, want default :8080", cfg.HTTP.Addr)
	}
}

func TestLoadFromFileRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("mode = 'all'"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("TIPPERS_MODE", "api")
	t.Setenv("TIPPERS_HTTP_ADDR", ":9999")
	t.Setenv("TIPPERS_REGISTRY_SHARDS", "8")
	t.Setenv("TIPPERS_SCHEDULER_STALE_AFTER", "10m")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Mode != ModeAPI {
		t.Errorf("mode = %s, want api", cfg.Mode)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Errorf("addr = %s, want :9999", cfg.HTTP.Addr)
	}
	if cfg.Registry.Shards != 8 {
		t.Errorf("shards = %d, want 8", cfg.Registry.Shards)
	}
	if cfg.Scheduler.StaleAfter != 10*time.Minute {
		t.Errorf("stale after = %v, want 10m", cfg.Scheduler.StaleAfter)
	}
}
