// Package config provides unified configuration for the occupancy
// materialization service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode represents which services to run in this process.
type Mode string

const (
	ModeAll       Mode = "all"
	ModeAPI       Mode = "api"
	ModeScheduler Mode = "scheduler"
)

// Config holds the unified configuration.
type Config struct {
	// Mode specifies which services to run: all, api, scheduler
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Tippers points at the raw sensor database (read-only)
	Tippers TippersConfig `json:"tippers" yaml:"tippers"`

	// Registry configures the chunk registry
	Registry RegistryConfig `json:"registry" yaml:"registry"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Scheduler configuration
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`

	// Compute configuration
	Compute ComputeConfig `json:"compute" yaml:"compute"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// TippersConfig locates the raw sensor database.
type TippersConfig struct {
	// DBPath is the SQLite database holding spaces and sessions
	DBPath string `json:"db_path" yaml:"db_path"`
}

// RegistryConfig holds chunk registry configuration.
type RegistryConfig struct {
	// Dir is the directory for registry databases
	Dir string `json:"dir" yaml:"dir"`

	// Shards is the number of registry shard databases; 0 or 1 means
	// a single unsharded database
	Shards int `json:"shards" yaml:"shards"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the API listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// SchedulerConfig holds scheduler loop configuration.
type SchedulerConfig struct {
	// TickInterval is how often the scheduler polls for work
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`

	// SourceBatchSize is the max source chunks dispatched per tick
	SourceBatchSize int `json:"source_batch_size" yaml:"source_batch_size"`

	// DerivedBatchSize is the max derived chunks examined per tick
	DerivedBatchSize int `json:"derived_batch_size" yaml:"derived_batch_size"`

	// MaxOutstanding caps compute jobs in flight
	MaxOutstanding int `json:"max_outstanding" yaml:"max_outstanding"`

	// StaleAfter is how long a RUNNING chunk may sit before requeue
	StaleAfter time.Duration `json:"stale_after" yaml:"stale_after"`
}

// ComputeConfig holds compute execution configuration.
type ComputeConfig struct {
	// Workers is the size of the local worker pool
	Workers int `json:"workers" yaml:"workers"`

	// QueueDepth is the local backend's job queue depth
	QueueDepth int `json:"queue_depth" yaml:"queue_depth"`

	// WorkDir is the directory for chunk files being built
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// CacheDir is the directory for downloaded chunk objects
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`

	// DownloadConcurrency is the parallel download limit
	DownloadConcurrency int `json:"download_concurrency" yaml:"download_concurrency"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/occupancy",
		Tippers: TippersConfig{
			DBPath: "./data/tippers.db",
		},
		Registry: RegistryConfig{
			Shards: 1,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval:     15 * time.Second,
			SourceBatchSize:  32,
			DerivedBatchSize: 64,
			MaxOutstanding:   32,
			StaleAfter:       30 * time.Minute,
		},
		Compute: ComputeConfig{
			Workers:             4,
			QueueDepth:          64,
			DownloadConcurrency: 8,
		},
		Storage: StorageConfig{
			Type: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/occupancy"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Registry.Dir == "" {
		c.Registry.Dir = filepath.Join(c.DataDir, "registry")
	}
	if c.Compute.WorkDir == "" {
		c.Compute.WorkDir = filepath.Join(c.DataDir, "work")
	}
	if c.Compute.CacheDir == "" {
		c.Compute.CacheDir = filepath.Join(c.DataDir, "cache")
	}
}

// RegistryPath returns the path of the unsharded registry database.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.Registry.Dir, "registry.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeAPI, ModeScheduler:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, api, or scheduler)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Tippers.DBPath == "" {
		return fmt.Errorf("tippers.db_path is required")
	}
	if c.Registry.Shards < 0 {
		return fmt.Errorf("registry.shards must not be negative, got %d", c.Registry.Shards)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	return nil
}

// ShouldRunAPI returns true if the HTTP API should run.
func (c *Config) ShouldRunAPI() bool {
	return c.Mode == ModeAll || c.Mode == ModeAPI
}

// ShouldRunScheduler returns true if the scheduler should run.
func (c *Config) ShouldRunScheduler() bool {
	return c.Mode == ModeAll || c.Mode == ModeScheduler
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TIPPERS_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TIPPERS_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("TIPPERS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TIPPERS_DB_PATH"); v != "" {
		cfg.Tippers.DBPath = v
	}

	if v := os.Getenv("TIPPERS_REGISTRY_DIR"); v != "" {
		cfg.Registry.Dir = v
	}
	if v := os.Getenv("TIPPERS_REGISTRY_SHARDS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Registry.Shards)
	}

	if v := os.Getenv("TIPPERS_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	if v := os.Getenv("TIPPERS_SCHEDULER_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.TickInterval = d
		}
	}
	if v := os.Getenv("TIPPERS_SCHEDULER_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.StaleAfter = d
		}
	}
	if v := os.Getenv("TIPPERS_SCHEDULER_MAX_OUTSTANDING"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Scheduler.MaxOutstanding)
	}

	if v := os.Getenv("TIPPERS_COMPUTE_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Compute.Workers)
	}

	if v := os.Getenv("TIPPERS_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("TIPPERS_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TIPPERS_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("TIPPERS_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("TIPPERS_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.Path,
		c.Registry.Dir,
		c.Compute.WorkDir,
		c.Compute.CacheDir,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
