// Package config holds the pixelpipe application configuration.
// Configuration is loaded from an optional YAML file and overridden by
// environment variables, with sensible defaults for everything else.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Queue    QueueConfig    `yaml:"queue" json:"queue"`
	Scanner  ScannerConfig  `yaml:"scanner" json:"scanner"`
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`
	Cache    CacheConfig    `yaml:"cache" json:"cache"`
	Monitor  MonitorConfig  `yaml:"monitor" json:"monitor"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ServerConfig holds the operational HTTP surface configuration
type ServerConfig struct {
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Type         string `yaml:"type" json:"type"` // sqlite or postgres
	Path         string `yaml:"path" json:"path"` // sqlite file path
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	Username     string `yaml:"username" json:"username"`
	Password     string `yaml:"password" json:"password"`
	Database     string `yaml:"database" json:"database"`
	MaxOpenConns int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns" json:"max_idle_conns"`
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	// Prefetch bounds how many messages one consumer processes concurrently.
	// This is the pipeline's backpressure knob: too high thrashes slow
	// storage, too low underutilizes fast storage.
	Prefetch          int           `yaml:"prefetch" json:"prefetch"`
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" json:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval" json:"poll_interval"`
	AdaptiveWorkers   bool          `yaml:"adaptive_workers" json:"adaptive_workers"`
}

// ScannerConfig holds scan stage configuration
type ScannerConfig struct {
	ProbeVideoDimensions bool          `yaml:"probe_video_dimensions" json:"probe_video_dimensions"`
	ProbeTimeout         time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
}

// PipelineConfig holds the processing stage configuration
type PipelineConfig struct {
	// Separate ceilings: archive entries are decompressed into memory, so
	// they warrant a tighter bound than loose files read from disk.
	MaxFileBytes        int64 `yaml:"max_file_bytes" json:"max_file_bytes"`
	MaxArchiveEntryBytes int64 `yaml:"max_archive_entry_bytes" json:"max_archive_entry_bytes"`

	ThumbWidth   int    `yaml:"thumb_width" json:"thumb_width"`
	ThumbHeight  int    `yaml:"thumb_height" json:"thumb_height"`
	ThumbQuality int    `yaml:"thumb_quality" json:"thumb_quality"`
	CacheWidth   int    `yaml:"cache_width" json:"cache_width"`
	CacheHeight  int    `yaml:"cache_height" json:"cache_height"`
	CacheQuality int    `yaml:"cache_quality" json:"cache_quality"`
	CacheFormat  string `yaml:"cache_format" json:"cache_format"`

	// PreserveOriginals serves the original file as the cache rendition
	// instead of re-encoding, for deployments that want full fidelity.
	PreserveOriginals bool `yaml:"preserve_originals" json:"preserve_originals"`
}

// CacheConfig holds cache folder configuration
type CacheConfig struct {
	Folders      []CacheFolderConfig `yaml:"folders" json:"folders"`
	WatchFolders bool                `yaml:"watch_folders" json:"watch_folders"`
}

// CacheFolderConfig describes one artifact destination folder
type CacheFolderConfig struct {
	Path     string `yaml:"path" json:"path"`
	Priority int    `yaml:"priority" json:"priority"`
	MaxBytes int64  `yaml:"max_bytes" json:"max_bytes"`
}

// MonitorConfig holds reconciliation and recovery configuration
type MonitorConfig struct {
	// Cron spec for the reconciliation pass. The per-cycle workload is
	// bounded by BatchSize; reduce the batch rather than stretching the
	// interval when cycles run long.
	Schedule           string  `yaml:"schedule" json:"schedule"`
	BatchSize          int     `yaml:"batch_size" json:"batch_size"`
	AlertFailureRatio  float64 `yaml:"alert_failure_ratio" json:"alert_failure_ratio"`
	DeadLetterRetries  int     `yaml:"dead_letter_retries" json:"dead_letter_retries"`
	MetricsEnabled     bool    `yaml:"metrics_enabled" json:"metrics_enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DefaultConfig returns the default application configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Type:         "sqlite",
			Path:         "./data/pixelpipe.db",
			Host:         "localhost",
			Port:         5432,
			Username:     "pixelpipe",
			Database:     "pixelpipe",
			MaxOpenConns: 50,
			MaxIdleConns: 10,
		},
		Queue: QueueConfig{
			Prefetch:          4,
			MaxAttempts:       5,
			VisibilityTimeout: 5 * time.Minute,
			PollInterval:      500 * time.Millisecond,
			AdaptiveWorkers:   true,
		},
		Scanner: ScannerConfig{
			ProbeVideoDimensions: true,
			ProbeTimeout:         15 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxFileBytes:         512 * 1024 * 1024, // 512MB
			MaxArchiveEntryBytes: 128 * 1024 * 1024, // 128MB
			ThumbWidth:           300,
			ThumbHeight:          300,
			ThumbQuality:         80,
			CacheWidth:           1600,
			CacheHeight:          1200,
			CacheQuality:         90,
			CacheFormat:          "webp",
		},
		Cache: CacheConfig{
			Folders: []CacheFolderConfig{
				{Path: "./data/cache", Priority: 1, MaxBytes: 50 * 1024 * 1024 * 1024},
			},
			WatchFolders: true,
		},
		Monitor: MonitorConfig{
			Schedule:          "@every 30s",
			BatchSize:         200,
			AlertFailureRatio: 0.25,
			DeadLetterRetries: 3,
			MetricsEnabled:    true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from an optional YAML file plus environment
// overrides, and installs it as the global configuration.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// Get returns the global configuration, loading defaults if Load was
// never called.
func Get() *Config {
	configOnce.Do(func() {
		configMu.Lock()
		if globalConfig == nil {
			globalConfig = DefaultConfig()
			applyEnvOverrides(globalConfig)
		}
		configMu.Unlock()
	})
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_TYPE"); v != "" {
		cfg.Database.Type = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = p
		}
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		cfg.Database.Username = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("PIXELPIPE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("PIXELPIPE_PREFETCH"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Queue.Prefetch = p
		}
	}
	if v := os.Getenv("PIXELPIPE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
