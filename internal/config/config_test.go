package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 4, cfg.Queue.Prefetch)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Queue.VisibilityTimeout)
	assert.Greater(t, cfg.Pipeline.MaxFileBytes, cfg.Pipeline.MaxArchiveEntryBytes,
		"archive entries decompress into memory and get the tighter ceiling")
	assert.NotEmpty(t, cfg.Cache.Folders)
	assert.Equal(t, "@every 30s", cfg.Monitor.Schedule)
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
queue:
  prefetch: 16
  max_attempts: 2
pipeline:
  thumb_width: 128
  thumb_height: 128
cache:
  folders:
    - path: /var/cache/pixelpipe
      priority: 1
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 16, cfg.Queue.Prefetch)
	assert.Equal(t, 2, cfg.Queue.MaxAttempts)
	assert.Equal(t, 128, cfg.Pipeline.ThumbWidth)
	require.Len(t, cfg.Cache.Folders, 1)
	assert.Equal(t, "/var/cache/pixelpipe", cfg.Cache.Folders[0].Path)

	// Untouched sections keep their defaults.
	assert.Equal(t, "sqlite", cfg.Database.Type)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "postgres")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("PIXELPIPE_PREFETCH", "8")
	t.Setenv("PIXELPIPE_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 8, cfg.Queue.Prefetch)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
