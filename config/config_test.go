package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, 256, cfg.MaxQueueDepth)
	require.Equal(t, 8, cfg.MaxBatchSize)
	require.Equal(t, 4*time.Millisecond, cfg.LingerMs)
	require.Equal(t, float32(0.8), cfg.Temperature)
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_queue_depth: 16
max_batch_size: 2
linger_ms: 10
temperature: 0.5
top_k: 10
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 16, cfg.MaxQueueDepth)
	require.Equal(t, 2, cfg.MaxBatchSize)
	require.Equal(t, 10*time.Millisecond, cfg.LingerMs)
	require.Equal(t, float32(0.5), cfg.Temperature)
	require.Equal(t, 10, cfg.TopK)
}

func TestLoadConfigOptionsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`max_batch_size: 2`), 0o644))

	cfg, err := LoadConfig(path, WithMaxBatchSize(32), WithLogLevel("debug"))
	require.NoError(t, err)
	require.Equal(t, 32, cfg.MaxBatchSize)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigRejectsInvalidBounds(t *testing.T) {
	_, err := LoadConfig("", WithMaxBatchSize(0))
	require.Error(t, err)
}
