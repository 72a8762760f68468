package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8088", cfg.Server.ListenAddress)
	assert.Equal(t, "always", cfg.Oplog.SyncMode)
	assert.Equal(t, int64(32*1024*1024), cfg.Oplog.MaxSegmentSizeBytes)
	assert.Equal(t, "10m", cfg.Oplog.CompactionInterval)
	assert.Equal(t, 1024, cfg.Status.CacheCapacity)
	assert.Equal(t, uint32(3), cfg.Retry.MaxAttempts)
	assert.Equal(t, "100ms", cfg.Retry.MinDelay)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
server:
  listen_address: ":9090"
oplog:
  dir: /var/lib/nexusflow/oplog
  sync_mode: disabled
status:
  cache_capacity: 16
  shard_count: 8
retry:
  max_attempts: 5
`
	cfg, err := Load(strings.NewReader(yaml))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddress)
	assert.Equal(t, "/var/lib/nexusflow/oplog", cfg.Oplog.Dir)
	assert.Equal(t, "disabled", cfg.Oplog.SyncMode)
	assert.Equal(t, 16, cfg.Status.CacheCapacity)
	assert.Equal(t, uint32(8), cfg.Status.ShardCount)
	assert.Equal(t, uint32(5), cfg.Retry.MaxAttempts)
	// Untouched sections keep their defaults.
	assert.Equal(t, "./data/checkpoints", cfg.Checkpoint.Dir)
	assert.Equal(t, "2s", cfg.Retry.MaxDelay)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad sync mode", "oplog:\n  sync_mode: sometimes\n"},
		{"zero cache capacity", "status:\n  cache_capacity: 0\n"},
		{"zero retry attempts", "retry:\n  max_attempts: 0\n"},
		{"sub-unit multiplier", "retry:\n  multiplier: 0.5\n"},
		{"empty oplog dir", "oplog:\n  dir: \"\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(strings.NewReader("server: [not a map"))
	assert.Error(t, err)
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8088", cfg.Server.ListenAddress)
}

func TestLoadConfig_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_address: \":7070\"\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.ListenAddress)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDuration("5s", time.Minute, nil))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute, nil))
	assert.Equal(t, time.Minute, ParseDuration("not-a-duration", time.Minute, nil))
}
