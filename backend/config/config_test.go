package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Running.Port)
	assert.Equal(t, 10*time.Second, cfg.Running.ShutdownTimeout)
	assert.Empty(t, cfg.Mysql.DSN)
	assert.Empty(t, cfg.Redis.Addrs)
	assert.Equal(t, "edin-doc-events", cfg.Kafka.Topic)
	assert.Equal(t, time.Duration(0), cfg.Sync.BatchTime)
	assert.Equal(t, 100, cfg.Websocket.MaxInflight)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
running:
  port: 9000
sync:
  batchTime: 15ms
  maxBatchSize: 64
kafka:
  brokers: ["k1:9092", "k2:9092"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("EDIN_RUNNING_PORT", "9100")
	t.Setenv("EDIN_SYNC_STRICTVERSIONS", "true")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Running.Port)
	assert.Equal(t, 15*time.Millisecond, cfg.Sync.BatchTime)
	assert.Equal(t, 64, cfg.Sync.MaxBatchSize)
	assert.True(t, cfg.Sync.StrictVersions)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadRepositoryConfig(t *testing.T) {
	cfg, err := Load(".")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Millisecond, cfg.Sync.BatchTime)
	assert.NotEmpty(t, cfg.Websocket.AllowedOrigins)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("running: [:"), 0o644))
	_, err := Load(dir)
	assert.Error(t, err)
}
