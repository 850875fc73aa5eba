package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withArgs(t *testing.T, args ...string) {
	t.Helper()
	old := os.Args
	os.Args = append([]string{"mailkeeper"}, args...)
	t.Cleanup(func() { os.Args = old })
}

func TestLoadConfig_Defaults(t *testing.T) {
	withArgs(t)

	cfg := LoadConfig()

	assert.Equal(t, "mail-", cfg.BucketPrefix)
	assert.Equal(t, "us-east-1", cfg.S3Region)
	assert.False(t, cfg.InMemory)
	assert.Equal(t, 6*time.Hour, cfg.CheckpointInterval)
	assert.Equal(t, 16, cfg.CheckpointMinOps)
	assert.Equal(t, 3, cfg.CheckpointKeep)
	assert.Equal(t, 15*time.Second, cfg.StorageCallTimeout)
}

func TestLoadConfig_JSONOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"database_dsn": "postgres://db/overlay",
		"bucket_prefix": "acct-",
		"in_memory": true,
		"checkpoint_interval": "1h",
		"checkpoint_keep": 5
	}`), 0o600))

	withArgs(t, "-c", path)

	cfg := LoadConfig()

	assert.Equal(t, "postgres://db/overlay", cfg.DatabaseDSN)
	assert.Equal(t, "acct-", cfg.BucketPrefix)
	assert.True(t, cfg.InMemory)
	assert.Equal(t, time.Hour, cfg.CheckpointInterval)
	assert.Equal(t, 5, cfg.CheckpointKeep)
	// untouched fields keep defaults
	assert.Equal(t, 16, cfg.CheckpointMinOps)
}

func TestLoadConfig_FlagsWinOverJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bucket_prefix": "json-"}`), 0o600))

	withArgs(t, "-c", path, "-b", "flag-", "-i", "30")

	cfg := LoadConfig()

	assert.Equal(t, "flag-", cfg.BucketPrefix)
	assert.Equal(t, 30*time.Minute, cfg.CheckpointInterval)
}
