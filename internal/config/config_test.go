package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worldrates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: sqlite
  path: /var/lib/worldrates/worldrates.db
worldbank:
  per_page: 500
ingest:
  full_schedule: "0 4 * * 0"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, 500, cfg.WorldBank.PerPage)
	assert.Equal(t, "0 4 * * 0", cfg.Ingest.FullSchedule)
	assert.Equal(t, "0 2 * * *", cfg.Ingest.ExchangeSchedule)
	assert.Equal(t, time.Second, cfg.WorldBank.MinDelay())
	assert.Equal(t, 500*time.Millisecond, cfg.Exchange.MinDelay())
	assert.Equal(t, time.Hour, cfg.Lock.Expiry())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worldrates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_concurrent: 5\n"), 0o644))
	t.Setenv("WORLDRATES_QUEUE_MAX_CONCURRENT", "7")
	t.Setenv("WORLDRATES_EXCHANGE_SCHEDULE", "")
	t.Setenv("WORLDRATES_STARTUP_CHECK", "false")
	t.Setenv("WORLDRATES_WORLDBANK_PER_PAGE", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Queue.MaxConcurrent)
	assert.Empty(t, cfg.Ingest.ExchangeSchedule)
	assert.False(t, cfg.Ingest.StartupCheck)
	assert.Equal(t, 1000, cfg.WorldBank.PerPage)
}

func TestLoadRejectsMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Store.Backend = "postgres"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Lock.Backend = BackendRedis
	assert.Error(t, cfg.Validate())
	cfg.Lock.RedisAddr = "localhost:6379"
	assert.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.WorldBank.HistoryYears = 2
	assert.Error(t, cfg.Validate())
}
