package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PATTOOD_CONFIGDIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DefaultDBPoolSize, cfg.DBPoolSize)
	require.Equal(t, DefaultDBMaxOverflow, cfg.DBMaxOverflow)
	require.Equal(t, DefaultBatchSize, cfg.BatchSize)
	require.Equal(t, DefaultIngesterInterval, cfg.IngesterInterval)
	require.True(t, cfg.Multiprocessing)
	require.Equal(t, DefaultListenAddress+":20201", cfg.ListenAddr())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PATTOOD_CONFIGDIR", t.TempDir())
	t.Setenv("PATTOOD_BATCH_SIZE", "123")
	t.Setenv("PATTOOD_MULTIPROCESSING", "false")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 123, cfg.BatchSize)
	require.False(t, cfg.Multiprocessing)
}

func TestValidate(t *testing.T) {
	cfg := &Config{DBPoolSize: 10, DBMaxOverflow: 20, BatchSize: 500, IngesterInterval: 3600}
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.BatchSize = 0
	require.Error(t, bad.Validate())

	bad = *cfg
	bad.DBPoolSize = -1
	require.Error(t, bad.Validate())

	// The interval floor is applied, not rejected.
	low := *cfg
	low.IngesterInterval = 1
	require.NoError(t, low.Validate())
	require.Equal(t, MinIngesterInterval, low.IngesterInterval)
}

func TestPaths(t *testing.T) {
	cfg := &Config{
		CacheDirectory:     "/var/cache/pattood",
		DaemonRunDirectory: "/var/run/pattood",
	}
	require.Equal(t, filepath.Join("/var/cache/pattood", APIDName), cfg.AgentCacheDirectory())
	require.Equal(t, filepath.Join("/var/run/pattood", IngesterName+".lock"), cfg.LockfilePath())
}
