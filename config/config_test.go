package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 4, cfg.Pool.MinWorkers)
	require.Equal(t, 12, cfg.Pool.MaxWorkers)
	require.Equal(t, 256, cfg.Pool.MaxQueue)
	require.Equal(t, 15*time.Minute, cfg.Locks.Lease())
	require.Equal(t, time.Minute, cfg.Locks.ReapInterval())
	require.Equal(t, 2*time.Minute, cfg.Optimization.Timeout1D())
	require.Equal(t, 5*time.Minute, cfg.Optimization.Timeout2D())
	require.Equal(t, int64(3), cfg.Optimization.DefaultKerfMM)
	require.Equal(t, "1D_BFD", cfg.Optimization.DefaultAlgorithm1D)
	require.Equal(t, "2D_BOTTOM_LEFT", cfg.Optimization.DefaultAlgorithm2D)
	require.Equal(t, 2, cfg.Broker.MaxDeliveries)
	require.NoError(t, cfg.validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
pool:
  maxQueue: 32
locks:
  leaseMs: 300000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 32, cfg.Pool.MaxQueue)
	require.Equal(t, 5*time.Minute, cfg.Locks.Lease())
	// Untouched sections keep defaults.
	require.Equal(t, 4, cfg.Pool.MinWorkers)
	require.Equal(t, time.Minute, cfg.Locks.ReapInterval())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "pool:\n  maxQueu: 32\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, "pool:\n  minWorkers: 0\n")
	_, err := Load(path)
	require.Error(t, err)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cutcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
