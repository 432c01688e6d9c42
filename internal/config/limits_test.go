package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatcher_MissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	w, err := NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), discardLogger())
	require.NoError(t, err)

	limits := w.Snapshot()
	assert.Equal(t, DefaultLimits(), limits)
	assert.Equal(t, 0.10, limits.MaxRiskFraction)
	assert.Equal(t, time.Minute, limits.ReconcileInterval.D())
}

func TestWatcher_ParsesYamlDurations(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_risk_fraction: 0.05
grace_period: 90s
zombie_threshold: 45m
dispatch_timeout: 2500ms
`), 0o644))

	w, err := NewWatcher(path, discardLogger())
	require.NoError(t, err)

	limits := w.Snapshot()
	assert.Equal(t, 0.05, limits.MaxRiskFraction)
	assert.Equal(t, 90*time.Second, limits.GracePeriod.D())
	assert.Equal(t, 45*time.Minute, limits.ZombieThreshold.D())
	assert.Equal(t, 2500*time.Millisecond, limits.DispatchTimeout.D())

	// не указанные ключи остаются дефолтными
	assert.Equal(t, 8, limits.MaxOpenPositions)
}

func TestWatcher_RejectsInvalidLimits(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_risk_fraction: 2.5\n"), 0o644))

	_, err := NewWatcher(path, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_risk_fraction")
}

func TestWatcher_ReloadKeepsPreviousValuesOnBrokenFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_open_positions: 5\n"), 0o644))

	w, err := NewWatcher(path, discardLogger())
	require.NoError(t, err)
	require.Equal(t, 5, w.Snapshot().MaxOpenPositions)

	// битый файл не должен затереть рабочие значения
	require.NoError(t, os.WriteFile(path, []byte("max_open_positions: -1\n"), 0o644))
	require.Error(t, w.reload())
	assert.Equal(t, 5, w.Snapshot().MaxOpenPositions)
}
