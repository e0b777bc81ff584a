package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alternateYAML = `
backends:
  - id: anthropic
    class: cloud
    baseURL: https://api.anthropic.com
`

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestWatcher_ReloadOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.yaml")
	writeConfigFile(t, path, minimalYAML)

	reloaded := make(chan *RouterConfig, 1)
	w, err := NewWatcher(path, func(cfg *RouterConfig) {
		reloaded <- cfg
	}, WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop() //nolint:errcheck

	require.NotNil(t, w.Current())
	assert.Equal(t, "openai", w.Current().Backends[0].ID)

	writeConfigFile(t, path, alternateYAML)

	select {
	case cfg := <-reloaded:
		require.Len(t, cfg.Backends, 1)
		assert.Equal(t, "anthropic", cfg.Backends[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	assert.Equal(t, "anthropic", w.Current().Backends[0].ID)
}

func TestWatcher_InvalidReloadKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.yaml")
	writeConfigFile(t, path, minimalYAML)

	reloadErrs := make(chan error, 1)
	w, err := NewWatcher(path, func(*RouterConfig) {
		t.Error("callback invoked for invalid configuration")
	},
		WithDebounceDelay(20*time.Millisecond),
		WithErrorCallback(func(err error) { reloadErrs <- err }),
	)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop() //nolint:errcheck

	writeConfigFile(t, path, "backends: [}")

	select {
	case err := <-reloadErrs:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}

	require.NotNil(t, w.Current())
	assert.Equal(t, "openai", w.Current().Backends[0].ID)
}

func TestWatcher_StartMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	assert.Error(t, w.Start(context.Background()))
}

func TestWatcher_StopIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.yaml")
	writeConfigFile(t, path, minimalYAML)

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")
	writeConfigFile(t, path, minimalYAML)

	w, err := NewWatcher(path, func(*RouterConfig) {
		t.Error("callback invoked for unrelated file change")
	}, WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop() //nolint:errcheck

	writeConfigFile(t, filepath.Join(dir, "other.yaml"), alternateYAML)
	time.Sleep(200 * time.Millisecond)
}
