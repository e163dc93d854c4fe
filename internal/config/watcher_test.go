package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWatcherValidation(t *testing.T) {
	_, err := NewWatcher("", func(*Config) {}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewWatcher("config.yaml", nil, zap.NewNop())
	assert.Error(t, err)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o644))

	var mu sync.Mutex
	var got *Config
	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		got = cfg
		mu.Unlock()
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9300\n"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil && got.Server.Port == 9300
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherKeepsPreviousOnInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o644))

	var mu sync.Mutex
	reloads := 0
	w, err := NewWatcher(path, func(*Config) {
		mu.Lock()
		reloads++
		mu.Unlock()
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	// An invalid state must never reach the callback.
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 99999\n"), 0o644))
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	invalidReloads := reloads
	mu.Unlock()
	assert.Zero(t, invalidReloads)

	// A valid write afterwards gets through.
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9400\n"), 0o644))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reloads == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	w, err := NewWatcher(path, func(*Config) {}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, w.Start())
	assert.Error(t, w.Start(), "second start must fail")

	w.Stop()
	w.Stop() // idempotent

	require.NoError(t, w.Start())
	w.Stop()
}
