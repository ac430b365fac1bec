package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "engine:\n  batch_size: 4\n")

	w, err := NewWatcher(path, 20*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, func(c *Config) { got <- c }) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  batch_size: 7\n"), 0o644))

	select {
	case cfg := <-got:
		require.Equal(t, 7, cfg.Engine.BatchSize)
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback not invoked")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestWatcherIgnoresInvalidEdit(t *testing.T) {
	path := writeConfig(t, "engine:\n  batch_size: 4\n")
	w, err := NewWatcher(path, time.Millisecond, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("engine:\n  batch_size: 0\n"), 0o644))

	called := false
	w.reload(func(*Config) { called = true })
	require.False(t, called, "invalid config must not be applied")
}

func TestWatcherSkipsUnchangedContent(t *testing.T) {
	path := writeConfig(t, "engine:\n  batch_size: 4\n")
	w, err := NewWatcher(path, time.Millisecond, nil)
	require.NoError(t, err)

	called := 0
	w.reload(func(*Config) { called++ })
	require.Equal(t, 0, called)

	require.NoError(t, os.WriteFile(path, []byte("engine:\n  batch_size: 5\n"), 0o644))
	w.reload(func(*Config) { called++ })
	w.reload(func(*Config) { called++ })
	require.Equal(t, 1, called)
}

func TestComputeBlake3Hash(t *testing.T) {
	path := writeConfig(t, "a: 1\n")
	h1, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	require.Len(t, h1, 64)

	require.NoError(t, os.WriteFile(path, []byte("a: 2\n"), 0o644))
	h2, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}
