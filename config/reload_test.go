package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestReloader_AppliesValidChanges(t *testing.T) {
	path := writeConfig(t, "tools:\n  catalog:\n    - id: figma\n")
	loader := NewLoader().WithConfigPath(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	r, err := NewReloader(loader, cfg, time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)

	var got []string
	r.OnReload(func(old, updated *Config) {
		assert.Len(t, old.Tools.Catalog, 1)
		for _, tc := range updated.Tools.Catalog {
			got = append(got, tc.ID)
		}
	})

	changed, err := r.Check()
	require.NoError(t, err)
	assert.False(t, changed, "unchanged file is ignored")

	require.NoError(t, os.WriteFile(path, []byte("tools:\n  catalog:\n    - id: figma\n    - id: build\n"), 0o644))
	changed, err = r.Check()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"figma", "build"}, got)
	assert.Len(t, r.Current().Tools.Catalog, 2)
}

func TestReloader_RejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 8081\n")
	loader := NewLoader().WithConfigPath(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	r, err := NewReloader(loader, cfg, time.Second, nil)
	require.NoError(t, err)

	calls := 0
	r.OnReload(func(_, _ *Config) { calls++ })

	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: -5\n"), 0o644))
	changed, err := r.Check()
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 8081, r.Current().Server.HTTPPort, "previous config stays active")
	assert.Error(t, r.LastError())

	// the same bad content is reported once
	changed, err = r.Check()
	assert.NoError(t, err)
	assert.False(t, changed)
}

func TestReloader_NeedsPath(t *testing.T) {
	_, err := NewReloader(NewLoader(), DefaultConfig(), 0, nil)
	assert.Error(t, err)
}

func TestReloader_RunStopsWithContext(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	loader := NewLoader().WithConfigPath(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	r, err := NewReloader(loader, cfg, 10*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, err)

	reloaded := make(chan string, 1)
	r.OnReload(func(_, updated *Config) { reloaded <- updated.Log.Level })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))
	select {
	case level := <-reloaded:
		assert.Equal(t, "debug", level)
	case <-time.After(2 * time.Second):
		t.Fatal("config was not reloaded")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
