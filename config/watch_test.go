package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	updates := make(chan AppConfig, 4)
	w, err := NewWatcher(path, WatchConfig{Enabled: true}, func(cfg AppConfig) { updates <- cfg }, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	changed := strings.Replace(sampleConfig, "default_retries: 2", "default_retries: 7", 1)
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o644))

	select {
	case cfg := <-updates:
		assert.Equal(t, 7, cfg.Scheduler.DefaultRetries)
	case <-time.After(2 * time.Second):
		t.Fatalf("expected update callback")
	}
}

func TestWatcherKeepsConfigOnInvalidWrite(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	updates := make(chan AppConfig, 4)
	w, err := NewWatcher(path, WatchConfig{Enabled: true}, func(cfg AppConfig) { updates <- cfg }, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("env: dev\nvenue:\n  kind: fix\n"), 0o644))
	require.Eventually(t, func() bool {
		_, failures := w.Stats()
		return failures > 0
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-updates:
		t.Fatalf("invalid config must not be applied")
	default:
	}
}

func TestWatcherDisabled(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	w, err := NewWatcher(path, WatchConfig{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	reloads, failures := w.Stats()
	assert.Zero(t, reloads)
	assert.Zero(t, failures)
}
