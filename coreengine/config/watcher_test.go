package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingLogger) Info(msg string, _ ...any) { l.add(msg) }
func (l *recordingLogger) Warn(msg string, _ ...any) { l.add(msg) }

func (l *recordingLogger) add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, msg)
}

func (l *recordingLogger) has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == msg {
			return true
		}
	}
	return false
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("review_gate: manual\n"), 0o600))

	reloaded := make(chan *ProjectConfig, 4)
	logger := &recordingLogger{}
	w, err := NewWatcher(path, func(cfg *ProjectConfig) { reloaded <- cfg }, logger)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("review_gate: always\n"), 0o600))

	// A write may surface as truncate then write; wait for the final content.
	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case cfg := <-reloaded:
			done = cfg.ReviewGate == ReviewGateAlways
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}
	assert.True(t, logger.has("config_reloaded"))
}

func TestWatcherIgnoresInvalidEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("review_gate: manual\n"), 0o600))

	reloaded := make(chan *ProjectConfig, 4)
	logger := &recordingLogger{}
	w, err := NewWatcher(path, func(cfg *ProjectConfig) { reloaded <- cfg }, logger)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// Unrelated files in the same directory are not reloads.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("review_gate: sometimes\n"), 0o600))

	require.Eventually(t, func() bool { return logger.has("config_reload_failed") }, 5*time.Second, 10*time.Millisecond)
	for len(reloaded) > 0 {
		assert.Equal(t, ReviewGateManual, (<-reloaded).ReviewGate, "only valid content is delivered")
	}
}

func TestWatcherStopWithoutStart(t *testing.T) {
	w, err := NewWatcher(filepath.Join(t.TempDir(), "pipeline.yaml"), nil, nil)
	require.NoError(t, err)
	w.Stop()
	w.Stop()
}
