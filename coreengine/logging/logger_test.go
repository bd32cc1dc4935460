package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/config"
)

func observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return Wrap(zap.New(core)), logs
}

// =============================================================================
// LEVELS
// =============================================================================

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		l, err := New(config.LogConfig{Level: "debug", Format: format})
		require.NoError(t, err)
		assert.NotNil(t, l.Underlying())
	}

	_, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

// =============================================================================
// ENTRIES
// =============================================================================

func TestLoggerWritesKeyValues(t *testing.T) {
	l, logs := observed(zapcore.DebugLevel)

	l.Debug("d", "a", 1)
	l.Info("i", "run_id", "r1")
	l.Warn("w")
	l.Error("e", "error", "boom")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "r1", entries[1].ContextMap()["run_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "boom", entries[3].ContextMap()["error"])
}

func TestLoggerLevelFilter(t *testing.T) {
	l, logs := observed(zapcore.WarnLevel)
	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")
	assert.Equal(t, 1, logs.Len())
}

func TestBindAddsFields(t *testing.T) {
	l, logs := observed(zapcore.InfoLevel)

	child := l.Bind("run_id", "r1")
	child.Info("stage_started", "stage", "implement")
	l.Info("other")

	entries := logs.All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "r1", fields["run_id"])
	assert.Equal(t, "implement", fields["stage"])
	assert.NotContains(t, entries[1].ContextMap(), "run_id")
}

func TestNamed(t *testing.T) {
	l, logs := observed(zapcore.InfoLevel)
	l.Named("engine").Info("x")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "engine", logs.All()[0].LoggerName)
}

func TestNopAndSync(t *testing.T) {
	l := Nop()
	l.Info("dropped")
	assert.NoError(t, l.Sync())
}
