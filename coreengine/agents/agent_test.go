package agents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *recordingLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.record(msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.record(msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record(msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record(msg) }
func (l *recordingLogger) Bind(_ ...any) Logger       { return l }

func (l *recordingLogger) has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

func invokerFor(t *testing.T, agent Agent, opts ...InvokerOption) (*Invoker, *recordingLogger) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register("build", agent))
	logger := &recordingLogger{}
	return NewInvoker(reg, logger, opts...), logger
}

// =============================================================================
// REGISTRY TESTS
// =============================================================================

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := AgentFunc(func(context.Context, StageInput) (StageResult, error) { return Success("", nil), nil })

	assert.Error(t, reg.Register("", noop))
	assert.Error(t, reg.Register("build", nil))
	assert.False(t, reg.Has("build"))

	require.NoError(t, reg.Register("lint", noop))
	require.NoError(t, reg.Register("build", noop))
	assert.Equal(t, []string{"build", "lint"}, reg.List())
	assert.False(t, reg.Has("test"))

	reg.SetDefault(noop)
	assert.True(t, reg.Has("test"))
	assert.Equal(t, []string{"build", "lint"}, reg.List(), "the default is not listed")
}

// =============================================================================
// INVOKER TESTS
// =============================================================================

func TestInvoker_Success(t *testing.T) {
	inv, logger := invokerFor(t, AgentFunc(func(_ context.Context, in StageInput) (StageResult, error) {
		return StageResult{Status: "ok", Artifacts: map[string]any{"binary": in.Title}}, nil
	}))

	r, err := inv.Invoke(context.Background(), StageInput{RunID: "r1", Stage: "build", Title: "cart", Attempt: 2})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, r.Status)
	assert.Equal(t, "build", r.Stage)
	assert.Equal(t, 2, r.Attempt)
	assert.Equal(t, "cart", r.Artifacts["binary"])
	assert.False(t, r.StartedAt.IsZero())
	assert.True(t, logger.has("build_completed"))
}

func TestInvoker_UnregisteredStage(t *testing.T) {
	inv, _ := invokerFor(t, AgentFunc(func(context.Context, StageInput) (StageResult, error) {
		return Success("", nil), nil
	}))

	r, err := inv.Invoke(context.Background(), StageInput{Stage: "deploy"})
	require.NoError(t, err)
	assert.Equal(t, FailureUnknown, r.FailureKind)
	assert.Contains(t, r.Diagnostics[0], `no agent registered for stage "deploy"`)
}

func TestInvoker_ErrorsBecomeFailures(t *testing.T) {
	tests := []struct {
		name  string
		agent AgentFunc
		want  string
	}{
		{
			name: "returned error",
			agent: func(context.Context, StageInput) (StageResult, error) {
				return StageResult{}, errors.New("disk full")
			},
			want: "disk full",
		},
		{
			name: "panic",
			agent: func(context.Context, StageInput) (StageResult, error) {
				panic("nil pointer")
			},
			want: "nil pointer",
		},
		{
			name: "uninterpretable result",
			agent: func(context.Context, StageInput) (StageResult, error) {
				return StageResult{Stage: "lint", Status: StatusSuccess}, nil
			},
			want: `expected "build"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, _ := invokerFor(t, tt.agent)
			r, err := inv.Invoke(context.Background(), StageInput{Stage: "build"})
			require.NoError(t, err)
			assert.True(t, r.IsFailure())
			assert.Equal(t, FailureUnknown, r.FailureKind)
			require.NotEmpty(t, r.Diagnostics)
			assert.Contains(t, r.Diagnostics[0], tt.want)
		})
	}
}

func TestInvoker_Timeout(t *testing.T) {
	inv, _ := invokerFor(t, AgentFunc(func(ctx context.Context, _ StageInput) (StageResult, error) {
		<-ctx.Done()
		return StageResult{}, ctx.Err()
	}), WithStageTimeout(20*time.Millisecond))

	r, err := inv.Invoke(context.Background(), StageInput{Stage: "build"})
	require.NoError(t, err)
	assert.Equal(t, FailureTimeout, r.FailureKind)
	assert.Contains(t, r.Diagnostics[0], "stage exceeded 20ms")
}

func TestInvoker_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv, _ := invokerFor(t, AgentFunc(func(ctx context.Context, _ StageInput) (StageResult, error) {
		cancel()
		<-ctx.Done()
		return StageResult{}, ctx.Err()
	}))

	_, err := inv.Invoke(ctx, StageInput{Stage: "build"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvoker_RateLimit(t *testing.T) {
	calls := 0
	inv, _ := invokerFor(t, AgentFunc(func(context.Context, StageInput) (StageResult, error) {
		calls++
		return Success("", nil), nil
	}), WithRateLimit(1, 1))

	_, err := inv.Invoke(context.Background(), StageInput{Stage: "build"})
	require.NoError(t, err)

	// The single token is spent; the next one arrives after the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	r, err := inv.Invoke(ctx, StageInput{Stage: "build"})
	require.NoError(t, err)
	assert.Equal(t, FailureUnknown, r.FailureKind)
	assert.Contains(t, r.Diagnostics[0], "rate limiter")
	assert.Equal(t, 1, calls)
}
