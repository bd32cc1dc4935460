package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// ACTION PARSING
// =============================================================================

func TestParseAction(t *testing.T) {
	tests := []struct {
		input string
		want  Action
	}{
		{"approve", ActionApprove},
		{"APPROVED", ActionApprove},
		{" edit ", ActionEdit},
		{"reject", ActionReject},
		{"answer", ActionAnswer},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAction(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseAction("maybe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid gate action 'maybe'")
}

// =============================================================================
// GATE LIFECYCLE
// =============================================================================

func TestOpenAndResolveReview(t *testing.T) {
	logger := &testLogger{}
	svc := NewGateService(logger)

	var opened []Gate
	svc.OnOpen(func(g Gate) { opened = append(opened, g) })

	g := svc.Open(GateKindReview, "run-1", "task-1",
		WithStage("architecture"),
		WithArtifacts(map[string]any{"doc": "adr"}, []string{"please check"}),
	)
	assert.True(t, g.IsPending())
	assert.Equal(t, "architecture", g.Stage)
	require.Len(t, opened, 1)
	assert.Equal(t, g.ID, opened[0].ID)

	pending := svc.PendingForRun("run-1")
	require.Len(t, pending, 1)

	resolved, err := svc.Resolve(g.ID, Decision{Action: ActionApprove, Reviewer: "ana"})
	require.NoError(t, err)
	assert.Equal(t, GateStatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, "ana", resolved.Decision.Reviewer)

	assert.Empty(t, svc.PendingForRun("run-1"))
	assert.True(t, logger.contains("gate_resolved"))

	_, err = svc.Resolve(g.ID, Decision{Action: ActionApprove})
	assert.ErrorIs(t, err, ErrGateNotPending)
}

func TestOnOpenListenersRunInOrderOutsideLock(t *testing.T) {
	svc := NewGateService(nil)

	var calls []string
	svc.OnOpen(func(g Gate) {
		calls = append(calls, "first:"+g.RunID)
		// Registering from a listener must not deadlock.
		svc.OnOpen(func(Gate) { calls = append(calls, "late") })
	})
	svc.OnOpen(func(g Gate) { calls = append(calls, "second:"+g.RunID) })

	svc.Open(GateKindReview, "run-1", "task-1")
	assert.Equal(t, []string{"first:run-1", "second:run-1"}, calls)

	calls = nil
	svc.Open(GateKindReview, "run-2", "task-2")
	assert.Equal(t, []string{"first:run-2", "second:run-2", "late"}, calls)
}

func TestResolveValidatesDecision(t *testing.T) {
	svc := NewGateService(nil)

	tests := []struct {
		name     string
		kind     GateKind
		decision Decision
		wantErr  bool
	}{
		{"review approve", GateKindReview, Decision{Action: ActionApprove}, false},
		{"review reject", GateKindReview, Decision{Action: ActionReject}, false},
		{"review edit with amendments", GateKindReview, Decision{Action: ActionEdit, Amendments: map[string]any{"k": "v"}}, false},
		{"review edit without amendments", GateKindReview, Decision{Action: ActionEdit}, true},
		{"review answer", GateKindReview, Decision{Action: ActionAnswer, Answer: "x"}, true},
		{"clarification answer", GateKindClarification, Decision{Action: ActionAnswer, Answer: "bug_fix"}, false},
		{"clarification empty answer", GateKindClarification, Decision{Action: ActionAnswer, Answer: " "}, true},
		{"clarification approve", GateKindClarification, Decision{Action: ActionApprove}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := svc.Open(tt.kind, "run", "task")
			_, err := svc.Resolve(g.ID, tt.decision)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDecision)
				got, _ := svc.Get(g.ID)
				assert.True(t, got.IsPending())
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResolveUnknownGate(t *testing.T) {
	svc := NewGateService(nil)
	_, err := svc.Resolve("gate_missing", Decision{Action: ActionApprove})
	assert.ErrorIs(t, err, ErrGateNotFound)
}

// =============================================================================
// AWAIT
// =============================================================================

func TestAwaitBlocksUntilResolved(t *testing.T) {
	svc := NewGateService(nil)
	g := svc.Open(GateKindReview, "run-1", "task-1")

	got := make(chan Decision, 1)
	errs := make(chan error, 1)
	go func() {
		d, err := svc.Await(context.Background(), g.ID)
		got <- d
		errs <- err
	}()

	select {
	case <-got:
		t.Fatal("Await returned before a decision was recorded")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := svc.Resolve(g.ID, Decision{Action: ActionEdit, Amendments: map[string]any{"scope": "smaller"}})
	require.NoError(t, err)

	d := <-got
	require.NoError(t, <-errs)
	assert.Equal(t, ActionEdit, d.Action)
	assert.Equal(t, "smaller", d.Amendments["scope"])
}

func TestAwaitHonoursContext(t *testing.T) {
	svc := NewGateService(nil)
	g := svc.Open(GateKindReview, "run-1", "task-1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := svc.Await(ctx, g.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, _ := svc.Get(g.ID)
	assert.True(t, got.IsPending(), "caller timeout must not resolve the gate")
}

func TestAwaitCancelledGate(t *testing.T) {
	svc := NewGateService(nil)
	g := svc.Open(GateKindClarification, "run-1", "task-1", WithQuestion("which type?"))

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = svc.Cancel(g.ID, "run aborted")
	}()

	_, err := svc.Await(context.Background(), g.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGateCancelled))
	assert.Contains(t, err.Error(), "run aborted")
}

func TestCancelRun(t *testing.T) {
	svc := NewGateService(nil)
	svc.Open(GateKindReview, "run-1", "t", WithStage("a"))
	svc.Open(GateKindReview, "run-1", "t", WithStage("b"))
	other := svc.Open(GateKindReview, "run-2", "t")

	assert.Equal(t, 2, svc.CancelRun("run-1", "aborted"))
	assert.Empty(t, svc.PendingForRun("run-1"))

	pending := svc.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, other.ID, pending[0].ID)
}

// =============================================================================
// HOUSEKEEPING
// =============================================================================

func TestCleanupResolvedAndStats(t *testing.T) {
	svc := NewGateService(nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	old := svc.Open(GateKindReview, "run-1", "t")
	_, err := svc.Resolve(old.ID, Decision{Action: ActionApprove})
	require.NoError(t, err)
	svc.Open(GateKindReview, "run-1", "t")

	stats := svc.GetStats()
	assert.Equal(t, 2, stats["total"])
	assert.Equal(t, 1, stats["pending"])
	assert.Equal(t, 1, stats["resolved"])

	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Equal(t, 1, svc.CleanupResolved(time.Hour))

	_, ok := svc.Get(old.ID)
	assert.False(t, ok)
	assert.Len(t, svc.PendingForRun("run-1"), 1)
}
