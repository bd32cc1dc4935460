package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jeeves-cluster-organization/pipelinecore/commbus"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/agents"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/config"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/memory"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/registry"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/scheduler"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/task"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// FIXTURES
// =============================================================================

type fixture struct {
	engine   *Engine
	agent    *testutil.MockAgent
	logger   *testutil.MockLogger
	registry *registry.Registry
}

func newFixture(t *testing.T, cfg *config.ProjectConfig, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		agent:  testutil.NewMockAgent(),
		logger: testutil.NewMockLogger(),
	}
	agentRegistry := agents.NewRegistry()
	agentRegistry.SetDefault(f.agent)

	store, err := memory.Open(ctx, memory.NewMemoryBackend())
	require.NoError(t, err)
	f.registry, err = registry.Open(ctx, registry.NewMemoryBackend())
	require.NoError(t, err)

	opts = append([]Option{
		WithStore(store),
		WithContextRegistry(f.registry),
		WithLogger(f.logger),
	}, opts...)
	f.engine, err = New(cfg, agentRegistry, opts...)
	require.NoError(t, err)
	t.Cleanup(f.engine.Close)
	return f
}

func bugFix(id string, deps ...string) task.Intake {
	return task.Intake{ID: id, Title: "Fix crash in " + id, TypeOverride: "bug_fix", DependsOn: deps}
}

func waitForGate(t *testing.T, e *Engine, runID string) kernel.Gate {
	t.Helper()
	var gate kernel.Gate
	require.Eventually(t, func() bool {
		pending := e.Gates().PendingForRun(runID)
		if len(pending) == 0 {
			return false
		}
		gate = pending[0]
		return true
	}, 2*time.Second, 2*time.Millisecond)
	return gate
}

// =============================================================================
// SINGLE RUN TESTS
// =============================================================================

func TestEngine_BugFixScenario(t *testing.T) {
	f := newFixture(t, nil)
	compile := agents.Failure("", agents.FailureCompile, "save.go:12: undefined: buf")
	f.agent.Script(config.StageImplement, compile, compile, compile)

	v, err := f.engine.Run(context.Background(), task.Intake{Title: "Fix crash on save"})
	require.NoError(t, err)

	assert.Equal(t, task.TypeBugFix, v.TaskType)
	assert.NotContains(t, testutil.StageNames(v.Plan), config.StageDesignDecomposition)
	assert.Equal(t, kernel.RunStatusEscalated, v.Status)
	require.NotNil(t, v.Escalation)
	assert.Equal(t, config.StageImplement, v.Escalation.Stage)

	var failures int
	for _, r := range v.Escalation.Results {
		if r.IsFailure() {
			failures++
		}
	}
	assert.Equal(t, 3, failures)

	mistakes, err := f.engine.QueryMemory(context.Background(), memory.Query{
		Categories: []memory.Category{memory.CategoryMistake},
	})
	require.NoError(t, err)
	assert.Len(t, mistakes, 1)
}

func TestEngine_CompletedRunFeedsMemoryAndRegistry(t *testing.T) {
	f := newFixture(t, nil)
	res := agents.Success("", map[string]any{"files": 2})
	res.RegistryUpdates = []agents.RegistryUpdate{
		{Kind: string(registry.KindModules), Key: "cart", Value: map[string]any{"path": "internal/cart"}},
	}
	f.agent.Script(config.StageImplement, res)

	v, err := f.engine.Run(context.Background(), task.Intake{Title: "Fix crash on save"})
	require.NoError(t, err)
	assert.Equal(t, kernel.RunStatusCompleted, v.Status)

	patterns, err := f.engine.QueryMemory(context.Background(), memory.Query{
		Categories: []memory.Category{memory.CategoryPattern},
	})
	require.NoError(t, err)
	assert.Len(t, patterns, 1)

	rec, err := f.registry.Get(registry.KindModules, "cart")
	require.NoError(t, err)
	assert.Equal(t, "internal/cart", rec.Value["path"])
}

func TestEngine_ConfigConflictAbortsRun(t *testing.T) {
	f := newFixture(t, nil)
	v, err := f.engine.Submit(context.Background(), task.Intake{
		Title:          "Fix crash on save",
		StageOverrides: map[string]string{config.StageImplement: "skip"},
	})
	require.Error(t, err)
	assert.Equal(t, kernel.RunStatusAborted, v.Status)
	assert.NotEmpty(t, v.Reason)
	assert.Zero(t, len(f.agent.Calls()))
}

func TestEngine_UnknownStageOverrideRejected(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.Submit(context.Background(), task.Intake{
		Title:          "Fix crash on save",
		StageOverrides: map[string]string{"deploy_to_mars": "run"},
	})
	require.Error(t, err)
	assert.Empty(t, f.engine.ListRuns())
}

func TestEngine_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.GetRun("missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))
	_, err = f.engine.Execute(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))
	_, err = f.engine.GetBatch("missing")
	assert.True(t, errors.Is(err, ErrBatchNotFound))
}

// =============================================================================
// CLARIFICATION TESTS
// =============================================================================

func TestEngine_Clarification(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	v, err := f.engine.Submit(ctx, task.Intake{Title: "Investigate and fix"})
	require.NoError(t, err)
	assert.Equal(t, kernel.RunStatusClarifying, v.Status)
	require.Len(t, v.PendingGates, 1)
	gate := v.PendingGates[0]
	assert.Equal(t, kernel.GateKindClarification, gate.Kind)
	assert.Equal(t, []string{"bug_fix", "diagnostic_only"}, gate.Candidates)

	_, err = f.engine.Execute(ctx, v.ID)
	assert.True(t, errors.Is(err, ErrInvalidState), "clarifying runs cannot execute")

	t.Run("ambiguous answer keeps the run clarifying", func(t *testing.T) {
		_, err := f.engine.Clarify(ctx, v.ID, "hmm")
		require.Error(t, err)
		got, _ := f.engine.GetRun(v.ID)
		assert.Equal(t, kernel.RunStatusClarifying, got.Status)
	})

	v, err = f.engine.Clarify(ctx, v.ID, "2")
	require.NoError(t, err)
	assert.Equal(t, kernel.RunStatusPlanned, v.Status)
	assert.Equal(t, task.TypeDiagnosticOnly, v.TaskType)
	assert.Empty(t, v.PendingGates)
}

func TestEngine_ResolveReviewAnswersClarification(t *testing.T) {
	f := newFixture(t, nil)
	v, err := f.engine.Submit(context.Background(), task.Intake{Title: "Investigate and fix"})
	require.NoError(t, err)

	gate, err := f.engine.ResolveReview(context.Background(), v.PendingGates[0].ID, kernel.Decision{
		Action: kernel.ActionAnswer,
		Answer: "bug_fix",
	})
	require.NoError(t, err)
	assert.False(t, gate.IsPending())

	got, err := f.engine.GetRun(v.ID)
	require.NoError(t, err)
	assert.Equal(t, task.TypeBugFix, got.TaskType)
	assert.Equal(t, kernel.RunStatusPlanned, got.Status)
}

// =============================================================================
// REVIEW, RESUME AND ABORT TESTS
// =============================================================================

func TestEngine_ReviewApproval(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.Script(config.StageImplement, agents.NeedsReview("", map[string]any{"diff": "+3"}))

	v, err := f.engine.Submit(context.Background(), bugFix("T1"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Execute(context.Background(), v.ID)
		done <- err
	}()

	gate := waitForGate(t, f.engine, v.ID)
	assert.Equal(t, config.StageImplement, gate.Stage)
	_, err = f.engine.Execute(context.Background(), v.ID)
	assert.True(t, errors.Is(err, ErrRunBusy) || errors.Is(err, ErrInvalidState))

	_, err = f.engine.ResolveReview(context.Background(), gate.ID, kernel.Decision{Action: kernel.ActionApprove})
	require.NoError(t, err)
	require.NoError(t, <-done)

	got, _ := f.engine.GetRun(v.ID)
	assert.Equal(t, kernel.RunStatusCompleted, got.Status)
}

func TestEngine_ResumeEscalatedRun(t *testing.T) {
	f := newFixture(t, nil)
	compile := agents.Failure("", agents.FailureCompile)
	f.agent.Script(config.StageImplement, compile, compile, compile, agents.Success("", nil))

	v, err := f.engine.Run(context.Background(), bugFix("T1"))
	require.NoError(t, err)
	require.Equal(t, kernel.RunStatusEscalated, v.Status)

	_, err = f.engine.Resume(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))

	v, err = f.engine.Resume(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, kernel.RunStatusCompleted, v.Status)

	_, err = f.engine.Resume(context.Background(), v.ID)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestEngine_AbortActiveRun(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.Script(config.StageDiagnose, agents.NeedsReview("", nil))

	v, err := f.engine.Submit(context.Background(), bugFix("T1"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Execute(context.Background(), v.ID)
		done <- err
	}()
	waitForGate(t, f.engine, v.ID)

	_, err = f.engine.Abort(context.Background(), v.ID, "superseded")
	require.NoError(t, err)
	require.NoError(t, <-done)

	got, _ := f.engine.GetRun(v.ID)
	assert.Equal(t, kernel.RunStatusAborted, got.Status)
	assert.Equal(t, "superseded", got.Reason)

	_, err = f.engine.Abort(context.Background(), v.ID, "again")
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestEngine_AbortPlannedRun(t *testing.T) {
	f := newFixture(t, nil)
	v, err := f.engine.Submit(context.Background(), bugFix("T1"))
	require.NoError(t, err)

	v, err = f.engine.Abort(context.Background(), v.ID, "")
	require.NoError(t, err)
	assert.Equal(t, kernel.RunStatusAborted, v.Status)
	assert.Equal(t, "aborted by request", v.Reason)
	assert.Empty(t, f.agent.Calls())
}

func TestEngine_AbortRunCommand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	v, err := f.engine.Submit(ctx, bugFix("T1"))
	require.NoError(t, err)

	require.True(t, f.engine.Bus().HasHandler(commbus.TypeAbortRun))
	require.NoError(t, f.engine.Bus().Send(ctx, &commbus.AbortRun{RunID: v.ID, Reason: "cancelled from chat"}))

	got, err := f.engine.GetRun(v.ID)
	require.NoError(t, err)
	assert.Equal(t, kernel.RunStatusAborted, got.Status)
	assert.Equal(t, "cancelled from chat", got.Reason)

	err = f.engine.Bus().Send(ctx, &commbus.AbortRun{RunID: v.ID})
	assert.True(t, errors.Is(err, ErrInvalidState))
	err = f.engine.Bus().Send(ctx, &commbus.AbortRun{RunID: "missing"})
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

// =============================================================================
// QUERY AND MAINTENANCE TESTS
// =============================================================================

func TestEngine_ListRunsFilters(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.engine.Run(ctx, bugFix("T1"))
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, bugFix("T2"))
	require.NoError(t, err)

	assert.Len(t, f.engine.ListRuns(), 2)
	completed := f.engine.ListRuns(kernel.RunStatusCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "T1", completed[0].TaskID)
	assert.Len(t, f.engine.ListRuns(kernel.RunStatusPlanned), 1)
}

func TestEngine_RunStatusQuery(t *testing.T) {
	f := newFixture(t, nil)
	v, err := f.engine.Submit(context.Background(), bugFix("T1"))
	require.NoError(t, err)

	resp, err := f.engine.Bus().QuerySync(context.Background(), &commbus.GetRunStatus{RunID: v.ID})
	require.NoError(t, err)
	status, ok := resp.(*commbus.RunStatusResponse)
	require.True(t, ok)
	assert.Equal(t, string(kernel.RunStatusPlanned), status.Status)
	assert.Equal(t, 5, status.Groups, "diagnose, implement, test+lint, build, publish")
}

func TestEngine_ReapFinishedRuns(t *testing.T) {
	var offset atomic.Int64
	base := time.Now().UTC()
	clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }

	f := newFixture(t, nil, WithClock(clock))
	done, err := f.engine.Run(context.Background(), bugFix("T1"))
	require.NoError(t, err)
	pending, err := f.engine.Submit(context.Background(), bugFix("T2"))
	require.NoError(t, err)

	offset.Store(int64(2 * time.Hour))
	assert.Equal(t, 1, f.engine.reap(time.Hour))

	_, err = f.engine.GetRun(done.ID)
	assert.True(t, errors.Is(err, ErrRunNotFound))
	_, err = f.engine.GetRun(pending.ID)
	assert.NoError(t, err)
}

func TestEngine_ReloadChangesReviewMode(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.Script(config.StageImplement, agents.NeedsReview("", nil))

	cfg := config.DefaultProjectConfig()
	cfg.ReviewGate = config.ReviewGateAuto
	require.NoError(t, f.engine.Reload(cfg))
	assert.Equal(t, config.ReviewGateAuto, f.engine.Config().ReviewGate)

	v, err := f.engine.Run(context.Background(), bugFix("T1"))
	require.NoError(t, err)
	assert.Equal(t, kernel.RunStatusCompleted, v.Status)
	assert.True(t, f.logger.HasLog("info", "review_auto_approved"))
}

func TestEngine_StartAndClose(t *testing.T) {
	f := newFixture(t, nil, WithCleanup(kernel.CleanupConfig{
		Interval:      time.Millisecond,
		RunRetention:  time.Hour,
		GateRetention: time.Hour,
	}))
	f.engine.Start()
	require.Eventually(t, func() bool {
		return f.logger.HasLog("debug", "cleanup_cycle_completed")
	}, time.Second, time.Millisecond)
}

// =============================================================================
// BATCH TESTS
// =============================================================================

func TestEngine_BatchScenario(t *testing.T) {
	f := newFixture(t, nil)
	var failA atomic.Bool
	failA.Store(true)
	f.agent.ExecuteFunc = func(_ context.Context, in agents.StageInput) (agents.StageResult, error) {
		if in.TaskID == "A" && in.Stage == config.StageImplement && failA.Load() {
			return agents.Failure(in.Stage, agents.FailureCompile), nil
		}
		return agents.Success(in.Stage, nil), nil
	}

	var waves []commbus.WaveCompleted
	f.engine.Bus().Subscribe(commbus.TypeWaveCompleted, func(_ context.Context, msg commbus.Message) (any, error) {
		waves = append(waves, *msg.(*commbus.WaveCompleted))
		return nil, nil
	})

	ctx := context.Background()
	b, err := f.engine.SubmitBatch(ctx, []task.Intake{bugFix("A"), bugFix("B"), bugFix("C"), bugFix("D", "A", "B")})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A", "B", "C"}, {"D"}}, b.Waves)

	b, err = f.engine.RunBatch(ctx, b.ID)
	require.NoError(t, err)

	byTask := make(map[string]BatchTask)
	for _, bt := range b.Tasks {
		byTask[bt.TaskID] = bt
	}
	assert.Equal(t, scheduler.StatusEscalated, byTask["A"].Status)
	assert.Equal(t, scheduler.StatusCompleted, byTask["B"].Status)
	assert.Equal(t, scheduler.StatusCompleted, byTask["C"].Status)
	assert.Equal(t, scheduler.StatusBlocked, byTask["D"].Status)
	assert.Equal(t, kernel.RunStatusPlanned, byTask["D"].RunStatus)
	for _, in := range f.agent.Calls() {
		assert.NotEqual(t, "D", in.TaskID, "D never begins while A is escalated")
	}
	require.Len(t, waves, 2)
	assert.Equal(t, []string{"D"}, waves[1].Blocked)

	// Resume A outside the batch, then re-run the batch to unblock D.
	failA.Store(false)
	v, err := f.engine.Resume(ctx, byTask["A"].RunID)
	require.NoError(t, err)
	require.Equal(t, kernel.RunStatusCompleted, v.Status)

	b, err = f.engine.RunBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, b.Settled)
	for _, bt := range b.Tasks {
		assert.Equal(t, scheduler.StatusCompleted, bt.Status, bt.TaskID)
	}
}

func TestEngine_BatchAbortCascades(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b, err := f.engine.SubmitBatch(ctx, []task.Intake{bugFix("A"), bugFix("B"), bugFix("D", "A", "B")})
	require.NoError(t, err)

	var runA string
	for _, bt := range b.Tasks {
		if bt.TaskID == "A" {
			runA = bt.RunID
		}
	}
	_, err = f.engine.Abort(ctx, runA, "dropped from sprint")
	require.NoError(t, err)

	b, err = f.engine.RunBatch(ctx, b.ID)
	require.NoError(t, err)
	for _, bt := range b.Tasks {
		switch bt.TaskID {
		case "B":
			assert.Equal(t, scheduler.StatusCompleted, bt.Status)
		default:
			assert.Equal(t, scheduler.StatusAborted, bt.Status, bt.TaskID)
			assert.Equal(t, kernel.RunStatusAborted, bt.RunStatus, bt.TaskID)
		}
	}
}

func TestEngine_BatchInvalidGraph(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.SubmitBatch(context.Background(), []task.Intake{
		bugFix("A", "C"), bugFix("B", "A"), bugFix("C", "B"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, scheduler.ErrDependencyGraphInvalid))
	assert.Empty(t, f.engine.ListRuns(), "no task is accepted from an invalid graph")
}

func TestEngine_SprintBatchParent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	v, err := f.engine.Submit(ctx, task.Intake{
		ID:           "S14",
		Title:        "Sprint 14",
		TypeOverride: "sprint_batch",
		Description:  "- A: Fix crash on save\n- B: Fix crash on login\n- C: Fix crash on logout (needs A)",
	})
	require.NoError(t, err)
	assert.Equal(t, kernel.RunStatusPlanned, v.Status)
	require.NotEmpty(t, v.BatchID)

	b, err := f.engine.GetBatch(v.BatchID)
	require.NoError(t, err)
	assert.Equal(t, v.ID, b.ParentRunID)
	assert.Equal(t, [][]string{{"S14/A", "S14/B"}, {"S14/C"}}, b.Waves)

	v, err = f.engine.Execute(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, kernel.RunStatusCompleted, v.Status)

	b, err = f.engine.GetBatch(v.BatchID)
	require.NoError(t, err)
	for _, bt := range b.Tasks {
		assert.Equal(t, kernel.RunStatusCompleted, bt.RunStatus, bt.TaskID)
	}
}
