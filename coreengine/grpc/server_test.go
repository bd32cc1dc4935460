package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/pipelinecore/commbus"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/agents"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/config"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/engine"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/memory"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/registry"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/testutil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testService struct {
	client *EngineClient
	engine *engine.Engine
	core   *EngineServer
	agent  *testutil.MockAgent
	logger *testutil.MockLogger
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	ctx := context.Background()

	ts := &testService{
		agent:  testutil.NewMockAgent(),
		logger: testutil.NewMockLogger(),
	}
	agentRegistry := agents.NewRegistry()
	agentRegistry.SetDefault(ts.agent)

	store, err := memory.Open(ctx, memory.NewMemoryBackend())
	require.NoError(t, err)
	reg, err := registry.Open(ctx, registry.NewMemoryBackend())
	require.NoError(t, err)

	ts.engine, err = engine.New(nil, agentRegistry,
		engine.WithStore(store),
		engine.WithContextRegistry(reg),
		engine.WithLogger(ts.logger),
	)
	require.NoError(t, err)

	ts.core = NewEngineServer(ts.engine, ts.logger)
	server := NewGracefulServer(ts.core, "bufconn")
	lis := bufconn.Listen(1 << 20)

	serveCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- server.Serve(serveCtx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		append(DialOptions(),
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)...,
	)
	require.NoError(t, err)
	ts.client = NewEngineClient(conn)

	t.Cleanup(func() {
		_ = conn.Close()
		stop()
		require.NoError(t, <-done)
		ts.engine.Close()
	})
	return ts
}

func (ts *testService) call(t *testing.T, method string, req map[string]any) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := ts.client.Call(ctx, method, req)
	require.NoError(t, err)
	return resp
}

func (ts *testService) callErr(method string, req map[string]any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := ts.client.Call(ctx, method, req)
	return err
}

func (ts *testService) waitForStatus(t *testing.T, runID, want string) map[string]any {
	t.Helper()
	var run map[string]any
	require.Eventually(t, func() bool {
		run = ts.call(t, MethodGetRun, map[string]any{"run_id": runID})
		return run["status"] == want
	}, 5*time.Second, 10*time.Millisecond, "run %s never reached %s", runID, want)
	return run
}

func bugFixRequest(title string, execute bool) map[string]any {
	return map[string]any{"title": title, "type_override": "bug_fix", "execute": execute}
}

// =============================================================================
// SUBMISSION TESTS
// =============================================================================

func TestSubmitTaskExecutesInBackground(t *testing.T) {
	ts := newTestService(t)

	run := ts.call(t, MethodSubmitTask, bugFixRequest("Fix crash on save", true))
	assert.Equal(t, "bug_fix", run["task_type"])
	runID, _ := run["id"].(string)
	require.NotEmpty(t, runID)

	done := ts.waitForStatus(t, runID, "completed")
	assert.NotEmpty(t, done["results"])
}

func TestSubmitTaskPlansWithoutExecuting(t *testing.T) {
	ts := newTestService(t)

	run := ts.call(t, MethodSubmitTask, bugFixRequest("Fix crash on save", false))
	assert.Equal(t, "planned", run["status"])
	assert.Zero(t, ts.agent.CallCount(config.StageDiagnose))
}

func TestSubmitTaskValidation(t *testing.T) {
	ts := newTestService(t)

	tests := []struct {
		name string
		req  map[string]any
		code codes.Code
	}{
		{"missing title", map[string]any{}, codes.InvalidArgument},
		{"unknown stage override", map[string]any{
			"title":           "Fix crash",
			"stage_overrides": map[string]any{"deploy_to_mars": "run"},
		}, codes.InvalidArgument},
		{"malformed field", map[string]any{"title": "Fix", "links": "not-a-list"}, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ts.callErr(MethodSubmitTask, tt.req)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestClarifyOverGRPC(t *testing.T) {
	ts := newTestService(t)

	run := ts.call(t, MethodSubmitTask, map[string]any{"title": "Investigate and fix"})
	assert.Equal(t, "clarifying", run["status"])
	runID := run["id"].(string)

	err := ts.callErr(MethodClarify, map[string]any{"run_id": runID})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "answer is required")

	err = ts.callErr(MethodClarify, map[string]any{"run_id": runID, "answer": "hmm"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	run = ts.call(t, MethodClarify, map[string]any{"run_id": runID, "answer": "2"})
	assert.Equal(t, "planned", run["status"])
	assert.Equal(t, "diagnostic_only", run["task_type"])
}

// =============================================================================
// RUN CONTROL TESTS
// =============================================================================

func TestGetRunNotFound(t *testing.T) {
	ts := newTestService(t)

	err := ts.callErr(MethodGetRun, map[string]any{"run_id": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = ts.callErr(MethodGetRun, map[string]any{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestListRuns(t *testing.T) {
	ts := newTestService(t)
	ts.call(t, MethodSubmitTask, bugFixRequest("Fix A", false))
	ts.call(t, MethodSubmitTask, map[string]any{"title": "Investigate and fix"})

	all := ts.call(t, MethodListRuns, nil)
	assert.Len(t, all["runs"], 2)

	planned := ts.call(t, MethodListRuns, map[string]any{"statuses": []any{"planned"}})
	assert.Len(t, planned["runs"], 1)

	err := ts.callErr(MethodListRuns, map[string]any{"statuses": []any{"sleeping"}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestExecuteRequiresPlannedRun(t *testing.T) {
	ts := newTestService(t)

	run := ts.call(t, MethodSubmitTask, map[string]any{"title": "Investigate and fix"})
	err := ts.callErr(MethodExecute, map[string]any{"run_id": run["id"]})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	err = ts.callErr(MethodResume, map[string]any{"run_id": run["id"]})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestEscalateAndResume(t *testing.T) {
	ts := newTestService(t)
	compile := agents.Failure("", agents.FailureCompile)
	ts.agent.Script(config.StageImplement, compile, compile, compile, agents.Success("", nil))

	run := ts.call(t, MethodSubmitTask, bugFixRequest("Fix crash on save", true))
	runID := run["id"].(string)
	escalated := ts.waitForStatus(t, runID, "escalated")
	assert.NotNil(t, escalated["escalation"])

	ts.call(t, MethodResume, map[string]any{"run_id": runID})
	ts.waitForStatus(t, runID, "completed")
}

func TestAbortPlannedRun(t *testing.T) {
	ts := newTestService(t)

	run := ts.call(t, MethodSubmitTask, bugFixRequest("Fix crash on save", false))
	aborted := ts.call(t, MethodAbort, map[string]any{"run_id": run["id"], "reason": "duplicate"})
	assert.Equal(t, "aborted", aborted["status"])

	err := ts.callErr(MethodAbort, map[string]any{"run_id": run["id"]})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

// =============================================================================
// REVIEW TESTS
// =============================================================================

func TestReviewThroughGRPC(t *testing.T) {
	ts := newTestService(t)
	ts.agent.Script(config.StageImplement, agents.NeedsReview("", map[string]any{"diff": "+3"}))

	run := ts.call(t, MethodSubmitTask, bugFixRequest("Fix crash on save", true))
	runID := run["id"].(string)

	var gateID string
	require.Eventually(t, func() bool {
		gates, _ := ts.call(t, MethodListGates, nil)["gates"].([]any)
		if len(gates) == 0 {
			return false
		}
		gateID, _ = gates[0].(map[string]any)["id"].(string)
		return gateID != ""
	}, 5*time.Second, 10*time.Millisecond)

	err := ts.callErr(MethodResolveReview, map[string]any{"gate_id": gateID, "action": "shrug"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = ts.callErr(MethodResolveReview, map[string]any{"gate_id": "missing", "action": "approve"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	gate := ts.call(t, MethodResolveReview, map[string]any{
		"gate_id":  gateID,
		"action":   "approve",
		"reviewer": "dana",
	})
	assert.Equal(t, "resolved", gate["status"])

	ts.waitForStatus(t, runID, "completed")
}

// =============================================================================
// BATCH TESTS
// =============================================================================

func TestSubmitBatchExecutes(t *testing.T) {
	ts := newTestService(t)

	view := ts.call(t, MethodSubmitBatch, map[string]any{
		"execute": true,
		"tasks": []any{
			map[string]any{"id": "A", "title": "Fix A", "type_override": "bug_fix"},
			map[string]any{"id": "B", "title": "Fix B", "type_override": "bug_fix", "depends_on": []any{"A"}},
		},
	})
	batchID := view["id"].(string)
	assert.Len(t, view["waves"], 2)

	require.Eventually(t, func() bool {
		got := ts.call(t, MethodGetBatch, map[string]any{"batch_id": batchID})
		return got["settled"] == true
	}, 5*time.Second, 10*time.Millisecond)
	ts.core.Wait()

	got := ts.call(t, MethodGetBatch, map[string]any{"batch_id": batchID})
	for _, raw := range got["tasks"].([]any) {
		assert.Equal(t, "completed", raw.(map[string]any)["status"])
	}
}

func TestSubmitBatchValidation(t *testing.T) {
	ts := newTestService(t)

	err := ts.callErr(MethodSubmitBatch, map[string]any{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = ts.callErr(MethodSubmitBatch, map[string]any{"tasks": []any{
		map[string]any{"id": "A", "title": "Fix A", "depends_on": []any{"B"}},
		map[string]any{"id": "B", "title": "Fix B", "depends_on": []any{"A"}},
	}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = ts.callErr(MethodRunBatch, map[string]any{"batch_id": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

// =============================================================================
// MEMORY TESTS
// =============================================================================

func TestQueryMemory(t *testing.T) {
	ts := newTestService(t)

	run := ts.call(t, MethodSubmitTask, bugFixRequest("Fix crash on save", true))
	ts.waitForStatus(t, run["id"].(string), "completed")

	resp := ts.call(t, MethodQueryMemory, map[string]any{"categories": []any{"pattern"}})
	assert.NotEmpty(t, resp["results"])

	err := ts.callErr(MethodQueryMemory, map[string]any{"categories": []any{"gossip"}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = ts.callErr(MethodQueryMemory, map[string]any{"recency_window": "soon"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

// =============================================================================
// EVENT STREAM TESTS
// =============================================================================

func TestStreamEvents(t *testing.T) {
	ts := newTestService(t)
	bus := ts.engine.Bus()
	before := bus.SubscriberCount(commbus.TypeRunCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := ts.client.StreamEvents(ctx, map[string]any{"types": []any{commbus.TypeRunCompleted}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bus.SubscriberCount(commbus.TypeRunCompleted) > before
	}, 5*time.Second, 10*time.Millisecond)

	run := ts.call(t, MethodSubmitTask, bugFixRequest("Fix crash on save", true))

	ev, err := events.Recv()
	require.NoError(t, err)
	assert.Equal(t, commbus.TypeRunCompleted, ev["type"])
	payload := ev["payload"].(map[string]any)
	assert.Equal(t, run["id"], payload["run_id"])
}

func TestStreamEventsFiltersByRun(t *testing.T) {
	ts := newTestService(t)

	before := ts.engine.Bus().SubscriberCount(commbus.TypeRunStarted)

	ctx, cancel := context.WithCancel(context.Background())
	stream := NewMockEventStream(ctx)
	filter, err := encode(map[string]any{"run_id": "other"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ts.core.StreamEvents(filter, stream) }()
	require.Eventually(t, func() bool {
		return ts.engine.Bus().SubscriberCount(commbus.TypeRunStarted) > before
	}, time.Second, 5*time.Millisecond)

	run := ts.call(t, MethodSubmitTask, bugFixRequest("Fix crash on save", true))
	ts.waitForStatus(t, run["id"].(string), "completed")

	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, stream.RecvChan())
}

func TestStreamEventsSendError(t *testing.T) {
	ts := newTestService(t)
	core := NewEngineServer(ts.engine, ts.logger)
	defer core.Close()

	before := ts.engine.Bus().SubscriberCount(commbus.TypeRunStarted)
	stream := NewMockEventStream(context.Background())
	stream.SetSendError(status.Error(codes.Unavailable, "client gone"))

	done := make(chan error, 1)
	go func() { done <- core.StreamEvents(&structpb.Struct{}, stream) }()
	require.Eventually(t, func() bool {
		return ts.engine.Bus().SubscriberCount(commbus.TypeRunStarted) > before
	}, time.Second, 5*time.Millisecond)

	ts.call(t, MethodSubmitTask, bugFixRequest("Fix crash on save", true))

	err := <-done
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, before, ts.engine.Bus().SubscriberCount(commbus.TypeRunStarted), "subscriptions are released")
}

func TestStreamEventsEndsOnServerClose(t *testing.T) {
	ts := newTestService(t)
	core := NewEngineServer(ts.engine, ts.logger)

	done := make(chan error, 1)
	go func() { done <- core.StreamEvents(&structpb.Struct{}, NewMockEventStream(context.Background())) }()

	core.Close()
	select {
	case err := <-done:
		assert.Equal(t, codes.Unavailable, status.Code(err))
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after Close")
	}
}
