package commbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestBus() *InMemoryCommBus {
	return NewInMemoryCommBus(time.Second, nil)
}

// countingHandler returns handler that counts calls
func countingHandler(counter *int32) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(counter, 1)
		return "ok", nil
	}
}

func failingHandler(errMsg string) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		return nil, errors.New(errMsg)
	}
}

// trackingMiddleware records call order
type trackingMiddleware struct {
	order *[]string
	mu    *sync.Mutex
	name  string
}

func (m *trackingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-before")
	m.mu.Unlock()
	return message, nil
}

func (m *trackingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-after")
	m.mu.Unlock()
	return result, err
}

type abortingMiddleware struct{}

func (abortingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return nil, nil
}

func (abortingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	return result, err
}

func completedEvent(runID string) *RunCompleted {
	return &RunCompleted{RunReport: RunReport{RunID: runID, TaskType: "bug_fix"}}
}

// =============================================================================
// PUBLISH TESTS
// =============================================================================

func TestPublishFanOut(t *testing.T) {
	bus := newTestBus()
	var a, b int32
	bus.Subscribe(TypeRunCompleted, countingHandler(&a))
	bus.Subscribe(TypeRunCompleted, countingHandler(&b))

	require.NoError(t, bus.Publish(context.Background(), completedEvent("r1")))

	assert.Equal(t, int32(1), atomic.LoadInt32(&a))
	assert.Equal(t, int32(1), atomic.LoadInt32(&b))
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := newTestBus()
	assert.NoError(t, bus.Publish(context.Background(), &RunStarted{RunID: "r1"}))
}

func TestPublishDeliversPayload(t *testing.T) {
	bus := newTestBus()
	var got *RunCompleted
	bus.Subscribe(TypeRunCompleted, func(ctx context.Context, msg Message) (any, error) {
		got = msg.(*RunCompleted)
		return nil, nil
	})

	require.NoError(t, bus.Publish(context.Background(), completedEvent("r42")))
	require.NotNil(t, got)
	assert.Equal(t, "r42", got.RunID)
	assert.Equal(t, "bug_fix", got.TaskType)
}

func TestPublishCollectsSubscriberErrors(t *testing.T) {
	bus := newTestBus()
	var ok int32
	bus.Subscribe(TypeRunEscalated, failingHandler("writer down"))
	bus.Subscribe(TypeRunEscalated, countingHandler(&ok))

	err := bus.Publish(context.Background(), &RunEscalated{})

	var subErr *SubscriberError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, TypeRunEscalated, subErr.MessageType)
	assert.Len(t, subErr.Errors, 1)
	assert.Contains(t, err.Error(), "writer down")
	assert.Equal(t, int32(1), atomic.LoadInt32(&ok), "other subscribers still run")
}

func TestPublishRecoversSubscriberPanic(t *testing.T) {
	logger := testutil.NewMockLogger()
	bus := NewInMemoryCommBus(time.Second, logger)
	bus.Subscribe(TypeRunAborted, func(ctx context.Context, msg Message) (any, error) {
		panic("subscriber exploded")
	})

	err := bus.Publish(context.Background(), &RunAborted{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscriber exploded")
	assert.True(t, logger.HasLog("error", "panic_recovered"))
	assert.True(t, logger.HasLog("warn", "subscriber_failed"))
}

// =============================================================================
// SUBSCRIBE TESTS
// =============================================================================

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()
	var first, second int32
	unsubFirst := bus.Subscribe(TypeStageCompleted, countingHandler(&first))
	bus.Subscribe(TypeStageCompleted, countingHandler(&second))
	require.Equal(t, 2, bus.SubscriberCount(TypeStageCompleted))

	unsubFirst()
	unsubFirst()
	require.Equal(t, 1, bus.SubscriberCount(TypeStageCompleted))

	require.NoError(t, bus.Publish(context.Background(), &StageCompleted{}))
	assert.Equal(t, int32(0), atomic.LoadInt32(&first))
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))
}

// =============================================================================
// SEND / QUERY TESTS
// =============================================================================

func TestRegisterHandlerDuplicate(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler(TypeGetRunStatus, countingHandler(new(int32))))

	err := bus.RegisterHandler(TypeGetRunStatus, countingHandler(new(int32)))

	var dup *HandlerAlreadyRegisteredError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, TypeGetRunStatus, dup.MessageType)
}

func TestSendReturnsHandlerError(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler(TypeAbortRun, failingHandler("nope")))

	err := bus.Send(context.Background(), &AbortRun{RunID: "r1"})
	assert.EqualError(t, err, "nope")

	assert.NoError(t, bus.Send(context.Background(), &StageStarted{}), "missing handler is not an error")
}

func TestQuerySync(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler(TypeGetRunStatus, func(ctx context.Context, msg Message) (any, error) {
		q := msg.(*GetRunStatus)
		return &RunStatusResponse{RunID: q.RunID, Status: "completed"}, nil
	}))

	resp, err := bus.QuerySync(context.Background(), &GetRunStatus{RunID: "r1"})

	require.NoError(t, err)
	assert.Equal(t, &RunStatusResponse{RunID: "r1", Status: "completed"}, resp)
}

func TestQuerySyncNoHandler(t *testing.T) {
	bus := newTestBus()

	_, err := bus.QuerySync(context.Background(), &GetRunStatus{RunID: "r1"})

	var noHandler *NoHandlerError
	require.ErrorAs(t, err, &noHandler)
	assert.Equal(t, TypeGetRunStatus, noHandler.MessageType)
}

func TestQuerySyncTimeout(t *testing.T) {
	bus := NewInMemoryCommBus(20*time.Millisecond, nil)
	require.NoError(t, bus.RegisterHandler(TypeGetRunStatus, func(ctx context.Context, msg Message) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := bus.QuerySync(context.Background(), &GetRunStatus{})

	var timeout *QueryTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Contains(t, err.Error(), "timed out")
}

func TestQuerySyncRecoversPanic(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler(TypeGetRunStatus, func(ctx context.Context, msg Message) (any, error) {
		panic("bad handler")
	}))

	_, err := bus.QuerySync(context.Background(), &GetRunStatus{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

// =============================================================================
// MIDDLEWARE TESTS
// =============================================================================

func TestMiddlewareOrder(t *testing.T) {
	bus := newTestBus()
	var order []string
	var mu sync.Mutex
	bus.AddMiddleware(&trackingMiddleware{order: &order, mu: &mu, name: "outer"})
	bus.AddMiddleware(&trackingMiddleware{order: &order, mu: &mu, name: "inner"})
	bus.Subscribe(TypeRunStarted, countingHandler(new(int32)))

	require.NoError(t, bus.Publish(context.Background(), &RunStarted{}))

	assert.Equal(t, []string{"outer-before", "inner-before", "inner-after", "outer-after"}, order)
}

func TestMiddlewareAbort(t *testing.T) {
	bus := newTestBus()
	var calls int32
	bus.AddMiddleware(abortingMiddleware{})
	bus.Subscribe(TypeRunStarted, countingHandler(&calls))

	require.NoError(t, bus.Publish(context.Background(), &RunStarted{}))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	_, err := bus.QuerySync(context.Background(), &GetRunStatus{})
	var noHandler *NoHandlerError
	assert.ErrorAs(t, err, &noHandler)
}

func TestLoggingMiddleware(t *testing.T) {
	logger := testutil.NewMockLogger()
	bus := newTestBus()
	bus.AddMiddleware(NewLoggingMiddleware(logger))
	bus.AddMiddleware(NewMetricsMiddleware())
	bus.Subscribe(TypeRunEscalated, failingHandler("boom"))

	_ = bus.Publish(context.Background(), &RunEscalated{})
	require.NoError(t, bus.Publish(context.Background(), &RunStarted{}))

	received, ok := logger.Find("bus_message_received")
	require.True(t, ok)
	assert.Equal(t, TypeRunEscalated, received.Fields["message_type"])
	assert.Equal(t, "event", received.Fields["category"])
	assert.True(t, logger.HasLog("warn", "bus_message_failed"))
	assert.True(t, logger.HasLog("debug", "bus_message_completed"))
}
