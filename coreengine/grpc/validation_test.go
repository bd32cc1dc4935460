package grpc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/classifier"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/config"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/engine"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/memory"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/router"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/scheduler"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/task"
)

// =============================================================================
// ERROR MAPPING TESTS
// =============================================================================

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"run not found", fmt.Errorf("%w: r1", engine.ErrRunNotFound), codes.NotFound},
		{"batch not found", engine.ErrBatchNotFound, codes.NotFound},
		{"gate not found", kernel.ErrGateNotFound, codes.NotFound},
		{"invalid state", engine.ErrInvalidState, codes.FailedPrecondition},
		{"busy", engine.ErrRunBusy, codes.FailedPrecondition},
		{"gate not pending", kernel.ErrGateNotPending, codes.FailedPrecondition},
		{"config conflict", router.ErrConfigConflict, codes.FailedPrecondition},
		{"invalid decision", kernel.ErrInvalidDecision, codes.InvalidArgument},
		{"title", task.ErrTitleRequired, codes.InvalidArgument},
		{"unknown stage", config.ErrUnknownStage, codes.InvalidArgument},
		{"graph", &scheduler.GraphInvalidError{DuplicateIDs: []string{"A"}}, codes.InvalidArgument},
		{"category", memory.ErrUnknownCategory, codes.InvalidArgument},
		{"ambiguous", &classifier.AmbiguousError{}, codes.InvalidArgument},
		{"no memory", engine.ErrNoMemory, codes.Unavailable},
		{"budget", kernel.ErrBudgetExhausted, codes.ResourceExhausted},
		{"cancelled", context.Canceled, codes.Canceled},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"other", errors.New("disk on fire"), codes.Internal},
		{"already status", status.Error(codes.Aborted, "x"), codes.Aborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := toStatus(tt.err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
	assert.NoError(t, toStatus(nil))
}

func TestValidateRequired(t *testing.T) {
	assert.NoError(t, validateRequired("r1", "run_id"))
	err := validateRequired("", "run_id")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Contains(t, err.Error(), "run_id is required")
}

// =============================================================================
// CODEC TESTS
// =============================================================================

func TestDecodeRequest(t *testing.T) {
	in, err := structpb.NewStruct(map[string]any{
		"title":      "Fix crash",
		"execute":    true,
		"depends_on": []any{"A"},
	})
	require.NoError(t, err)

	var req submitRequest
	require.NoError(t, decode(in, &req))
	assert.Equal(t, "Fix crash", req.Title)
	assert.True(t, req.Execute)
	assert.Equal(t, []string{"A"}, req.DependsOn)

	require.NoError(t, decode(nil, &req))
}

func TestDecodeRejectsWrongTypes(t *testing.T) {
	in, err := structpb.NewStruct(map[string]any{"limit": "ten"})
	require.NoError(t, err)
	var req memoryRequest
	assert.Equal(t, codes.InvalidArgument, status.Code(decode(in, &req)))
}

func TestEncodeResponse(t *testing.T) {
	out, err := encode(map[string]any{"runs": []string{"a", "b"}, "count": 2})
	require.NoError(t, err)
	m := out.AsMap()
	assert.Equal(t, []any{"a", "b"}, m["runs"])
	assert.Equal(t, float64(2), m["count"])
}

func TestMemoryRequestQuery(t *testing.T) {
	q, err := memoryRequest{
		Text:          "nil pointer",
		Categories:    []string{"mistake", "Pattern"},
		RecencyWindow: "72h",
		Limit:         3,
	}.query()
	require.NoError(t, err)
	assert.Equal(t, []memory.Category{memory.CategoryMistake, memory.CategoryPattern}, q.Categories)
	assert.Equal(t, 3, q.Limit)
	assert.Equal(t, "72h0m0s", q.RecencyWindow.String())
}
