package grpc

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
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
// REQUEST DECODING
// =============================================================================

// validateRequired checks if a field is non-empty.
func validateRequired(field, fieldName string) error {
	if field == "" {
		return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
	}
	return nil
}

// decode unmarshals a request message into v through its JSON form.
func decode(in *structpb.Struct, v any) error {
	if in == nil {
		return nil
	}
	b, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

// encode converts a response value into a message through its JSON form.
func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// =============================================================================
// ERROR CODES
// =============================================================================

// toStatus maps an engine error onto a gRPC status. Errors that already
// carry a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, engine.ErrRunNotFound),
		errors.Is(err, engine.ErrBatchNotFound),
		errors.Is(err, kernel.ErrGateNotFound):
		code = codes.NotFound
	case errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrRunBusy),
		errors.Is(err, kernel.ErrGateNotPending),
		errors.Is(err, kernel.ErrGateCancelled),
		errors.Is(err, kernel.ErrInvalidTransition),
		errors.Is(err, router.ErrConfigConflict):
		code = codes.FailedPrecondition
	case errors.Is(err, kernel.ErrInvalidDecision),
		errors.Is(err, task.ErrTitleRequired),
		errors.Is(err, config.ErrUnknownStage),
		errors.Is(err, scheduler.ErrDependencyGraphInvalid),
		errors.Is(err, memory.ErrUnknownCategory),
		errors.Is(err, router.ErrUnknownType),
		errors.Is(err, classifier.ErrClassificationAmbiguous):
		code = codes.InvalidArgument
	case errors.Is(err, engine.ErrNoMemory):
		code = codes.Unavailable
	case errors.Is(err, kernel.ErrBudgetExhausted):
		code = codes.ResourceExhausted
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}
