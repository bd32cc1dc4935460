// Package grpc exposes the engine over gRPC.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/pipelinecore/commbus"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/agents"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/engine"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/memory"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/task"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/typeutil"
)

// Engine is the subset of *engine.Engine the server drives.
type Engine interface {
	Submit(ctx context.Context, in task.Intake) (engine.RunView, error)
	SubmitBatch(ctx context.Context, intakes []task.Intake) (engine.BatchView, error)
	RunBatch(ctx context.Context, batchID string) (engine.BatchView, error)
	GetBatch(batchID string) (engine.BatchView, error)
	GetRun(runID string) (engine.RunView, error)
	ListRuns(statuses ...kernel.RunStatus) []engine.RunView
	PendingGates() []kernel.Gate
	ResolveReview(ctx context.Context, gateID string, d kernel.Decision) (kernel.Gate, error)
	Clarify(ctx context.Context, runID, answer string) (engine.RunView, error)
	Execute(ctx context.Context, runID string) (engine.RunView, error)
	Resume(ctx context.Context, runID string) (engine.RunView, error)
	Abort(ctx context.Context, runID, reason string) (engine.RunView, error)
	QueryMemory(ctx context.Context, q memory.Query) ([]memory.Result, error)
	Bus() commbus.CommBus
}

// eventTypes are the bus events StreamEvents forwards.
var eventTypes = []string{
	commbus.TypeRunStarted,
	commbus.TypeStageStarted,
	commbus.TypeStageCompleted,
	commbus.TypeReviewRequested,
	commbus.TypeRunEscalated,
	commbus.TypeRunCompleted,
	commbus.TypeRunAborted,
	commbus.TypeWaveCompleted,
}

// eventBuffer bounds how far a slow stream may lag before events drop.
const eventBuffer = 256

// EngineServer implements EngineServiceServer. Runs started through it
// execute in the background under the server's own context, so they
// outlive the RPC that started them.
type EngineServer struct {
	logger agents.Logger
	engine Engine

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ EngineServiceServer = (*EngineServer)(nil)

// NewEngineServer creates a server over e.
func NewEngineServer(e Engine, logger agents.Logger) *EngineServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &EngineServer{
		logger:  logger,
		engine:  e,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Close interrupts background runs and waits for them to return.
func (s *EngineServer) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every background run has returned.
func (s *EngineServer) Wait() {
	s.wg.Wait()
}

func (s *EngineServer) background(op, id string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := fn(s.baseCtx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("background_run_failed", "op", op, "id", id, "error", err.Error())
		}
	}()
}

// =============================================================================
// Submission
// =============================================================================

type submitRequest struct {
	task.Intake
	Execute bool `json:"execute"`
}

// SubmitTask accepts, classifies and plans a task. With execute set, a
// planned run starts in the background.
func (s *EngineServer) SubmitTask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req submitRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := validateRequired(req.Title, "title"); err != nil {
		return nil, err
	}

	view, err := s.engine.Submit(ctx, req.Intake)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("grpc_task_submitted", "run_id", view.ID, "status", string(view.Status))

	if req.Execute && view.Status == kernel.RunStatusPlanned {
		runID := view.ID
		s.background(MethodExecute, runID, func(ctx context.Context) error {
			_, err := s.engine.Execute(ctx, runID)
			return err
		})
	}
	return encode(view)
}

type batchRequest struct {
	Tasks   []task.Intake `json:"tasks"`
	Execute bool          `json:"execute"`
}

// SubmitBatch accepts a batch of tasks with dependencies.
func (s *EngineServer) SubmitBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req batchRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if len(req.Tasks) == 0 {
		return nil, status.Error(codes.InvalidArgument, "tasks is required")
	}

	view, err := s.engine.SubmitBatch(ctx, req.Tasks)
	if err != nil {
		return nil, toStatus(err)
	}
	if req.Execute {
		s.startBatch(view.ID)
	}
	return encode(view)
}

type batchIDRequest struct {
	BatchID string `json:"batch_id"`
}

// RunBatch starts executing a batch in the background and returns its
// current view.
func (s *EngineServer) RunBatch(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req batchIDRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := validateRequired(req.BatchID, "batch_id"); err != nil {
		return nil, err
	}
	view, err := s.engine.GetBatch(req.BatchID)
	if err != nil {
		return nil, toStatus(err)
	}
	s.startBatch(view.ID)
	return encode(view)
}

func (s *EngineServer) startBatch(batchID string) {
	s.background(MethodRunBatch, batchID, func(ctx context.Context) error {
		_, err := s.engine.RunBatch(ctx, batchID)
		return err
	})
}

// GetBatch returns a batch view.
func (s *EngineServer) GetBatch(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req batchIDRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := validateRequired(req.BatchID, "batch_id"); err != nil {
		return nil, err
	}
	view, err := s.engine.GetBatch(req.BatchID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(view)
}

// =============================================================================
// Runs
// =============================================================================

type runRequest struct {
	RunID  string `json:"run_id"`
	Answer string `json:"answer"`
	Reason string `json:"reason"`
}

func (s *EngineServer) runRequest(in *structpb.Struct) (runRequest, error) {
	var req runRequest
	if err := decode(in, &req); err != nil {
		return req, err
	}
	return req, validateRequired(req.RunID, "run_id")
}

// GetRun returns a run view with its pending gates.
func (s *EngineServer) GetRun(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.runRequest(in)
	if err != nil {
		return nil, err
	}
	view, err := s.engine.GetRun(req.RunID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(view)
}

// ListRuns returns runs, optionally filtered by status.
func (s *EngineServer) ListRuns(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		Statuses []string `json:"statuses"`
	}
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	statuses := make([]kernel.RunStatus, 0, len(req.Statuses))
	for _, raw := range req.Statuses {
		st, err := kernel.ParseRunStatus(raw)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		statuses = append(statuses, st)
	}
	return encode(map[string]any{"runs": s.engine.ListRuns(statuses...)})
}

// ListGates returns every pending gate.
func (s *EngineServer) ListGates(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return encode(map[string]any{"gates": s.engine.PendingGates()})
}

// Execute starts a planned run in the background.
func (s *EngineServer) Execute(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.start(in, MethodExecute, kernel.RunStatusPlanned, s.engine.Execute)
}

// Resume continues an escalated run in the background.
func (s *EngineServer) Resume(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.start(in, MethodResume, kernel.RunStatusEscalated, s.engine.Resume)
}

func (s *EngineServer) start(
	in *structpb.Struct,
	op string,
	want kernel.RunStatus,
	fn func(context.Context, string) (engine.RunView, error),
) (*structpb.Struct, error) {
	req, err := s.runRequest(in)
	if err != nil {
		return nil, err
	}
	view, err := s.engine.GetRun(req.RunID)
	if err != nil {
		return nil, toStatus(err)
	}
	if view.Status != want {
		return nil, status.Errorf(codes.FailedPrecondition,
			"run in state %s cannot %s", view.Status, op)
	}
	s.background(op, req.RunID, func(ctx context.Context) error {
		_, err := fn(ctx, req.RunID)
		return err
	})
	return encode(view)
}

// Clarify answers a clarifying run's question.
func (s *EngineServer) Clarify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.runRequest(in)
	if err != nil {
		return nil, err
	}
	if err := validateRequired(req.Answer, "answer"); err != nil {
		return nil, err
	}
	view, err := s.engine.Clarify(ctx, req.RunID, req.Answer)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(view)
}

// Abort stops a run.
func (s *EngineServer) Abort(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.runRequest(in)
	if err != nil {
		return nil, err
	}
	view, err := s.engine.Abort(ctx, req.RunID, req.Reason)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("grpc_run_aborted", "run_id", req.RunID)
	return encode(view)
}

// =============================================================================
// Reviews
// =============================================================================

type reviewRequest struct {
	GateID     string         `json:"gate_id"`
	Action     string         `json:"action"`
	Amendments map[string]any `json:"amendments"`
	Answer     string         `json:"answer"`
	Reviewer   string         `json:"reviewer"`
	Comment    string         `json:"comment"`
}

// ResolveReview records a human decision on a gate.
func (s *EngineServer) ResolveReview(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req reviewRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := validateRequired(req.GateID, "gate_id"); err != nil {
		return nil, err
	}
	action, err := kernel.ParseAction(req.Action)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	gate, err := s.engine.ResolveReview(ctx, req.GateID, kernel.Decision{
		Action:     action,
		Amendments: req.Amendments,
		Answer:     req.Answer,
		Reviewer:   req.Reviewer,
		Comment:    req.Comment,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(gate)
}

// =============================================================================
// Memory
// =============================================================================

type memoryRequest struct {
	Text          string   `json:"text"`
	Categories    []string `json:"categories"`
	Tags          []string `json:"tags"`
	Stage         string   `json:"stage"`
	Limit         int      `json:"limit"`
	RecencyWindow string   `json:"recency_window"`
}

// QueryMemory searches the knowledge store.
func (s *EngineServer) QueryMemory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req memoryRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	q, err := req.query()
	if err != nil {
		return nil, err
	}
	results, err := s.engine.QueryMemory(ctx, q)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"results": results})
}

func (r memoryRequest) query() (memory.Query, error) {
	q := memory.Query{Text: r.Text, Tags: r.Tags, Stage: r.Stage, Limit: r.Limit}
	for _, raw := range r.Categories {
		c, err := memory.ParseCategory(raw)
		if err != nil {
			return q, status.Error(codes.InvalidArgument, err.Error())
		}
		q.Categories = append(q.Categories, c)
	}
	if r.RecencyWindow != "" {
		d, err := time.ParseDuration(r.RecencyWindow)
		if err != nil {
			return q, status.Errorf(codes.InvalidArgument, "recency_window: %v", err)
		}
		q.RecencyWindow = d
	}
	return q, nil
}

// =============================================================================
// Events
// =============================================================================

type eventFilter struct {
	RunID   string   `json:"run_id"`
	BatchID string   `json:"batch_id"`
	Types   []string `json:"types"`
}

func (f eventFilter) match(payload map[string]any) bool {
	if f.RunID != "" {
		if id, _ := typeutil.SafeString(payload["run_id"]); id != f.RunID {
			return false
		}
	}
	if f.BatchID != "" {
		if id, _ := typeutil.SafeString(payload["batch_id"]); id != f.BatchID {
			return false
		}
	}
	return true
}

// StreamEvents forwards bus events to the client until it disconnects or
// the server closes.
func (s *EngineServer) StreamEvents(in *structpb.Struct, stream EventStream) error {
	var filter eventFilter
	if err := decode(in, &filter); err != nil {
		return err
	}
	types := filter.Types
	if len(types) == 0 {
		types = eventTypes
	}

	events := make(chan *structpb.Struct, eventBuffer)
	bus := s.engine.Bus()
	for _, t := range types {
		eventType := t
		unsubscribe := bus.Subscribe(eventType, func(_ context.Context, msg commbus.Message) (any, error) {
			payload, err := encode(msg)
			if err != nil {
				return nil, err
			}
			if !filter.match(payload.AsMap()) {
				return nil, nil
			}
			event, err := structpb.NewStruct(map[string]any{"type": eventType})
			if err != nil {
				return nil, err
			}
			event.Fields["payload"] = structpb.NewStructValue(payload)
			select {
			case events <- event:
			default:
				s.logger.Warn("grpc_event_dropped", "type", eventType)
			}
			return nil, nil
		})
		defer unsubscribe()
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.baseCtx.Done():
			return status.Error(codes.Unavailable, "server shutting down")
		case ev := <-events:
			if err := stream.Send(ev); err != nil {
				return err
			}
		}
	}
}

// =============================================================================
// Graceful Server
// =============================================================================

// GracefulServer wraps a gRPC server with graceful shutdown support.
type GracefulServer struct {
	grpcServer *grpc.Server
	coreServer *EngineServer
	address    string
	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer creates a GracefulServer. With no options it installs
// the standard interceptors.
func NewGracefulServer(coreServer *EngineServer, address string, opts ...grpc.ServerOption) *GracefulServer {
	if len(opts) == 0 {
		opts = ServerOptions(coreServer.logger)
	}
	grpcServer := grpc.NewServer(opts...)
	RegisterEngineServiceServer(grpcServer, coreServer)

	return &GracefulServer{
		grpcServer: grpcServer,
		coreServer: coreServer,
		address:    address,
	}
}

// Start listens on the configured address and blocks until ctx is
// cancelled.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then stops gracefully.
func (s *GracefulServer) Serve(ctx context.Context, lis net.Listener) error {
	s.coreServer.logger.Info("grpc_server_started", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(lis)
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.coreServer.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		s.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// GracefulStop stops accepting connections, ends event streams and waits
// for in-flight calls.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.coreServer.logger.Info("grpc_graceful_stop_started")
	s.coreServer.cancel()
	s.grpcServer.GracefulStop()
	s.coreServer.Wait()
	s.coreServer.logger.Info("grpc_graceful_stop_completed")
}

// ShutdownWithTimeout performs graceful shutdown, forcing an immediate
// stop when it does not finish within timeout.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.coreServer.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
		<-done
	}
}

// Address returns the configured listen address.
func (s *GracefulServer) Address() string {
	return s.address
}
