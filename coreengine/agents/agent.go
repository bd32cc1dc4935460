package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Agent is the single capability through which all stage work is invoked.
// A returned error is treated as Failure(Unknown).
type Agent interface {
	Execute(ctx context.Context, in StageInput) (StageResult, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, in StageInput) (StageResult, error)

// Execute implements Agent.
func (f AgentFunc) Execute(ctx context.Context, in StageInput) (StageResult, error) {
	return f(ctx, in)
}

// Logger is the interface for logging.
type Logger interface {
	Info(msg string, fields ...any)
	Debug(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	Bind(fields ...any) Logger
}

var tracer = otel.Tracer("pipelinecore/agents")

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithStageTimeout bounds every invocation. Expiry is reported as
// Failure(Timeout). Zero disables the bound.
func WithStageTimeout(d time.Duration) InvokerOption {
	return func(i *Invoker) { i.timeout = d }
}

// WithRateLimit caps invocations per second across all stages.
// Zero or negative disables the limit.
func WithRateLimit(perSecond float64, burst int) InvokerOption {
	return func(i *Invoker) {
		if perSecond <= 0 {
			i.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		i.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// Invoker looks up the agent for a stage and runs it with panic recovery,
// an optional timeout, rate limiting, tracing and metrics.
type Invoker struct {
	agents  *Registry
	logger  Logger
	timeout time.Duration
	limiter *rate.Limiter
	now     func() time.Time
}

// NewInvoker creates an Invoker over the given registry.
func NewInvoker(registry *Registry, logger Logger, opts ...InvokerOption) *Invoker {
	i := &Invoker{
		agents: registry,
		logger: logger.Bind("component", "invoker"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invoke runs one stage. Stage-level problems always come back as a
// StageResult; the error is non-nil only when ctx itself is done.
func (i *Invoker) Invoke(ctx context.Context, in StageInput) (StageResult, error) {
	ctx, span := tracer.Start(ctx, "stage.invoke",
		trace.WithAttributes(
			attribute.String("pipeline.stage", in.Stage),
			attribute.String("pipeline.run.id", in.RunID),
			attribute.String("pipeline.task.type", in.TaskType),
			attribute.Int("pipeline.stage.attempt", in.Attempt),
		),
	)
	defer span.End()

	start := i.now()
	logger := i.logger.Bind("stage", in.Stage, "run_id", in.RunID, "attempt", in.Attempt)
	logger.Debug(fmt.Sprintf("%s_started", in.Stage))

	result, err := i.invoke(ctx, in, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return StageResult{}, err
	}

	result.Attempt = in.Attempt
	result.StartedAt = start
	result.Duration = i.now().Sub(start)
	durationMS := int(result.Duration.Milliseconds())

	label := string(result.Status)
	if result.IsFailure() {
		label = string(result.FailureKind)
		span.SetStatus(codes.Error, result.Summary())
	}
	span.SetAttributes(
		attribute.String("pipeline.stage.status", string(result.Status)),
		attribute.Int("duration_ms", durationMS),
	)
	observability.RecordStageInvocation(in.Stage, label, durationMS)

	logger.Info(fmt.Sprintf("%s_completed", in.Stage),
		"status", result.Status,
		"failure_kind", result.FailureKind,
		"duration_ms", durationMS,
	)
	return result, nil
}

func (i *Invoker) invoke(ctx context.Context, in StageInput, logger Logger) (StageResult, error) {
	agent, ok := i.agents.Get(in.Stage)
	if !ok {
		return Failure(in.Stage, FailureUnknown, fmt.Sprintf("no agent registered for stage %q", in.Stage)), nil
	}

	if i.limiter != nil {
		if err := i.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return StageResult{}, ctx.Err()
			}
			return Failure(in.Stage, FailureUnknown, fmt.Sprintf("rate limiter: %v", err)), nil
		}
	}

	callCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	type outcome struct {
		result StageResult
		err    error
	}
	done := make(chan outcome, 1)

	kernel.SafeGo(logger, "stage:"+in.Stage, func() {
		r, err := kernel.SafeExecuteWithResult(logger, "stage:"+in.Stage, func() (StageResult, error) {
			return agent.Execute(callCtx, in)
		})
		done <- outcome{result: r, err: err}
	}, nil)

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil {
				return StageResult{}, ctx.Err()
			}
			if errors.Is(out.err, context.DeadlineExceeded) && callCtx.Err() != nil {
				return Failure(in.Stage, FailureTimeout, fmt.Sprintf("stage exceeded %s", i.timeout)), nil
			}
			return Failure(in.Stage, FailureUnknown, out.err.Error()), nil
		}
		result, err := out.result.Normalize(in.Stage)
		if err != nil {
			return Failure(in.Stage, FailureUnknown, err.Error()), nil
		}
		return result, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return StageResult{}, ctx.Err()
		}
		logger.Warn("stage_timeout", "timeout", i.timeout.String())
		return Failure(in.Stage, FailureTimeout, fmt.Sprintf("stage exceeded %s", i.timeout)), nil
	}
}
