package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/pipelinecore/commbus"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/agents"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/config"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/feedback"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/observability"
)

var tracer = otel.Tracer("pipelinecore/runtime")

// ErrNoPlan is returned when a run is executed before it was planned.
var ErrNoPlan = errors.New("run has no stage plan")

// StageInvoker runs one stage invocation. *agents.Invoker implements it.
type StageInvoker interface {
	Invoke(ctx context.Context, in agents.StageInput) (agents.StageResult, error)
}

// RegistrySnapshotter provides the registry view handed to every stage.
type RegistrySnapshotter interface {
	Snapshot() map[string]map[string]map[string]any
}

// ExecutorConfig bounds group execution.
type ExecutorConfig struct {
	// MaxParallelStages bounds concurrent members of one group. Zero means
	// all members at once.
	MaxParallelStages int

	ReviewGate config.ReviewGateMode
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBus publishes run lifecycle events on bus.
func WithBus(bus commbus.CommBus) ExecutorOption {
	return func(e *Executor) { e.bus = bus }
}

// WithRegistry hands a registry snapshot to every stage.
func WithRegistry(r RegistrySnapshotter) ExecutorOption {
	return func(e *Executor) { e.registry = r }
}

// WithExecutorConfig sets the group limits and review mode.
func WithExecutorConfig(cfg ExecutorConfig) ExecutorOption {
	return func(e *Executor) { e.cfg = cfg }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// Executor drives RunStates through their plans.
type Executor struct {
	invoker  StageInvoker
	gates    *kernel.GateService
	resolver *feedback.Resolver
	bus      commbus.CommBus
	registry RegistrySnapshotter
	logger   agents.Logger
	cfg      ExecutorConfig
	now      func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(
	invoker StageInvoker,
	gates *kernel.GateService,
	resolver *feedback.Resolver,
	logger agents.Logger,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		invoker:  invoker,
		gates:    gates,
		resolver: resolver,
		logger:   logger.Bind("component", "executor"),
		cfg:      ExecutorConfig{ReviewGate: config.ReviewGateManual},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.ReviewGate == "" {
		e.cfg.ReviewGate = config.ReviewGateManual
	}
	return e
}

// Run executes rs from its current group until it completes, escalates or
// is aborted. The run must be Planned, or Escalated and prepared with
// PrepareResume. A nil error means the run reached a final status; a
// context error means it was interrupted and left Escalated.
func (e *Executor) Run(ctx context.Context, rs *RunState) error {
	plan := rs.Plan()
	if plan == nil {
		return ErrNoPlan
	}
	if err := rs.Transition(kernel.RunStatusRunning, ""); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "run.execute",
		trace.WithAttributes(
			attribute.String("pipeline.run.id", rs.ID),
			attribute.String("pipeline.task.id", rs.Task.ID),
			attribute.String("pipeline.task.type", string(rs.TaskType())),
			attribute.Int("pipeline.plan.groups", plan.Len()),
		),
	)
	defer span.End()

	logger := e.logger.Bind("run_id", rs.ID, "task_id", rs.Task.ID)
	if rs.markStarted(e.now()) {
		logger.Info("run_started", "task_type", rs.TaskType(), "plan", plan.String())
		e.publish(ctx, logger, &commbus.RunStarted{
			RunID:    rs.ID,
			BatchID:  rs.BatchID,
			TaskID:   rs.Task.ID,
			TaskType: string(rs.TaskType()),
			Title:    rs.Task.Title,
			Plan:     plan.Groups,
		})
	} else {
		logger.Info("run_resumed", "group_index", rs.GroupIndex())
	}

	for rs.GroupIndex() < plan.Len() {
		if err := ctx.Err(); err != nil {
			return e.interrupted(ctx, rs, err, logger)
		}

		idx := rs.GroupIndex()
		stages := rs.nextStages()
		logger.Debug("group_started", "group_index", idx, "stages", stages)

		results, err := e.runGroup(ctx, rs, stages, logger)
		if errors.Is(err, kernel.ErrBudgetExhausted) {
			e.escalate(ctx, rs, &Escalation{
				Reason: fmt.Sprintf("stage invocation limit reached: %v", err),
				Group:  idx,
			}, config.EscalateHalt, logger)
			span.SetStatus(codes.Error, "escalated")
			return nil
		}
		if err != nil {
			return e.interrupted(ctx, rs, err, logger)
		}

		done, err := e.aggregate(ctx, rs, idx, results, logger)
		if err != nil {
			return e.interrupted(ctx, rs, err, logger)
		}
		if done {
			span.SetStatus(codes.Error, string(rs.Status()))
			return nil
		}
	}

	e.complete(ctx, rs, logger)
	return nil
}

// runGroup invokes stages concurrently and returns their results in stage
// order. The invocation budget is taken for the whole group up front.
func (e *Executor) runGroup(ctx context.Context, rs *RunState, stages []string, logger agents.Logger) ([]agents.StageResult, error) {
	for range stages {
		if err := rs.budget.Consume(); err != nil {
			return nil, err
		}
	}

	var registry map[string]map[string]map[string]any
	if e.registry != nil {
		registry = e.registry.Snapshot()
	}

	results := make([]agents.StageResult, len(stages))
	var eg errgroup.Group
	if e.cfg.MaxParallelStages > 0 {
		eg.SetLimit(e.cfg.MaxParallelStages)
	}

	for i, stage := range stages {
		in := rs.input(stage, registry)
		eg.Go(func() error {
			e.publish(ctx, logger, &commbus.StageStarted{RunID: rs.ID, Stage: stage, Attempt: in.Attempt})

			res, err := e.invoker.Invoke(ctx, in)
			if err != nil {
				return err
			}
			rs.record(res)
			results[i] = res

			e.publish(ctx, logger, &commbus.StageCompleted{
				RunID:       rs.ID,
				Stage:       stage,
				Status:      res.Status,
				FailureKind: res.FailureKind,
				Attempt:     res.Attempt,
				DurationMS:  int(res.Duration.Milliseconds()),
			})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// aggregate applies the group's results: reviews first, then failures.
// Returns true when the run reached a final status.
func (e *Executor) aggregate(ctx context.Context, rs *RunState, idx int, results []agents.StageResult, logger agents.Logger) (bool, error) {
	var (
		failures []agents.StageResult
		rerun    []string
	)

	for _, res := range results {
		switch {
		case res.IsFailure():
			failures = append(failures, res)
			continue
		case res.Status == agents.StatusNeedsReview, e.cfg.ReviewGate == config.ReviewGateAlways:
		default:
			e.succeeded(rs, res)
			continue
		}

		decision, err := e.review(ctx, rs, res, logger)
		if err != nil {
			return false, err
		}
		switch decision.Action {
		case kernel.ActionApprove:
			e.succeeded(rs, res)
		case kernel.ActionEdit:
			rs.setAmendments(res.Stage, decision.Amendments)
			rerun = append(rerun, res.Stage)
		case kernel.ActionReject:
			notes := []string{"review rejected"}
			if decision.Comment != "" {
				notes = append(notes, decision.Comment)
			}
			rejected := agents.Failure(res.Stage, agents.FailureReviewRejected, notes...)
			rejected.Attempt = res.Attempt
			rejected.StartedAt = e.now()
			rejected.Review = string(kernel.ActionReject)
			rs.record(rejected)
			failures = append(failures, rejected)
		}
	}

	if len(failures) > 0 {
		return e.resolveFailures(ctx, rs, idx, failures, rerun, logger), nil
	}
	if len(rerun) > 0 {
		logger.Info("stages_amended", "group_index", idx, "stages", rerun)
		rs.reenter(idx, rerun)
		return false, nil
	}

	logger.Debug("group_completed", "group_index", idx)
	rs.advance()
	return false, nil
}

func (e *Executor) succeeded(rs *RunState, res agents.StageResult) {
	rs.accept(res)
	rs.attempts.Reset(res.Stage)
}

// resolveFailures consults the feedback resolver for every failure. Any
// escalation wins, abort over halt; otherwise the run re-enters at the
// earliest target group.
func (e *Executor) resolveFailures(ctx context.Context, rs *RunState, idx int, failures []agents.StageResult, rerun []string, logger agents.Logger) bool {
	plan := rs.Plan()

	var (
		escalation *feedback.Decision
		retries    []feedback.Decision
	)
	for _, f := range failures {
		d := e.resolver.Resolve(plan, rs.attempts, f)
		if d.Action == feedback.ActionEscalate {
			if escalation == nil || (d.Escalation == config.EscalateAbort && escalation.Escalation != config.EscalateAbort) {
				esc := d
				escalation = &esc
			}
			continue
		}
		retries = append(retries, d)

		notes := append([]string{f.Summary()}, f.Diagnostics...)
		rs.setFeedback(f.Stage, notes)
		for _, s := range d.Stages {
			if s != f.Stage {
				rs.setFeedback(s, notes)
			}
		}
	}

	if escalation != nil {
		e.escalate(ctx, rs, &Escalation{
			Reason:   escalation.Reason,
			Stage:    escalation.Stage,
			Group:    plan.GroupIndex(escalation.Stage),
			Decision: escalation,
		}, escalation.Escalation, logger)
		return true
	}

	target := idx
	for _, d := range retries {
		if d.ReentryGroup < target {
			target = d.ReentryGroup
		}
	}
	want := make(map[string]bool)
	for _, d := range retries {
		if d.ReentryGroup == target {
			for _, s := range d.Stages {
				want[s] = true
			}
		}
	}
	if target == idx {
		for _, s := range rerun {
			want[s] = true
		}
	}

	stages := orderedSubset(plan.Group(target), want)
	logger.Info("run_reentered",
		"from_group", idx,
		"reentry_group", target,
		"stages", stages,
		"failures", len(failures),
	)
	rs.reenter(target, stages)
	return false
}

// orderedSubset returns the members of group that are in want, in group
// order, followed by any remaining wanted names sorted.
func orderedSubset(group []string, want map[string]bool) []string {
	out := make([]string, 0, len(want))
	seen := make(map[string]bool, len(want))
	for _, s := range group {
		if want[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	var rest []string
	for s := range want {
		if !seen[s] {
			rest = append(rest, s)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// review blocks on a human decision for res, or approves it in auto mode.
func (e *Executor) review(ctx context.Context, rs *RunState, res agents.StageResult, logger agents.Logger) (kernel.Decision, error) {
	if e.cfg.ReviewGate == config.ReviewGateAuto {
		logger.Info("review_auto_approved", "stage", res.Stage)
		observability.RecordReviewDecision(res.Stage, "auto_approve")
		return kernel.Decision{Action: kernel.ActionApprove, ReceivedAt: e.now()}, nil
	}

	question := fmt.Sprintf("Review the output of %s: approve, edit or reject?", res.Stage)
	gate := e.gates.Open(kernel.GateKindReview, rs.ID, rs.Task.ID,
		kernel.WithStage(res.Stage),
		kernel.WithQuestion(question),
		kernel.WithArtifacts(res.Artifacts, res.Diagnostics),
	)
	rs.AddGate(gate.ID)
	if err := rs.Transition(kernel.RunStatusAwaitingReview, "review "+res.Stage); err != nil {
		return kernel.Decision{}, err
	}
	e.publish(ctx, logger, &commbus.ReviewRequested{
		RunID:    rs.ID,
		GateID:   gate.ID,
		GateKind: string(gate.Kind),
		Stage:    res.Stage,
		Question: question,
	})

	decision, err := e.gates.Await(ctx, gate.ID)
	if err != nil {
		return kernel.Decision{}, err
	}
	if err := rs.Transition(kernel.RunStatusRunning, ""); err != nil {
		return kernel.Decision{}, err
	}
	observability.RecordReviewDecision(res.Stage, string(decision.Action))
	logger.Info("review_decided", "stage", res.Stage, "gate_id", gate.ID, "action", decision.Action)
	return decision, nil
}

// interrupted finishes a run whose execution was cut short. A requested
// abort finishes it Aborted; anything else leaves it Escalated so a human
// can resume it.
func (e *Executor) interrupted(ctx context.Context, rs *RunState, cause error, logger agents.Logger) error {
	if reason := rs.AbortReason(); reason != "" {
		e.escalate(ctx, rs, &Escalation{Reason: reason, Group: rs.GroupIndex()}, config.EscalateAbort, logger)
		return nil
	}
	e.escalate(ctx, rs, &Escalation{
		Reason: fmt.Sprintf("interrupted: %v", cause),
		Group:  rs.GroupIndex(),
	}, config.EscalateHalt, logger)
	if errors.Is(cause, kernel.ErrGateCancelled) {
		return nil
	}
	return cause
}

func (e *Executor) escalate(ctx context.Context, rs *RunState, esc *Escalation, action config.EscalationAction, logger agents.Logger) {
	now := e.now()
	esc.At = now
	rs.setEscalation(esc)
	rs.markFinished(now)
	if e.gates != nil {
		e.gates.CancelRun(rs.ID, esc.Reason)
	}

	ctx = context.WithoutCancel(ctx)
	if action == config.EscalateAbort {
		if err := rs.Transition(kernel.RunStatusAborted, esc.Reason); err != nil {
			logger.Error("run_transition_failed", "to", kernel.RunStatusAborted, "error", err.Error())
			return
		}
		logger.Warn("run_aborted", "reason", esc.Reason, "stage", esc.Stage)
		e.recordRun(rs)
		e.publish(ctx, logger, &commbus.RunAborted{RunReport: rs.Report()})
		return
	}

	if err := rs.Transition(kernel.RunStatusEscalated, esc.Reason); err != nil {
		logger.Error("run_transition_failed", "to", kernel.RunStatusEscalated, "error", err.Error())
		return
	}
	logger.Warn("run_escalated", "reason", esc.Reason, "stage", esc.Stage, "results", len(esc.Results))
	e.recordRun(rs)
	e.publish(ctx, logger, &commbus.RunEscalated{RunReport: rs.Report()})
}

func (e *Executor) complete(ctx context.Context, rs *RunState, logger agents.Logger) {
	rs.markFinished(e.now())
	if err := rs.Transition(kernel.RunStatusCompleted, ""); err != nil {
		logger.Error("run_transition_failed", "to", kernel.RunStatusCompleted, "error", err.Error())
		return
	}
	report := rs.Report()
	logger.Info("run_completed",
		"task_type", report.TaskType,
		"stages", len(report.Results),
		"duration_ms", report.Duration.Milliseconds(),
	)
	e.recordRun(rs)
	e.publish(context.WithoutCancel(ctx), logger, &commbus.RunCompleted{RunReport: report})
}

func (e *Executor) recordRun(rs *RunState) {
	report := rs.Report()
	observability.RecordRun(report.TaskType, string(rs.Status()), int(report.Duration.Milliseconds()))
}

func (e *Executor) publish(ctx context.Context, logger agents.Logger, msg commbus.Message) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, msg); err != nil {
		logger.Warn("event_delivery_failed",
			"type", commbus.GetMessageType(msg),
			"error", err.Error(),
		)
	}
}
