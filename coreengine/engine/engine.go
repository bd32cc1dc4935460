// Package engine wires the classifier, router, executor, scheduler,
// knowledge store and context registry into the operations callers use:
// submit, clarify, execute, review, resume, abort and query.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/pipelinecore/commbus"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/agents"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/classifier"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/config"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/feedback"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/memory"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/observability"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/registry"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/router"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/runtime"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/task"
)

// seedLimit is how many knowledge entries seed each plan.
const seedLimit = 5

var (
	ErrRunNotFound   = errors.New("run not found")
	ErrBatchNotFound = errors.New("batch not found")
	ErrInvalidState  = errors.New("run is not in a valid state for this operation")
	ErrRunBusy       = errors.New("run is already executing")
	ErrNoMemory      = errors.New("knowledge store not configured")
)

// RunView is a run snapshot plus the gates it is waiting on.
type RunView struct {
	runtime.Snapshot
	PendingGates []kernel.Gate `json:"pending_gates,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore attaches the Knowledge Store. Plans are seeded from it and
// the memory writer records every finished run into it.
func WithStore(s *memory.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithContextRegistry attaches the Context Registry.
func WithContextRegistry(r *registry.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithBus overrides the in-process event bus.
func WithBus(bus commbus.CommBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithCatalog overrides the stage catalog.
func WithCatalog(c *config.Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// WithLogger sets the logger.
func WithLogger(l agents.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCleanup overrides the retention of finished runs and resolved gates.
func WithCleanup(cfg kernel.CleanupConfig) Option {
	return func(e *Engine) { e.cleanup = cfg }
}

type run struct {
	state *runtime.RunState

	// candidates and clarifyID are set while the run is Clarifying.
	candidates []task.TaskType
	clarifyID  string

	// batchID is set on the parent run of a sprint batch.
	batchID string

	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
}

// Engine is the composition root.
type Engine struct {
	catalog    *config.Catalog
	classifier *classifier.Classifier
	router     *router.Router
	invoker    *agents.Invoker
	gates      *kernel.GateService
	bus        commbus.CommBus
	store      *memory.Store
	registry   *registry.Registry
	writer     *memory.Writer
	logger     agents.Logger
	now        func() time.Time
	cleanup    kernel.CleanupConfig

	cfgMu    sync.RWMutex
	cfg      *config.ProjectConfig
	executor *runtime.Executor

	mu      sync.RWMutex
	runs    map[string]*run
	batches map[string]*batch

	stops []func()
}

// New builds an Engine over the given agents.
func New(cfg *config.ProjectConfig, agentRegistry *agents.Registry, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultProjectConfig()
	}
	e := &Engine{
		catalog: config.DefaultCatalog(),
		now:     func() time.Time { return time.Now().UTC() },
		cleanup: kernel.DefaultCleanupConfig(),
		runs:    make(map[string]*run),
		batches: make(map[string]*batch),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		return nil, errors.New("engine requires a logger")
	}
	e.logger = e.logger.Bind("component", "engine")
	if err := cfg.Validate(e.catalog); err != nil {
		return nil, fmt.Errorf("invalid project config: %w", err)
	}
	if err := router.ValidateTable(e.catalog); err != nil {
		return nil, err
	}
	if e.bus == nil {
		bus := commbus.NewInMemoryCommBus(30*time.Second, e.logger)
		bus.AddMiddleware(commbus.NewLoggingMiddleware(e.logger))
		bus.AddMiddleware(commbus.NewMetricsMiddleware())
		e.bus = bus
	}

	routerOpts := []router.Option{router.WithLogger(e.logger), router.WithSeedLimit(seedLimit)}
	if e.store != nil {
		routerOpts = append(routerOpts, router.WithKnowledge(e.store))
	}
	if e.registry != nil {
		routerOpts = append(routerOpts, router.WithRegistry(e.registry))
	}
	r, err := router.New(e.catalog, routerOpts...)
	if err != nil {
		return nil, err
	}
	e.router = r

	e.gates = kernel.NewGateService(e.logger)
	e.invoker = agents.NewInvoker(agentRegistry, e.logger,
		agents.WithStageTimeout(cfg.Engine.StageTimeout),
		agents.WithRateLimit(cfg.Engine.AgentRatePerSec, cfg.Engine.AgentBurst),
	)
	if err := e.Reload(cfg); err != nil {
		return nil, err
	}

	if e.store != nil {
		if e.registry != nil {
			e.writer = memory.NewWriter(e.store, e.registry, e.logger)
		} else {
			e.writer = memory.NewWriter(e.store, nil, e.logger)
		}
		e.stops = append(e.stops, e.writer.Subscribe(e.bus))
	}
	if err := e.bus.RegisterHandler(commbus.TypeGetRunStatus, e.handleRunStatus); err != nil {
		return nil, err
	}
	if err := e.bus.RegisterHandler(commbus.TypeAbortRun, e.handleAbortRun); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload swaps in a new project configuration. Runs already executing
// keep the configuration they started with.
func (e *Engine) Reload(cfg *config.ProjectConfig) error {
	if err := cfg.Validate(e.catalog); err != nil {
		return fmt.Errorf("invalid project config: %w", err)
	}
	rules, err := cfg.RuleSet()
	if err != nil {
		return err
	}

	opts := []runtime.ExecutorOption{
		runtime.WithBus(e.bus),
		runtime.WithClock(e.now),
		runtime.WithExecutorConfig(runtime.ExecutorConfig{
			MaxParallelStages: cfg.Engine.MaxParallelStages,
			ReviewGate:        cfg.ReviewGate,
		}),
	}
	if e.registry != nil {
		opts = append(opts, runtime.WithRegistry(e.registry))
	}
	exec := runtime.NewExecutor(e.invoker, e.gates, feedback.NewResolver(rules, e.logger), e.logger, opts...)

	e.cfgMu.Lock()
	e.cfg = cfg
	e.executor = exec
	e.classifier = classifier.New(cfg.Engine.ClassifierMargin)
	e.cfgMu.Unlock()

	e.logger.Info("config_applied",
		"review_gate", cfg.ReviewGate,
		"context", cfg.Context,
		"feedback_rules", len(rules.Rules()),
	)
	return nil
}

func (e *Engine) current() (*config.ProjectConfig, *runtime.Executor, *classifier.Classifier) {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg, e.executor, e.classifier
}

// Config returns the active project configuration.
func (e *Engine) Config() *config.ProjectConfig {
	cfg, _, _ := e.current()
	return cfg
}

// Bus returns the event bus runs publish on.
func (e *Engine) Bus() commbus.CommBus { return e.bus }

// Gates returns the gate service.
func (e *Engine) Gates() *kernel.GateService { return e.gates }

// Registry returns the Context Registry, nil when not configured.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Start begins background cleanup of finished runs and resolved gates.
func (e *Engine) Start() {
	stop := kernel.StartCleanupLoop(e.cleanup, e.gates, e.reap, e.logger)
	e.stops = append(e.stops, stop)
}

// Close stops background work and detaches the memory writer.
func (e *Engine) Close() {
	for i := len(e.stops) - 1; i >= 0; i-- {
		e.stops[i]()
	}
	e.stops = nil
}

// =============================================================================
// SUBMISSION
// =============================================================================

// Submit accepts a task, classifies it and builds its plan. An ambiguous
// classification leaves the run Clarifying with a pending clarification
// gate; a configuration conflict leaves it Aborted and returns the error.
func (e *Engine) Submit(ctx context.Context, in task.Intake) (RunView, error) {
	t, err := task.New(in)
	if err != nil {
		return RunView{}, err
	}
	r, err := e.accept(t, "")
	if err != nil {
		return RunView{}, err
	}
	err = e.prepare(ctx, r)
	return e.view(r), err
}

// Run submits a task and executes it when it could be planned.
func (e *Engine) Run(ctx context.Context, in task.Intake) (RunView, error) {
	v, err := e.Submit(ctx, in)
	if err != nil || v.Status != kernel.RunStatusPlanned {
		return v, err
	}
	return e.Execute(ctx, v.ID)
}

func (e *Engine) accept(t *task.Task, batchID string) (*run, error) {
	if err := config.ValidateOverrides(e.catalog, t.StageOverrides); err != nil {
		return nil, err
	}
	cfg, _, _ := e.current()

	rs := runtime.NewRunState(uuid.New().String(), t, cfg.Engine.MaxStageInvocations, e.now)
	rs.BatchID = batchID
	rs.ProjectContext = cfg.Context
	r := &run{state: rs}

	e.mu.Lock()
	e.runs[rs.ID] = r
	e.mu.Unlock()

	e.logger.Info("task_accepted", "run_id", rs.ID, "task_id", t.ID, "title", t.Title, "batch_id", batchID)
	return r, nil
}

func (e *Engine) prepare(ctx context.Context, r *run) error {
	_, _, cls := e.current()
	res, err := cls.Classify(r.state.Task)
	var amb *classifier.AmbiguousError
	if errors.As(err, &amb) {
		return e.askClarification(ctx, r, amb)
	}
	if err != nil {
		e.reject(r, err)
		return err
	}
	return e.plan(ctx, r, res)
}

func (e *Engine) askClarification(ctx context.Context, r *run, amb *classifier.AmbiguousError) error {
	rs := r.state
	names := make([]string, len(amb.Candidates))
	for i, c := range amb.Candidates {
		names[i] = string(c)
	}
	question := amb.Question()

	if err := rs.Transition(kernel.RunStatusClarifying, question); err != nil {
		return err
	}
	gate := e.gates.Open(kernel.GateKindClarification, rs.ID, rs.Task.ID,
		kernel.WithQuestion(question),
		kernel.WithCandidates(names),
	)
	r.mu.Lock()
	r.candidates = amb.Candidates
	r.clarifyID = gate.ID
	r.mu.Unlock()
	rs.AddGate(gate.ID)

	e.logger.Info("clarification_requested", "run_id", rs.ID, "gate_id", gate.ID, "candidates", names)
	e.publish(ctx, &commbus.ReviewRequested{
		RunID:    rs.ID,
		GateID:   gate.ID,
		GateKind: string(gate.Kind),
		Question: question,
	})
	return nil
}

func (e *Engine) plan(ctx context.Context, r *run, res classifier.Result) error {
	rs := r.state
	rs.SetClassification(res.Type, res.Confidence)
	observability.RecordClassification(string(res.Type))
	e.logger.Info("task_classified",
		"run_id", rs.ID,
		"task_type", res.Type,
		"confidence", res.Confidence,
		"overridden", res.Overridden,
	)

	if res.Type == task.TypeSprintBatch {
		return e.expandBatch(ctx, r)
	}

	cfg, _, _ := e.current()
	decisions := config.Resolve(cfg.ResolverInput(e.catalog, rs.Task))
	plan, err := e.router.Plan(ctx, rs.Task, res.Type, decisions)
	if err != nil {
		e.reject(r, err)
		return err
	}
	rs.SetPlan(plan)
	if err := rs.Transition(kernel.RunStatusPlanned, ""); err != nil {
		return err
	}
	e.logger.Info("run_planned", "run_id", rs.ID, "plan", plan.String(), "pruned", plan.Pruned)
	return nil
}

// reject aborts a run that could not be planned.
func (e *Engine) reject(r *run, cause error) {
	rs := r.state
	rs.RequestAbort(cause.Error())
	if err := rs.Transition(kernel.RunStatusAborted, cause.Error()); err != nil {
		e.logger.Error("run_transition_failed", "run_id", rs.ID, "error", err.Error())
		return
	}
	e.logger.Warn("run_rejected", "run_id", rs.ID, "error", cause.Error())
}

// Clarify answers the clarifying question of a run. An answer that is
// still ambiguous returns the error and leaves the run Clarifying.
func (e *Engine) Clarify(ctx context.Context, runID, answer string) (RunView, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return RunView{}, err
	}
	if st := r.state.Status(); st != kernel.RunStatusClarifying {
		return e.view(r), fmt.Errorf("%w: run %s is %s", ErrInvalidState, runID, st)
	}

	r.mu.Lock()
	candidates, gateID := r.candidates, r.clarifyID
	r.mu.Unlock()

	_, _, cls := e.current()
	res, err := cls.Resolve(candidates, answer)
	if err != nil {
		return e.view(r), err
	}
	if _, err := e.gates.Resolve(gateID, kernel.Decision{Action: kernel.ActionAnswer, Answer: answer}); err != nil &&
		!errors.Is(err, kernel.ErrGateNotPending) {
		return e.view(r), err
	}
	observability.RecordReviewDecision("classification", string(kernel.ActionAnswer))

	err = e.plan(ctx, r, res)
	return e.view(r), err
}

// =============================================================================
// EXECUTION
// =============================================================================

// Execute runs a Planned run until it completes, escalates or is aborted.
func (e *Engine) Execute(ctx context.Context, runID string) (RunView, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return RunView{}, err
	}
	if r.batchID != "" {
		return e.executeParent(ctx, r, kernel.RunStatusPlanned)
	}
	runCtx, err := e.begin(ctx, r, kernel.RunStatusPlanned)
	if err != nil {
		return e.view(r), err
	}
	defer e.end(r)

	_, exec, _ := e.current()
	err = exec.Run(runCtx, r.state)
	return e.view(r), err
}

// Resume continues an Escalated run from the stage it stopped at, with a
// fresh retry counter for that stage.
func (e *Engine) Resume(ctx context.Context, runID string) (RunView, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return RunView{}, err
	}
	if r.batchID != "" {
		return e.executeParent(ctx, r, kernel.RunStatusEscalated)
	}
	runCtx, err := e.begin(ctx, r, kernel.RunStatusEscalated)
	if err != nil {
		return e.view(r), err
	}
	defer e.end(r)

	r.state.PrepareResume()
	e.logger.Info("run_resume_requested", "run_id", runID)

	_, exec, _ := e.current()
	err = exec.Run(runCtx, r.state)
	return e.view(r), err
}

func (e *Engine) begin(ctx context.Context, r *run, want kernel.RunStatus) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return nil, fmt.Errorf("%w: %s", ErrRunBusy, r.state.ID)
	}
	if st := r.state.Status(); st != want {
		return nil, fmt.Errorf("%w: run %s is %s, want %s", ErrInvalidState, r.state.ID, st, want)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.busy, r.cancel = true, cancel
	return runCtx, nil
}

func (e *Engine) end(r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	r.busy, r.cancel = false, nil
}

// ResolveReview records a human decision on a gate. Answers to
// clarification gates are routed through Clarify.
func (e *Engine) ResolveReview(ctx context.Context, gateID string, d kernel.Decision) (kernel.Gate, error) {
	gate, ok := e.gates.Get(gateID)
	if !ok {
		return kernel.Gate{}, fmt.Errorf("%w: %s", kernel.ErrGateNotFound, gateID)
	}
	if gate.Kind == kernel.GateKindClarification {
		answer := d.Answer
		if answer == "" {
			answer = d.Comment
		}
		if _, err := e.Clarify(ctx, gate.RunID, answer); err != nil {
			return gate, err
		}
		gate, _ = e.gates.Get(gateID)
		return gate, nil
	}
	return e.gates.Resolve(gateID, d)
}

// Abort stops a run. An executing run is cancelled and finishes Aborted
// once its executor observes the cancellation; other runs are aborted at
// once. Aborting a sprint batch parent aborts every unfinished member.
func (e *Engine) Abort(ctx context.Context, runID, reason string) (RunView, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return RunView{}, err
	}
	if reason == "" {
		reason = "aborted by request"
	}
	if r.batchID != "" {
		if b, err := e.lookupBatch(r.batchID); err == nil {
			for _, member := range b.members() {
				if member != r && !member.state.Status().IsTerminal() {
					_ = e.bus.Send(ctx, &commbus.AbortRun{RunID: member.state.ID, Reason: reason})
				}
			}
		}
	}
	err = e.bus.Send(ctx, &commbus.AbortRun{RunID: r.state.ID, Reason: reason})
	return e.view(r), err
}

func (e *Engine) handleAbortRun(_ context.Context, msg commbus.Message) (any, error) {
	cmd, ok := msg.(*commbus.AbortRun)
	if !ok {
		return nil, fmt.Errorf("unexpected command %T", msg)
	}
	r, err := e.lookup(cmd.RunID)
	if err != nil {
		return nil, err
	}
	reason := cmd.Reason
	if reason == "" {
		reason = "aborted by request"
	}
	return nil, e.abortRun(r, reason)
}

func (e *Engine) abortRun(r *run, reason string) error {
	rs := r.state
	r.mu.Lock()
	if st := rs.Status(); st.IsTerminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: run %s is %s", ErrInvalidState, rs.ID, st)
	}
	rs.RequestAbort(reason)
	if r.busy {
		cancel := r.cancel
		r.mu.Unlock()
		e.logger.Info("run_abort_requested", "run_id", rs.ID, "reason", reason)
		cancel()
		e.gates.CancelRun(rs.ID, reason)
		return nil
	}
	err := rs.Transition(kernel.RunStatusAborted, reason)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	e.gates.CancelRun(rs.ID, reason)
	e.logger.Info("run_aborted", "run_id", rs.ID, "reason", reason)
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// GetRun returns a run. Runs stay queryable after they finish until the
// cleanup loop reaps them.
func (e *Engine) GetRun(runID string) (RunView, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return RunView{}, err
	}
	return e.view(r), nil
}

// ListRuns returns runs ordered by creation time, optionally filtered by
// status.
func (e *Engine) ListRuns(statuses ...kernel.RunStatus) []RunView {
	want := make(map[kernel.RunStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		if len(want) == 0 || want[r.state.Status()] {
			runs = append(runs, r)
		}
	}
	e.mu.RUnlock()

	out := make([]RunView, len(runs))
	for i, r := range runs {
		out[i] = e.view(r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PendingGates returns every gate awaiting a human.
func (e *Engine) PendingGates() []kernel.Gate {
	return e.gates.Pending()
}

// QueryMemory queries the Knowledge Store.
func (e *Engine) QueryMemory(ctx context.Context, q memory.Query) ([]memory.Result, error) {
	if e.store == nil {
		return nil, ErrNoMemory
	}
	return e.store.Query(ctx, q)
}

func (e *Engine) lookup(runID string) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

func (e *Engine) view(r *run) RunView {
	return RunView{
		Snapshot:     r.state.Snapshot(),
		PendingGates: e.gates.PendingForRun(r.state.ID),
	}
}

func (e *Engine) handleRunStatus(_ context.Context, msg commbus.Message) (any, error) {
	q, ok := msg.(*commbus.GetRunStatus)
	if !ok {
		return nil, fmt.Errorf("unexpected query %T", msg)
	}
	r, err := e.lookup(q.RunID)
	if err != nil {
		return nil, err
	}
	resp := &commbus.RunStatusResponse{
		RunID:      r.state.ID,
		Status:     string(r.state.Status()),
		GroupIndex: r.state.GroupIndex(),
	}
	if plan := r.state.Plan(); plan != nil {
		resp.Groups = plan.Len()
	}
	return resp, nil
}

func (e *Engine) publish(ctx context.Context, msg commbus.Message) {
	if err := e.bus.Publish(ctx, msg); err != nil {
		e.logger.Warn("event_delivery_failed", "type", commbus.GetMessageType(msg), "error", err.Error())
	}
}

// reap drops finished runs and batches older than retention.
func (e *Engine) reap(retention time.Duration) int {
	cutoff := e.now().Add(-retention)

	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for id, r := range e.runs {
		if r.state.BatchID != "" {
			continue
		}
		if r.state.Lifecycle().TerminatedBefore(cutoff) {
			delete(e.runs, id)
			n++
		}
	}
	for id, b := range e.batches {
		members := b.members()
		if b.parent != nil {
			members = append(members, b.parent)
		}
		done := true
		for _, r := range members {
			if !r.state.Lifecycle().TerminatedBefore(cutoff) {
				done = false
				break
			}
		}
		if !done {
			continue
		}
		for _, r := range members {
			delete(e.runs, r.state.ID)
			n++
		}
		delete(e.batches, id)
	}
	return n
}
