// Package router builds the StagePlan for a classified task.
//
// A static table maps each TaskType to its canonical stage sequence, where
// stages sharing a group may run concurrently. Stages the activation table
// disables are pruned. A plan that keeps a stage while disabling what it
// requires is a ConfigConflict and is never executed.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/agents"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/config"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/memory"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/registry"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/task"
)

// Errors for plan construction.
var (
	ErrConfigConflict = errors.New("configuration conflict")
	ErrBatchPlan      = errors.New("sprint batches are planned per member")
	ErrUnknownType    = errors.New("no stage sequence for task type")
)

// DefaultSeedLimit caps the knowledge-store hits attached to a plan.
const DefaultSeedLimit = 5

// Conflict is one enabled stage whose prerequisites are disabled.
type Conflict struct {
	Stage    string              `json:"stage"`
	Disabled []string            `json:"disabled"`
	Join     config.JoinStrategy `json:"join"`
}

// ConfigConflictError reports contradictory activation. It is surfaced,
// never retried.
type ConfigConflictError struct {
	TaskID    string
	Conflicts []Conflict
}

func (e *ConfigConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = fmt.Sprintf("%s requires %s (join %s)", c.Stage, strings.Join(c.Disabled, ", "), c.Join)
	}
	return fmt.Sprintf("config conflict for task %s: %s", e.TaskID, strings.Join(parts, "; "))
}

// Unwrap allows errors.Is(err, ErrConfigConflict).
func (e *ConfigConflictError) Unwrap() error {
	return ErrConfigConflict
}

// sequences is the canonical stage table.
var sequences = func() map[task.TaskType][][]string {
	feature := [][]string{
		{config.StageRequirements},
		{config.StageScaffold},
		{config.StageArchitecture},
		{config.StageImplementUI, config.StageImplementDomain, config.StageImplementData},
		{config.StageTest, config.StageLint},
		{config.StageBuild},
		{config.StagePublish},
	}
	return map[task.TaskType][][]string{
		task.TypeFeature: feature,
		task.TypeBugFix: {
			{config.StageDiagnose},
			{config.StageImplement},
			{config.StageTest, config.StageLint},
			{config.StageBuild},
			{config.StagePublish},
		},
		task.TypeRefactor: {
			{config.StageArchitecture},
			{config.StageImplement},
			{config.StageTest, config.StageLint},
			{config.StageBuild},
			{config.StagePublish},
		},
		task.TypeDesignImplementation: append([][]string{{config.StageDesignDecomposition}}, feature...),
		task.TypeDependencyUpdate: {
			{config.StageImplement},
			{config.StageTest},
			{config.StageBuild},
			{config.StagePublish},
		},
		task.TypeReviewResponse: {
			{config.StageImplement},
			{config.StageTest, config.StageLint},
			{config.StagePublish},
		},
		task.TypeRelease: {
			{config.StageVersionBump, config.StageChangelog},
			{config.StageReleaseBuild},
			{config.StageDistribute},
		},
		task.TypeDiagnosticOnly: {
			{config.StageDiagnose},
		},
	}
}()

// Sequence returns a copy of the canonical groups for a task type.
func Sequence(tt task.TaskType) ([][]string, bool) {
	seq, ok := sequences[tt]
	if !ok {
		return nil, false
	}
	return copyGroups(seq), true
}

// ValidateTable checks the static table against a catalog: every stage is
// known, no stage repeats, and every prerequisite present in a sequence
// sits in an earlier group, so no plan can contain a cycle.
func ValidateTable(catalog *config.Catalog) error {
	for _, tt := range task.AllTypes() {
		seq, ok := sequences[tt]
		if !ok {
			continue
		}
		position := make(map[string]int)
		for gi, group := range seq {
			for _, stage := range group {
				if !catalog.Has(stage) {
					return fmt.Errorf("%s: unknown stage %q", tt, stage)
				}
				if _, dup := position[stage]; dup {
					return fmt.Errorf("%s: stage %q appears twice", tt, stage)
				}
				position[stage] = gi
			}
		}
		for stage, gi := range position {
			def, _ := catalog.Get(stage)
			for _, dep := range def.Requires {
				if dgi, ok := position[dep]; ok && dgi >= gi {
					return fmt.Errorf("%s: %q requires %q from the same or a later group", tt, stage, dep)
				}
			}
		}
	}
	return nil
}

// StagePlan is the ordered list of stage groups for one task.
type StagePlan struct {
	TaskID   string        `json:"task_id"`
	TaskType task.TaskType `json:"task_type"`
	Groups   [][]string    `json:"groups"`

	// Pruned lists canonical stages left out of the plan, in table order.
	Pruned []string `json:"pruned,omitempty"`

	Decisions config.ActivationTable `json:"decisions,omitempty"`
	Seeds     []agents.Hint          `json:"seeds,omitempty"`
}

// Len returns the number of groups.
func (p *StagePlan) Len() int { return len(p.Groups) }

// Group returns a copy of group i.
func (p *StagePlan) Group(i int) []string {
	if i < 0 || i >= len(p.Groups) {
		return nil
	}
	return append([]string(nil), p.Groups[i]...)
}

// GroupIndex returns the group holding stage, or -1.
func (p *StagePlan) GroupIndex(stage string) int {
	for i, g := range p.Groups {
		for _, s := range g {
			if s == stage {
				return i
			}
		}
	}
	return -1
}

// Stages returns every planned stage in order.
func (p *StagePlan) Stages() []string {
	var out []string
	for _, g := range p.Groups {
		out = append(out, g...)
	}
	return out
}

// String renders the plan as "[a] [b c]".
func (p *StagePlan) String() string {
	parts := make([]string, len(p.Groups))
	for i, g := range p.Groups {
		parts[i] = "[" + strings.Join(g, " ") + "]"
	}
	return strings.Join(parts, " ")
}

// KnowledgeQuerier is the read side of the Knowledge Store.
type KnowledgeQuerier interface {
	Query(ctx context.Context, q memory.Query) ([]memory.Result, error)
}

// RegistryReader is the read side of the Context Registry.
type RegistryReader interface {
	Len(kind registry.Kind) int
}

// Logger is the logging surface the router needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Option configures a Router.
type Option func(*Router)

// WithKnowledge attaches the Knowledge Store used to seed plans.
func WithKnowledge(k KnowledgeQuerier) Option {
	return func(r *Router) { r.knowledge = k }
}

// WithRegistry attaches the Context Registry consulted for scaffolding.
func WithRegistry(reg RegistryReader) Option {
	return func(r *Router) { r.registry = reg }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithSeedLimit sets how many knowledge hits seed a plan. Zero disables
// seeding.
func WithSeedLimit(n int) Option {
	return func(r *Router) { r.seedLimit = n }
}

// Router builds stage plans.
type Router struct {
	catalog   *config.Catalog
	knowledge KnowledgeQuerier
	registry  RegistryReader
	logger    Logger
	seedLimit int
}

// New creates a router over catalog and validates the stage table.
func New(catalog *config.Catalog, opts ...Option) (*Router, error) {
	if catalog == nil {
		catalog = config.DefaultCatalog()
	}
	if err := ValidateTable(catalog); err != nil {
		return nil, fmt.Errorf("stage table: %w", err)
	}
	r := &Router{catalog: catalog, seedLimit: DefaultSeedLimit}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Plan builds the StagePlan for t. decisions is the task's activation
// table; nil resolves the catalog's built-in defaults.
func (r *Router) Plan(ctx context.Context, t *task.Task, tt task.TaskType, decisions config.ActivationTable) (*StagePlan, error) {
	if tt == task.TypeSprintBatch {
		return nil, ErrBatchPlan
	}
	seq, ok := sequences[tt]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tt)
	}
	if decisions == nil {
		decisions = config.Resolve(config.ResolverInput{Catalog: r.catalog})
	}

	present := make(map[string]bool)
	for _, group := range seq {
		for _, stage := range group {
			present[stage] = true
		}
	}

	if err := r.checkConflicts(t.ID, seq, present, decisions); err != nil {
		return nil, err
	}

	scaffoldNeeded := r.needsScaffold()
	plan := &StagePlan{TaskID: t.ID, TaskType: tt, Decisions: decisions}
	for _, group := range seq {
		var kept []string
		for _, stage := range group {
			switch {
			case !decisions.Enabled(stage):
				plan.Pruned = append(plan.Pruned, stage)
			case stage == config.StageScaffold && !scaffoldNeeded:
				plan.Pruned = append(plan.Pruned, stage)
			default:
				kept = append(kept, stage)
			}
		}
		if len(kept) > 0 {
			plan.Groups = append(plan.Groups, kept)
		}
	}

	plan.Seeds = r.seeds(ctx, tt)

	if r.logger != nil {
		r.logger.Debug("plan_built",
			"task_id", t.ID,
			"task_type", string(tt),
			"plan", plan.String(),
			"pruned", plan.Pruned,
			"seeds", len(plan.Seeds),
		)
	}
	return plan, nil
}

// checkConflicts verifies every enabled stage against the prerequisites
// present in the same canonical sequence.
func (r *Router) checkConflicts(taskID string, seq [][]string, present map[string]bool, decisions config.ActivationTable) error {
	var conflicts []Conflict
	for _, group := range seq {
		for _, stage := range group {
			if !decisions.Enabled(stage) {
				continue
			}
			def, ok := r.catalog.Get(stage)
			if !ok {
				continue
			}

			var relevant, disabled []string
			for _, dep := range def.Requires {
				if !present[dep] {
					continue
				}
				relevant = append(relevant, dep)
				if !decisions.Enabled(dep) {
					disabled = append(disabled, dep)
				}
			}
			if len(disabled) == 0 {
				continue
			}
			if def.JoinStrategy == config.JoinAny && len(disabled) < len(relevant) {
				continue
			}
			conflicts = append(conflicts, Conflict{Stage: stage, Disabled: disabled, Join: def.JoinStrategy})
		}
	}
	if len(conflicts) > 0 {
		return &ConfigConflictError{TaskID: taskID, Conflicts: conflicts}
	}
	return nil
}

// needsScaffold reports whether the module map is still empty.
func (r *Router) needsScaffold() bool {
	if r.registry == nil {
		return true
	}
	return r.registry.Len(registry.KindModules) == 0
}

// seeds pulls prior patterns, learnings and mistakes for the task type.
// Seeding is advisory; a failed query is logged and planning continues.
func (r *Router) seeds(ctx context.Context, tt task.TaskType) []agents.Hint {
	if r.knowledge == nil || r.seedLimit <= 0 {
		return nil
	}
	results, err := r.knowledge.Query(ctx, memory.Query{
		Categories: []memory.Category{memory.CategoryPattern, memory.CategoryLearning, memory.CategoryMistake},
		Tags:       []string{string(tt)},
		Limit:      r.seedLimit,
	})
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("plan_seed_failed", "task_type", string(tt), "error", err)
		}
		return nil
	}
	hints := make([]agents.Hint, 0, len(results))
	for _, res := range results {
		hints = append(hints, HintFromEntry(res.Entry))
	}
	return hints
}

// HintFromEntry converts a knowledge entry to the form stages receive.
func HintFromEntry(e *memory.Entry) agents.Hint {
	return agents.Hint{
		ID:       e.ID,
		Category: string(e.Category),
		Title:    e.Title,
		Body:     e.Body,
		Tags:     append([]string(nil), e.Tags...),
	}
}

// Member is one task of a sprint batch with its own type and activation.
type Member struct {
	Task      *task.Task
	Type      task.TaskType
	Decisions config.ActivationTable
}

// PlanBatch builds one plan per batch member, keyed by task id. The DAG
// Scheduler, not the router, orders the members.
func (r *Router) PlanBatch(ctx context.Context, members []Member) (map[string]*StagePlan, error) {
	plans := make(map[string]*StagePlan, len(members))
	var errs []error
	for _, m := range members {
		plan, err := r.Plan(ctx, m.Task, m.Type, m.Decisions)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", m.Task.ID, err))
			continue
		}
		plans[m.Task.ID] = plan
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return plans, nil
}

func copyGroups(groups [][]string) [][]string {
	out := make([][]string, len(groups))
	for i, g := range groups {
		out[i] = append([]string(nil), g...)
	}
	return out
}
