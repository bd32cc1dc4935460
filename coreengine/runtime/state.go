// Package runtime executes a task's StagePlan: stage groups run their
// members concurrently, failures loop through the feedback resolver, and
// review gates block until a human decides.
package runtime

import (
	"slices"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/pipelinecore/commbus"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/agents"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/feedback"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/router"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/task"
)

// Escalation is the diagnostic bundle of a run that stopped making
// automatic progress.
type Escalation struct {
	Reason   string               `json:"reason"`
	Stage    string               `json:"stage,omitempty"`
	Group    int                  `json:"group"`
	Decision *feedback.Decision   `json:"decision,omitempty"`
	Results  []agents.StageResult `json:"results"`
	At       time.Time            `json:"at"`
}

// RunState is the mutable state of one task's execution. It is mutated
// only by the executor and the feedback resolver it calls; everything
// else reads snapshots.
type RunState struct {
	ID             string
	BatchID        string
	Task           *task.Task
	ProjectContext string

	lifecycle *kernel.Lifecycle
	attempts  *feedback.Tracker
	budget    *kernel.Budget

	mu          sync.RWMutex
	taskType    task.TaskType
	confidence  float64
	plan        *router.StagePlan
	groupIndex  int
	pending     []string
	results     []agents.StageResult
	upstream    map[string]map[string]any
	amendments  map[string]map[string]any
	feedbackFor map[string][]string
	updates     []agents.RegistryUpdate
	memories    []commbus.StageMemory
	failures    map[string]int
	escalation  *Escalation
	gateIDs     []string
	abortReason string
	started     bool
	startedAt   time.Time
	finishedAt  time.Time
}

// NewRunState creates a run in kernel.RunStatusPending. maxInvocations
// bounds total stage invocations; zero means unlimited.
func NewRunState(id string, t *task.Task, maxInvocations int, now func() time.Time) *RunState {
	return &RunState{
		ID:          id,
		Task:        t,
		lifecycle:   kernel.NewLifecycle(now),
		attempts:    feedback.NewTracker(),
		budget:      kernel.NewBudget(maxInvocations),
		upstream:    make(map[string]map[string]any),
		amendments:  make(map[string]map[string]any),
		feedbackFor: make(map[string][]string),
		failures:    make(map[string]int),
	}
}

// Status returns the lifecycle status.
func (rs *RunState) Status() kernel.RunStatus { return rs.lifecycle.Status() }

// Transition moves the run to a new status.
func (rs *RunState) Transition(to kernel.RunStatus, reason string) error {
	return rs.lifecycle.Transition(to, reason)
}

// Lifecycle exposes the status history.
func (rs *RunState) Lifecycle() *kernel.Lifecycle { return rs.lifecycle }

// Attempts exposes the per-stage consecutive failure counter.
func (rs *RunState) Attempts() *feedback.Tracker { return rs.attempts }

// SetClassification records the resolved task type.
func (rs *RunState) SetClassification(tt task.TaskType, confidence float64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.taskType = tt
	rs.confidence = confidence
}

// TaskType returns the classified type, empty until classified.
func (rs *RunState) TaskType() task.TaskType {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.taskType
}

// SetPlan installs the stage plan and rewinds to its first group.
func (rs *RunState) SetPlan(plan *router.StagePlan) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.plan = plan
	rs.groupIndex = 0
	rs.pending = nil
}

// Plan returns the stage plan, nil until planned.
func (rs *RunState) Plan() *router.StagePlan {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.plan
}

// GroupIndex returns the index of the group being executed.
func (rs *RunState) GroupIndex() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.groupIndex
}

// Results returns the audit trail of every stage invocation.
func (rs *RunState) Results() []agents.StageResult {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return append([]agents.StageResult(nil), rs.results...)
}

// Escalation returns the bundle of the last escalation, if any.
func (rs *RunState) Escalation() *Escalation {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.escalation
}

// AddGate records a gate opened for this run.
func (rs *RunState) AddGate(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.gateIDs = append(rs.gateIDs, id)
}

// RequestAbort marks the run for abort. The executor owning the run
// finishes it once its context is cancelled.
func (rs *RunState) RequestAbort(reason string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.abortReason == "" {
		rs.abortReason = reason
	}
}

// AbortReason returns the requested abort reason, empty when none.
func (rs *RunState) AbortReason() string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.abortReason
}

// PrepareResume rewinds an escalated run to the point it stopped: the
// failed stage's counter and the invocation budget are reset so automatic
// progress can continue.
func (rs *RunState) PrepareResume() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if esc := rs.escalation; esc != nil {
		if esc.Stage != "" {
			rs.attempts.Reset(esc.Stage)
			rs.pending = []string{esc.Stage}
		} else {
			rs.pending = nil
		}
		if esc.Group >= 0 {
			rs.groupIndex = esc.Group
		}
	}
	rs.budget.Reset()
}

// =============================================================================
// EXECUTOR-ONLY MUTATORS
// =============================================================================

// nextStages returns the stages to invoke for the current group.
func (rs *RunState) nextStages() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if rs.pending != nil {
		return append([]string(nil), rs.pending...)
	}
	return rs.plan.Group(rs.groupIndex)
}

func (rs *RunState) advance() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.groupIndex++
	rs.pending = nil
}

func (rs *RunState) reenter(group int, stages []string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.groupIndex = group
	rs.pending = append([]string(nil), stages...)
}

func (rs *RunState) markStarted(now time.Time) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	first := !rs.started
	if first {
		rs.started = true
		rs.startedAt = now
	}
	return first
}

func (rs *RunState) markFinished(now time.Time) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.finishedAt = now
}

// record appends a result to the audit trail.
func (rs *RunState) record(r agents.StageResult) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.results = append(rs.results, r)
	if r.IsFailure() {
		rs.failures[r.Stage]++
	}
}

// accept stores the artifacts, registry updates and memory proposals of an
// approved result. A re-run stage's proposals replace its earlier ones.
func (rs *RunState) accept(r agents.StageResult) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if r.Artifacts != nil {
		rs.upstream[r.Stage] = r.Artifacts
	}
	rs.updates = append(rs.updates, r.RegistryUpdates...)
	rs.memories = slices.DeleteFunc(rs.memories, func(m commbus.StageMemory) bool {
		return m.Stage == r.Stage
	})
	for _, m := range r.Memories {
		rs.memories = append(rs.memories, commbus.StageMemory{Stage: r.Stage, Proposal: m})
	}
	delete(rs.feedbackFor, r.Stage)
	delete(rs.amendments, r.Stage)
}

func (rs *RunState) setAmendments(stage string, amendments map[string]any) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.amendments[stage] = amendments
}

func (rs *RunState) setFeedback(stage string, notes []string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.feedbackFor[stage] = notes
}

func (rs *RunState) setEscalation(esc *Escalation) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	esc.Results = append([]agents.StageResult(nil), rs.results...)
	rs.escalation = esc
}

// input builds the StageInput of one invocation.
func (rs *RunState) input(stage string, registry map[string]map[string]map[string]any) agents.StageInput {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	upstream := make(map[string]map[string]any, len(rs.upstream))
	for k, v := range rs.upstream {
		if k != stage {
			upstream[k] = v
		}
	}
	var hints []agents.Hint
	if rs.plan != nil {
		hints = rs.plan.Seeds
	}
	return agents.StageInput{
		RunID:          rs.ID,
		TaskID:         rs.Task.ID,
		Stage:          stage,
		TaskType:       string(rs.taskType),
		Title:          rs.Task.Title,
		Description:    rs.Task.Description,
		Links:          rs.Task.Links,
		Attempt:        rs.attempts.Count(stage) + 1,
		ProjectContext: rs.ProjectContext,
		Amendments:     rs.amendments[stage],
		Feedback:       rs.feedbackFor[stage],
		Upstream:       upstream,
		Hints:          hints,
		Registry:       registry,
	}
}

// Report builds the payload of the terminal run events.
func (rs *RunState) Report() commbus.RunReport {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	var plan [][]string
	if rs.plan != nil {
		plan = rs.plan.Groups
	}
	failures := make(map[string]int, len(rs.failures))
	for k, v := range rs.failures {
		failures[k] = v
	}
	var duration time.Duration
	if !rs.startedAt.IsZero() && !rs.finishedAt.IsZero() {
		duration = rs.finishedAt.Sub(rs.startedAt)
	}
	return commbus.RunReport{
		RunID:          rs.ID,
		BatchID:        rs.BatchID,
		TaskID:         rs.Task.ID,
		TaskType:       string(rs.taskType),
		Title:          rs.Task.Title,
		ProjectContext: rs.ProjectContext,
		Plan:           plan,
		Results:        append([]agents.StageResult(nil), rs.results...),
		Failures:       failures,
		Updates:        append([]agents.RegistryUpdate(nil), rs.updates...),
		Memories:       append([]commbus.StageMemory(nil), rs.memories...),
		Reason:         rs.lifecycle.Reason(),
		Duration:       duration,
	}
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is a read-only copy of a run for queries and APIs.
type Snapshot struct {
	ID          string               `json:"id"`
	BatchID     string               `json:"batch_id,omitempty"`
	TaskID      string               `json:"task_id"`
	Title       string               `json:"title"`
	TaskType    task.TaskType        `json:"task_type,omitempty"`
	Confidence  float64              `json:"confidence,omitempty"`
	Status      kernel.RunStatus     `json:"status"`
	Reason      string               `json:"reason,omitempty"`
	Plan        [][]string           `json:"plan,omitempty"`
	Pruned      []string             `json:"pruned,omitempty"`
	GroupIndex  int                  `json:"group_index"`
	Attempts    map[string]int       `json:"attempts_by_stage,omitempty"`
	Invocations int                  `json:"invocations"`
	Results     []agents.StageResult `json:"results,omitempty"`
	Escalation  *Escalation          `json:"escalation,omitempty"`
	Gates       []string             `json:"gates,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	History     []kernel.Transition  `json:"history,omitempty"`
}

// Snapshot copies the run.
func (rs *RunState) Snapshot() Snapshot {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	s := Snapshot{
		ID:          rs.ID,
		BatchID:     rs.BatchID,
		TaskID:      rs.Task.ID,
		Title:       rs.Task.Title,
		TaskType:    rs.taskType,
		Confidence:  rs.confidence,
		Status:      rs.lifecycle.Status(),
		Reason:      rs.lifecycle.Reason(),
		GroupIndex:  rs.groupIndex,
		Attempts:    rs.attempts.Snapshot(),
		Invocations: rs.budget.Used(),
		Results:     append([]agents.StageResult(nil), rs.results...),
		Escalation:  rs.escalation,
		Gates:       append([]string(nil), rs.gateIDs...),
		CreatedAt:   rs.lifecycle.CreatedAt(),
		UpdatedAt:   rs.lifecycle.UpdatedAt(),
		History:     rs.lifecycle.History(),
	}
	if rs.plan != nil {
		s.Plan = rs.plan.Groups
		s.Pruned = rs.plan.Pruned
	}
	return s
}
