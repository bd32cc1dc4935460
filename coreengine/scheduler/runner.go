package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/observability"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/task"
)

// Status is the scheduling state of one task in a batch.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusEscalated Status = "escalated"
	StatusAborted   Status = "aborted"

	// StatusBlocked marks a task whose dependencies did not all complete.
	// Blocked tasks are re-evaluated on the next Run.
	StatusBlocked Status = "blocked"
)

// IsFinal reports whether Run leaves the task alone.
func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusEscalated || s == StatusAborted
}

// RunFunc executes one task and returns its terminal status. A returned
// error is recorded as Escalated with the error text as reason; it does
// not cancel sibling tasks.
type RunFunc func(ctx context.Context, t *task.Task) (Status, string, error)

// TaskState is the latest known state of a task.
type TaskState struct {
	TaskID string `json:"task_id"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
	Wave   int    `json:"wave"`
}

// WaveReport is handed to the wave hook once every task of a wave has
// settled.
type WaveReport struct {
	Index   int
	Tasks   []string
	Blocked []string
}

// Logger is the logging surface the runner needs.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithParallelism bounds how many tasks of one wave run at once.
func WithParallelism(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithWaveHook registers a callback invoked after each wave.
func WithWaveHook(hook func(context.Context, WaveReport)) RunnerOption {
	return func(r *Runner) { r.onWave = hook }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// Runner drives a Graph wave by wave. A wave starts only after every task
// of the previous wave has settled.
type Runner struct {
	graph  *Graph
	limit  int
	onWave func(context.Context, WaveReport)
	logger Logger

	mu     sync.RWMutex
	states map[string]*TaskState
}

// NewRunner creates a runner with every task Pending.
func NewRunner(g *Graph, opts ...RunnerOption) *Runner {
	r := &Runner{
		graph:  g,
		limit:  1,
		states: make(map[string]*TaskState, g.Len()),
	}
	for _, w := range g.waves {
		for _, id := range w.Tasks {
			r.states[id] = &TaskState{TaskID: id, Status: StatusPending, Wave: w.Index}
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Graph returns the graph being run.
func (r *Runner) Graph() *Graph { return r.graph }

// Run executes every wave. Tasks already final are skipped, so calling Run
// again after resuming escalated tasks picks up the blocked ones. Returns
// ctx.Err() if the context ends between waves.
func (r *Runner) Run(ctx context.Context, fn RunFunc) error {
	for _, wave := range r.graph.waves {
		if err := ctx.Err(); err != nil {
			return err
		}

		var (
			eg       errgroup.Group
			blocked  []string
			runnable []string
		)
		eg.SetLimit(r.limit)

		for _, id := range wave.Tasks {
			status, reason := r.readiness(id)
			switch status {
			case StatusPending:
				runnable = append(runnable, id)
			case StatusBlocked, StatusAborted:
				r.set(id, status, reason)
				if status == StatusBlocked {
					blocked = append(blocked, id)
				}
			}
		}

		for _, id := range runnable {
			t, _ := r.graph.Task(id)
			r.set(id, StatusRunning, "")
			eg.Go(func() error {
				status, reason, err := fn(ctx, t)
				if err != nil {
					status, reason = StatusEscalated, err.Error()
				}
				if !status.IsFinal() {
					status, reason = StatusEscalated, fmt.Sprintf("task ended in non-terminal status %q", status)
				}
				r.settle(id, status, reason)
				return nil
			})
		}
		_ = eg.Wait()

		observability.RecordWave(len(blocked))
		if r.logger != nil {
			r.logger.Info("wave_completed",
				"wave", wave.Index,
				"tasks", len(wave.Tasks),
				"blocked", len(blocked),
			)
		}
		if r.onWave != nil {
			r.onWave(ctx, WaveReport{
				Index:   wave.Index,
				Tasks:   append([]string(nil), wave.Tasks...),
				Blocked: blocked,
			})
		}
	}
	return nil
}

// readiness decides what to do with id at the start of its wave. Returns
// StatusPending when the task should run now, or the status it must take
// instead. An empty status means leave it as is.
func (r *Runner) readiness(id string) (Status, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.states[id].Status.IsFinal() {
		return "", ""
	}
	var waiting []string
	for _, dep := range r.graph.deps[id] {
		switch r.states[dep].Status {
		case StatusCompleted:
		case StatusAborted:
			return StatusAborted, fmt.Sprintf("dependency %s aborted", dep)
		default:
			waiting = append(waiting, dep)
		}
	}
	if len(waiting) > 0 {
		return StatusBlocked, fmt.Sprintf("waiting on %v", waiting)
	}
	return StatusPending, ""
}

func (r *Runner) set(id string, status Status, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[id]
	st.Status = status
	st.Reason = reason
}

// settle records a task result unless the task was aborted while running.
func (r *Runner) settle(id string, status Status, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[id]
	if st.Status == StatusAborted {
		return
	}
	st.Status = status
	st.Reason = reason
}

// SetStatus records a status decided outside Run, for example when an
// escalated task is resumed to completion.
func (r *Runner) SetStatus(id string, status Status, reason string) error {
	if err := r.graph.ValidateIDs(id); err != nil {
		return err
	}
	r.set(id, status, reason)
	return nil
}

// Abort marks id Aborted and cascades to every dependent that has not
// finished. Returns the ids that changed.
func (r *Runner) Abort(id, reason string) ([]string, error) {
	if err := r.graph.ValidateIDs(id); err != nil {
		return nil, err
	}
	dependents := r.graph.Dependents(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	if st := r.states[id]; st.Status != StatusAborted {
		st.Status, st.Reason = StatusAborted, reason
		changed = append(changed, id)
	}
	for _, d := range dependents {
		st := r.states[d]
		if st.Status.IsFinal() {
			continue
		}
		st.Status, st.Reason = StatusAborted, fmt.Sprintf("dependency %s aborted", id)
		changed = append(changed, d)
	}
	return changed, nil
}

// State returns the state of id.
func (r *Runner) State(id string) (TaskState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[id]
	if !ok {
		return TaskState{}, false
	}
	return *st, true
}

// States returns every task state ordered by wave then input order.
func (r *Runner) States() []TaskState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TaskState, 0, len(r.states))
	for _, w := range r.graph.waves {
		for _, id := range w.Tasks {
			out = append(out, *r.states[id])
		}
	}
	return out
}

// Counts tallies tasks by status.
func (r *Runner) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Status]int)
	for _, st := range r.states {
		counts[st.Status]++
	}
	return counts
}

// Settled reports whether every task is final.
func (r *Runner) Settled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, st := range r.states {
		if !st.Status.IsFinal() {
			return false
		}
	}
	return true
}

// Blocked returns the ids of blocked tasks, sorted.
func (r *Runner) Blocked() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, st := range r.states {
		if st.Status == StatusBlocked {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
