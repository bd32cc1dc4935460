package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/pipelinecore/commbus"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/router"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/scheduler"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/task"
)

// BatchTask is one member of a batch view.
type BatchTask struct {
	TaskID    string           `json:"task_id"`
	RunID     string           `json:"run_id"`
	Title     string           `json:"title"`
	DependsOn []string         `json:"depends_on,omitempty"`
	Wave      int              `json:"wave"`
	Status    scheduler.Status `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	RunStatus kernel.RunStatus `json:"run_status"`
}

// BatchView is a snapshot of a batch and its members.
type BatchView struct {
	ID          string      `json:"id"`
	ParentRunID string      `json:"parent_run_id,omitempty"`
	Waves       [][]string  `json:"waves"`
	Tasks       []BatchTask `json:"tasks"`
	Settled     bool        `json:"settled"`
}

type batch struct {
	id     string
	parent *run
	graph  *scheduler.Graph
	runner *scheduler.Runner

	// mu serialises RunBatch.
	mu sync.Mutex

	runsMu sync.RWMutex
	runs   map[string]*run
}

func (b *batch) members() []*run {
	b.runsMu.RLock()
	defer b.runsMu.RUnlock()
	out := make([]*run, 0, len(b.runs))
	for _, id := range b.graph.IDs() {
		if r, ok := b.runs[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (b *batch) member(taskID string) (*run, bool) {
	b.runsMu.RLock()
	defer b.runsMu.RUnlock()
	r, ok := b.runs[taskID]
	return r, ok
}

// SubmitBatch accepts a set of tasks with dependencies. The dependency
// graph is validated before any task is accepted; each member is then
// classified and planned like a single submission.
func (e *Engine) SubmitBatch(ctx context.Context, intakes []task.Intake) (BatchView, error) {
	b, err := e.newBatch(ctx, intakes, nil)
	if err != nil {
		return BatchView{}, err
	}
	return e.batchView(b), nil
}

func (e *Engine) newBatch(ctx context.Context, intakes []task.Intake, parent *run) (*batch, error) {
	tasks := make([]*task.Task, 0, len(intakes))
	for i, in := range intakes {
		t, err := task.New(in)
		if err != nil {
			return nil, fmt.Errorf("batch task %d: %w", i, err)
		}
		tasks = append(tasks, t)
	}
	graph, err := scheduler.NewGraph(tasks)
	if err != nil {
		return nil, err
	}

	cfg, _, _ := e.current()
	b := &batch{
		id:     uuid.New().String(),
		parent: parent,
		graph:  graph,
		runs:   make(map[string]*run, len(tasks)),
	}
	b.runner = scheduler.NewRunner(graph,
		scheduler.WithParallelism(cfg.Engine.MaxParallelTasks),
		scheduler.WithRunnerLogger(e.logger),
		scheduler.WithWaveHook(func(ctx context.Context, w scheduler.WaveReport) {
			e.publish(context.WithoutCancel(ctx), &commbus.WaveCompleted{
				BatchID: b.id,
				Index:   w.Index,
				Tasks:   w.Tasks,
				Blocked: w.Blocked,
			})
		}),
	)

	for _, t := range tasks {
		r, err := e.accept(t, b.id)
		if err != nil {
			return nil, fmt.Errorf("batch task %s: %w", t.ID, err)
		}
		b.runs[t.ID] = r
	}

	e.mu.Lock()
	e.batches[b.id] = b
	e.mu.Unlock()

	for _, t := range tasks {
		r := b.runs[t.ID]
		if err := e.prepare(ctx, r); err != nil {
			e.logger.Warn("batch_task_not_planned", "batch_id", b.id, "task_id", t.ID, "error", err.Error())
		}
	}

	e.logger.Info("batch_submitted", "batch_id", b.id, "tasks", graph.Len(), "waves", graph.String())
	return b, nil
}

// expandBatch turns a SprintBatch run into the parent of a batch of its
// listed sub-tasks. The parent's plan is empty; executing it runs the batch.
func (e *Engine) expandBatch(ctx context.Context, r *run) error {
	rs := r.state
	intakes, err := task.SplitBatch(rs.Task)
	if err != nil {
		e.reject(r, err)
		return err
	}
	b, err := e.newBatch(ctx, intakes, r)
	if err != nil {
		e.reject(r, err)
		return err
	}

	r.batchID = b.id
	rs.BatchID = b.id
	rs.SetPlan(&router.StagePlan{TaskID: rs.Task.ID, TaskType: task.TypeSprintBatch})
	return rs.Transition(kernel.RunStatusPlanned, "")
}

// RunBatch executes the batch wave by wave. Members already finished are
// skipped, so calling it again after resuming or clarifying members picks
// up whatever they blocked.
func (e *Engine) RunBatch(ctx context.Context, batchID string) (BatchView, error) {
	b, err := e.lookupBatch(batchID)
	if err != nil {
		return BatchView{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e.syncBatch(b)
	err = b.runner.Run(ctx, func(ctx context.Context, t *task.Task) (scheduler.Status, string, error) {
		r, ok := b.member(t.ID)
		if !ok {
			return scheduler.StatusAborted, "run missing", nil
		}
		return e.runMember(ctx, r)
	})
	e.settleBatch(b)

	counts := b.runner.Counts()
	e.logger.Info("batch_run_finished",
		"batch_id", b.id,
		"completed", counts[scheduler.StatusCompleted],
		"escalated", counts[scheduler.StatusEscalated],
		"aborted", counts[scheduler.StatusAborted],
		"blocked", counts[scheduler.StatusBlocked],
	)
	return e.batchView(b), err
}

func (e *Engine) runMember(ctx context.Context, r *run) (scheduler.Status, string, error) {
	if r.state.Status() == kernel.RunStatusClarifying {
		return scheduler.StatusEscalated, "awaiting clarification", nil
	}
	_, err := e.Execute(ctx, r.state.ID)
	status, reason := schedulerStatus(r.state.Status(), r.state.Lifecycle().Reason())
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return status, reason, err
	}
	return status, reason, nil
}

// syncBatch copies run statuses changed outside RunBatch into the runner.
func (e *Engine) syncBatch(b *batch) {
	for _, r := range b.members() {
		id := r.state.Task.ID
		status, reason := schedulerStatus(r.state.Status(), r.state.Lifecycle().Reason())
		var err error
		if status == scheduler.StatusAborted {
			_, err = b.runner.Abort(id, reason)
		} else {
			err = b.runner.SetStatus(id, status, reason)
		}
		if err != nil {
			e.logger.Warn("batch_sync_failed", "batch_id", b.id, "task_id", id, "error", err.Error())
		}
	}
}

// settleBatch aborts the runs the runner cascaded an abort to.
func (e *Engine) settleBatch(b *batch) {
	for _, st := range b.runner.States() {
		if st.Status != scheduler.StatusAborted {
			continue
		}
		r, ok := b.member(st.TaskID)
		if !ok || r.state.Status().IsTerminal() {
			continue
		}
		if err := e.abortRun(r, st.Reason); err != nil {
			e.logger.Warn("batch_abort_failed", "batch_id", b.id, "task_id", st.TaskID, "error", err.Error())
		}
	}
}

// executeParent runs the batch of a SprintBatch parent and finishes the
// parent Completed when every member completed, Escalated otherwise.
func (e *Engine) executeParent(ctx context.Context, r *run, want kernel.RunStatus) (RunView, error) {
	runCtx, err := e.begin(ctx, r, want)
	if err != nil {
		return e.view(r), err
	}
	defer e.end(r)

	rs := r.state
	if err := rs.Transition(kernel.RunStatusRunning, ""); err != nil {
		return e.view(r), err
	}
	view, err := e.RunBatch(runCtx, r.batchID)

	if reason := rs.AbortReason(); reason != "" {
		_ = rs.Transition(kernel.RunStatusAborted, reason)
		return e.view(r), err
	}
	var unfinished int
	for _, t := range view.Tasks {
		if t.Status != scheduler.StatusCompleted {
			unfinished++
		}
	}
	if unfinished == 0 {
		_ = rs.Transition(kernel.RunStatusCompleted, "")
	} else {
		_ = rs.Transition(kernel.RunStatusEscalated,
			fmt.Sprintf("%d of %d batch tasks did not complete", unfinished, len(view.Tasks)))
	}
	return e.view(r), err
}

// GetBatch returns a batch view.
func (e *Engine) GetBatch(batchID string) (BatchView, error) {
	b, err := e.lookupBatch(batchID)
	if err != nil {
		return BatchView{}, err
	}
	return e.batchView(b), nil
}

func (e *Engine) lookupBatch(id string) (*batch, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return b, nil
}

func (e *Engine) batchView(b *batch) BatchView {
	v := BatchView{ID: b.id, Settled: b.runner.Settled()}
	if b.parent != nil {
		v.ParentRunID = b.parent.state.ID
	}
	for _, w := range b.graph.Waves() {
		v.Waves = append(v.Waves, w.Tasks)
	}
	for _, st := range b.runner.States() {
		bt := BatchTask{
			TaskID:    st.TaskID,
			Wave:      st.Wave,
			Status:    st.Status,
			Reason:    st.Reason,
			DependsOn: b.graph.Dependencies(st.TaskID),
		}
		if r, ok := b.member(st.TaskID); ok {
			bt.RunID = r.state.ID
			bt.Title = r.state.Task.Title
			bt.RunStatus = r.state.Status()
		}
		v.Tasks = append(v.Tasks, bt)
	}
	return v
}

// schedulerStatus maps a run status onto the batch scheduler's view.
func schedulerStatus(s kernel.RunStatus, reason string) (scheduler.Status, string) {
	switch s {
	case kernel.RunStatusCompleted:
		return scheduler.StatusCompleted, ""
	case kernel.RunStatusAborted:
		return scheduler.StatusAborted, reason
	case kernel.RunStatusEscalated:
		return scheduler.StatusEscalated, reason
	case kernel.RunStatusRunning, kernel.RunStatusAwaitingReview:
		return scheduler.StatusEscalated, "executing outside the batch"
	default:
		return scheduler.StatusPending, ""
	}
}
