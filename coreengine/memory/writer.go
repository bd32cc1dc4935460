package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jeeves-cluster-organization/pipelinecore/commbus"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/agents"
)

// RegistryMerger applies a run's accepted registry updates.
type RegistryMerger interface {
	Merge(ctx context.Context, kind, key string, record map[string]any) error
}

// Writer turns terminal run events into knowledge-store entries.
//
// A completed run yields a Pattern for its task type, a Learning for every
// stage that recovered from failures, the entries its stages proposed, and
// its registry updates. An escalated or aborted run yields a Mistake with
// the failure history and leaves the registry untouched.
type Writer struct {
	store    *Store
	registry RegistryMerger
	logger   Logger
}

// NewWriter creates a Writer. registry may be nil.
func NewWriter(store *Store, registry RegistryMerger, logger Logger) *Writer {
	return &Writer{store: store, registry: registry, logger: logger}
}

// Subscribe attaches the writer to the terminal run events of bus and
// returns a function that detaches it.
func (w *Writer) Subscribe(bus commbus.CommBus) func() {
	unsubs := []func(){
		bus.Subscribe(commbus.TypeRunCompleted, func(ctx context.Context, msg commbus.Message) (any, error) {
			ev := msg.(*commbus.RunCompleted)
			return w.RecordCompleted(ctx, ev.RunReport)
		}),
		bus.Subscribe(commbus.TypeRunEscalated, func(ctx context.Context, msg commbus.Message) (any, error) {
			ev := msg.(*commbus.RunEscalated)
			return w.RecordFailed(ctx, ev.RunReport, "escalated")
		}),
		bus.Subscribe(commbus.TypeRunAborted, func(ctx context.Context, msg commbus.Message) (any, error) {
			ev := msg.(*commbus.RunAborted)
			return w.RecordFailed(ctx, ev.RunReport, "aborted")
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// RecordCompleted writes the entries of a completed run and merges its
// registry updates.
func (w *Writer) RecordCompleted(ctx context.Context, report commbus.RunReport) ([]*Entry, error) {
	var (
		written []*Entry
		errs    []error
	)
	appendEntry := func(e *Entry) {
		stored, err := w.store.Append(ctx, e)
		if err != nil {
			errs = append(errs, err)
			return
		}
		written = append(written, stored)
	}

	appendEntry(patternEntry(report))
	for _, e := range learningEntries(report) {
		appendEntry(e)
	}
	for _, m := range report.Memories {
		e, err := proposalEntry(report, m.Stage, m.Proposal)
		if err != nil {
			w.warn("memory_proposal_rejected", "run_id", report.RunID, "stage", m.Stage, "error", err.Error())
			continue
		}
		appendEntry(e)
	}

	if w.registry != nil {
		for _, u := range report.Updates {
			if err := w.registry.Merge(ctx, u.Kind, u.Key, u.Value); err != nil {
				errs = append(errs, fmt.Errorf("merge %s/%s: %w", u.Kind, u.Key, err))
			}
		}
	}

	w.info("run_memory_written", "run_id", report.RunID, "entries", len(written), "registry_updates", len(report.Updates))
	return written, errors.Join(errs...)
}

// RecordFailed writes a Mistake entry for an escalated or aborted run.
func (w *Writer) RecordFailed(ctx context.Context, report commbus.RunReport, status string) ([]*Entry, error) {
	stored, err := w.store.Append(ctx, mistakeEntry(report, status))
	if err != nil {
		return nil, err
	}
	w.info("run_memory_written", "run_id", report.RunID, "entries", 1, "status", status)
	return []*Entry{stored}, nil
}

// =============================================================================
// ENTRY CONSTRUCTION
// =============================================================================

func planSequence(plan [][]string) string {
	parts := make([]string, 0, len(plan))
	for _, g := range plan {
		parts = append(parts, strings.Join(g, "+"))
	}
	return strings.Join(parts, " > ")
}

func patternEntry(r commbus.RunReport) *Entry {
	var body strings.Builder
	fmt.Fprintf(&body, "Completed %s with stages %s.", r.TaskType, planSequence(r.Plan))
	if retries := totalFailures(r.Failures); retries > 0 {
		fmt.Fprintf(&body, " Needed %d retries.", retries)
	} else {
		body.WriteString(" No retries.")
	}
	if r.ProjectContext != "" {
		fmt.Fprintf(&body, " Context: %s.", r.ProjectContext)
	}
	return NewEntry(CategoryPattern, "", fmt.Sprintf("%s: %s", r.TaskType, r.Title), body.String(), r.TaskType, "completed")
}

// learningEntries records, per stage, the failures it recovered from.
func learningEntries(r commbus.RunReport) []*Entry {
	type history struct {
		kinds map[agents.FailureKind]int
		last  agents.StageResult
	}
	byStage := make(map[string]*history)
	for _, res := range r.Results {
		if !res.IsFailure() {
			continue
		}
		h := byStage[res.Stage]
		if h == nil {
			h = &history{kinds: make(map[agents.FailureKind]int)}
			byStage[res.Stage] = h
		}
		h.kinds[res.FailureKind]++
		h.last = res
	}

	stages := make([]string, 0, len(byStage))
	for s := range byStage {
		stages = append(stages, s)
	}
	sort.Strings(stages)

	var out []*Entry
	for _, stage := range stages {
		h := byStage[stage]
		kinds := make([]string, 0, len(h.kinds))
		total := 0
		for k, n := range h.kinds {
			kinds = append(kinds, string(k))
			total += n
		}
		sort.Strings(kinds)

		body := fmt.Sprintf("Stage %s recovered after %d failure(s) of kind %s.", stage, total, strings.Join(kinds, ", "))
		if len(h.last.Diagnostics) > 0 {
			body += " Last diagnostic: " + h.last.Diagnostics[0]
		}
		tags := append([]string{r.TaskType, stage}, kinds...)
		out = append(out, NewEntry(CategoryLearning, stage, fmt.Sprintf("%s recovered in %s", stage, r.TaskType), body, tags...))
	}
	return out
}

func proposalEntry(r commbus.RunReport, stage string, p agents.MemoryProposal) (*Entry, error) {
	category, err := ParseCategory(p.Category)
	if err != nil {
		return nil, err
	}
	tags := append([]string{r.TaskType}, p.Tags...)
	e := NewEntry(category, stage, p.Title, p.Body, tags...)
	e.Related = append([]string(nil), p.Related...)
	return e, e.Validate()
}

func mistakeEntry(r commbus.RunReport, status string) *Entry {
	var body strings.Builder
	if r.Reason != "" {
		fmt.Fprintf(&body, "%s\n", r.Reason)
	}
	author := ""
	tags := []string{r.TaskType, status}
	seenKind := make(map[agents.FailureKind]bool)
	for _, res := range r.Results {
		if !res.IsFailure() {
			continue
		}
		fmt.Fprintf(&body, "- attempt %d: %s\n", res.Attempt, res.Summary())
		author = res.Stage
		if !seenKind[res.FailureKind] {
			seenKind[res.FailureKind] = true
			tags = append(tags, string(res.FailureKind))
		}
	}
	title := fmt.Sprintf("%s %s: %s", r.TaskType, status, r.Title)
	return NewEntry(CategoryMistake, author, title, strings.TrimSpace(body.String()), tags...)
}

func totalFailures(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func (w *Writer) info(msg string, kv ...any) {
	if w.logger != nil {
		w.logger.Info(msg, kv...)
	}
}

func (w *Writer) warn(msg string, kv ...any) {
	if w.logger != nil {
		w.logger.Warn(msg, kv...)
	}
}
