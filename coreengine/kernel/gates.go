package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Gate kinds and status
// =============================================================================

// GateKind distinguishes why a run is waiting on a human.
type GateKind string

const (
	// GateKindReview blocks a stage group on approve/edit/reject.
	GateKindReview GateKind = "review"
	// GateKindClarification blocks routing on a one-line answer.
	GateKindClarification GateKind = "clarification"
)

// GateStatus is the lifecycle state of a gate.
type GateStatus string

const (
	GateStatusPending   GateStatus = "pending"
	GateStatusResolved  GateStatus = "resolved"
	GateStatusCancelled GateStatus = "cancelled"
)

// Action is the human decision recorded on a gate.
type Action string

const (
	ActionApprove Action = "approve"
	ActionEdit    Action = "edit"
	ActionReject  Action = "reject"
	ActionAnswer  Action = "answer"
)

// ParseAction parses a decision action, case-insensitively.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionApprove, "approved", "ok", "yes":
		return ActionApprove, nil
	case ActionEdit, "amend":
		return ActionEdit, nil
	case ActionReject, "rejected", "no":
		return ActionReject, nil
	case ActionAnswer:
		return ActionAnswer, nil
	}
	return "", fmt.Errorf("invalid gate action '%s'. Must be one of: approve, edit, reject, answer", s)
}

var (
	ErrGateNotFound    = errors.New("gate not found")
	ErrGateNotPending  = errors.New("gate is not pending")
	ErrInvalidDecision = errors.New("invalid gate decision")
	ErrGateCancelled   = errors.New("gate cancelled")
)

// =============================================================================
// Gate
// =============================================================================

// Decision is a human response to a gate.
type Decision struct {
	Action     Action         `json:"action"`
	Amendments map[string]any `json:"amendments,omitempty"`
	Answer     string         `json:"answer,omitempty"`
	Reviewer   string         `json:"reviewer,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Gate is a point where a run waits for a human.
type Gate struct {
	ID          string         `json:"id"`
	Kind        GateKind       `json:"kind"`
	Status      GateStatus     `json:"status"`
	RunID       string         `json:"run_id"`
	TaskID      string         `json:"task_id"`
	Stage       string         `json:"stage,omitempty"`
	Question    string         `json:"question,omitempty"`
	Candidates  []string       `json:"candidates,omitempty"`
	Artifacts   map[string]any `json:"artifacts,omitempty"`
	Diagnostics []string       `json:"diagnostics,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Decision    *Decision      `json:"decision,omitempty"`
	CancelNote  string         `json:"cancel_reason,omitempty"`
}

// IsPending reports whether the gate still awaits a decision.
func (g Gate) IsPending() bool {
	return g.Status == GateStatusPending
}

// GateOption configures a gate at creation.
type GateOption func(*Gate)

// WithStage names the stage under review.
func WithStage(stage string) GateOption {
	return func(g *Gate) { g.Stage = stage }
}

// WithQuestion sets the question shown to the human.
func WithQuestion(q string) GateOption {
	return func(g *Gate) { g.Question = q }
}

// WithCandidates lists the answers a clarification expects.
func WithCandidates(c []string) GateOption {
	return func(g *Gate) { g.Candidates = append([]string(nil), c...) }
}

// WithArtifacts attaches the stage output being reviewed.
func WithArtifacts(a map[string]any, diagnostics []string) GateOption {
	return func(g *Gate) {
		g.Artifacts = a
		g.Diagnostics = append([]string(nil), diagnostics...)
	}
}

// =============================================================================
// Gate service
// =============================================================================

type gateEntry struct {
	gate Gate
	done chan struct{}
}

// GateService manages the human gates of all runs. Await blocks with no
// timeout of its own; only the caller's context bounds the wait.
type GateService struct {
	logger Logger
	now    func() time.Time

	store map[string]*gateEntry
	byRun map[string][]string

	listeners []func(Gate)

	mu sync.RWMutex
}

// NewGateService creates a GateService.
func NewGateService(logger Logger) *GateService {
	return &GateService{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		store:  make(map[string]*gateEntry),
		byRun:  make(map[string][]string),
	}
}

// OnOpen registers a callback invoked after each gate is opened.
func (s *GateService) OnOpen(fn func(Gate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Open creates a pending gate for a run.
func (s *GateService) Open(kind GateKind, runID, taskID string, opts ...GateOption) Gate {
	g := Gate{
		ID:        "gate_" + uuid.New().String()[:16],
		Kind:      kind,
		Status:    GateStatusPending,
		RunID:     runID,
		TaskID:    taskID,
		CreatedAt: s.now(),
	}
	for _, opt := range opts {
		opt(&g)
	}

	s.mu.Lock()
	s.store[g.ID] = &gateEntry{gate: g, done: make(chan struct{})}
	s.byRun[runID] = append(s.byRun[runID], g.ID)
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("gate_opened",
			"gate_id", g.ID,
			"kind", string(kind),
			"run_id", runID,
			"stage", g.Stage,
		)
	}
	for _, fn := range listeners {
		fn(g)
	}
	return g
}

// Get returns a snapshot of a gate.
func (s *GateService) Get(id string) (Gate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.store[id]
	if !ok {
		return Gate{}, false
	}
	return e.gate, true
}

// PendingForRun lists the run's pending gates in creation order.
func (s *GateService) PendingForRun(runID string) []Gate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Gate
	for _, id := range s.byRun[runID] {
		if e := s.store[id]; e != nil && e.gate.IsPending() {
			out = append(out, e.gate)
		}
	}
	return out
}

// Pending lists every pending gate, oldest first.
func (s *GateService) Pending() []Gate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Gate
	for _, e := range s.store {
		if e.gate.IsPending() {
			out = append(out, e.gate)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Resolve records a decision and wakes any waiter.
func (s *GateService) Resolve(id string, d Decision) (Gate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.store[id]
	if !ok {
		return Gate{}, fmt.Errorf("%w: %s", ErrGateNotFound, id)
	}
	if !e.gate.IsPending() {
		return e.gate, fmt.Errorf("%w: %s is %s", ErrGateNotPending, id, e.gate.Status)
	}
	if err := validateDecision(e.gate.Kind, d); err != nil {
		return e.gate, err
	}

	now := s.now()
	d.ReceivedAt = now
	e.gate.Decision = &d
	e.gate.Status = GateStatusResolved
	e.gate.ResolvedAt = &now
	close(e.done)

	if s.logger != nil {
		s.logger.Info("gate_resolved",
			"gate_id", id,
			"kind", string(e.gate.Kind),
			"run_id", e.gate.RunID,
			"action", string(d.Action),
		)
	}
	return e.gate, nil
}

func validateDecision(kind GateKind, d Decision) error {
	switch kind {
	case GateKindReview:
		switch d.Action {
		case ActionApprove, ActionReject:
			return nil
		case ActionEdit:
			if len(d.Amendments) == 0 {
				return fmt.Errorf("%w: edit requires amendments", ErrInvalidDecision)
			}
			return nil
		}
	case GateKindClarification:
		if d.Action == ActionAnswer && strings.TrimSpace(d.Answer) != "" {
			return nil
		}
		return fmt.Errorf("%w: clarification requires a non-empty answer", ErrInvalidDecision)
	}
	return fmt.Errorf("%w: %s not allowed on %s gate", ErrInvalidDecision, d.Action, kind)
}

// Cancel withdraws a pending gate; waiters receive ErrGateCancelled.
func (s *GateService) Cancel(id, reason string) (Gate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.store[id]
	if !ok {
		return Gate{}, fmt.Errorf("%w: %s", ErrGateNotFound, id)
	}
	if !e.gate.IsPending() {
		return e.gate, fmt.Errorf("%w: %s is %s", ErrGateNotPending, id, e.gate.Status)
	}
	e.gate.Status = GateStatusCancelled
	e.gate.CancelNote = reason
	close(e.done)

	if s.logger != nil {
		s.logger.Info("gate_cancelled", "gate_id", id, "reason", reason)
	}
	return e.gate, nil
}

// CancelRun cancels every pending gate of a run and returns how many.
func (s *GateService) CancelRun(runID, reason string) int {
	count := 0
	for _, g := range s.PendingForRun(runID) {
		if _, err := s.Cancel(g.ID, reason); err == nil {
			count++
		}
	}
	return count
}

// Await blocks until the gate is resolved or cancelled, or ctx is done.
func (s *GateService) Await(ctx context.Context, id string) (Decision, error) {
	s.mu.RLock()
	e, ok := s.store[id]
	s.mu.RUnlock()
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrGateNotFound, id)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if e.gate.Status == GateStatusCancelled {
		return Decision{}, fmt.Errorf("%w: %s", ErrGateCancelled, e.gate.CancelNote)
	}
	return *e.gate.Decision, nil
}

// CleanupResolved drops non-pending gates created before olderThan ago.
func (s *GateService) CleanupResolved(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	count := 0
	for id, e := range s.store {
		if e.gate.IsPending() || !e.gate.CreatedAt.Before(cutoff) {
			continue
		}
		ids := s.byRun[e.gate.RunID]
		for i, gid := range ids {
			if gid == id {
				s.byRun[e.gate.RunID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(s.byRun[e.gate.RunID]) == 0 {
			delete(s.byRun, e.gate.RunID)
		}
		delete(s.store, id)
		count++
	}
	if s.logger != nil && count > 0 {
		s.logger.Info("gates_cleaned_up", "count", count)
	}
	return count
}

// GetStats returns gate counts by status.
func (s *GateService) GetStats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]int{
		"total":     len(s.store),
		"pending":   0,
		"resolved":  0,
		"cancelled": 0,
	}
	for _, e := range s.store {
		stats[string(e.gate.Status)]++
	}
	return stats
}
