package kernel

import (
	"fmt"
	"strings"
)

// =============================================================================
// Run Status
// =============================================================================

// RunStatus is the lifecycle state of a run.
// State transitions:
//
//	PENDING -> (CLARIFYING | PLANNED)
//	CLARIFYING -> PLANNED
//	PLANNED -> RUNNING
//	RUNNING -> (AWAITING_REVIEW | COMPLETED | ESCALATED)
//	AWAITING_REVIEW -> (RUNNING | ESCALATED)
//	ESCALATED -> RUNNING (on resume)
//
// Every non-terminal status may move to ABORTED.
type RunStatus string

const (
	// RunStatusPending indicates an accepted task not yet classified.
	RunStatusPending RunStatus = "pending"
	// RunStatusClarifying indicates classification is waiting on an answer.
	RunStatusClarifying RunStatus = "clarifying"
	// RunStatusPlanned indicates a stage plan exists and execution has not begun.
	RunStatusPlanned RunStatus = "planned"
	// RunStatusRunning indicates stages are being invoked.
	RunStatusRunning RunStatus = "running"
	// RunStatusAwaitingReview indicates the run is blocked on a review gate.
	RunStatusAwaitingReview RunStatus = "awaiting_review"
	// RunStatusEscalated indicates automatic progress stopped; a human must
	// resume or abort.
	RunStatusEscalated RunStatus = "escalated"
	// RunStatusCompleted indicates the plan finished.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusAborted indicates the run was abandoned.
	RunStatusAborted RunStatus = "aborted"
)

// ParseRunStatus parses a status name, case-insensitively.
func ParseRunStatus(s string) (RunStatus, error) {
	status := RunStatus(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := validTransitions[status]; !ok {
		return "", fmt.Errorf("invalid run status '%s'", s)
	}
	return status, nil
}

// IsFinal returns true for statuses no transition leaves automatically.
// Escalated is final for scheduling but can be resumed.
func (s RunStatus) IsFinal() bool {
	return s == RunStatusCompleted || s == RunStatusEscalated || s == RunStatusAborted
}

// IsTerminal returns true for statuses no transition ever leaves.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusAborted
}

// IsActive returns true while an executor owns the run.
func (s RunStatus) IsActive() bool {
	return s == RunStatusRunning || s == RunStatusAwaitingReview
}

// =============================================================================
// Valid State Transitions
// =============================================================================

var validTransitions = map[RunStatus]map[RunStatus]bool{
	RunStatusPending: {
		RunStatusClarifying: true,
		RunStatusPlanned:    true,
		RunStatusAborted:    true,
	},
	RunStatusClarifying: {
		RunStatusPlanned: true,
		RunStatusAborted: true,
	},
	RunStatusPlanned: {
		RunStatusRunning: true,
		RunStatusAborted: true,
	},
	RunStatusRunning: {
		RunStatusAwaitingReview: true,
		RunStatusCompleted:      true,
		RunStatusEscalated:      true,
		RunStatusAborted:        true,
	},
	RunStatusAwaitingReview: {
		RunStatusRunning:   true,
		RunStatusEscalated: true,
		RunStatusAborted:   true,
	},
	RunStatusEscalated: {
		RunStatusRunning: true,
		RunStatusAborted: true,
	},
	RunStatusCompleted: {},
	RunStatusAborted:   {},
}

// IsValidTransition checks if a status transition is allowed.
func IsValidTransition(from, to RunStatus) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}
