package commbus

import (
	"time"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/agents"
)

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	// MessageCategoryEvent represents fire-and-forget, fan-out to all subscribers.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery represents request-response, single handler.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand represents fire-and-forget, single handler.
	MessageCategoryCommand MessageCategory = "command"
)

// Message type names used for routing.
const (
	TypeRunStarted      = "RunStarted"
	TypeStageStarted    = "StageStarted"
	TypeStageCompleted  = "StageCompleted"
	TypeReviewRequested = "ReviewRequested"
	TypeRunEscalated    = "RunEscalated"
	TypeRunCompleted    = "RunCompleted"
	TypeRunAborted      = "RunAborted"
	TypeWaveCompleted   = "WaveCompleted"
	TypeGetRunStatus    = "GetRunStatus"
	TypeAbortRun        = "AbortRun"
)

// =============================================================================
// RUN LIFECYCLE EVENTS
// =============================================================================

// RunStarted is emitted when a run begins executing its plan.
type RunStarted struct {
	RunID    string     `json:"run_id"`
	BatchID  string     `json:"batch_id,omitempty"`
	TaskID   string     `json:"task_id"`
	TaskType string     `json:"task_type"`
	Title    string     `json:"title"`
	Plan     [][]string `json:"plan"`
}

// Category implements the Message interface.
func (m *RunStarted) Category() string { return string(MessageCategoryEvent) }

// StageStarted is emitted before a stage is invoked.
type StageStarted struct {
	RunID   string `json:"run_id"`
	Stage   string `json:"stage"`
	Attempt int    `json:"attempt"`
}

// Category implements the Message interface.
func (m *StageStarted) Category() string { return string(MessageCategoryEvent) }

// StageCompleted is emitted after every stage invocation.
type StageCompleted struct {
	RunID       string             `json:"run_id"`
	Stage       string             `json:"stage"`
	Status      agents.Status      `json:"status"`
	FailureKind agents.FailureKind `json:"failure_kind,omitempty"`
	Attempt     int                `json:"attempt"`
	DurationMS  int                `json:"duration_ms"`
}

// Category implements the Message interface.
func (m *StageCompleted) Category() string { return string(MessageCategoryEvent) }

// ReviewRequested is emitted when a run blocks on a human gate.
type ReviewRequested struct {
	RunID    string `json:"run_id"`
	GateID   string `json:"gate_id"`
	GateKind string `json:"gate_kind"`
	Stage    string `json:"stage,omitempty"`
	Question string `json:"question,omitempty"`
}

// Category implements the Message interface.
func (m *ReviewRequested) Category() string { return string(MessageCategoryEvent) }

// RunReport is the payload of the terminal run events. It carries the
// full StageResult history so subscribers never have to query for it.
type RunReport struct {
	RunID          string                  `json:"run_id"`
	BatchID        string                  `json:"batch_id,omitempty"`
	TaskID         string                  `json:"task_id"`
	TaskType       string                  `json:"task_type"`
	Title          string                  `json:"title"`
	ProjectContext string                  `json:"project_context,omitempty"`
	Plan           [][]string              `json:"plan"`
	Results        []agents.StageResult    `json:"results"`
	Failures       map[string]int          `json:"failures,omitempty"`
	Updates        []agents.RegistryUpdate `json:"registry_updates,omitempty"`
	Memories       []StageMemory           `json:"memories,omitempty"`
	Reason         string                  `json:"reason,omitempty"`
	Duration       time.Duration           `json:"duration"`
}

// StageMemory is a memory proposal from a stage result the run accepted.
type StageMemory struct {
	Stage    string                `json:"stage"`
	Proposal agents.MemoryProposal `json:"proposal"`
}

// RunCompleted is emitted when a run finishes its plan.
type RunCompleted struct {
	RunReport
}

// Category implements the Message interface.
func (m *RunCompleted) Category() string { return string(MessageCategoryEvent) }

// RunEscalated is emitted when automatic progress stops and a human must
// resume or abort the run.
type RunEscalated struct {
	RunReport
}

// Category implements the Message interface.
func (m *RunEscalated) Category() string { return string(MessageCategoryEvent) }

// RunAborted is emitted when a run is aborted.
type RunAborted struct {
	RunReport
}

// Category implements the Message interface.
func (m *RunAborted) Category() string { return string(MessageCategoryEvent) }

// WaveCompleted is emitted when every task of a batch wave reached a
// terminal status.
type WaveCompleted struct {
	BatchID string   `json:"batch_id"`
	Index   int      `json:"index"`
	Tasks   []string `json:"tasks"`
	Blocked []string `json:"blocked,omitempty"`
}

// Category implements the Message interface.
func (m *WaveCompleted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// COMMANDS
// =============================================================================

// AbortRun asks the engine to abort a run.
type AbortRun struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// Category implements the Message interface.
func (m *AbortRun) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// QUERIES
// =============================================================================

// GetRunStatus asks the engine for the status of a run.
type GetRunStatus struct {
	RunID string `json:"run_id"`
}

// Category implements the Message interface.
func (m *GetRunStatus) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *GetRunStatus) IsQuery() {}

// RunStatusResponse answers GetRunStatus.
type RunStatusResponse struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	GroupIndex int    `json:"group_index"`
	Groups     int    `json:"groups"`
}

// =============================================================================
// MESSAGE TYPE RESOLUTION
// =============================================================================

// TypedMessage is an optional interface for messages that provide their own type name.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *RunStarted:
		return TypeRunStarted
	case *StageStarted:
		return TypeStageStarted
	case *StageCompleted:
		return TypeStageCompleted
	case *ReviewRequested:
		return TypeReviewRequested
	case *RunEscalated:
		return TypeRunEscalated
	case *RunCompleted:
		return TypeRunCompleted
	case *RunAborted:
		return TypeRunAborted
	case *WaveCompleted:
		return TypeWaveCompleted
	case *GetRunStatus:
		return TypeGetRunStatus
	case *AbortRun:
		return TypeAbortRun
	default:
		return "Unknown"
	}
}
