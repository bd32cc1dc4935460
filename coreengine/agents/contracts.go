// Package agents defines the Agent capability seam and the contracts that
// flow across it.
//
// The engine never knows what a stage produces. It only inspects the
// status of a StageResult: Success, Failure(kind) or NeedsReview.
package agents

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the outcome reported by a stage invocation.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusFailure     Status = "failure"
	StatusNeedsReview Status = "needs_review"
)

// StatusFromString parses a status, case-insensitively.
func StatusFromString(value string) (Status, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "success", "ok", "succeeded":
		return StatusSuccess, nil
	case "failure", "failed", "error":
		return StatusFailure, nil
	case "needs_review", "needsreview", "review":
		return StatusNeedsReview, nil
	}
	return "", fmt.Errorf("invalid stage status '%s'. Must be one of: success, failure, needs_review", value)
}

// =============================================================================
// FAILURE KINDS
// =============================================================================

// FailureKind classifies a StageExecutionFailure.
type FailureKind string

const (
	FailureCompile       FailureKind = "compile"
	FailureTest          FailureKind = "test"
	FailureLint          FailureKind = "lint"
	FailureLayerBoundary FailureKind = "layer_boundary"
	FailureTimeout       FailureKind = "timeout"
	FailureUnknown       FailureKind = "unknown"

	// FailureReviewRejected is recorded when a human rejects a stage at a
	// review gate. It consumes the stage's attempt budget like a failure.
	FailureReviewRejected FailureKind = "review_rejected"
)

// FailureKinds returns the kinds an agent may report.
func FailureKinds() []FailureKind {
	return []FailureKind{
		FailureCompile,
		FailureTest,
		FailureLint,
		FailureLayerBoundary,
		FailureTimeout,
		FailureUnknown,
	}
}

// FailureKindFromString parses a failure kind. Unrecognised values map to
// FailureUnknown rather than erroring, since agents are external.
func FailureKindFromString(value string) FailureKind {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch normalized {
	case "compile", "build", "compilation":
		return FailureCompile
	case "test", "tests":
		return FailureTest
	case "lint":
		return FailureLint
	case "layer_boundary", "layerboundary", "boundary", "consistency":
		return FailureLayerBoundary
	case "timeout":
		return FailureTimeout
	case "review_rejected":
		return FailureReviewRejected
	}
	return FailureUnknown
}

// =============================================================================
// STAGE INPUT
// =============================================================================

// Hint is a knowledge-store entry handed to a stage as prior experience.
type Hint struct {
	ID       string   `json:"id"`
	Category string   `json:"category"`
	Title    string   `json:"title"`
	Body     string   `json:"body,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// StageInput is everything a stage is given for one invocation.
type StageInput struct {
	RunID          string                               `json:"run_id"`
	TaskID         string                               `json:"task_id"`
	Stage          string                               `json:"stage"`
	TaskType       string                               `json:"task_type"`
	Title          string                               `json:"title"`
	Description    string                               `json:"description,omitempty"`
	Links          []string                             `json:"links,omitempty"`
	Attempt        int                                  `json:"attempt"`
	ProjectContext string                               `json:"project_context,omitempty"`
	Amendments     map[string]any                       `json:"amendments,omitempty"`
	Feedback       []string                             `json:"feedback,omitempty"`
	Upstream       map[string]map[string]any            `json:"upstream,omitempty"`
	Hints          []Hint                               `json:"hints,omitempty"`
	Registry       map[string]map[string]map[string]any `json:"registry,omitempty"`
}

// =============================================================================
// STAGE RESULT
// =============================================================================

// RegistryUpdate is a merge a stage asks to apply to the Context Registry.
type RegistryUpdate struct {
	Kind  string         `json:"kind"`
	Key   string         `json:"key"`
	Value map[string]any `json:"value"`
}

// MemoryProposal is a knowledge-store entry a stage asks to append.
type MemoryProposal struct {
	Category string   `json:"category"`
	Title    string   `json:"title"`
	Body     string   `json:"body,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Related  []string `json:"related,omitempty"`
}

// StageResult is the outcome of one stage invocation. It is retained in
// the run's audit trail.
type StageResult struct {
	Stage           string           `json:"stage"`
	Status          Status           `json:"status"`
	FailureKind     FailureKind      `json:"failure_kind,omitempty"`
	Artifacts       map[string]any   `json:"artifacts,omitempty"`
	Diagnostics     []string         `json:"diagnostics,omitempty"`
	AffectedStages  []string         `json:"affected_stages,omitempty"`
	RegistryUpdates []RegistryUpdate `json:"registry_updates,omitempty"`
	Memories        []MemoryProposal `json:"memories,omitempty"`
	Attempt         int              `json:"attempt"`
	StartedAt       time.Time        `json:"started_at"`
	Duration        time.Duration    `json:"duration"`
	Review          string           `json:"review,omitempty"`
}

// Success builds a successful result.
func Success(stage string, artifacts map[string]any) StageResult {
	return StageResult{Stage: stage, Status: StatusSuccess, Artifacts: artifacts}
}

// Failure builds a failed result of the given kind.
func Failure(stage string, kind FailureKind, diagnostics ...string) StageResult {
	return StageResult{Stage: stage, Status: StatusFailure, FailureKind: kind, Diagnostics: diagnostics}
}

// NeedsReview builds a result that must pass a human review gate.
func NeedsReview(stage string, artifacts map[string]any, diagnostics ...string) StageResult {
	return StageResult{Stage: stage, Status: StatusNeedsReview, Artifacts: artifacts, Diagnostics: diagnostics}
}

// IsFailure reports whether the result is a Failure of any kind.
func (r StageResult) IsFailure() bool {
	return r.Status == StatusFailure
}

// IsCrossStage reports whether the failure is a boundary violation touching
// more than one stage's output.
func (r StageResult) IsCrossStage() bool {
	if r.Status != StatusFailure || r.FailureKind != FailureLayerBoundary {
		return false
	}
	distinct := make(map[string]bool, len(r.AffectedStages))
	for _, s := range r.AffectedStages {
		distinct[s] = true
	}
	return len(distinct) > 1
}

// Summary renders a one-line description for logs and feedback.
func (r StageResult) Summary() string {
	switch r.Status {
	case StatusFailure:
		if len(r.Diagnostics) > 0 {
			return fmt.Sprintf("%s failed (%s): %s", r.Stage, r.FailureKind, r.Diagnostics[0])
		}
		return fmt.Sprintf("%s failed (%s)", r.Stage, r.FailureKind)
	case StatusNeedsReview:
		return fmt.Sprintf("%s needs review", r.Stage)
	default:
		return fmt.Sprintf("%s succeeded", r.Stage)
	}
}

// Normalize fills the fields an external agent may omit and rejects
// results that cannot be interpreted.
func (r StageResult) Normalize(stage string) (StageResult, error) {
	if r.Stage == "" {
		r.Stage = stage
	}
	if r.Stage != stage {
		return r, fmt.Errorf("result reports stage %q, expected %q", r.Stage, stage)
	}
	if r.Status == "" {
		return r, fmt.Errorf("result for stage %q has no status", stage)
	}
	status, err := StatusFromString(string(r.Status))
	if err != nil {
		return r, err
	}
	r.Status = status
	if r.Status == StatusFailure {
		if r.FailureKind == "" {
			r.FailureKind = FailureUnknown
		} else {
			r.FailureKind = FailureKindFromString(string(r.FailureKind))
		}
	} else {
		r.FailureKind = ""
	}
	return r, nil
}

// ParseResult decodes a JSON StageResult produced by an external agent.
func ParseResult(stage string, data []byte) (StageResult, error) {
	var r StageResult
	if err := json.Unmarshal(data, &r); err != nil {
		return StageResult{}, fmt.Errorf("decode result for stage %q: %w", stage, err)
	}
	return r.Normalize(stage)
}
