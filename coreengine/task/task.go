// Package task defines the unit of work accepted by the engine.
//
// A Task is immutable once accepted into a run. Intake validates the
// caller-supplied fields, applies defaults and assigns an id.
package task

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// TaskType is the closed set of task variants the classifier can assign.
type TaskType string

const (
	TypeFeature              TaskType = "feature"
	TypeBugFix               TaskType = "bug_fix"
	TypeRefactor             TaskType = "refactor"
	TypeDesignImplementation TaskType = "design_implementation"
	TypeSprintBatch          TaskType = "sprint_batch"
	TypeDependencyUpdate     TaskType = "dependency_update"
	TypeReviewResponse       TaskType = "review_response"
	TypeRelease              TaskType = "release"
	TypeDiagnosticOnly       TaskType = "diagnostic_only"
)

// AllTypes lists every TaskType in canonical order. Canonical order is the
// tie-break used wherever types must be listed deterministically.
func AllTypes() []TaskType {
	return []TaskType{
		TypeFeature,
		TypeBugFix,
		TypeRefactor,
		TypeDesignImplementation,
		TypeSprintBatch,
		TypeDependencyUpdate,
		TypeReviewResponse,
		TypeRelease,
		TypeDiagnosticOnly,
	}
}

// Index returns the canonical position of t, or -1 for unknown values.
func (t TaskType) Index() int {
	for i, candidate := range AllTypes() {
		if candidate == t {
			return i
		}
	}
	return -1
}

// IsValid reports whether t is a member of the closed set.
func (t TaskType) IsValid() bool {
	return t.Index() >= 0
}

// ParseTaskType accepts snake_case, CamelCase, kebab-case and spaced forms.
func ParseTaskType(s string) (TaskType, error) {
	key := normalizeTypeKey(s)
	for _, t := range AllTypes() {
		if normalizeTypeKey(string(t)) == key {
			return t, nil
		}
	}
	switch key {
	case "bug", "fix", "bugfix":
		return TypeBugFix, nil
	case "design", "designimpl":
		return TypeDesignImplementation, nil
	case "sprint", "batch":
		return TypeSprintBatch, nil
	case "dependency", "deps", "depbump":
		return TypeDependencyUpdate, nil
	case "review", "reviewfeedback":
		return TypeReviewResponse, nil
	case "diagnostic", "diagnose", "investigation":
		return TypeDiagnosticOnly, nil
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

func normalizeTypeKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if r == '_' || r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// StageOverride is an explicit per-task activation flag for one stage.
type StageOverride string

const (
	OverrideRun  StageOverride = "run"
	OverrideSkip StageOverride = "skip"
)

// ParseStageOverride accepts run/skip and a few common synonyms.
func ParseStageOverride(s string) (StageOverride, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "run", "force", "on", "enable", "true":
		return OverrideRun, nil
	case "skip", "off", "disable", "false":
		return OverrideSkip, nil
	}
	return "", fmt.Errorf("unknown stage override %q", s)
}

// ErrTitleRequired is returned by New when the intake has no title.
var ErrTitleRequired = errors.New("task title is required")

// Intake is the caller-facing task submission. Only Title is required.
type Intake struct {
	ID             string            `json:"id,omitempty" yaml:"id,omitempty"`
	Title          string            `json:"title" yaml:"title"`
	Description    string            `json:"description,omitempty" yaml:"description,omitempty"`
	Links          []string          `json:"links,omitempty" yaml:"links,omitempty"`
	TypeOverride   string            `json:"type_override,omitempty" yaml:"type_override,omitempty"`
	StageOverrides map[string]string `json:"stage_overrides,omitempty" yaml:"stage_overrides,omitempty"`
	DependsOn      []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Task is an accepted unit of work. Treat it as read-only after New.
type Task struct {
	ID             string
	Title          string
	Description    string
	Links          []string
	TypeOverride   *TaskType
	StageOverrides map[string]StageOverride
	DependsOn      []string
}

// New validates an intake and returns the accepted Task.
func New(in Intake) (*Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, ErrTitleRequired
	}

	t := &Task{
		ID:             strings.TrimSpace(in.ID),
		Title:          title,
		Description:    strings.TrimSpace(in.Description),
		StageOverrides: make(map[string]StageOverride, len(in.StageOverrides)),
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	for _, link := range in.Links {
		if link = strings.TrimSpace(link); link != "" {
			t.Links = append(t.Links, link)
		}
	}

	if in.TypeOverride != "" {
		tt, err := ParseTaskType(in.TypeOverride)
		if err != nil {
			return nil, fmt.Errorf("type_override: %w", err)
		}
		t.TypeOverride = &tt
	}

	for stage, raw := range in.StageOverrides {
		ov, err := ParseStageOverride(raw)
		if err != nil {
			return nil, fmt.Errorf("stage_overrides[%s]: %w", stage, err)
		}
		t.StageOverrides[strings.TrimSpace(stage)] = ov
	}

	seen := make(map[string]bool, len(in.DependsOn))
	for _, dep := range in.DependsOn {
		dep = strings.TrimSpace(dep)
		if dep == "" || seen[dep] {
			continue
		}
		seen[dep] = true
		t.DependsOn = append(t.DependsOn, dep)
	}
	sort.Strings(t.DependsOn)

	return t, nil
}

// Text returns title and description joined, the input to keyword scoring.
func (t *Task) Text() string {
	if t.Description == "" {
		return t.Title
	}
	return t.Title + "\n" + t.Description
}

// OverrideFor returns the explicit flag for stage, if any.
func (t *Task) OverrideFor(stage string) (StageOverride, bool) {
	ov, ok := t.StageOverrides[stage]
	return ov, ok
}
