// Package feedback decides what happens after a stage fails: retry at some
// point of the plan, or escalate to a human.
//
// Attempts are counted per stage across failure kinds. A stage retries
// while its consecutive failure count is below the max_attempts of the rule
// matching the latest failure and escalates on the next failure, so
// max_attempts = N escalates on exactly the (N+1)th consecutive failure.
// Alternating kinds does not restart the count.
package feedback

import (
	"fmt"
	"sync"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/agents"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/config"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/observability"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/router"
)

// Action is what the executor must do next.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionEscalate Action = "escalate"
)

// Decision is the outcome of resolving one failure.
type Decision struct {
	Action Action `json:"action"`

	// Escalation is set when Action is ActionEscalate.
	Escalation config.EscalationAction `json:"escalation,omitempty"`

	// ReentryGroup is the plan group execution resumes at on retry.
	ReentryGroup int `json:"reentry_group"`

	// Stages are the members of ReentryGroup to invoke. Later groups run
	// in full.
	Stages []string `json:"stages,omitempty"`

	Stage       string             `json:"stage"`
	FailureKind agents.FailureKind `json:"failure_kind"`
	Attempt     int                `json:"attempt"`
	MaxAttempts int                `json:"max_attempts"`
	Target      config.TargetKind  `json:"target"`
	Reason      string             `json:"reason"`
}

// Tracker holds the consecutive failure count of every stage in a run.
// Only a success restarts the count.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		counts: make(map[string]int),
	}
}

// Count returns the consecutive failures recorded for stage.
func (t *Tracker) Count(stage string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[stage]
}

// Reset clears the count of stage after it succeeds.
func (t *Tracker) Reset(stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, stage)
}

// Snapshot returns a copy of the counts.
func (t *Tracker) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// Logger is the logging surface the resolver needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
}

// Resolver applies a RuleSet to stage failures.
type Resolver struct {
	rules  *config.RuleSet
	logger Logger
}

// NewResolver creates a resolver. A nil rule set uses the defaults.
func NewResolver(rules *config.RuleSet, logger Logger) *Resolver {
	if rules == nil {
		rules, _ = config.NewRuleSet()
	}
	return &Resolver{rules: rules, logger: logger}
}

// Rules returns the rule set in use.
func (r *Resolver) Rules() *config.RuleSet { return r.rules }

// Resolve decides how to handle a failed result within plan. On retry the
// tracker count for the stage is incremented; on escalation it is left at
// its bound.
func (r *Resolver) Resolve(plan *router.StagePlan, tracker *Tracker, result agents.StageResult) Decision {
	kind := result.FailureKind
	if kind == "" {
		kind = agents.FailureUnknown
	}
	rule := r.rules.Lookup(result.Stage, kind)

	tracker.mu.Lock()
	count := tracker.counts[result.Stage]

	d := Decision{
		Stage:       result.Stage,
		FailureKind: kind,
		Attempt:     count + 1,
		MaxAttempts: rule.MaxAttempts,
	}

	switch {
	case result.IsCrossStage():
		tracker.mu.Unlock()
		d.Action = ActionEscalate
		d.Escalation = rule.Escalation
		d.Reason = fmt.Sprintf("%s reported a boundary violation across stages %v", result.Stage, result.AffectedStages)

	case count >= rule.MaxAttempts:
		tracker.mu.Unlock()
		d.Action = ActionEscalate
		d.Escalation = rule.Escalation
		d.Attempt = count
		d.Reason = fmt.Sprintf("%s failures on %s exhausted %d attempts", kind, result.Stage, rule.MaxAttempts)

	default:
		tracker.counts[result.Stage] = count + 1
		tracker.mu.Unlock()
		d.Action = ActionRetry
		r.target(plan, rule, &d)
	}

	observability.RecordFeedbackDecision(result.Stage, string(kind), string(d.Action))
	if r.logger != nil {
		r.logger.Debug("feedback_resolved",
			"stage", d.Stage,
			"failure_kind", kind,
			"action", d.Action,
			"attempt", d.Attempt,
			"max_attempts", d.MaxAttempts,
			"reentry_group", d.ReentryGroup,
			"stages", d.Stages,
		)
	}
	return d
}

// target fills the re-entry point for a retry. A target outside the plan
// falls back to retrying the failed stage.
func (r *Resolver) target(plan *router.StagePlan, rule config.FeedbackRule, d *Decision) {
	current := plan.GroupIndex(d.Stage)
	same := func(note string) {
		d.Target = config.TargetSame
		d.ReentryGroup = current
		d.Stages = []string{d.Stage}
		d.Reason = fmt.Sprintf("retry %s after %s failure%s", d.Stage, d.FailureKind, note)
	}

	kind, name, err := config.ParseTarget(rule.Target)
	if err != nil {
		same("")
		return
	}

	switch kind {
	case config.TargetStage:
		idx := plan.GroupIndex(name)
		if idx < 0 || idx > current {
			same(fmt.Sprintf(" (target stage %s not earlier in plan)", name))
			return
		}
		d.Target = kind
		d.ReentryGroup = idx
		d.Stages = []string{name}
		if idx == current && name != d.Stage {
			d.Stages = append(d.Stages, d.Stage)
		}
		d.Reason = fmt.Sprintf("redirect %s failure on %s to %s", d.FailureKind, d.Stage, name)

	case config.TargetGroup:
		idx := plan.GroupIndex(name)
		if idx < 0 || idx > current {
			same(fmt.Sprintf(" (target group of %s not earlier in plan)", name))
			return
		}
		d.Target = kind
		d.ReentryGroup = idx
		d.Stages = plan.Group(idx)
		d.Reason = fmt.Sprintf("redo group %d after %s failure on %s", idx, d.FailureKind, d.Stage)

	case config.TargetPrevious:
		if current <= 0 {
			same(" (no previous group)")
			return
		}
		d.Target = kind
		d.ReentryGroup = current - 1
		d.Stages = plan.Group(current - 1)
		d.Reason = fmt.Sprintf("redo group %d after %s failure on %s", current-1, d.FailureKind, d.Stage)

	default:
		same("")
	}
}
