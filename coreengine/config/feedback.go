package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/agents"
)

// EscalationAction is what happens when a rule's attempts are exhausted.
type EscalationAction string

const (
	// EscalateHalt stops the run in Escalated; a human may resume it.
	EscalateHalt EscalationAction = "halt"
	// EscalateAbort ends the run in Aborted.
	EscalateAbort EscalationAction = "abort"
)

// TargetKind is the re-entry point of a retry.
type TargetKind string

const (
	TargetSame     TargetKind = "same"     // the failed stage
	TargetStage    TargetKind = "stage"    // another stage, by name
	TargetGroup    TargetKind = "group"    // the whole group holding a stage
	TargetPrevious TargetKind = "previous" // the group before the failed one
)

// ParseTarget splits "same", "previous", "stage:<name>" and "group:<name>".
func ParseTarget(s string) (TargetKind, string, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", string(TargetSame):
		return TargetSame, "", nil
	case string(TargetPrevious):
		return TargetPrevious, "", nil
	}
	kind, name, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return "", "", fmt.Errorf("invalid feedback target %q", s)
	}
	switch TargetKind(kind) {
	case TargetStage, TargetGroup:
		return TargetKind(kind), strings.TrimSpace(name), nil
	}
	return "", "", fmt.Errorf("invalid feedback target %q", s)
}

// FeedbackRule bounds retries for one failure kind. An empty Stage makes
// the rule apply to every stage.
type FeedbackRule struct {
	FailureKind agents.FailureKind `koanf:"failure_kind" json:"failure_kind"`
	Stage       string             `koanf:"stage" json:"stage,omitempty"`
	Target      string             `koanf:"target" json:"target"`
	MaxAttempts int                `koanf:"max_attempts" json:"max_attempts"`
	Escalation  EscalationAction   `koanf:"escalation" json:"escalation"`
}

// Validate normalises and checks the rule.
func (r *FeedbackRule) Validate() error {
	if r.FailureKind == "" {
		return fmt.Errorf("feedback rule: failure_kind is required")
	}
	r.FailureKind = agents.FailureKindFromString(string(r.FailureKind))
	if r.Target == "" {
		r.Target = string(TargetSame)
	}
	if _, _, err := ParseTarget(r.Target); err != nil {
		return fmt.Errorf("feedback rule %s: %w", r.FailureKind, err)
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("feedback rule %s: max_attempts must not be negative", r.FailureKind)
	}
	switch r.Escalation {
	case "":
		r.Escalation = EscalateHalt
	case EscalateHalt, EscalateAbort:
	default:
		return fmt.Errorf("feedback rule %s: unknown escalation %q", r.FailureKind, r.Escalation)
	}
	return nil
}

// DefaultFeedbackRules returns the built-in rule table.
func DefaultFeedbackRules() []FeedbackRule {
	return []FeedbackRule{
		{FailureKind: agents.FailureCompile, Target: "same", MaxAttempts: 2, Escalation: EscalateHalt},
		{FailureKind: agents.FailureTest, Target: "previous", MaxAttempts: 2, Escalation: EscalateHalt},
		{FailureKind: agents.FailureLint, Target: "same", MaxAttempts: 2, Escalation: EscalateHalt},
		{FailureKind: agents.FailureLayerBoundary, Target: "stage:" + StageArchitecture, MaxAttempts: 1, Escalation: EscalateHalt},
		{FailureKind: agents.FailureTimeout, Target: "same", MaxAttempts: 1, Escalation: EscalateHalt},
		{FailureKind: agents.FailureUnknown, Target: "same", MaxAttempts: 1, Escalation: EscalateHalt},
		{FailureKind: agents.FailureReviewRejected, Target: "same", MaxAttempts: 2, Escalation: EscalateHalt},
	}
}

type ruleKey struct {
	kind  agents.FailureKind
	stage string
}

// RuleSet is a lookup table over feedback rules.
type RuleSet struct {
	rules map[ruleKey]FeedbackRule
}

// NewRuleSet layers overrides over the defaults; an override with the same
// failure kind and stage replaces the default.
func NewRuleSet(overrides ...FeedbackRule) (*RuleSet, error) {
	rs := &RuleSet{rules: make(map[ruleKey]FeedbackRule)}
	for _, r := range DefaultFeedbackRules() {
		rs.rules[ruleKey{r.FailureKind, r.Stage}] = r
	}
	for _, r := range overrides {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		rs.rules[ruleKey{r.FailureKind, r.Stage}] = r
	}
	return rs, nil
}

// Lookup returns the rule for (stage, kind). A stage-specific rule beats a
// generic one; a kind with no rule falls back to the unknown rule.
func (rs *RuleSet) Lookup(stage string, kind agents.FailureKind) FeedbackRule {
	if r, ok := rs.rules[ruleKey{kind, stage}]; ok {
		return r
	}
	if r, ok := rs.rules[ruleKey{kind, ""}]; ok {
		return r
	}
	if r, ok := rs.rules[ruleKey{agents.FailureUnknown, ""}]; ok {
		r.FailureKind = kind
		return r
	}
	return FeedbackRule{FailureKind: kind, Target: string(TargetSame), MaxAttempts: 1, Escalation: EscalateHalt}
}

// Rules returns every rule, generic rules first, then by kind and stage.
func (rs *RuleSet) Rules() []FeedbackRule {
	out := make([]FeedbackRule, 0, len(rs.rules))
	for _, r := range rs.rules {
		out = append(out, r)
	}
	sortRules(out)
	return out
}

func sortRules(rules []FeedbackRule) {
	sort.Slice(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if (a.Stage == "") != (b.Stage == "") {
			return a.Stage == ""
		}
		if a.FailureKind != b.FailureKind {
			return a.FailureKind < b.FailureKind
		}
		return a.Stage < b.Stage
	})
}
