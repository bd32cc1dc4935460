package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/task"
)

// Decision is the resolved activation of one stage for one task.
type Decision string

const (
	DecisionAlways       Decision = "always"
	DecisionNever        Decision = "never"
	DecisionRunThisTime  Decision = "run_this_time"
	DecisionSkipThisTime Decision = "skip_this_time"
)

// Enabled reports whether the stage runs.
func (d Decision) Enabled() bool {
	return d == DecisionAlways || d == DecisionRunThisTime
}

// Source names the precedence layer that produced a decision.
type Source string

const (
	SourceTask    Source = "task"
	SourceProject Source = "project"
	SourceContext Source = "context"
	SourceBuiltin Source = "builtin"
)

// ProjectSetting is a per-project stage setting.
type ProjectSetting string

const (
	SettingAlways  ProjectSetting = "always"
	SettingNever   ProjectSetting = "never"
	SettingPerTask ProjectSetting = "per-task"
)

// ParseProjectSetting parses always/never/per-task.
func ParseProjectSetting(s string) (ProjectSetting, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "always", "on":
		return SettingAlways, nil
	case "never", "off":
		return SettingNever, nil
	case "per-task", "per_task", "pertask", "conditional", "":
		return SettingPerTask, nil
	}
	return "", fmt.Errorf("unknown stage setting %q (want always, never or per-task)", s)
}

// StageDecision is one row of the activation table.
type StageDecision struct {
	Stage    string   `json:"stage"`
	Decision Decision `json:"decision"`
	Source   Source   `json:"source"`
	Reason   string   `json:"reason,omitempty"`
}

// ActivationTable maps every catalog stage to its decision.
type ActivationTable map[string]StageDecision

// Enabled reports whether stage runs. Stages missing from the table are
// disabled.
func (t ActivationTable) Enabled(stage string) bool {
	d, ok := t[stage]
	return ok && d.Decision.Enabled()
}

// Stages returns the stage names in sorted order.
func (t ActivationTable) Stages() []string {
	out := make([]string, 0, len(t))
	for name := range t {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// EnabledStages returns the enabled stage names in sorted order.
func (t ActivationTable) EnabledStages() []string {
	out := make([]string, 0, len(t))
	for _, name := range t.Stages() {
		if t[name].Decision.Enabled() {
			out = append(out, name)
		}
	}
	return out
}

// ResolverInput holds the three precedence-ordered inputs.
type ResolverInput struct {
	Catalog       *Catalog
	Project       map[string]ProjectSetting
	Context       string
	TaskOverrides map[string]task.StageOverride
}

// contextRule picks a default from the free-form project context.
type contextRule struct {
	phrases []string
	stages  []string
	run     bool
}

// Skip rules are consulted before run rules; the first match wins.
var contextRules = []contextRule{
	{phrases: []string{"library", "cli", "backend", "headless", "service", "daemon"}, stages: []string{StageImplementUI}},
	{phrases: []string{"prototype", "spike", "poc"}, stages: []string{StageLint}},
	{phrases: []string{"no tests", "no test"}, stages: []string{StageTest}},
	{phrases: []string{"local only", "no publish"}, stages: []string{StagePublish, StageDistribute}},
	{phrases: []string{"stateless"}, stages: []string{StageImplementData}},
	{phrases: []string{"ui", "app", "frontend", "mobile", "ios", "android", "web"}, stages: []string{StageImplementUI}, run: true},
}

// Resolve computes the activation table. It is a pure function of its input.
//
// Precedence, highest first: per-task flag, project setting, context-derived
// default, built-in default. Context only ever adjusts Conditional stages.
func Resolve(in ResolverInput) ActivationTable {
	catalog := in.Catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	context := normalizeContext(in.Context)

	table := make(ActivationTable, len(catalog.order))
	for _, name := range catalog.order {
		def := catalog.stages[name]
		table[name] = resolveStage(def, in, context)
	}
	return table
}

func resolveStage(def *StageDef, in ResolverInput, context string) StageDecision {
	row := StageDecision{Stage: def.Name}

	if ov, ok := in.TaskOverrides[def.Name]; ok {
		row.Source = SourceTask
		switch ov {
		case task.OverrideRun:
			row.Decision = DecisionRunThisTime
		default:
			row.Decision = DecisionSkipThisTime
		}
		row.Reason = "task flag " + string(ov)
		return row
	}

	switch in.Project[def.Name] {
	case SettingAlways:
		return StageDecision{Stage: def.Name, Decision: DecisionAlways, Source: SourceProject, Reason: "project always"}
	case SettingNever:
		return StageDecision{Stage: def.Name, Decision: DecisionNever, Source: SourceProject, Reason: "project never"}
	}

	if def.Activation == ActivationConditional && context != "" {
		if run, phrase, ok := matchContext(def.Name, context); ok {
			row.Source = SourceContext
			row.Reason = fmt.Sprintf("context matched %q", phrase)
			if run {
				row.Decision = DecisionRunThisTime
			} else {
				row.Decision = DecisionSkipThisTime
			}
			return row
		}
	}

	row.Source = SourceBuiltin
	switch def.Activation {
	case ActivationAlways:
		row.Decision = DecisionAlways
	case ActivationNever:
		row.Decision = DecisionNever
	default:
		if def.DefaultOn {
			row.Decision = DecisionRunThisTime
		} else {
			row.Decision = DecisionSkipThisTime
		}
	}
	return row
}

func matchContext(stage, context string) (run bool, phrase string, ok bool) {
	for _, skip := range []bool{true, false} {
		for _, rule := range contextRules {
			if rule.run == skip || !containsString(rule.stages, stage) {
				continue
			}
			for _, p := range rule.phrases {
				if strings.Contains(context, " "+p+" ") {
					return rule.run, p, true
				}
			}
		}
	}
	return false, "", false
}

// normalizeContext lowercases the context and pads words with single
// spaces so phrases match on word boundaries.
func normalizeContext(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	if len(fields) == 0 {
		return ""
	}
	return " " + strings.Join(fields, " ") + " "
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ErrUnknownStage is returned when a per-task flag names a stage the
// catalog does not know.
var ErrUnknownStage = errors.New("unknown stage")

// ValidateOverrides rejects per-task flags naming unknown stages.
func ValidateOverrides(catalog *Catalog, overrides map[string]task.StageOverride) error {
	var unknown []string
	for name := range overrides {
		if !catalog.Has(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w in overrides: %s", ErrUnknownStage, strings.Join(unknown, ", "))
	}
	return nil
}
