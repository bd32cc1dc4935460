// Package classifier maps a task to one TaskType by scoring weighted
// keyword and structural signals.
//
// The top-scoring type wins only when it leads the runner-up by more than
// the configured margin. Otherwise the result is ambiguous and the caller
// must ask a one-line clarifying question before routing.
package classifier

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/task"
)

// maxInputLength bounds the scored text.
const maxInputLength = 16 * 1024

// Signal weights.
const (
	keywordWeight    = 2.0
	structuralWeight = 3.0
	versionWeight    = 1.5
	issueWeight      = 1.5

	// keywordCap bounds how many distinct keywords of one rule count.
	keywordCap = 3
)

// ErrClassificationAmbiguous is the sentinel for AmbiguousError.
var ErrClassificationAmbiguous = errors.New("classification ambiguous")

// AmbiguousError reports that no type led by the margin.
type AmbiguousError struct {
	Candidates []task.TaskType
	Scores     map[task.TaskType]float64
}

func (e *AmbiguousError) Error() string {
	names := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		names[i] = string(c)
	}
	return fmt.Sprintf("classification ambiguous between %s", strings.Join(names, ", "))
}

// Unwrap allows errors.Is(err, ErrClassificationAmbiguous).
func (e *AmbiguousError) Unwrap() error {
	return ErrClassificationAmbiguous
}

// Question renders the one-line clarifying question for the candidates.
func (e *AmbiguousError) Question() string {
	parts := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		parts[i] = fmt.Sprintf("%d) %s", i+1, c)
	}
	return "Which kind of task is this? " + strings.Join(parts, ", ")
}

// Result is an unambiguous classification.
type Result struct {
	Type       task.TaskType             `json:"type"`
	Confidence float64                   `json:"confidence"`
	Scores     map[task.TaskType]float64 `json:"scores,omitempty"`
	Signals    []string                  `json:"signals,omitempty"`
	Overridden bool                      `json:"overridden,omitempty"`
}

type source int

const (
	sourceText source = iota
	sourceLinks
	sourceDescription
)

// signalRule pairs a compiled regex with the weights it contributes.
type signalRule struct {
	name    string
	regex   *regexp.Regexp
	source  source
	weights map[task.TaskType]float64

	// keyword rules count distinct matches, structural rules count once.
	keyword bool

	// minMatches is the number of matches needed before the rule fires.
	minMatches int
}

// buildRules returns the built-in rule table. All patterns are
// case-insensitive.
func buildRules() []*signalRule {
	kw := func(name string, t task.TaskType, pattern string) *signalRule {
		return &signalRule{
			name:    name,
			regex:   regexp.MustCompile(`(?i)\b(?:` + pattern + `)\b`),
			source:  sourceText,
			weights: map[task.TaskType]float64{t: keywordWeight},
			keyword: true,
		}
	}
	return []*signalRule{
		// --- Keywords ---
		kw("feature_keywords", task.TypeFeature, `add|implement|create|support|introduce|allow|enable|new feature|new screen`),
		kw("bugfix_keywords", task.TypeBugFix, `fix|bug|crash(?:es|ing)?|broken|fails?|failing|regression|defect|exception|error`),
		kw("refactor_keywords", task.TypeRefactor, `refactor|clean ?up|restructure|extract|rename|simplify|decouple|reorganize|split up`),
		kw("design_keywords", task.TypeDesignImplementation, `design|mockups?|wireframes?|figma|sketch file|acceptance criteria`),
		kw("batch_keywords", task.TypeSprintBatch, `sprint|batch|epic|milestone`),
		kw("dependency_keywords", task.TypeDependencyUpdate, `bump|upgrade|dependency|dependencies|dependabot|renovate|update (?:the )?(?:package|library|sdk)`),
		kw("review_keywords", task.TypeReviewResponse, `review comments?|review feedback|address(?:ing)? (?:review|comments|feedback)|requested changes|reviewer`),
		kw("release_keywords", task.TypeRelease, `release|changelog|cut (?:a|the) release|ship version|version bump`),
		kw("diagnostic_keywords", task.TypeDiagnosticOnly, `investigate|diagnose|root cause|why does|triage|profile|analy[sz]e`),

		// --- Structural ---
		{
			name:    "design_link",
			regex:   regexp.MustCompile(`(?i)(?:figma\.com|zeplin\.io|invisionapp\.com|sketch\.cloud|\.fig\b|/designs?/)`),
			source:  sourceLinks,
			weights: map[task.TaskType]float64{task.TypeDesignImplementation: structuralWeight},
		},
		{
			name:       "subtask_list",
			regex:      regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)]|\[[A-Za-z0-9_-]{1,12}\]|[A-Za-z0-9_-]{1,12}:)\s+\S`),
			source:     sourceDescription,
			weights:    map[task.TaskType]float64{task.TypeSprintBatch: structuralWeight},
			minMatches: 2,
		},
		{
			name:    "pull_request_link",
			regex:   regexp.MustCompile(`(?i)(?:/pull/\d+|/merge_requests/\d+|\bPR\s*#\d+)`),
			source:  sourceText,
			weights: map[task.TaskType]float64{task.TypeReviewResponse: structuralWeight},
		},
		{
			name:    "issue_reference",
			regex:   regexp.MustCompile(`(?i)(?:/issues/\d+|(?:^|\s)#\d+\b)`),
			source:  sourceText,
			weights: map[task.TaskType]float64{task.TypeBugFix: issueWeight},
		},
		{
			name:   "version_token",
			regex:  regexp.MustCompile(`\bv?\d+\.\d+(?:\.\d+)?(?:-[0-9A-Za-z.]+)?\b`),
			source: sourceText,
			weights: map[task.TaskType]float64{
				task.TypeRelease:          versionWeight,
				task.TypeDependencyUpdate: versionWeight,
			},
		},
	}
}

// Classifier scores tasks against the rule table. Safe for concurrent use.
type Classifier struct {
	rules  []*signalRule
	margin float64
}

// New creates a classifier with the built-in rules and the given margin.
func New(margin float64) *Classifier {
	if margin < 0 {
		margin = 0
	}
	return &Classifier{rules: buildRules(), margin: margin}
}

// Margin returns the lead the top score needs over the runner-up.
func (c *Classifier) Margin() float64 { return c.margin }

// Classify assigns a TaskType. An explicit override short-circuits scoring.
// Returns *AmbiguousError when no type leads by more than the margin.
func (c *Classifier) Classify(t *task.Task) (Result, error) {
	if t.TypeOverride != nil {
		return Result{Type: *t.TypeOverride, Confidence: 1.0, Overridden: true}, nil
	}
	scores, signals := c.score(t.Text(), t.Description, t.Links)
	return c.decide(scores, signals, task.AllTypes())
}

// Scores returns the raw score of every type, for diagnostics.
func (c *Classifier) Scores(t *task.Task) map[task.TaskType]float64 {
	scores, _ := c.score(t.Text(), t.Description, t.Links)
	return scores
}

// Resolve interprets a one-line answer to the clarifying question. The
// answer may be a type name, a 1-based candidate number, or free text that
// is re-scored against the candidates only.
func (c *Classifier) Resolve(candidates []task.TaskType, answer string) (Result, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return Result{}, &AmbiguousError{Candidates: candidates}
	}

	if n, err := strconv.Atoi(answer); err == nil {
		if n < 1 || n > len(candidates) {
			return Result{}, fmt.Errorf("answer %d is not one of 1..%d", n, len(candidates))
		}
		return Result{Type: candidates[n-1], Confidence: 1.0, Overridden: true}, nil
	}

	if tt, err := task.ParseTaskType(answer); err == nil {
		return Result{Type: tt, Confidence: 1.0, Overridden: true}, nil
	}

	if len(candidates) == 0 {
		candidates = task.AllTypes()
	}
	scores, signals := c.score(answer, "", nil)
	return c.decide(scores, signals, candidates)
}

func (c *Classifier) score(text, description string, links []string) (map[task.TaskType]float64, []string) {
	text = truncate(text)
	description = truncate(description)
	joinedLinks := truncate(strings.Join(links, "\n"))

	scores := make(map[task.TaskType]float64, len(task.AllTypes()))
	for _, tt := range task.AllTypes() {
		scores[tt] = 0
	}

	var signals []string
	for _, rule := range c.rules {
		var input string
		switch rule.source {
		case sourceLinks:
			input = joinedLinks
		case sourceDescription:
			input = description
		default:
			input = text + "\n" + joinedLinks
		}

		hits := rule.hits(input)
		if hits == 0 {
			continue
		}
		signals = append(signals, rule.name)
		for tt, w := range rule.weights {
			scores[tt] += w * float64(hits)
		}
	}
	return scores, signals
}

func (r *signalRule) hits(input string) int {
	if input == "" {
		return 0
	}
	if !r.keyword {
		n := len(r.regex.FindAllStringIndex(input, -1))
		need := r.minMatches
		if need < 1 {
			need = 1
		}
		if n < need {
			return 0
		}
		return 1
	}
	distinct := make(map[string]bool)
	for _, m := range r.regex.FindAllString(input, -1) {
		distinct[strings.ToLower(m)] = true
		if len(distinct) == keywordCap {
			break
		}
	}
	return len(distinct)
}

type ranked struct {
	tt    task.TaskType
	score float64
}

func (c *Classifier) decide(scores map[task.TaskType]float64, signals []string, allowed []task.TaskType) (Result, error) {
	ranking := make([]ranked, 0, len(allowed))
	total := 0.0
	for _, tt := range allowed {
		ranking = append(ranking, ranked{tt, scores[tt]})
		total += scores[tt]
	}
	if len(ranking) == 0 {
		return Result{}, &AmbiguousError{Scores: scores}
	}
	sort.SliceStable(ranking, func(i, j int) bool {
		if ranking[i].score != ranking[j].score {
			return ranking[i].score > ranking[j].score
		}
		return ranking[i].tt.Index() < ranking[j].tt.Index()
	})

	top := ranking[0]
	runnerUp := 0.0
	if len(ranking) > 1 {
		runnerUp = ranking[1].score
	}

	if top.score > 0 && top.score-runnerUp > c.margin {
		return Result{
			Type:       top.tt,
			Confidence: top.score / total,
			Scores:     scores,
			Signals:    signals,
		}, nil
	}

	var candidates []task.TaskType
	for _, r := range ranking {
		if r.score >= top.score-c.margin {
			candidates = append(candidates, r.tt)
		}
	}
	return Result{}, &AmbiguousError{Candidates: candidates, Scores: scores}
}

func truncate(s string) string {
	if len(s) > maxInputLength {
		return s[:maxInputLength]
	}
	return s
}
