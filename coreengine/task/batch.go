package task

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrBatchNotFound is returned by LoadBatchFile when the file does not exist.
var ErrBatchNotFound = errors.New("batch file not found")

// ParseError is returned when a batch file exists but cannot be unmarshalled.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// BatchFile is the on-disk form of a sprint batch.
type BatchFile struct {
	Title string   `yaml:"title,omitempty"`
	Tasks []Intake `yaml:"tasks"`
}

// LoadBatchFile reads a YAML batch file into intakes.
// Returns ErrBatchNotFound if the file is absent, or *ParseError on malformed YAML.
func LoadBatchFile(path string) (*BatchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}

	var batch BatchFile
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if len(batch.Tasks) == 0 {
		return nil, &ParseError{Path: path, Err: errors.New("no tasks declared")}
	}
	return &batch, nil
}

var (
	listItemPattern = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(.+)$`)
	bracketLabel    = regexp.MustCompile(`^\[([A-Za-z0-9_-]{1,12})\]\s*(.+)$`)
	colonLabel      = regexp.MustCompile(`^([A-Za-z0-9_-]{1,12}):\s+(.+)$`)
	dependsPhrase   = regexp.MustCompile(`(?i)\b(?:depends on|needs|requires|after|blocked by|builds on)\s+([^.;)]+)`)
	labelSplit      = regexp.MustCompile(`\s*(?:,|\band\b|&)\s*`)
)

// SplitBatch derives batch members from the list items of a SprintBatch
// task description. Items may carry a label ("[A] ..." or "A: ..."); items
// without one are labelled by position. Dependencies are inferred from
// phrases such as "needs A" or "after task B" that name another label.
func SplitBatch(parent *Task) ([]Intake, error) {
	type item struct {
		label string
		text  string
	}

	var items []item
	for _, line := range strings.Split(parent.Description, "\n") {
		m := listItemPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		body := strings.TrimSpace(m[1])
		label := strconv.Itoa(len(items) + 1)
		if lm := bracketLabel.FindStringSubmatch(body); lm != nil {
			label, body = lm[1], lm[2]
		} else if lm := colonLabel.FindStringSubmatch(body); lm != nil {
			label, body = lm[1], lm[2]
		}
		items = append(items, item{label: label, text: body})
	}

	if len(items) < 2 {
		return nil, fmt.Errorf("sprint batch %q lists %d sub-tasks, need at least 2", parent.Title, len(items))
	}

	labels := make(map[string]string, len(items))
	for _, it := range items {
		key := strings.ToLower(it.label)
		if _, dup := labels[key]; dup {
			return nil, fmt.Errorf("sprint batch %q: duplicate sub-task label %q", parent.Title, it.label)
		}
		labels[key] = parent.ID + "/" + it.label
	}

	intakes := make([]Intake, 0, len(items))
	for _, it := range items {
		id := labels[strings.ToLower(it.label)]
		in := Intake{
			ID:    id,
			Title: stripDependencyPhrases(it.text),
			Links: parent.Links,
		}
		for _, ref := range inferDependencies(it.text) {
			if depID, ok := labels[strings.ToLower(ref)]; ok && depID != id {
				in.DependsOn = append(in.DependsOn, depID)
			}
		}
		intakes = append(intakes, in)
	}
	return intakes, nil
}

func inferDependencies(text string) []string {
	var refs []string
	for _, m := range dependsPhrase.FindAllStringSubmatch(text, -1) {
		for _, part := range labelSplit.Split(m[1], -1) {
			fields := strings.Fields(part)
			if len(fields) == 0 {
				continue
			}
			ref := fields[len(fields)-1]
			if len(fields) >= 2 && strings.EqualFold(fields[0], "task") {
				ref = fields[1]
			}
			refs = append(refs, strings.Trim(ref, "[]()'\""))
		}
	}
	return refs
}

func stripDependencyPhrases(text string) string {
	cleaned := dependsPhrase.ReplaceAllString(text, "")
	cleaned = strings.NewReplacer("()", "", "( )", "").Replace(cleaned)
	cleaned = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(cleaned), "(,;"))
	if cleaned == "" {
		return strings.TrimSpace(text)
	}
	return cleaned
}
