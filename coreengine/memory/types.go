// Package memory implements the knowledge store: an append-only,
// category-partitioned log of entries with a rebuildable keyword/tag index
// and recency-weighted retrieval.
//
// Entries are never edited or deleted. A correction is a new entry that
// names the superseded one in Related.
package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common errors for knowledge store operations.
var (
	ErrInvalidEntry            = errors.New("invalid memory entry")
	ErrEmptyTitle              = errors.New("memory title cannot be empty")
	ErrUnknownCategory         = errors.New("unknown memory category")
	ErrMemoryIndexInconsistent = errors.New("memory index inconsistent with log")
	ErrStoreClosed             = errors.New("memory store closed")
)

// Category partitions the log.
type Category string

const (
	CategoryDecision Category = "decision"
	CategoryLearning Category = "learning"
	CategoryMistake  Category = "mistake"
	CategoryPattern  Category = "pattern"
)

// Categories returns every category in canonical order.
func Categories() []Category {
	return []Category{CategoryDecision, CategoryLearning, CategoryMistake, CategoryPattern}
}

func (c Category) order() int {
	for i, cat := range Categories() {
		if cat == c {
			return i
		}
	}
	return len(Categories())
}

// ParseCategory parses a category name, case-insensitively.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CategoryDecision, CategoryLearning, CategoryMistake, CategoryPattern:
		return c, nil
	case "decisions", "learnings", "mistakes", "patterns":
		return Category(strings.TrimSuffix(string(c), "s")), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// Entry is an immutable knowledge record.
type Entry struct {
	// ID is the unique entry identifier (UUID).
	ID string `json:"id"`

	// Seq is the 1-based position within the category log.
	Seq uint64 `json:"seq"`

	// Timestamp is assigned at append time and strictly increases within a category.
	Timestamp time.Time `json:"timestamp"`

	Category    Category `json:"category"`
	AuthorStage string   `json:"author_stage,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Title       string   `json:"title"`
	Body        string   `json:"body,omitempty"`

	// Related lists ids of entries this one refers to or supersedes.
	Related []string `json:"related,omitempty"`
}

// NewEntry builds an entry with a fresh id. Timestamp and Seq are set by
// the store on append.
func NewEntry(category Category, authorStage, title, body string, tags ...string) *Entry {
	return &Entry{
		ID:          uuid.New().String(),
		Category:    category,
		AuthorStage: authorStage,
		Title:       title,
		Body:        body,
		Tags:        tags,
	}
}

// Validate checks the fields a caller controls.
func (e *Entry) Validate() error {
	if e == nil {
		return ErrInvalidEntry
	}
	if strings.TrimSpace(e.Title) == "" {
		return ErrEmptyTitle
	}
	if _, err := ParseCategory(string(e.Category)); err != nil {
		return err
	}
	return nil
}

// clone returns a deep copy so callers cannot mutate stored entries.
func (e *Entry) clone() *Entry {
	c := *e
	c.Tags = append([]string(nil), e.Tags...)
	c.Related = append([]string(nil), e.Related...)
	return &c
}

// Query selects and ranks entries. Zero values mean "no filter".
type Query struct {
	Text       string
	Categories []Category
	Tags       []string
	Stage      string

	// RecencyWindow excludes entries older than AsOf minus the window.
	RecencyWindow time.Duration

	// Limit caps the result count; zero uses the store default.
	Limit int

	// AsOf is the query's invocation time; zero means now. Entries appended
	// after AsOf are never returned.
	AsOf time.Time
}

// Result is a ranked query hit.
type Result struct {
	Entry     *Entry  `json:"entry"`
	Relevance float64 `json:"relevance"`
	Score     float64 `json:"score"`
}

// IndexInconsistentError reports a partition whose index does not match its log.
type IndexInconsistentError struct {
	Category     Category
	LogEntries   int
	IndexEntries int
	LogLastSeq   uint64
	IndexLastSeq uint64
}

func (e *IndexInconsistentError) Error() string {
	return fmt.Sprintf("memory index for %s inconsistent: log has %d entries (last seq %d), index has %d (last seq %d)",
		e.Category, e.LogEntries, e.LogLastSeq, e.IndexEntries, e.IndexLastSeq)
}

func (e *IndexInconsistentError) Unwrap() error {
	return ErrMemoryIndexInconsistent
}
