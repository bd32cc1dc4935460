package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/observability"
)

const (
	// DefaultHalfLife is the age at which an entry's score halves.
	DefaultHalfLife = 30 * 24 * time.Hour
	// DefaultLimit caps query results when Query.Limit is zero.
	DefaultLimit = 10
	// MaxLimit caps query results regardless of Query.Limit.
	MaxLimit = 200
)

const (
	titleWeight      = 2.0
	bodyWeight       = 1.0
	tagTermWeight    = 1.5
	requestTagWeight = 1.0
)

// Logger is the logging surface the store needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures a Store.
type Option func(*Store)

// WithHalfLife sets the recency decay half-life.
func WithHalfLife(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.halfLife = d
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(s *Store) { s.logger = l }
}

// partition is the live state of one category.
type partition struct {
	category Category

	// writeMu admits a single writer per category.
	writeMu sync.Mutex

	// mu guards the published prefix read by queries.
	mu       sync.RWMutex
	entries  []*Entry
	postings map[string][]uint64
	lastTS   time.Time
	dirty    bool
}

// Store is the knowledge store.
type Store struct {
	backend  Backend
	logger   Logger
	now      func() time.Time
	halfLife time.Duration

	partitions map[Category]*partition
	rebuilt    []Category
}

// Open loads every partition from the backend, verifies each index against
// its log and rebuilds any index that does not match.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend:    backend,
		now:        time.Now,
		halfLife:   DefaultHalfLife,
		partitions: make(map[Category]*partition, len(Categories())),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, c := range Categories() {
		p, err := s.load(ctx, c)
		if err != nil {
			return nil, err
		}
		s.partitions[c] = p
	}
	return s, nil
}

func (s *Store) load(ctx context.Context, c Category) (*partition, error) {
	entries, err := s.backend.LoadLog(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("load %s log: %w", c, err)
	}
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			return nil, fmt.Errorf("load %s log: entry %s has seq %d at position %d", c, e.ID, e.Seq, i+1)
		}
	}

	index, err := s.backend.LoadIndex(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("load %s index: %w", c, err)
	}

	p := &partition{category: c, entries: entries, postings: index.Postings}
	if n := len(entries); n > 0 {
		p.lastTS = entries[n-1].Timestamp
	}

	if cerr := index.consistentWith(c, entries); cerr != nil {
		s.warn("memory_index_inconsistent", "category", string(c), "error", cerr.Error())
		if err := s.rebuildLocked(ctx, p); err != nil {
			return nil, fmt.Errorf("rebuild %s index: %w", c, err)
		}
		s.rebuilt = append(s.rebuilt, c)
	}
	if p.postings == nil {
		p.postings = make(map[string][]uint64)
	}
	return p, nil
}

// RebuiltOnOpen lists the categories whose index was rebuilt by Open.
func (s *Store) RebuiltOnOpen() []Category {
	return append([]Category(nil), s.rebuilt...)
}

// Append adds an entry to its category's log, then indexes it. The entry's
// Timestamp and Seq are assigned here; the caller's values are ignored.
func (s *Store) Append(ctx context.Context, e *Entry) (*Entry, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	category, _ := ParseCategory(string(e.Category))
	p := s.partitions[category]

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	stored := e.clone()
	stored.Category = category
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}

	p.mu.RLock()
	stored.Seq = uint64(len(p.entries)) + 1
	ts := s.now().UTC()
	if !ts.After(p.lastTS) {
		ts = p.lastTS.Add(time.Nanosecond)
	}
	stored.Timestamp = ts
	dirty := p.dirty
	p.mu.RUnlock()

	if err := s.backend.AppendLog(ctx, stored); err != nil {
		return nil, fmt.Errorf("append %s log: %w", category, err)
	}

	terms := entryTerms(stored)
	if !dirty {
		if err := s.backend.AppendIndex(ctx, category, stored.Seq, terms); err != nil {
			s.warn("memory_index_append_failed", "category", string(category), "seq", stored.Seq, "error", err.Error())
			dirty = true
		}
	}

	p.mu.Lock()
	p.entries = append(p.entries, stored)
	for _, term := range terms {
		p.postings[term] = append(p.postings[term], stored.Seq)
	}
	p.lastTS = stored.Timestamp
	p.dirty = dirty
	p.mu.Unlock()

	if dirty {
		// The log write succeeded; repair the persisted index from it.
		if err := s.rebuildLocked(ctx, p); err != nil {
			s.warn("memory_index_rebuild_deferred", "category", string(category), "error", err.Error())
		}
	}

	observability.RecordMemoryAppend(string(category))
	s.debug("memory_appended", "category", string(category), "seq", stored.Seq, "id", stored.ID)
	return stored.clone(), nil
}

// RebuildIndex re-derives the index of the given categories (all when none
// are given) from their logs. Log data is never touched.
func (s *Store) RebuildIndex(ctx context.Context, categories ...Category) error {
	if len(categories) == 0 {
		categories = Categories()
	}
	for _, c := range categories {
		p, ok := s.partitions[c]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownCategory, c)
		}
		p.writeMu.Lock()
		err := s.rebuildLocked(ctx, p)
		p.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("rebuild %s index: %w", c, err)
		}
	}
	return nil
}

// VerifyIndex compares every persisted index partition with its log.
// The returned error wraps ErrMemoryIndexInconsistent for the first mismatch.
func (s *Store) VerifyIndex(ctx context.Context) error {
	for _, c := range Categories() {
		entries, err := s.backend.LoadLog(ctx, c)
		if err != nil {
			return err
		}
		index, err := s.backend.LoadIndex(ctx, c)
		if err != nil {
			return err
		}
		if err := index.consistentWith(c, entries); err != nil {
			return err
		}
	}
	return nil
}

// rebuildLocked requires p.writeMu held, or exclusive access during Open.
func (s *Store) rebuildLocked(ctx context.Context, p *partition) error {
	p.mu.RLock()
	part := buildPartition(p.entries)
	p.mu.RUnlock()

	if err := s.backend.ReplaceIndex(ctx, p.category, part); err != nil {
		return err
	}

	p.mu.Lock()
	p.postings = part.Postings
	p.dirty = false
	p.mu.Unlock()

	observability.RecordIndexRebuild(string(p.category))
	s.info("memory_index_rebuilt", "category", string(p.category), "entries", part.Entries)
	return nil
}

// Get returns the entry with the given id.
func (s *Store) Get(id string) (*Entry, bool) {
	for _, c := range Categories() {
		p := s.partitions[c]
		p.mu.RLock()
		for _, e := range p.entries {
			if e.ID == id {
				p.mu.RUnlock()
				return e.clone(), true
			}
		}
		p.mu.RUnlock()
	}
	return nil, false
}

// Count returns the number of entries in a category.
func (s *Store) Count(c Category) int {
	p, ok := s.partitions[c]
	if !ok {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Query returns entries ranked by relevance weighted with recency decay.
// Results are deterministic for identical queries against an unchanged store.
func (s *Store) Query(_ context.Context, q Query) ([]Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	categories := q.Categories
	if len(categories) == 0 {
		categories = Categories()
	}

	terms := tokenize(q.Text)
	var tags []string
	for _, t := range q.Tags {
		if t = normalizeTag(t); t != "" {
			tags = append(tags, t)
		}
	}

	var partitions []*partition
	seenCategory := make(map[Category]bool, len(categories))
	for _, c := range categories {
		c, err := ParseCategory(string(c))
		if err != nil {
			return nil, err
		}
		if seenCategory[c] {
			continue
		}
		seenCategory[c] = true
		partitions = append(partitions, s.partitions[c])
	}

	// Append may stamp entries ahead of the clock to keep timestamps
	// monotonic, so "now" is never earlier than the newest entry.
	asOf := q.AsOf
	if asOf.IsZero() {
		asOf = s.now()
		for _, p := range partitions {
			p.mu.RLock()
			if p.lastTS.After(asOf) {
				asOf = p.lastTS
			}
			p.mu.RUnlock()
		}
	}

	var results []Result
	for _, p := range partitions {
		results = append(results, s.scan(p, q, terms, tags, asOf)...)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return rankBefore(results[i], results[j])
	})
	if len(results) > limit {
		results = results[:limit]
	}

	observability.RecordMemoryQuery()
	return results, nil
}

func (s *Store) scan(p *partition, q Query, terms, tags []string, asOf time.Time) []Result {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var candidates []uint64
	switch {
	case len(terms) > 0:
		keys := make([]string, 0, 2*len(terms))
		for _, t := range terms {
			keys = append(keys, t, tagPrefix+t)
		}
		candidates = p.union(keys)
	case len(tags) > 0:
		tagTerms := make([]string, len(tags))
		for i, t := range tags {
			tagTerms[i] = tagPrefix + t
		}
		candidates = p.union(tagTerms)
	default:
		candidates = make([]uint64, len(p.entries))
		for i := range p.entries {
			candidates[i] = uint64(i + 1)
		}
	}

	var out []Result
	for _, seq := range candidates {
		e := p.entries[seq-1]
		if e.Timestamp.After(asOf) {
			continue
		}
		age := asOf.Sub(e.Timestamp)
		if q.RecencyWindow > 0 && age > q.RecencyWindow {
			continue
		}
		if q.Stage != "" && e.AuthorStage != q.Stage {
			continue
		}
		relevance, ok := relevanceOf(e, terms, tags)
		if !ok {
			continue
		}
		decay := math.Exp2(-float64(age) / float64(s.halfLife))
		out = append(out, Result{Entry: e.clone(), Relevance: relevance, Score: relevance * decay})
	}
	return out
}

// union merges the postings of terms into distinct ascending sequence numbers.
func (p *partition) union(terms []string) []uint64 {
	seen := make(map[uint64]bool)
	var out []uint64
	for _, term := range terms {
		for _, seq := range p.postings[term] {
			if seq == 0 || seq > uint64(len(p.entries)) || seen[seq] {
				continue
			}
			seen[seq] = true
			out = append(out, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// relevanceOf scores an entry. With query text, entries with no text hit
// are excluded; with tags, entries carrying none of them are excluded.
func relevanceOf(e *Entry, terms, tags []string) (float64, bool) {
	entryTags := make(map[string]bool, len(e.Tags))
	for _, t := range e.Tags {
		entryTags[normalizeTag(t)] = true
	}

	tagHits := 0
	for _, t := range tags {
		if entryTags[t] {
			tagHits++
		}
	}
	if len(tags) > 0 && tagHits == 0 {
		return 0, false
	}

	if len(terms) == 0 {
		return 1 + requestTagWeight*float64(tagHits), true
	}

	title := make(map[string]bool)
	for _, t := range tokenize(e.Title) {
		title[t] = true
	}
	body := make(map[string]bool)
	for _, t := range tokenize(e.Body) {
		body[t] = true
	}

	text := 0.0
	for _, term := range terms {
		if title[term] {
			text += titleWeight
		}
		if body[term] {
			text += bodyWeight
		}
		if entryTags[term] {
			text += tagTermWeight
		}
	}
	if text == 0 {
		return 0, false
	}
	return text + requestTagWeight*float64(tagHits), true
}

// rankBefore orders results: equally relevant entries strictly by recency,
// otherwise by decayed score, then by a stable identity tie-break.
func rankBefore(a, b Result) bool {
	if a.Relevance == b.Relevance {
		if !a.Entry.Timestamp.Equal(b.Entry.Timestamp) {
			return a.Entry.Timestamp.After(b.Entry.Timestamp)
		}
	} else if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Entry.Timestamp.Equal(b.Entry.Timestamp) {
		return a.Entry.Timestamp.After(b.Entry.Timestamp)
	}
	if a.Entry.Category != b.Entry.Category {
		return a.Entry.Category.order() < b.Entry.Category.order()
	}
	return a.Entry.Seq > b.Entry.Seq
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) debug(msg string, kv ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, kv...)
	}
}

func (s *Store) info(msg string, kv ...any) {
	if s.logger != nil {
		s.logger.Info(msg, kv...)
	}
}

func (s *Store) warn(msg string, kv ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, kv...)
	}
}
