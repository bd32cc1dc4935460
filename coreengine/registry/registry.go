// Package registry holds the Context Registry: six mutable key→record
// catalogs of project facts that stages read and incrementally update.
//
// Records are added or replaced by key; a catalog is never replaced
// wholesale. Updates are linearised per key, so two stages writing
// different keys never wait on each other.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/observability"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/typeutil"
)

// Errors for registry operations.
var (
	ErrUnknownKind   = errors.New("unknown registry kind")
	ErrInvalidKey    = errors.New("invalid registry key")
	ErrRecordMissing = errors.New("registry record not found")
)

// keyPattern allows module paths, package coordinates and dotted names.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9@][A-Za-z0-9._:/@+-]*$`)

// Kind names one catalog.
type Kind string

const (
	KindCapabilities Kind = "capabilities"
	KindComponents   Kind = "components"
	KindDependencies Kind = "dependencies"
	KindModules      Kind = "modules"
	KindConventions  Kind = "conventions"
	KindEntities     Kind = "entities"
)

// Kinds returns every catalog kind.
func Kinds() []Kind {
	return []Kind{KindCapabilities, KindComponents, KindDependencies, KindModules, KindConventions, KindEntities}
}

// ParseKind parses a kind name. Singular forms are accepted.
func ParseKind(s string) (Kind, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	for _, kind := range Kinds() {
		if k == string(kind) || k+"s" == string(kind) || k == strings.TrimSuffix(string(kind), "ies")+"y" {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// ValidateKey checks a record key.
func ValidateKey(key string) error {
	if key == "" || len(key) > 255 || !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Record is one registry entry.
type Record struct {
	Kind      Kind           `json:"kind"`
	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
	Version   int            `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (r Record) clone() Record {
	r.Value = typeutil.CloneMap(r.Value)
	return r
}

// Logger is the logging surface the registry needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type catalog struct {
	mu      sync.RWMutex
	records map[string]Record
}

// Registry is the Context Registry.
type Registry struct {
	backend  Backend
	logger   Logger
	now      func() time.Time
	catalogs map[Kind]*catalog

	// keyLocks holds one *sync.Mutex per kind/key.
	keyLocks sync.Map
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Open loads every catalog from the backend.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Registry, error) {
	r := &Registry{
		backend:  backend,
		now:      time.Now,
		catalogs: make(map[Kind]*catalog, len(Kinds())),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, k := range Kinds() {
		r.catalogs[k] = &catalog{records: make(map[string]Record)}
	}

	records, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	for _, rec := range records {
		c, ok := r.catalogs[rec.Kind]
		if !ok {
			if r.logger != nil {
				r.logger.Warn("registry_record_skipped", "kind", string(rec.Kind), "key", rec.Key)
			}
			continue
		}
		c.records[rec.Key] = rec
	}
	return r, nil
}

func (r *Registry) lockFor(kind Kind, key string) *sync.Mutex {
	m, _ := r.keyLocks.LoadOrStore(string(kind)+"/"+key, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Merge adds or replaces the record stored under key. Last writer wins.
func (r *Registry) Merge(ctx context.Context, kind, key string, value map[string]any) error {
	k, err := ParseKind(kind)
	if err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}

	lock := r.lockFor(k, key)
	lock.Lock()
	defer lock.Unlock()

	c := r.catalogs[k]
	c.mu.RLock()
	prev, existed := c.records[key]
	c.mu.RUnlock()

	rec := Record{
		Kind:      k,
		Key:       key,
		Value:     typeutil.CloneMap(value),
		Version:   prev.Version + 1,
		UpdatedAt: r.now().UTC(),
	}
	if err := r.backend.Put(ctx, rec); err != nil {
		return fmt.Errorf("persist %s/%s: %w", k, key, err)
	}

	c.mu.Lock()
	c.records[key] = rec
	c.mu.Unlock()

	observability.RecordRegistryMerge(string(k))
	if r.logger != nil {
		r.logger.Debug("registry_merged", "kind", string(k), "key", key, "version", rec.Version, "replaced", existed)
	}
	return nil
}

// Get returns the record stored under key.
func (r *Registry) Get(kind Kind, key string) (Record, error) {
	c, ok := r.catalogs[kind]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[key]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrRecordMissing, kind, key)
	}
	return rec.clone(), nil
}

// Prefix returns the records whose key starts with prefix, sorted by key.
func (r *Registry) Prefix(kind Kind, prefix string) ([]Record, error) {
	c, ok := r.catalogs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	c.mu.RLock()
	out := make([]Record, 0)
	for key, rec := range c.records {
		if strings.HasPrefix(key, prefix) {
			out = append(out, rec.clone())
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Len returns the number of records of a kind.
func (r *Registry) Len(kind Kind) int {
	c, ok := r.catalogs[kind]
	if !ok {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Snapshot copies every catalog into the shape stages receive.
func (r *Registry) Snapshot() map[string]map[string]map[string]any {
	out := make(map[string]map[string]map[string]any, len(r.catalogs))
	for _, k := range Kinds() {
		c := r.catalogs[k]
		c.mu.RLock()
		if len(c.records) > 0 {
			m := make(map[string]map[string]any, len(c.records))
			for key, rec := range c.records {
				m[key] = typeutil.CloneMap(rec.Value)
			}
			out[string(k)] = m
		}
		c.mu.RUnlock()
	}
	return out
}

// Close releases the backend.
func (r *Registry) Close() error {
	return r.backend.Close()
}
