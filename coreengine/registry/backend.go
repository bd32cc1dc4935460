package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/storage"
)

// Backend persists registry records.
type Backend interface {
	Load(ctx context.Context) ([]Record, error)
	Put(ctx context.Context, rec Record) error
	Close() error
}

// MemoryBackend keeps records in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]Record)}
}

func (b *MemoryBackend) Load(_ context.Context) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, 0, len(b.records))
	for _, rec := range b.records {
		out = append(out, rec.clone())
	}
	return out, nil
}

func (b *MemoryBackend) Put(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[string(rec.Kind)+"/"+rec.Key] = rec.clone()
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS registry_records (
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	value_json TEXT NOT NULL,
	version INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (kind, key)
);
`

// SQLiteBackend stores one row per kind/key.
type SQLiteBackend struct {
	db     *sql.DB
	ownsDB bool
}

// OpenSQLiteBackend opens the database at path and prepares the schema.
func OpenSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	b, err := NewSQLiteBackend(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	b.ownsDB = true
	return b, nil
}

// NewSQLiteBackend prepares the schema on an existing handle. The caller
// keeps ownership of db.
func NewSQLiteBackend(ctx context.Context, db *sql.DB) (*SQLiteBackend, error) {
	if err := storage.InitSchema(ctx, db, sqliteSchema); err != nil {
		return nil, err
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT kind, key, value_json, version, updated_at FROM registry_records ORDER BY kind, key`)
	if err != nil {
		return nil, fmt.Errorf("query registry_records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			kind, raw string
			updated   int64
		)
		if err := rows.Scan(&kind, &rec.Key, &raw, &rec.Version, &updated); err != nil {
			return nil, err
		}
		rec.Kind = Kind(kind)
		rec.UpdatedAt = time.Unix(0, updated).UTC()
		if err := json.Unmarshal([]byte(raw), &rec.Value); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", kind, rec.Key, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Put(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec.Value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", rec.Kind, rec.Key, err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO registry_records (kind, key, value_json, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, key) DO UPDATE SET
			value_json = excluded.value_json,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		string(rec.Kind), rec.Key, string(raw), rec.Version, rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert registry_records: %w", err)
	}
	return nil
}

// Close closes the database if this backend opened it.
func (b *SQLiteBackend) Close() error {
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}
