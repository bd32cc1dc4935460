package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/storage"
)

const sqliteSchema = `
-- Append-only log, one partition per category
CREATE TABLE IF NOT EXISTS memory_log (
	category TEXT NOT NULL,
	seq INTEGER NOT NULL,
	id TEXT NOT NULL UNIQUE,
	ts INTEGER NOT NULL,
	author_stage TEXT NOT NULL DEFAULT '',
	tags_json TEXT NOT NULL DEFAULT '[]',
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	related_json TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (category, seq)
);

-- Derived index, rebuildable from memory_log
CREATE TABLE IF NOT EXISTS memory_index (
	category TEXT NOT NULL,
	term TEXT NOT NULL,
	seq INTEGER NOT NULL,
	PRIMARY KEY (category, term, seq)
);

CREATE TABLE IF NOT EXISTS memory_index_meta (
	category TEXT PRIMARY KEY,
	entries INTEGER NOT NULL,
	last_seq INTEGER NOT NULL
);
`

// SQLiteBackend persists partitions in SQLite tables.
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

func (b *SQLiteBackend) AppendLog(ctx context.Context, e *Entry) error {
	tags, err := json.Marshal(nonNil(e.Tags))
	if err != nil {
		return err
	}
	related, err := json.Marshal(nonNil(e.Related))
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO memory_log (category, seq, id, ts, author_stage, tags_json, title, body, related_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Category), int64(e.Seq), e.ID, e.Timestamp.UnixNano(),
		e.AuthorStage, string(tags), e.Title, e.Body, string(related),
	)
	if err != nil {
		return fmt.Errorf("insert memory_log: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) LoadLog(ctx context.Context, c Category) ([]*Entry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT seq, id, ts, author_stage, tags_json, title, body, related_json
		FROM memory_log WHERE category = ? ORDER BY seq`, string(c))
	if err != nil {
		return nil, fmt.Errorf("query memory_log: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			seq, ts       int64
			tags, related string
			e             = &Entry{Category: c}
		)
		if err := rows.Scan(&seq, &e.ID, &ts, &e.AuthorStage, &tags, &e.Title, &e.Body, &related); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(related), &e.Related); err != nil {
			return nil, fmt.Errorf("decode related of %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) AppendIndex(ctx context.Context, c Category, seq uint64, terms []string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, term := range terms {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO memory_index (category, term, seq) VALUES (?, ?, ?)`,
			string(c), term, int64(seq)); err != nil {
			return fmt.Errorf("insert memory_index: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_index_meta (category, entries, last_seq) VALUES (?, 1, ?)
		ON CONFLICT(category) DO UPDATE SET entries = entries + 1, last_seq = excluded.last_seq`,
		string(c), int64(seq)); err != nil {
		return fmt.Errorf("update memory_index_meta: %w", err)
	}
	return tx.Commit()
}

func (b *SQLiteBackend) LoadIndex(ctx context.Context, c Category) (IndexPartition, error) {
	part := IndexPartition{Postings: make(map[string][]uint64)}

	var entries, lastSeq int64
	err := b.db.QueryRowContext(ctx,
		`SELECT entries, last_seq FROM memory_index_meta WHERE category = ?`, string(c)).
		Scan(&entries, &lastSeq)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return part, fmt.Errorf("query memory_index_meta: %w", err)
	default:
		part.Entries = int(entries)
		part.LastSeq = uint64(lastSeq)
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT term, seq FROM memory_index WHERE category = ? ORDER BY term, seq`, string(c))
	if err != nil {
		return part, fmt.Errorf("query memory_index: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var term string
		var seq int64
		if err := rows.Scan(&term, &seq); err != nil {
			return part, err
		}
		part.Postings[term] = append(part.Postings[term], uint64(seq))
	}
	return part, rows.Err()
}

func (b *SQLiteBackend) ReplaceIndex(ctx context.Context, c Category, part IndexPartition) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_index WHERE category = ?`, string(c)); err != nil {
		return fmt.Errorf("clear memory_index: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO memory_index (category, term, seq) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for term, seqs := range part.Postings {
		for _, seq := range seqs {
			if _, err := stmt.ExecContext(ctx, string(c), term, int64(seq)); err != nil {
				return fmt.Errorf("insert memory_index: %w", err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_index_meta (category, entries, last_seq) VALUES (?, ?, ?)
		ON CONFLICT(category) DO UPDATE SET entries = excluded.entries, last_seq = excluded.last_seq`,
		string(c), part.Entries, int64(part.LastSeq)); err != nil {
		return fmt.Errorf("update memory_index_meta: %w", err)
	}
	return tx.Commit()
}

// Close closes the database if this backend opened it.
func (b *SQLiteBackend) Close() error {
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
