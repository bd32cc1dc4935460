package memory

import (
	"context"
	"fmt"
	"sync"
)

// Backend persists the log and index partitions. The log is the source of
// truth; every index partition can be rebuilt from it.
type Backend interface {
	AppendLog(ctx context.Context, e *Entry) error
	LoadLog(ctx context.Context, c Category) ([]*Entry, error)

	AppendIndex(ctx context.Context, c Category, seq uint64, terms []string) error
	LoadIndex(ctx context.Context, c Category) (IndexPartition, error)
	ReplaceIndex(ctx context.Context, c Category, part IndexPartition) error

	Close() error
}

// MemoryBackend keeps partitions in process memory.
type MemoryBackend struct {
	logs    map[Category][]*Entry
	indexes map[Category]IndexPartition
	mu      sync.Mutex
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		logs:    make(map[Category][]*Entry),
		indexes: make(map[Category]IndexPartition),
	}
}

func (b *MemoryBackend) AppendLog(_ context.Context, e *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.logs[e.Category]
	if n := len(log); n > 0 && log[n-1].Seq >= e.Seq {
		return fmt.Errorf("append %s seq %d after seq %d", e.Category, e.Seq, log[n-1].Seq)
	}
	b.logs[e.Category] = append(log, e.clone())
	return nil
}

func (b *MemoryBackend) LoadLog(_ context.Context, c Category) ([]*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Entry, 0, len(b.logs[c]))
	for _, e := range b.logs[c] {
		out = append(out, e.clone())
	}
	return out, nil
}

func (b *MemoryBackend) AppendIndex(_ context.Context, c Category, seq uint64, terms []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	part := b.indexes[c]
	if part.Postings == nil {
		part.Postings = make(map[string][]uint64)
	}
	for _, term := range terms {
		part.Postings[term] = append(part.Postings[term], seq)
	}
	part.Entries++
	part.LastSeq = seq
	b.indexes[c] = part
	return nil
}

func (b *MemoryBackend) LoadIndex(_ context.Context, c Category) (IndexPartition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyPartition(b.indexes[c]), nil
}

func (b *MemoryBackend) ReplaceIndex(_ context.Context, c Category, part IndexPartition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.indexes[c] = copyPartition(part)
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func copyPartition(p IndexPartition) IndexPartition {
	out := IndexPartition{
		Postings: make(map[string][]uint64, len(p.Postings)),
		Entries:  p.Entries,
		LastSeq:  p.LastSeq,
	}
	for term, seqs := range p.Postings {
		out.Postings[term] = append([]uint64(nil), seqs...)
	}
	return out
}
