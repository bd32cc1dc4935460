package kernel

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBudgetExhausted is returned when a run has used its invocation budget.
var ErrBudgetExhausted = errors.New("stage invocation budget exhausted")

// Budget bounds how many stage invocations a run may make. A limit of zero
// means unlimited. Safe for concurrent use.
type Budget struct {
	limit int
	used  int

	mu sync.Mutex
}

// NewBudget creates a budget of limit invocations.
func NewBudget(limit int) *Budget {
	if limit < 0 {
		limit = 0
	}
	return &Budget{limit: limit}
}

// Consume takes one invocation from the budget.
func (b *Budget) Consume() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit > 0 && b.used >= b.limit {
		return fmt.Errorf("%w: %d of %d used", ErrBudgetExhausted, b.used, b.limit)
	}
	b.used++
	return nil
}

// Used returns the invocations consumed so far.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Remaining returns the invocations left, or -1 when unlimited.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit == 0 {
		return -1
	}
	return b.limit - b.used
}

// Limit returns the configured limit.
func (b *Budget) Limit() int { return b.limit }

// Reset restores the full budget, for example when a human resumes a run.
func (b *Budget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used = 0
}
