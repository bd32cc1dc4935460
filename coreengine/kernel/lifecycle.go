package kernel

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid run status transition")

// Transition is one recorded status change.
type Transition struct {
	From   RunStatus `json:"from"`
	To     RunStatus `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Lifecycle tracks the status of one run and the history of its
// transitions. Safe for concurrent use.
type Lifecycle struct {
	status    RunStatus
	reason    string
	history   []Transition
	createdAt time.Time
	updatedAt time.Time
	now       func() time.Time

	mu sync.RWMutex
}

// NewLifecycle creates a lifecycle in RunStatusPending. A nil clock uses
// time.Now in UTC.
func NewLifecycle(now func() time.Time) *Lifecycle {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	t := now()
	return &Lifecycle{
		status:    RunStatusPending,
		createdAt: t,
		updatedAt: t,
		now:       now,
	}
}

// Transition moves to status `to`. Moving to the current status is a
// no-op that only refreshes the reason.
func (l *Lifecycle) Transition(to RunStatus, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status == to {
		l.reason = reason
		return nil
	}
	if !IsValidTransition(l.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.status, to)
	}

	at := l.now()
	l.history = append(l.history, Transition{From: l.status, To: to, Reason: reason, At: at})
	l.status = to
	l.reason = reason
	l.updatedAt = at
	return nil
}

// Status returns the current status.
func (l *Lifecycle) Status() RunStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Reason returns the reason given with the last transition.
func (l *Lifecycle) Reason() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reason
}

// History returns every transition in order.
func (l *Lifecycle) History() []Transition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Transition(nil), l.history...)
}

// CreatedAt returns when the lifecycle started.
func (l *Lifecycle) CreatedAt() time.Time { return l.createdAt }

// UpdatedAt returns the time of the last transition.
func (l *Lifecycle) UpdatedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.updatedAt
}

// TerminatedBefore reports whether the run reached a terminal status
// before cutoff.
func (l *Lifecycle) TerminatedBefore(cutoff time.Time) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status.IsTerminal() && l.updatedAt.Before(cutoff)
}
