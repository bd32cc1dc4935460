// Package kernel holds the engine's low-level runtime services: the run
// status lifecycle, per-run invocation budgets, panic recovery around stage
// and bus work, the human gate service that blocks runs on review and
// clarification decisions, and background cleanup.
package kernel

import (
	"fmt"
	"runtime/debug"
)

// Logger is the minimal logging surface the kernel needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// PanicError is returned when a guarded function panics.
type PanicError struct {
	Operation string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

func recovered(logger Logger, event, operation string, r any) *PanicError {
	perr := &PanicError{Operation: operation, Value: r, Stack: string(debug.Stack())}
	if logger != nil {
		logger.Error(event,
			"operation", operation,
			"panic", r,
			"stack", perr.Stack,
		)
	}
	return perr
}

// SafeExecute runs fn and converts a panic into a *PanicError.
func SafeExecute(logger Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(logger, "panic_recovered", operation, r)
		}
	}()
	return fn()
}

// SafeExecuteWithResult is SafeExecute for functions that also return a value.
// On panic the zero value is returned with the *PanicError.
func SafeExecuteWithResult[T any](logger Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			result = zero
			err = recovered(logger, "panic_recovered", operation, r)
		}
	}()
	return fn()
}

// SafeGo runs fn on a new goroutine. A panic is logged and handed to
// onPanic instead of crashing the process.
func SafeGo(logger Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				perr := recovered(logger, "goroutine_panic_recovered", operation, r)
				if onPanic != nil {
					onPanic(perr.Value)
				}
			}
		}()
		fn()
	}()
}
