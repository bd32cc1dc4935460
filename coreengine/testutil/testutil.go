// Package testutil provides shared test utilities and mocks.
//
// All mocks in this package are designed for testing the coreengine components
// in isolation without requiring external dependencies.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/agents"
)

// =============================================================================
// MOCK AGENT
// =============================================================================

// MockAgent implements agents.Agent for testing. Results are scripted per
// stage and consumed in order; the last scripted result repeats. Stages
// without a script succeed.
type MockAgent struct {
	// Delay simulates agent latency. Cancellation of ctx is honoured.
	Delay time.Duration

	// ExecuteFunc, if set, replaces scripted behaviour.
	ExecuteFunc func(ctx context.Context, in agents.StageInput) (agents.StageResult, error)

	scripts map[string][]agents.StageResult
	errs    map[string]error
	calls   []agents.StageInput
	mu      sync.Mutex
}

// NewMockAgent creates a MockAgent that succeeds on every stage.
func NewMockAgent() *MockAgent {
	return &MockAgent{
		scripts: make(map[string][]agents.StageResult),
		errs:    make(map[string]error),
	}
}

// Script queues results for a stage.
func (m *MockAgent) Script(stage string, results ...agents.StageResult) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range results {
		if results[i].Stage == "" {
			results[i].Stage = stage
		}
	}
	m.scripts[stage] = append(m.scripts[stage], results...)
	return m
}

// FailWith makes every invocation of stage return err.
func (m *MockAgent) FailWith(stage string, err error) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[stage] = err
	return m
}

// WithDelay adds latency simulation.
func (m *MockAgent) WithDelay(d time.Duration) *MockAgent {
	m.Delay = d
	return m
}

// Execute implements agents.Agent.
func (m *MockAgent) Execute(ctx context.Context, in agents.StageInput) (agents.StageResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, in)
	custom := m.ExecuteFunc
	err := m.errs[in.Stage]
	var result agents.StageResult
	scripted := false
	if queue := m.scripts[in.Stage]; len(queue) > 0 {
		result, scripted = queue[0], true
		if len(queue) > 1 {
			m.scripts[in.Stage] = queue[1:]
		}
	}
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return agents.StageResult{}, ctx.Err()
		}
	}
	if custom != nil {
		return custom(ctx, in)
	}
	if err != nil {
		return agents.StageResult{}, err
	}
	if scripted {
		return result, nil
	}
	return agents.Success(in.Stage, map[string]any{"by": "mock"}), nil
}

// Calls returns every recorded input (thread-safe).
func (m *MockAgent) Calls() []agents.StageInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]agents.StageInput, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of invocations of a stage.
func (m *MockAgent) CallCount(stage string) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Stage == stage {
			n++
		}
	}
	return n
}

// StagesCalled returns the invoked stage names in call order.
func (m *MockAgent) StagesCalled() []string {
	calls := m.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Stage
	}
	return out
}

// InputsFor returns the inputs a stage was invoked with.
func (m *MockAgent) InputsFor(stage string) []agents.StageInput {
	var out []agents.StageInput
	for _, c := range m.Calls() {
		if c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger implements agents.Logger for testing.
type MockLogger struct {
	sink  *logSink
	bound map[string]any
}

type logSink struct {
	logs []LogEntry
	mu   sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{sink: &logSink{}}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

// Bind returns a logger that adds fields to every entry. Entries are
// captured by the same sink as the parent.
func (m *MockLogger) Bind(fields ...any) agents.Logger {
	bound := make(map[string]any, len(m.bound)+len(fields)/2)
	for k, v := range m.bound {
		bound[k] = v
	}
	addFields(bound, fields)
	return &MockLogger{sink: m.sink, bound: bound}
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	fields := make(map[string]any, len(m.bound)+len(keysAndValues)/2)
	for k, v := range m.bound {
		fields[k] = v
	}
	addFields(fields, keysAndValues)

	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()
	m.sink.logs = append(m.sink.logs, LogEntry{Level: level, Message: msg, Fields: fields})
}

func addFields(dst map[string]any, keysAndValues []any) {
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			dst[key] = keysAndValues[i+1]
		}
	}
}

// GetLogs returns captured logs (thread-safe).
func (m *MockLogger) GetLogs() []LogEntry {
	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()

	copied := make([]LogEntry, len(m.sink.logs))
	copy(copied, m.sink.logs)
	return copied
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	for _, entry := range m.GetLogs() {
		if entry.Level == level && entry.Message == message {
			return true
		}
	}
	return false
}

// Find returns the first entry with the given message.
func (m *MockLogger) Find(message string) (LogEntry, bool) {
	for _, entry := range m.GetLogs() {
		if entry.Message == message {
			return entry, true
		}
	}
	return LogEntry{}, false
}

// Clear removes all captured logs.
func (m *MockLogger) Clear() {
	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()
	m.sink.logs = nil
}

// =============================================================================
// RESULT HELPERS
// =============================================================================

// Failures returns n identical failures of kind for stage.
func Failures(stage string, kind agents.FailureKind, n int) []agents.StageResult {
	out := make([]agents.StageResult, n)
	for i := range out {
		out[i] = agents.Failure(stage, kind, fmt.Sprintf("%s failure %d", kind, i+1))
	}
	return out
}

// StageNames flattens plan groups for compact assertions.
func StageNames(groups [][]string) string {
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = "[" + strings.Join(g, " ") + "]"
	}
	return strings.Join(parts, " ")
}
