package config

import (
	"fmt"
	"time"
)

// CoreConfig holds engine limits - NO infrastructure addresses.
//
// This configuration governs orchestration only:
//   - Concurrency bounds
//   - Invocation budgets
//   - Caller-imposed stage timeouts
//   - Classifier tuning
//
// Server addresses and storage paths live in ProjectConfig. CoreConfig is
// resolved once per engine and passed down by value; there is no global.
type CoreConfig struct {
	// Execution Limits
	MaxStageInvocations int `koanf:"max_stage_invocations" json:"max_stage_invocations"` // Per run, across retries
	MaxParallelTasks    int `koanf:"max_parallel_tasks" json:"max_parallel_tasks"`       // Per wave
	MaxParallelStages   int `koanf:"max_parallel_stages" json:"max_parallel_stages"`     // Per group

	// StageTimeout bounds each agent invocation. Zero means no timeout;
	// expiry is reported as Failure(Timeout).
	StageTimeout time.Duration `koanf:"stage_timeout" json:"stage_timeout"`

	// ClassifierMargin is how far the top score must lead the runner-up.
	ClassifierMargin float64 `koanf:"classifier_margin" json:"classifier_margin"`

	// Agent rate limit. Zero rate means unlimited.
	AgentRatePerSec float64 `koanf:"agent_rate_per_sec" json:"agent_rate_per_sec"`
	AgentBurst      int     `koanf:"agent_burst" json:"agent_burst"`
}

// DefaultCoreConfig returns a CoreConfig with default values.
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		MaxStageInvocations: 64,
		MaxParallelTasks:    4,
		MaxParallelStages:   4,
		StageTimeout:        0,
		ClassifierMargin:    1.0,
		AgentRatePerSec:     0,
		AgentBurst:          1,
	}
}

// applyDefaults fills zero-valued limits.
func (c *CoreConfig) applyDefaults() {
	d := DefaultCoreConfig()
	if c.MaxStageInvocations == 0 {
		c.MaxStageInvocations = d.MaxStageInvocations
	}
	if c.MaxParallelTasks == 0 {
		c.MaxParallelTasks = d.MaxParallelTasks
	}
	if c.MaxParallelStages == 0 {
		c.MaxParallelStages = d.MaxParallelStages
	}
	if c.ClassifierMargin == 0 {
		c.ClassifierMargin = d.ClassifierMargin
	}
	if c.AgentBurst == 0 {
		c.AgentBurst = d.AgentBurst
	}
}

// Validate checks the limits.
func (c CoreConfig) Validate() error {
	switch {
	case c.MaxStageInvocations < 1:
		return fmt.Errorf("engine.max_stage_invocations must be >= 1, got %d", c.MaxStageInvocations)
	case c.MaxParallelTasks < 1:
		return fmt.Errorf("engine.max_parallel_tasks must be >= 1, got %d", c.MaxParallelTasks)
	case c.MaxParallelStages < 1:
		return fmt.Errorf("engine.max_parallel_stages must be >= 1, got %d", c.MaxParallelStages)
	case c.StageTimeout < 0:
		return fmt.Errorf("engine.stage_timeout must not be negative, got %s", c.StageTimeout)
	case c.ClassifierMargin < 0:
		return fmt.Errorf("engine.classifier_margin must not be negative, got %v", c.ClassifierMargin)
	case c.AgentRatePerSec < 0:
		return fmt.Errorf("engine.agent_rate_per_sec must not be negative, got %v", c.AgentRatePerSec)
	}
	return nil
}

// ToMap converts the config to a map for status endpoints.
func (c CoreConfig) ToMap() map[string]any {
	return map[string]any{
		"max_stage_invocations": c.MaxStageInvocations,
		"max_parallel_tasks":    c.MaxParallelTasks,
		"max_parallel_stages":   c.MaxParallelStages,
		"stage_timeout":         c.StageTimeout.String(),
		"classifier_margin":     c.ClassifierMargin,
		"agent_rate_per_sec":    c.AgentRatePerSec,
		"agent_burst":           c.AgentBurst,
	}
}
