package kernel

import (
	"time"
)

// CleanupConfig holds configurable cleanup parameters.
type CleanupConfig struct {
	// Interval is how often to run cleanup (default: 5 minutes).
	Interval time.Duration
	// RunRetention is how long terminal runs stay queryable (default: 24 hours).
	RunRetention time.Duration
	// GateRetention is how long resolved gates are kept (default: 1 hour).
	GateRetention time.Duration
}

// DefaultCleanupConfig returns default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:      5 * time.Minute,
		RunRetention:  24 * time.Hour,
		GateRetention: 1 * time.Hour,
	}
}

// RunReaper drops terminal runs older than retention and returns how many.
type RunReaper func(retention time.Duration) int

// StartCleanupLoop starts a background goroutine that periodically drops
// resolved gates and, through reap, terminal runs. Escalated runs are never
// reaped. Returns a stop function that waits for the loop to exit.
func StartCleanupLoop(cfg CleanupConfig, gates *GateService, reap RunReaper, logger Logger) func() {
	if cfg.Interval == 0 {
		cfg = DefaultCleanupConfig()
	}

	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		for {
			select {
			case <-ticker.C:
				RunCleanupCycle(cfg, gates, reap, logger)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}

// RunCleanupCycle performs a single cleanup cycle with panic recovery.
func RunCleanupCycle(cfg CleanupConfig, gates *GateService, reap RunReaper, logger Logger) {
	_ = SafeExecute(logger, "cleanup_cycle", func() error {
		gateCount := 0
		if gates != nil {
			gateCount = gates.CleanupResolved(cfg.GateRetention)
		}
		runCount := 0
		if reap != nil {
			runCount = reap(cfg.RunRetention)
		}
		if logger != nil {
			logger.Debug("cleanup_cycle_completed",
				"runs_cleaned", runCount,
				"gates_cleaned", gateCount,
			)
		}
		return nil
	})
}
