package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/agents"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/config"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/engine"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/logging"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/memory"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/observability"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/registry"
)

// app holds everything a command needs, opened from the project config.
type app struct {
	cfg      *config.ProjectConfig
	logger   *logging.Logger
	store    *memory.Store
	registry *registry.Registry
	engine   *engine.Engine

	closers []func() error
}

type appOptions struct {
	// withEngine also builds the agent registry and engine.
	withEngine bool
	// reviewMode overrides review_gate when set.
	reviewMode config.ReviewGateMode
}

func loadConfig() (*config.ProjectConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// openApp loads config and opens the stores. The caller must call close.
func openApp(ctx context.Context, opts appOptions) (_ *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if opts.reviewMode != "" {
		cfg.ReviewGate = opts.reviewMode
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, logger.Sync)
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	shutdown, err := observability.InitTracer(observability.TracerConfig{
		ServiceName:    cfg.Server.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Server.OTLPEndpoint,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	if err := ensureDir(cfg.Memory.Path); err != nil {
		return nil, err
	}
	memBackend, err := memory.OpenSQLiteBackend(ctx, cfg.Memory.Path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}
	a.store, err = memory.Open(ctx, memBackend,
		memory.WithHalfLife(cfg.Memory.HalfLife),
		memory.WithLogger(logger.Named("memory")),
	)
	if err != nil {
		_ = memBackend.Close()
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)
	if rebuilt := a.store.RebuiltOnOpen(); len(rebuilt) > 0 {
		logger.Warn("memory_index_rebuilt_on_open", "categories", rebuilt)
	}

	if err := ensureDir(cfg.Registry.Path); err != nil {
		return nil, err
	}
	regBackend, err := registry.OpenSQLiteBackend(ctx, cfg.Registry.Path)
	if err != nil {
		return nil, fmt.Errorf("open context registry: %w", err)
	}
	a.registry, err = registry.Open(ctx, regBackend, registry.WithLogger(logger.Named("registry")))
	if err != nil {
		_ = regBackend.Close()
		return nil, fmt.Errorf("open context registry: %w", err)
	}
	a.closers = append(a.closers, a.registry.Close)

	if !opts.withEngine {
		return a, nil
	}

	agentRegistry, err := buildAgents(cfg, filepath.Dir(configPath))
	if err != nil {
		return nil, err
	}
	a.engine, err = engine.New(cfg, agentRegistry,
		engine.WithStore(a.store),
		engine.WithContextRegistry(a.registry),
		engine.WithLogger(logger.Named("engine")),
	)
	if err != nil {
		return nil, err
	}
	a.engine.Start()
	a.closers = append(a.closers, func() error { a.engine.Close(); return nil })
	return a, nil
}

// close releases resources in reverse order of opening.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// buildAgents binds a CommandAgent to every configured stage. The
// "default" entry serves stages without their own command.
func buildAgents(cfg *config.ProjectConfig, dir string) (*agents.Registry, error) {
	if len(cfg.Agents) == 0 {
		return nil, errors.New("no agents configured: set agents.default in the project config")
	}
	reg := agents.NewRegistry()

	stages := make([]string, 0, len(cfg.Agents))
	for stage := range cfg.Agents {
		stages = append(stages, stage)
	}
	sort.Strings(stages)

	for _, stage := range stages {
		agent, err := agents.NewCommandAgent(cfg.Agents[stage], dir)
		if err != nil {
			return nil, fmt.Errorf("agent for %s: %w", stage, err)
		}
		if stage == "default" {
			reg.SetDefault(agent)
			continue
		}
		if err := reg.Register(stage, agent); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
