package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/task"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes environment overrides.
	EnvPrefix = "PIPELINE_"
)

// ReviewGateMode controls when a human gate blocks a run.
type ReviewGateMode string

const (
	// ReviewGateManual blocks on NeedsReview results only.
	ReviewGateManual ReviewGateMode = "manual"
	// ReviewGateAuto approves NeedsReview results without blocking.
	ReviewGateAuto ReviewGateMode = "auto"
	// ReviewGateAlways gates every completed group.
	ReviewGateAlways ReviewGateMode = "always"
)

// MemoryConfig locates the Knowledge Store.
type MemoryConfig struct {
	Path     string        `koanf:"path" json:"path"`
	HalfLife time.Duration `koanf:"half_life" json:"half_life"`
}

// RegistryConfig locates the Context Registry.
type RegistryConfig struct {
	Path string `koanf:"path" json:"path"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	GRPCAddr     string `koanf:"grpc_addr" json:"grpc_addr"`
	HTTPAddr     string `koanf:"http_addr" json:"http_addr"`
	OTLPEndpoint string `koanf:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `koanf:"service_name" json:"service_name"`
}

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level  string `koanf:"level" json:"level"`
	Format string `koanf:"format" json:"format"`
}

// ProjectConfig is the per-project configuration file.
//
// Example:
//
//	context: "ios app, swiftui"
//	review_gate: manual
//	stages: {lint: always, design_decomposition: per-task}
//	feedback:
//	  - {failure_kind: compile, target: same, max_attempts: 3}
//	engine: {max_parallel_tasks: 4}
//	agents: {default: "my-agent --stage"}
type ProjectConfig struct {
	Context    string            `koanf:"context" json:"context"`
	ReviewGate ReviewGateMode    `koanf:"review_gate" json:"review_gate"`
	Stages     map[string]string `koanf:"stages" json:"stages,omitempty"`
	Feedback   []FeedbackRule    `koanf:"feedback" json:"feedback,omitempty"`
	Engine     CoreConfig        `koanf:"engine" json:"engine"`
	Memory     MemoryConfig      `koanf:"memory" json:"memory"`
	Registry   RegistryConfig    `koanf:"registry" json:"registry"`

	// Agents maps a stage (or "default") to the command that serves it.
	Agents map[string]string `koanf:"agents" json:"agents,omitempty"`

	Server ServerConfig `koanf:"server" json:"server"`
	Log    LogConfig    `koanf:"log" json:"log"`
}

// DefaultProjectConfig returns the configuration used when no file exists.
func DefaultProjectConfig() *ProjectConfig {
	cfg := &ProjectConfig{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path, then applies PIPELINE_* environment
// overrides. A missing file yields the defaults plus environment.
func Load(path string) (*ProjectConfig, error) {
	var content []byte
	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to open config file: %w", err)
		default:
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("failed to stat config file: %w", err)
			}
			if info.Size() > maxConfigFileSize {
				return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
			}
			content, err = io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}
	cfg, err := LoadBytes(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadBytes parses YAML content, then applies environment overrides.
func LoadBytes(content []byte) (*ProjectConfig, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// PIPELINE_ENGINE_MAX_PARALLEL_TASKS -> engine.max_parallel_tasks
	// PIPELINE_REVIEW_GATE -> review_gate
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg ProjectConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(DefaultCatalog()); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps an environment variable to a config path. Top-level scalar
// keys keep their underscores; everything else splits on the first one.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	switch lower {
	case "context", "review_gate":
		return lower
	}
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

func applyDefaults(cfg *ProjectConfig) {
	if cfg.ReviewGate == "" {
		cfg.ReviewGate = ReviewGateManual
	}
	cfg.ReviewGate = ReviewGateMode(strings.ToLower(strings.TrimSpace(string(cfg.ReviewGate))))
	cfg.Engine.applyDefaults()

	if cfg.Memory.Path == "" {
		cfg.Memory.Path = ".pipeline/memory.db"
	}
	if cfg.Memory.HalfLife == 0 {
		cfg.Memory.HalfLife = 30 * 24 * time.Hour
	}
	if cfg.Registry.Path == "" {
		cfg.Registry.Path = ".pipeline/registry.db"
	}

	if cfg.Server.GRPCAddr == "" {
		cfg.Server.GRPCAddr = ":50051"
	}
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = ":8080"
	}
	if cfg.Server.ServiceName == "" {
		cfg.Server.ServiceName = "pipelinecore"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

// Validate checks the configuration against a stage catalog.
func (c *ProjectConfig) Validate(catalog *Catalog) error {
	switch c.ReviewGate {
	case ReviewGateManual, ReviewGateAuto, ReviewGateAlways:
	default:
		return fmt.Errorf("review_gate must be manual, auto or always, got %q", c.ReviewGate)
	}

	names := make([]string, 0, len(c.Stages))
	for name := range c.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !catalog.Has(name) {
			return fmt.Errorf("stages.%s: unknown stage", name)
		}
		if _, err := ParseProjectSetting(c.Stages[name]); err != nil {
			return fmt.Errorf("stages.%s: %w", name, err)
		}
	}

	for i := range c.Feedback {
		if err := c.Feedback[i].Validate(); err != nil {
			return fmt.Errorf("feedback[%d]: %w", i, err)
		}
		if s := c.Feedback[i].Stage; s != "" && !catalog.Has(s) {
			return fmt.Errorf("feedback[%d]: unknown stage %q", i, s)
		}
	}

	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if c.Memory.HalfLife < 0 {
		return fmt.Errorf("memory.half_life must not be negative")
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// StageSettings returns the parsed per-stage settings. Call after Validate.
func (c *ProjectConfig) StageSettings() map[string]ProjectSetting {
	out := make(map[string]ProjectSetting, len(c.Stages))
	for name, raw := range c.Stages {
		if s, err := ParseProjectSetting(raw); err == nil {
			out[name] = s
		}
	}
	return out
}

// RuleSet builds the feedback rule table.
func (c *ProjectConfig) RuleSet() (*RuleSet, error) {
	return NewRuleSet(c.Feedback...)
}

// ResolverInput assembles the resolver input for one task.
func (c *ProjectConfig) ResolverInput(catalog *Catalog, t *task.Task) ResolverInput {
	in := ResolverInput{
		Catalog: catalog,
		Project: c.StageSettings(),
		Context: c.Context,
	}
	if t != nil {
		in.TaskOverrides = t.StageOverrides
	}
	return in
}

// AgentCommand returns the command configured for a stage, falling back to
// the "default" entry.
func (c *ProjectConfig) AgentCommand(stage string) (string, bool) {
	if cmd, ok := c.Agents[stage]; ok && strings.TrimSpace(cmd) != "" {
		return cmd, true
	}
	cmd, ok := c.Agents["default"]
	return cmd, ok && strings.TrimSpace(cmd) != ""
}
