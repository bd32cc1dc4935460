package agents

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps stage names to the Agent that performs them. A default
// agent, when set, serves every stage without an explicit registration.
type Registry struct {
	agents   map[string]Agent
	fallback Agent
	mu       sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
	}
}

// Register binds an agent to a stage.
func (r *Registry) Register(stage string, agent Agent) error {
	if stage == "" {
		return fmt.Errorf("stage name is required")
	}
	if agent == nil {
		return fmt.Errorf("agent is required for '%s'", stage)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents[stage] = agent
	return nil
}

// SetDefault sets the agent used for stages with no registration.
func (r *Registry) SetDefault(agent Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = agent
}

// Get returns the agent for a stage, falling back to the default.
func (r *Registry) Get(stage string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if agent, ok := r.agents[stage]; ok {
		return agent, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Has reports whether a stage can be served.
func (r *Registry) Has(stage string) bool {
	_, ok := r.Get(stage)
	return ok
}

// List returns the explicitly registered stage names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
