// Package config provides the stage catalog, the Configuration Resolver,
// the feedback rule table, engine limits and the project configuration
// loader.
package config

import (
	"fmt"
	"sort"
	"strings"
)

// Activation is a stage's built-in activation.
type Activation string

const (
	ActivationAlways      Activation = "always"
	ActivationNever       Activation = "never"
	ActivationConditional Activation = "conditional"
)

// JoinStrategy defines how to handle multiple prerequisites.
type JoinStrategy string

const (
	JoinAll JoinStrategy = "all" // every present prerequisite must be enabled (default)
	JoinAny JoinStrategy = "any" // at least one present prerequisite must be enabled
)

// Canonical stage names.
const (
	StageRequirements        = "requirements"
	StageDesignDecomposition = "design_decomposition"
	StageScaffold            = "scaffold"
	StageArchitecture        = "architecture"
	StageImplementUI         = "implement_ui"
	StageImplementDomain     = "implement_domain"
	StageImplementData       = "implement_data"
	StageImplement           = "implement"
	StageDiagnose            = "diagnose"
	StageTest                = "test"
	StageLint                = "lint"
	StageBuild               = "build"
	StagePublish             = "publish"
	StageVersionBump         = "version_bump"
	StageChangelog           = "changelog"
	StageReleaseBuild        = "release_build"
	StageDistribute          = "distribute"
)

// StageDef is a stateless stage definition, looked up by name when a
// group executes.
type StageDef struct {
	Name       string     `json:"name"`
	Activation Activation `json:"activation"`

	// DefaultOn is the built-in decision for Conditional stages.
	DefaultOn bool `json:"default_on"`

	// Capability names the agent registered for this stage. Empty means
	// the stage name itself.
	Capability string `json:"capability,omitempty"`

	// Requires lists stages whose output this stage consumes. A plan that
	// keeps this stage must keep its prerequisites (see JoinStrategy).
	Requires     []string     `json:"requires,omitempty"`
	JoinStrategy JoinStrategy `json:"join_strategy,omitempty"`
}

// CapabilityRef returns the agent name for the stage.
func (d *StageDef) CapabilityRef() string {
	if d.Capability != "" {
		return d.Capability
	}
	return d.Name
}

// Validate validates the stage definition.
func (d *StageDef) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("StageDef.Name is required")
	}
	switch d.Activation {
	case ActivationAlways, ActivationNever, ActivationConditional:
	case "":
		d.Activation = ActivationConditional
	default:
		return fmt.Errorf("stage '%s' has invalid activation '%s'", d.Name, d.Activation)
	}
	if d.JoinStrategy == "" {
		d.JoinStrategy = JoinAll
	}
	return nil
}

// Catalog is the set of known stages.
type Catalog struct {
	stages map[string]*StageDef
	order  []string

	// Computed at validation time
	topologicalOrder []string
}

// NewCatalog builds and validates a catalog.
func NewCatalog(defs ...*StageDef) (*Catalog, error) {
	c := &Catalog{stages: make(map[string]*StageDef, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.stages[d.Name]; dup {
			return nil, fmt.Errorf("duplicate stage name: %s", d.Name)
		}
		c.stages[d.Name] = d
		c.order = append(c.order, d.Name)
	}
	if err := c.validateDAG(); err != nil {
		return nil, err
	}
	return c, nil
}

// DefaultCatalog returns the built-in stage catalog.
func DefaultCatalog() *Catalog {
	implementers := []string{StageImplement, StageImplementUI, StageImplementDomain, StageImplementData}
	c, err := NewCatalog(
		&StageDef{Name: StageRequirements, Activation: ActivationConditional, DefaultOn: true},
		&StageDef{Name: StageDesignDecomposition, Activation: ActivationConditional, DefaultOn: true},
		&StageDef{Name: StageScaffold, Activation: ActivationConditional, DefaultOn: true},
		&StageDef{Name: StageArchitecture, Activation: ActivationConditional, DefaultOn: true},
		&StageDef{Name: StageImplementUI, Activation: ActivationConditional, DefaultOn: true, Requires: []string{StageArchitecture}},
		&StageDef{Name: StageImplementDomain, Activation: ActivationAlways, Requires: []string{StageArchitecture}},
		&StageDef{Name: StageImplementData, Activation: ActivationConditional, DefaultOn: true, Requires: []string{StageArchitecture}},
		&StageDef{Name: StageImplement, Activation: ActivationAlways},
		&StageDef{Name: StageDiagnose, Activation: ActivationAlways},
		&StageDef{Name: StageTest, Activation: ActivationConditional, DefaultOn: true, Requires: implementers, JoinStrategy: JoinAny},
		&StageDef{Name: StageLint, Activation: ActivationConditional, DefaultOn: true, Requires: implementers, JoinStrategy: JoinAny},
		&StageDef{Name: StageBuild, Activation: ActivationAlways, Requires: implementers, JoinStrategy: JoinAny},
		&StageDef{Name: StagePublish, Activation: ActivationConditional, DefaultOn: true, Requires: []string{StageBuild}},
		&StageDef{Name: StageVersionBump, Activation: ActivationAlways},
		&StageDef{Name: StageChangelog, Activation: ActivationConditional, DefaultOn: true},
		&StageDef{Name: StageReleaseBuild, Activation: ActivationAlways, Requires: []string{StageVersionBump}},
		&StageDef{Name: StageDistribute, Activation: ActivationConditional, DefaultOn: true, Requires: []string{StageReleaseBuild}},
	)
	if err != nil {
		panic(fmt.Sprintf("default stage catalog invalid: %v", err))
	}
	return c
}

// validateDAG checks prerequisites and computes a topological order.
func (c *Catalog) validateDAG() error {
	for _, name := range c.order {
		def := c.stages[name]
		for _, dep := range def.Requires {
			if _, ok := c.stages[dep]; !ok {
				return fmt.Errorf("stage '%s' requires unknown stage '%s'", name, dep)
			}
			if dep == name {
				return fmt.Errorf("stage '%s' cannot require itself", name)
			}
		}
	}

	dependents := make(map[string][]string, len(c.order))
	inDegree := make(map[string]int, len(c.order))
	for _, name := range c.order {
		inDegree[name] = 0
	}
	for _, name := range c.order {
		for _, dep := range c.stages[name].Requires {
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	// Kahn's algorithm, seeded in declaration order for a stable result.
	queue := make([]string, 0)
	for _, name := range c.order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	c.topologicalOrder = make([]string, 0, len(c.order))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		c.topologicalOrder = append(c.topologicalOrder, current)
		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(c.topologicalOrder) != len(c.order) {
		cycleNodes := []string{}
		for _, name := range c.order {
			if inDegree[name] > 0 {
				cycleNodes = append(cycleNodes, name)
			}
		}
		sort.Strings(cycleNodes)
		return fmt.Errorf("dependency cycle detected involving stages: %s", strings.Join(cycleNodes, ", "))
	}
	return nil
}

// Get gets a stage definition by name.
func (c *Catalog) Get(name string) (*StageDef, bool) {
	d, ok := c.stages[name]
	return d, ok
}

// Has reports whether the catalog defines a stage.
func (c *Catalog) Has(name string) bool {
	_, ok := c.stages[name]
	return ok
}

// Names returns stage names in declaration order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

// TopologicalOrder returns the stages ordered so prerequisites come first.
func (c *Catalog) TopologicalOrder() []string {
	return append([]string(nil), c.topologicalOrder...)
}
