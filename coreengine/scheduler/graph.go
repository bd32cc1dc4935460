// Package scheduler orders the tasks of a sprint batch.
//
// A TaskGraph is validated before any wave is computed: unknown references,
// self edges and cycles reject the whole batch, and no partial schedule is
// ever produced.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/task"
)

// ErrDependencyGraphInvalid is the sentinel for GraphInvalidError.
var ErrDependencyGraphInvalid = errors.New("dependency graph invalid")

// Edge points from a task to a task it depends on.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (e Edge) String() string { return e.From + "->" + e.To }

// GraphInvalidError lists every offending edge found at build time.
type GraphInvalidError struct {
	DuplicateIDs []string `json:"duplicate_ids,omitempty"`
	Unknown      []Edge   `json:"unknown,omitempty"`
	SelfEdges    []Edge   `json:"self_edges,omitempty"`

	// Cycle holds the back edges found by depth-first colouring.
	Cycle []Edge `json:"cycle,omitempty"`
}

func (e *GraphInvalidError) Error() string {
	var parts []string
	if len(e.DuplicateIDs) > 0 {
		parts = append(parts, "duplicate ids "+strings.Join(e.DuplicateIDs, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown references "+joinEdges(e.Unknown))
	}
	if len(e.SelfEdges) > 0 {
		parts = append(parts, "self dependencies "+joinEdges(e.SelfEdges))
	}
	if len(e.Cycle) > 0 {
		parts = append(parts, "cycle through "+joinEdges(e.Cycle))
	}
	return "dependency graph invalid: " + strings.Join(parts, "; ")
}

// Unwrap allows errors.Is(err, ErrDependencyGraphInvalid).
func (e *GraphInvalidError) Unwrap() error {
	return ErrDependencyGraphInvalid
}

func joinEdges(edges []Edge) string {
	s := make([]string, len(edges))
	for i, e := range edges {
		s[i] = e.String()
	}
	return strings.Join(s, ", ")
}

// Wave is a maximal set of tasks whose dependencies all sit in earlier
// waves.
type Wave struct {
	Index int      `json:"index"`
	Tasks []string `json:"tasks"`
}

// Graph is a validated, acyclic TaskGraph. It is immutable.
type Graph struct {
	tasks      map[string]*task.Task
	order      []string
	deps       map[string][]string
	dependents map[string][]string
	waves      []Wave
}

// NewGraph builds and validates the graph over tasks, using each task's
// DependsOn list.
func NewGraph(tasks []*task.Task) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]*task.Task, len(tasks)),
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}
	invalid := &GraphInvalidError{}

	for _, t := range tasks {
		if _, dup := g.tasks[t.ID]; dup {
			invalid.DuplicateIDs = append(invalid.DuplicateIDs, t.ID)
			continue
		}
		g.tasks[t.ID] = t
		g.order = append(g.order, t.ID)
	}

	for _, id := range g.order {
		seen := make(map[string]bool)
		for _, dep := range g.tasks[id].DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			switch {
			case dep == id:
				invalid.SelfEdges = append(invalid.SelfEdges, Edge{From: id, To: dep})
			case g.tasks[dep] == nil:
				invalid.Unknown = append(invalid.Unknown, Edge{From: id, To: dep})
			default:
				g.deps[id] = append(g.deps[id], dep)
				g.dependents[dep] = append(g.dependents[dep], id)
			}
		}
		sort.Strings(g.deps[id])
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	invalid.Cycle = g.backEdges()

	if len(invalid.DuplicateIDs)+len(invalid.Unknown)+len(invalid.SelfEdges)+len(invalid.Cycle) > 0 {
		return nil, invalid
	}

	g.waves = g.computeWaves()
	return g, nil
}

const (
	white = iota // unvisited
	grey         // on the current path
	black        // finished
)

// backEdges runs depth-first colouring from every root in input order and
// returns each edge that reaches a node on the current path.
func (g *Graph) backEdges() []Edge {
	colour := make(map[string]int, len(g.order))
	var back []Edge

	var visit func(id string)
	visit = func(id string) {
		colour[id] = grey
		for _, dep := range g.deps[id] {
			switch colour[dep] {
			case grey:
				back = append(back, Edge{From: id, To: dep})
			case white:
				visit(dep)
			}
		}
		colour[id] = black
	}

	for _, id := range g.order {
		if colour[id] == white {
			visit(id)
		}
	}
	return back
}

// computeWaves repeatedly extracts the ready set (Kahn's algorithm). Tasks
// within a wave keep input order.
func (g *Graph) computeWaves() []Wave {
	remaining := make(map[string]int, len(g.order))
	for _, id := range g.order {
		remaining[id] = len(g.deps[id])
	}

	var waves []Wave
	placed := 0
	for placed < len(g.order) {
		var ready []string
		for _, id := range g.order {
			if n, ok := remaining[id]; ok && n == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			// Unreachable for a validated graph.
			break
		}
		for _, id := range ready {
			delete(remaining, id)
			for _, dependent := range g.dependents[id] {
				remaining[dependent]--
			}
		}
		waves = append(waves, Wave{Index: len(waves), Tasks: ready})
		placed += len(ready)
	}
	return waves
}

// Waves returns the execution waves.
func (g *Graph) Waves() []Wave {
	out := make([]Wave, len(g.waves))
	for i, w := range g.waves {
		out[i] = Wave{Index: w.Index, Tasks: append([]string(nil), w.Tasks...)}
	}
	return out
}

// Task returns the task with id.
func (g *Graph) Task(id string) (*task.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// IDs returns task ids in input order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.order) }

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns every task that transitively depends on id, sorted.
func (g *Graph) Dependents(id string) []string {
	seen := make(map[string]bool)
	stack := append([]string(nil), g.dependents[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.dependents[n]...)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// String renders the waves as "{A,B,C} {D}".
func (g *Graph) String() string {
	parts := make([]string, len(g.waves))
	for i, w := range g.waves {
		parts[i] = "{" + strings.Join(w.Tasks, ",") + "}"
	}
	return strings.Join(parts, " ")
}

// ValidateIDs checks that ids are all in the graph.
func (g *Graph) ValidateIDs(ids ...string) error {
	for _, id := range ids {
		if _, ok := g.tasks[id]; !ok {
			return fmt.Errorf("task %q is not in the batch", id)
		}
	}
	return nil
}
