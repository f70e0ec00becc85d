package orchestrator

import (
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-assess/internal/protocol"
)

// Graph is a validated task dependency DAG in plan order.
type Graph struct {
	order      []string
	specs      map[string]protocol.TaskSpec
	dependents map[string][]string
}

// BuildGraph validates specs and returns the DAG. Empty or duplicate ids,
// missing capabilities, unknown dependencies and cycles are planning errors.
func BuildGraph(specs []protocol.TaskSpec) (*Graph, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: plan has no tasks", ErrPlanning)
	}
	g := &Graph{
		order:      make([]string, 0, len(specs)),
		specs:      make(map[string]protocol.TaskSpec, len(specs)),
		dependents: make(map[string][]string),
	}

	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("%w: task %q has no id", ErrPlanning, s.Name)
		}
		if s.Capability == "" {
			return nil, fmt.Errorf("%w: task %s has no capability", ErrPlanning, s.ID)
		}
		if _, dup := g.specs[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate task id %s", ErrPlanning, s.ID)
		}
		g.specs[s.ID] = s
		g.order = append(g.order, s.ID)
	}

	for _, id := range g.order {
		for _, dep := range g.specs[id].Dependencies {
			if _, ok := g.specs[dep]; !ok {
				return nil, fmt.Errorf("%w: task %s depends on unknown task %s", ErrPlanning, id, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, fmt.Errorf("%w: dependency cycle %s", ErrPlanning, strings.Join(cycle, " -> "))
	}
	return g, nil
}

// findCycle runs a three-colour DFS and returns the ids of the first cycle
// found, or nil.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	colors := make(map[string]int, len(g.order))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = grey
		stack = append(stack, id)
		for _, dep := range g.specs[id].Dependencies {
			switch colors[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	for _, id := range g.order {
		if colors[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// IDs returns task ids in plan order.
func (g *Graph) IDs() []string { return append([]string(nil), g.order...) }

// Spec returns the task descriptor for id.
func (g *Graph) Spec(id string) protocol.TaskSpec { return g.specs[id] }

// Dependents returns the tasks that list id as a dependency.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Ready returns, in plan order, the PENDING tasks whose dependencies are all
// COMPLETED according to status.
func (g *Graph) Ready(status func(id string) TaskStatus) []string {
	var ready []string
	for _, id := range g.order {
		if status(id) != TaskPending {
			continue
		}
		if g.depsCompleted(id, status) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (g *Graph) depsCompleted(id string, status func(id string) TaskStatus) bool {
	for _, dep := range g.specs[id].Dependencies {
		if status(dep) != TaskCompleted {
			return false
		}
	}
	return true
}
