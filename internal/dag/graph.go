// Package dag builds and runs the stage dependency graph at the heart of a
// pipeline run: given a flat list of [stage.Spec] values it rejects cycles
// and undeclared dependencies at construction time, then schedules ready
// stages concurrently, restricting each stage's visible inputs to its
// declared dependencies.
package dag

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the validated, construction-time view of a pipeline's stage
// dependencies. It never changes once built — scheduling state lives in
// [Executor], not here.
type Graph struct {
	specs map[string]*specNode
	// names preserves the order specs were declared in, for deterministic
	// iteration (error messages, debug dumps).
	names []string
}

type specNode struct {
	name         string
	dependencies []string
	dependents   []string
}

// NewGraph validates specs and builds a [Graph] from them. It rejects:
//   - a duplicate stage name,
//   - a dependency naming a stage that isn't in specs,
//   - a dependency cycle.
//
// specNames and specDeps are supplied as parallel slices rather than
// depending on package stage directly, so this package stays reusable by
// any caller that can describe a DAG as (name, deps) pairs.
func NewGraph(specNames []string, specDeps [][]string) (*Graph, error) {
	if len(specNames) != len(specDeps) {
		return nil, fmt.Errorf("dag: specNames and specDeps length mismatch: %d != %d", len(specNames), len(specDeps))
	}

	g := &Graph{specs: make(map[string]*specNode, len(specNames)), names: make([]string, 0, len(specNames))}

	for i, name := range specNames {
		if name == "" {
			return nil, fmt.Errorf("dag: stage at index %d has an empty name", i)
		}
		if _, dup := g.specs[name]; dup {
			return nil, fmt.Errorf("dag: duplicate stage name %q", name)
		}
		g.specs[name] = &specNode{name: name, dependencies: specDeps[i]}
		g.names = append(g.names, name)
	}

	for _, name := range g.names {
		node := g.specs[name]
		for _, dep := range node.dependencies {
			depNode, ok := g.specs[dep]
			if !ok {
				return nil, fmt.Errorf("dag: stage %q declares unknown dependency %q", name, dep)
			}
			depNode.dependents = append(depNode.dependents, name)
		}
	}

	if cyclePath, ok := g.findCycle(); ok {
		return nil, fmt.Errorf("dag: dependency cycle detected: %s", strings.Join(cyclePath, " -> "))
	}

	return g, nil
}

// findCycle performs a Kahn-style in-degree reduction: stages with zero
// remaining dependencies are peeled off one layer at a time. If any stages
// remain once no further progress can be made, they are on a cycle or depend
// on one; all of them are returned sorted by name, not in cycle order.
func (g *Graph) findCycle() ([]string, bool) {
	indegree := make(map[string]int, len(g.names))
	for _, name := range g.names {
		indegree[name] = len(g.specs[name].dependencies)
	}

	queue := make([]string, 0, len(g.names))
	for _, name := range g.names {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++

		next := make([]string, 0)
		for _, dependent := range g.specs[cur].dependents {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				next = append(next, dependent)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if visited == len(g.names) {
		return nil, false
	}

	remaining := make([]string, 0, len(g.names)-visited)
	for _, name := range g.names {
		if indegree[name] > 0 {
			remaining = append(remaining, name)
		}
	}
	sort.Strings(remaining)
	return remaining, true
}

// Dependencies returns the declared dependency list for name, or nil if name
// isn't in the graph.
func (g *Graph) Dependencies(name string) []string {
	node, ok := g.specs[name]
	if !ok {
		return nil
	}
	return node.dependencies
}

// Names returns all stage names in declaration order.
func (g *Graph) Names() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}
