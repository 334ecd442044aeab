// Package graph validates imported task plans as directed acyclic graphs
// and orders them for storage.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/klowery/stagehand/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the plan.
var ErrCycleDetected = errors.New("circular dependency detected")

// PlanGraph is a directed acyclic graph over a set of tasks. Edges point
// from a task to the tasks it depends on. Plans are validated at import
// time so the dispatcher never has to handle a cycle at runtime.
type PlanGraph struct {
	mu    sync.RWMutex
	nodes map[string]*models.Task
	edges map[string][]string
}

// New creates an empty plan graph.
func New() *PlanGraph {
	return &PlanGraph{
		nodes: make(map[string]*models.Task),
		edges: make(map[string][]string),
	}
}

// Build constructs the graph from a slice of tasks. It fails if any task
// references an unknown dependency or if the dependencies form a cycle.
func (g *PlanGraph) Build(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, task := range tasks {
		if _, dup := g.nodes[task.ID]; dup {
			return fmt.Errorf("duplicate task id %s", task.ID)
		}
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", task.ID, depID)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	return nil
}

// HasCycle reports whether the graph contains a circular dependency.
func (g *PlanGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked runs a DFS with coloring to find back edges. Assumes the
// lock is held.
func (g *PlanGraph) hasCycleLocked() bool {
	// 0 = unvisited, 1 = on the current path, 2 = done.
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalSort returns task IDs with every dependency ordered before
// the tasks that need it. Ties are broken by ID so the ordering is stable
// across imports of the same plan.
func (g *PlanGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	roots := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		roots = append(roots, id)
	}
	sort.Strings(roots)

	visited := make(map[string]bool, len(g.nodes))
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true

		deps := append([]string(nil), g.edges[id]...)
		sort.Strings(deps)
		for _, depID := range deps {
			visit(depID)
		}
		result = append(result, id)
	}

	for _, id := range roots {
		visit(id)
	}
	return result, nil
}
