// dependency_graph.go: Required-dependency graph and load ordering
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"sort"
	"sync"
)

// DependencyGraph holds the required-dependency edges between plugins.
//
// Example usage:
//
//	graph := BuildDependencyGraph(descriptors)
//	order, warnings := graph.LoadOrder()
type DependencyGraph struct {
	mu    sync.RWMutex
	nodes map[string]*DependencyNode
	// seq preserves insertion order for deterministic dependents lists.
	seq []string
}

// DependencyNode is one plugin in the graph. Dependencies may name plugins
// that are not in the graph.
type DependencyNode struct {
	ID           string   `json:"id"`
	LoadOrder    int      `json:"load_order"`
	Dependencies []string `json:"dependencies"`
}

// NewDependencyGraph creates an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{nodes: make(map[string]*DependencyNode)}
}

// BuildDependencyGraph adds every descriptor with its required dependencies.
func BuildDependencyGraph(descs []*Descriptor) *DependencyGraph {
	g := NewDependencyGraph()
	for _, d := range descs {
		g.AddPlugin(d.ID, d.Order(), d.RequiredDependencyIDs())
	}
	return g
}

// AddPlugin adds or replaces a plugin node.
func (g *DependencyGraph) AddPlugin(id string, loadOrder int, dependencies []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, exists := g.nodes[id]
	if !exists {
		node = &DependencyNode{ID: id}
		g.nodes[id] = node
		g.seq = append(g.seq, id)
	}
	node.LoadOrder = loadOrder
	node.Dependencies = append([]string(nil), dependencies...)
}

// RemovePlugin drops a plugin node. Edges pointing at it remain and turn
// into missing dependencies.
func (g *DependencyGraph) RemovePlugin(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; !exists {
		return
	}
	delete(g.nodes, id)
	for i, existing := range g.seq {
		if existing == id {
			g.seq = append(g.seq[:i], g.seq[i+1:]...)
			break
		}
	}
}

// Has reports whether the plugin is in the graph.
func (g *DependencyGraph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Dependencies returns the required dependencies of a plugin.
func (g *DependencyGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if node, ok := g.nodes[id]; ok {
		return append([]string(nil), node.Dependencies...)
	}
	return nil
}

// Dependents returns the plugins that directly require id.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependentsLocked(id)
}

func (g *DependencyGraph) dependentsLocked(id string) []string {
	var out []string
	for _, name := range g.seq {
		for _, dep := range g.nodes[name].Dependencies {
			if dep == id {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// TransitiveDependents returns every plugin that requires id directly or
// through other plugins, sorted by id.
func (g *DependencyGraph) TransitiveDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range g.dependentsLocked(current) {
			if seen[dependent] {
				continue
			}
			seen[dependent] = true
			out = append(out, dependent)
			queue = append(queue, dependent)
		}
	}
	sort.Strings(out)
	return out
}

// LoadOrder returns the plugins with dependencies first. Roots are visited
// by ascending load order, then id. Dependencies are visited in
// declaration order. A dependency absent from the graph is skipped with a
// warning, and an edge that closes a cycle is dropped with a warning, so
// the first plugin reached on the cycle loads last.
func (g *DependencyGraph) LoadOrder() ([]string, []string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	roots := append([]string(nil), g.seq...)
	sort.SliceStable(roots, func(i, j int) bool {
		a, b := g.nodes[roots[i]], g.nodes[roots[j]]
		if a.LoadOrder != b.LoadOrder {
			return a.LoadOrder < b.LoadOrder
		}
		return a.ID < b.ID
	})

	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(g.nodes))
	order := make([]string, 0, len(g.nodes))
	var warnings []string

	var visit func(id string)
	visit = func(id string) {
		marks[id] = visiting
		for _, dep := range g.nodes[id].Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				warnings = append(warnings, fmt.Sprintf("%s depends on %s, which is not present", id, dep))
				continue
			}
			switch marks[dep] {
			case visiting:
				warnings = append(warnings, fmt.Sprintf("dependency cycle broken at %s -> %s", id, dep))
			case unvisited:
				visit(dep)
			}
		}
		marks[id] = done
		order = append(order, id)
	}

	for _, id := range roots {
		if marks[id] == unvisited {
			visit(id)
		}
	}
	return order, warnings
}
