// Package toposort provides topological ordering for string-keyed directed
// graphs. The pipeline uses it to validate that a node topology is acyclic
// before starting workers.
package toposort

import (
	"errors"
	"fmt"
	"sort"
)

// ErrCycle is returned by Sort when the graph contains a cycle.
var ErrCycle = errors.New("graph contains a cycle")

// Graph is a directed graph over string node names.
type Graph struct {
	names []string
	ids   map[string]int
	edges [][]int
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{ids: make(map[string]int)}
}

// AddNode inserts a node. Adding an existing node is a no-op.
func (g *Graph) AddNode(name string) {
	g.intern(name)
}

// AddEdge inserts a directed edge from → to, creating missing nodes.
// Duplicate edges are ignored.
func (g *Graph) AddEdge(from, to string) {
	u := g.intern(from)
	v := g.intern(to)

	for _, w := range g.edges[u] {
		if w == v {
			return
		}
	}

	g.edges[u] = append(g.edges[u], v)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.names)
}

// intern maps a name to its integer id, assigning one on first use.
func (g *Graph) intern(name string) int {
	id, ok := g.ids[name]
	if ok {
		return id
	}

	id = len(g.names)
	g.ids[name] = id
	g.names = append(g.names, name)
	g.edges = append(g.edges, nil)

	return id
}

// Sort returns the node names in a topological order using Kahn's algorithm.
// Ties break alphabetically so the order is deterministic. Returns ErrCycle
// naming one node on the cycle when the graph is not a DAG.
func (g *Graph) Sort() ([]string, error) {
	inDegree := make([]int, len(g.names))
	for _, targets := range g.edges {
		for _, v := range targets {
			inDegree[v]++
		}
	}

	var frontier []int

	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	order := make([]string, 0, len(g.names))

	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			return g.names[frontier[i]] < g.names[frontier[j]]
		})

		u := frontier[0]
		frontier = frontier[1:]
		order = append(order, g.names[u])

		for _, v := range g.edges[u] {
			inDegree[v]--
			if inDegree[v] == 0 {
				frontier = append(frontier, v)
			}
		}
	}

	if len(order) != len(g.names) {
		for id, deg := range inDegree {
			if deg > 0 {
				return nil, fmt.Errorf("%w: %s", ErrCycle, g.names[id])
			}
		}

		return nil, ErrCycle
	}

	return order, nil
}
