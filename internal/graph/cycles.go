package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Cycle describes a set of nodes that reach each other.
type Cycle struct {
	Path    []string `json:"path"`    // e.g. ["a", "b", "a"]
	Message string   `json:"message"` // human-readable description
}

// FindCycles reports every cycle already present in g.
//
// Edges created through DropTargetError can never form a cycle, but a graph
// loaded from a file or merged from concurrent edits can. The analysis uses
// Tarjan's algorithm: each strongly connected component with more than one
// node, or a single node with a self-loop, is one cycle.
//
// Output is deterministic: nodes are visited in sorted order and cycles are
// ordered by their first path element.
func FindCycles(g Graph) []Cycle {
	if len(g.Edges) == 0 {
		return []Cycle{}
	}

	adj := buildAdjacency(g)
	var cycles []Cycle
	for _, scc := range tarjanSCC(adj) {
		if len(scc) > 1 || hasSelfLoop(scc[0], adj) {
			cycles = append(cycles, sccToCycle(scc, adj))
		}
	}

	sort.Slice(cycles, func(i, j int) bool {
		return cycles[i].Path[0] < cycles[j].Path[0]
	})
	if cycles == nil {
		return []Cycle{}
	}
	return cycles
}

func hasSelfLoop(node string, adj adjacency) bool {
	for _, neighbor := range adj[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components.
func tarjanSCC(adj adjacency) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sort.Strings(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(adj))
	for node := range adj {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

func sccToCycle(scc []string, adj adjacency) Cycle {
	if len(scc) == 1 {
		id := scc[0]
		return Cycle{
			Path:    []string{id, id},
			Message: fmt.Sprintf("Step connects to itself: %s → %s", id, id),
		}
	}

	path := cyclePath(scc, adj)
	return Cycle{
		Path:    path,
		Message: fmt.Sprintf("Circular workflow detected: %s", strings.Join(path, " → ")),
	}
}

// cyclePath walks from the first SCC member through other members until it
// returns to the start.
func cyclePath(scc []string, adj adjacency) []string {
	members := make(map[string]bool, len(scc))
	for _, node := range scc {
		members[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next string
		for _, neighbor := range adj[current] {
			if members[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}

		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
