package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fixtures
// =============================================================================

func jobs(ids ...string) []Node {
	nodes := make([]Node, len(ids))
	for i, id := range ids {
		nodes[i] = Node{ID: id, Type: NodeTypeJob}
	}
	return nodes
}

func edge(source, target string) Edge {
	return Edge{ID: source + "->" + target, Source: source, Target: target}
}

// diamond is A→B, A→C, B→D, C→D.
func diamond() Graph {
	return Graph{
		Nodes: jobs("A", "B", "C", "D"),
		Edges: []Edge{edge("A", "B"), edge("A", "C"), edge("B", "D"), edge("C", "D")},
	}
}

// =============================================================================
// IsUpstream
// =============================================================================

func TestIsUpstream_EmptyGraph(t *testing.T) {
	g := Graph{}
	assert.False(t, IsUpstream(g, "a", "b"))
	assert.False(t, IsUpstream(g, "a", "a"))
}

func TestIsUpstream_NodesWithoutEdges(t *testing.T) {
	g := Graph{Nodes: jobs("a", "b")}
	assert.False(t, IsUpstream(g, "a", "b"))
	assert.False(t, IsUpstream(g, "b", "a"))
}

func TestIsUpstream_Diamond(t *testing.T) {
	g := diamond()

	assert.True(t, IsUpstream(g, "A", "D"))
	assert.False(t, IsUpstream(g, "D", "A"))
	assert.False(t, IsUpstream(g, "B", "C"), "siblings are not ordered")
	assert.False(t, IsUpstream(g, "C", "B"), "siblings are not ordered")
	assert.True(t, IsUpstream(g, "B", "D"))
	assert.True(t, IsUpstream(g, "A", "B"))
}

func TestIsUpstream_Chain(t *testing.T) {
	g := Graph{
		Nodes: jobs("a", "b", "c", "d"),
		Edges: []Edge{edge("a", "b"), edge("b", "c"), edge("c", "d")},
	}
	assert.True(t, IsUpstream(g, "a", "d"))
	assert.False(t, IsUpstream(g, "d", "a"))
	assert.False(t, IsUpstream(g, "a", "a"))
}

func TestIsUpstream_TerminatesOnExistingCycle(t *testing.T) {
	g := Graph{
		Nodes: jobs("a", "b", "c"),
		Edges: []Edge{edge("a", "b"), edge("b", "a")},
	}
	assert.True(t, IsUpstream(g, "a", "a"))
	assert.False(t, IsUpstream(g, "a", "c"))
}

func TestIsUpstream_WideDiamondLattice(t *testing.T) {
	// Layers of 4 nodes fully connected to the next layer: paths grow
	// exponentially, visits must not.
	var nodes []Node
	var edges []Edge
	const layers, width = 12, 4
	id := func(l, w int) string { return string(rune('a'+l)) + string(rune('0'+w)) }
	for l := 0; l < layers; l++ {
		for w := 0; w < width; w++ {
			nodes = append(nodes, Node{ID: id(l, w), Type: NodeTypeJob})
			if l > 0 {
				for p := 0; p < width; p++ {
					edges = append(edges, edge(id(l-1, p), id(l, w)))
				}
			}
		}
	}
	g := Graph{Nodes: nodes, Edges: edges}

	assert.True(t, IsUpstream(g, id(0, 0), id(layers-1, 3)))
	assert.False(t, IsUpstream(g, id(layers-1, 3), id(0, 0)))
}

// =============================================================================
// IsChild
// =============================================================================

func TestIsChild(t *testing.T) {
	g := diamond()

	e, ok := IsChild(g, "A", "B")
	require.True(t, ok)
	assert.Equal(t, "A->B", e.ID)

	_, ok = IsChild(g, "A", "D")
	assert.False(t, ok, "grandchild is not a child")

	_, ok = IsChild(g, "B", "A")
	assert.False(t, ok)
}

func TestIsChild_FirstMatchWins(t *testing.T) {
	g := Graph{
		Nodes: jobs("a", "b"),
		Edges: []Edge{
			{ID: "first", Source: "a", Target: "b"},
			{ID: "second", Source: "a", Target: "b"},
		},
	}
	e, ok := IsChild(g, "a", "b")
	require.True(t, ok)
	assert.Equal(t, "first", e.ID)
}

// =============================================================================
// Downstream
// =============================================================================

func TestDownstream_Diamond(t *testing.T) {
	assert.Equal(t, []string{"B", "C", "D"}, Downstream(diamond(), "A"))
	assert.Empty(t, Downstream(diamond(), "D"))
}
