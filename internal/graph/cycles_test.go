package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindCycles_DAG(t *testing.T) {
	assert.Empty(t, FindCycles(diamond()))
	assert.Empty(t, FindCycles(Graph{}))
}

func TestFindCycles_SelfLoop(t *testing.T) {
	g := Graph{Nodes: jobs("a"), Edges: []Edge{edge("a", "a")}}

	cycles := FindCycles(g)
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"a", "a"}, cycles[0].Path)
	assert.Contains(t, cycles[0].Message, "itself")
}

func TestFindCycles_TwoNodeCycle(t *testing.T) {
	g := Graph{Nodes: jobs("a", "b"), Edges: []Edge{edge("a", "b"), edge("b", "a")}}

	cycles := FindCycles(g)
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"a", "b", "a"}, cycles[0].Path)
	assert.Contains(t, cycles[0].Message, "Circular workflow")
}

func TestFindCycles_Separate(t *testing.T) {
	g := Graph{
		Nodes: jobs("a", "b", "c", "d", "e"),
		Edges: []Edge{
			edge("a", "b"), edge("b", "a"),
			edge("c", "d"), edge("d", "e"), edge("e", "c"),
		},
	}

	cycles := FindCycles(g)
	require.Len(t, cycles, 2)
	assert.Equal(t, "a", cycles[0].Path[0])
	assert.Equal(t, []string{"c", "d", "e", "c"}, cycles[1].Path)
}
