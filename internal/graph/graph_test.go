package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearGraph() *Graph {
	g := NewGraph()
	g.Add(&Task{ID: "a", Kind: KindDesign})
	g.Add(&Task{ID: "b", Kind: KindCode})
	g.Add(&Task{ID: "c", Kind: KindTest})
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	return g
}

func TestTopoOrderLinear(t *testing.T) {
	order, err := linearGraph().TopoOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTopoOrderTieBreaksById(t *testing.T) {
	g := NewGraph()
	for _, id := range []string{"z", "m", "a"} {
		g.Add(&Task{ID: id, Kind: KindCode})
	}
	order, err := g.TopoOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "m", "z"}, order)
}

func TestCycleRejected(t *testing.T) {
	g := linearGraph()
	g.AddEdge("c", "a")
	_, err := g.TopoOrder()
	require.Error(t, err)
	assert.Error(t, g.Validate())
}

func TestValidateRejectsUnknownEndpointsAndSelfEdges(t *testing.T) {
	g := NewGraph()
	g.Add(&Task{ID: "a", Kind: KindCode})
	g.AddEdge("a", "ghost")
	assert.Error(t, g.Validate())

	g2 := NewGraph()
	g2.Add(&Task{ID: "a", Kind: KindCode})
	g2.AddEdge("a", "a")
	assert.Error(t, g2.Validate())
}

func TestValidateRejectsEmptyGraph(t *testing.T) {
	assert.Error(t, NewGraph().Validate())
}

func TestDepthAndSinks(t *testing.T) {
	g := NewGraph()
	for _, id := range []string{"root", "mid1", "mid2", "sink"} {
		g.Add(&Task{ID: id, Kind: KindCode})
	}
	g.AddEdge("root", "mid1")
	g.AddEdge("root", "mid2")
	g.AddEdge("mid1", "sink")
	g.AddEdge("mid2", "sink")

	depth := g.Depth()
	assert.Equal(t, 0, depth["root"])
	assert.Equal(t, 1, depth["mid1"])
	assert.Equal(t, 2, depth["sink"])
	assert.Equal(t, []string{"sink"}, g.Sinks())
}

func TestPredecessorsSuccessors(t *testing.T) {
	g := linearGraph()
	assert.Empty(t, g.Predecessors("a"))
	assert.Equal(t, []string{"b"}, g.Predecessors("c"))
	assert.Equal(t, []string{"b"}, g.Successors("a"))
	assert.Empty(t, g.Successors("c"))
}

func TestTaskIDStable(t *testing.T) {
	a := TaskID("r1", 0, KindCode)
	b := TaskID("r1", 0, KindCode)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, TaskID("r1", 1, KindCode))
	assert.NotEqual(t, a, TaskID("r2", 0, KindCode))
	assert.NotEqual(t, a, TaskID("r1", 0, KindTest))
}

func TestCriticality(t *testing.T) {
	assert.True(t, (&Task{Kind: KindCode}).Critical())
	assert.True(t, (&Task{Kind: KindDesign}).Critical())
	assert.False(t, (&Task{Kind: KindDoc}).Critical())
	assert.False(t, (&Task{Kind: KindReview}).Critical())
}
