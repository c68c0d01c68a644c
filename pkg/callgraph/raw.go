package callgraph

import (
	"iter"

	"github.com/715d/vulnreach/pkg/construct"
)

// RawGraph is the directed graph over constructs produced by a call graph
// construction engine. Only vertex and successor enumeration is required.
type RawGraph interface {
	// Vertices yields every vertex of the graph.
	Vertices() iter.Seq[construct.ID]

	// Successors yields the direct callees of v.
	Successors(v construct.ID) iter.Seq[construct.ID]
}

// MapGraph is an in-memory RawGraph that preserves insertion order.
type MapGraph struct {
	order []construct.ID
	ids   map[string]construct.ID
	succ  map[string][]construct.ID
	edges map[[2]string]struct{}
}

// NewMapGraph returns an empty MapGraph.
func NewMapGraph() *MapGraph {
	return &MapGraph{
		ids:   make(map[string]construct.ID),
		succ:  make(map[string][]construct.ID),
		edges: make(map[[2]string]struct{}),
	}
}

// AddVertex adds v if it is not present yet.
func (g *MapGraph) AddVertex(v construct.ID) {
	if _, ok := g.ids[v.QName]; ok {
		return
	}
	g.ids[v.QName] = v
	g.order = append(g.order, v)
}

// AddEdge adds the edge from → to, adding both vertices as needed.
// Parallel edges are collapsed.
func (g *MapGraph) AddEdge(from, to construct.ID) {
	g.AddVertex(from)
	g.AddVertex(to)
	key := [2]string{from.QName, to.QName}
	if _, ok := g.edges[key]; ok {
		return
	}
	g.edges[key] = struct{}{}
	g.succ[from.QName] = append(g.succ[from.QName], g.ids[to.QName])
}

// Len returns the number of vertices.
func (g *MapGraph) Len() int { return len(g.order) }

// EdgeLen returns the number of distinct edges.
func (g *MapGraph) EdgeLen() int { return len(g.edges) }

func (g *MapGraph) Vertices() iter.Seq[construct.ID] {
	return func(yield func(construct.ID) bool) {
		for _, v := range g.order {
			if !yield(v) {
				return
			}
		}
	}
}

func (g *MapGraph) Successors(v construct.ID) iter.Seq[construct.ID] {
	return func(yield func(construct.ID) bool) {
		for _, s := range g.succ[v.QName] {
			if !yield(s) {
				return
			}
		}
	}
}
