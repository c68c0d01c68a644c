// Package callgraph provides a compact, integer indexed call graph with
// per-node provenance, and shortest distance and shortest path algorithms
// over it.
//
// A Callgraph is built once per analysis run by a single goroutine and is
// read-only afterwards, so it may be shared by any number of readers.
package callgraph

import (
	"fmt"
	"math"
	"slices"

	"github.com/715d/vulnreach/pkg/construct"
	"github.com/715d/vulnreach/pkg/provenance"
)

// NotFound is the index reported for constructs that are not in the graph.
const NotFound = -1

// Infinite is the distance of nodes that cannot reach the target.
const Infinite = math.MaxInt

// Callgraph is a directed graph whose nodes are dense integer indices in
// [0, NodeCount()), assigned in discovery order while importing a RawGraph.
// Indices are not stable across Callgraph instances.
type Callgraph struct {
	index map[string]int // original qualified name -> index
	alias map[string]int // normalized qualified name -> index
	ids   []construct.ID
	meta  []NodeMeta
	succ  [][]int
	pred  [][]int
	edges int

	prov *Provenance
}

// New imports raw. Every vertex gets exactly one index the first time it is
// seen as a vertex or successor; metadata is computed once per vertex with a
// fresh provenance cache in front of resolver.
func New(raw RawGraph, resolver provenance.Resolver) *Callgraph {
	g := &Callgraph{
		index: make(map[string]int),
		alias: make(map[string]int),
		prov:  NewProvenance(resolver),
	}

	seen := make(map[[2]int]struct{})
	for v := range raw.Vertices() {
		from := g.intern(v)
		for s := range raw.Successors(v) {
			to := g.intern(s)
			key := [2]int{from, to}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			g.succ[from] = append(g.succ[from], to)
			g.pred[to] = append(g.pred[to], from)
			g.edges++
		}
	}
	return g
}

func (g *Callgraph) intern(id construct.ID) int {
	if i, ok := g.index[id.QName]; ok {
		return i
	}
	i := len(g.ids)
	g.index[id.QName] = i
	g.ids = append(g.ids, id)
	meta := g.prov.Meta(id)
	g.meta = append(g.meta, meta)
	g.succ = append(g.succ, nil)
	g.pred = append(g.pred, nil)
	if !meta.Normalized.IsZero() {
		if _, ok := g.alias[meta.Normalized.QName]; !ok {
			g.alias[meta.Normalized.QName] = i
		}
	}
	return i
}

// NodeCount returns the number of nodes.
func (g *Callgraph) NodeCount() int { return len(g.ids) }

// EdgeCount returns the number of distinct edges.
func (g *Callgraph) EdgeCount() int { return g.edges }

// IndexOf returns the index of id, looking it up by original and then by
// normalized identity. It returns NotFound if id is not in the graph.
func (g *Callgraph) IndexOf(id construct.ID) int {
	if i, ok := g.index[id.QName]; ok {
		return i
	}
	if i, ok := g.alias[id.QName]; ok {
		return i
	}
	return NotFound
}

// IdentityOf returns the original construct of node i.
// It panics if i is out of range.
func (g *Callgraph) IdentityOf(i int) construct.ID {
	g.check(i)
	return g.ids[i]
}

// MetadataOf returns the metadata of node i.
// It panics if i is out of range.
func (g *Callgraph) MetadataOf(i int) NodeMeta {
	g.check(i)
	return g.meta[i]
}

// Successors returns the direct callees of node i. The slice must not be
// modified.
func (g *Callgraph) Successors(i int) []int { return g.succ[i] }

// Predecessors returns the direct callers of node i. The slice must not be
// modified.
func (g *Callgraph) Predecessors(i int) []int { return g.pred[i] }

// Unresolved returns the constructs whose archive could not be resolved
// while building the graph.
func (g *Callgraph) Unresolved() construct.Set { return g.prov.Unresolved() }

func (g *Callgraph) check(i int) {
	if i < 0 || i >= len(g.ids) {
		panic(fmt.Sprintf("callgraph: node index %d out of range [0, %d)", i, len(g.ids)))
	}
}

// Path is a sequence of node indices; consecutive nodes are connected by an
// edge.
type Path []int

// Len returns the number of edges of p.
func (p Path) Len() int { return max(len(p)-1, 0) }

// IDs returns the effective identities along p.
func (p Path) IDs(g *Callgraph) []construct.ID {
	ids := make([]construct.ID, len(p))
	for i, n := range p {
		ids[i] = g.MetadataOf(n).Effective()
	}
	return ids
}

// Compare orders paths lexicographically by node index.
func (p Path) Compare(other Path) int {
	return slices.Compare(p, other)
}

// DistancesTo returns, for every node, the length of the shortest directed
// path to target. Nodes that cannot reach target get Infinite.
func (g *Callgraph) DistancesTo(target int) map[int]int {
	g.check(target)

	dist := make(map[int]int, len(g.ids))
	for i := range g.ids {
		dist[i] = Infinite
	}
	dist[target] = 0

	level := []int{target}
	for d := 1; len(level) > 0; d++ {
		var next []int
		for _, n := range level {
			for _, p := range g.pred[n] {
				if dist[p] != Infinite {
					continue
				}
				dist[p] = d
				next = append(next, p)
			}
		}
		level = next
	}
	return dist
}

// ShortestPathsTo returns a shortest path to target for every node that can
// reach it, keyed by the path's first node. The target maps to the
// single-node path.
//
// If stop is non-empty, the search ends after the first level in which any
// node of stop has been reached; nodes farther away are then absent.
// Among equally short paths the one found first wins.
func (g *Callgraph) ShortestPathsTo(target int, stop map[int]struct{}) map[int]Path {
	g.check(target)

	paths := map[int]Path{target: {target}}
	if _, ok := stop[target]; ok {
		return paths
	}

	level := []int{target}
	for len(level) > 0 {
		var next []int
		found := false
		for _, n := range level {
			for _, p := range g.pred[n] {
				if _, ok := paths[p]; ok {
					continue
				}
				path := make(Path, 0, len(paths[n])+1)
				path = append(path, p)
				path = append(path, paths[n]...)
				paths[p] = path
				next = append(next, p)
				if _, ok := stop[p]; ok {
					found = true
				}
			}
		}
		if found {
			break
		}
		level = next
	}
	return paths
}
