// Package paths enumerates all simple paths between two call graph nodes.
//
// Two strategies are provided. DirectDFS walks the whole graph from the
// source. PrunedGraph first restricts the graph to the nodes that can reach
// the target and walks only those. Both return the same set of paths.
package paths

import (
	"context"
	"fmt"
	"slices"

	"github.com/715d/vulnreach/pkg/callgraph"
)

// Graph is the read-only view of a call graph needed for path enumeration.
type Graph interface {
	NodeCount() int
	Successors(i int) []int
	Predecessors(i int) []int
}

// Enumerator returns all simple paths (no repeated node) from src to tgt,
// sorted lexicographically. The result is empty if tgt is unreachable.
type Enumerator interface {
	AllPaths(ctx context.Context, g Graph, src, tgt int) ([]callgraph.Path, error)
}

// Strategy names accepted by ByName.
const (
	StrategyDFS    = "dfs"
	StrategyPruned = "pruned"
)

// ByName returns the enumerator for a configured strategy name.
// limit caps the number of paths per call; 0 means unbounded.
func ByName(name string, limit int) (Enumerator, error) {
	switch name {
	case StrategyDFS:
		return DirectDFS{Limit: limit}, nil
	case "", StrategyPruned:
		return PrunedGraph{Limit: limit}, nil
	default:
		return nil, fmt.Errorf("unknown path strategy %q (want %s or %s)", name, StrategyDFS, StrategyPruned)
	}
}

// DirectDFS enumerates paths with a plain depth-first walk from the source.
type DirectDFS struct {
	Limit int
}

func (d DirectDFS) AllPaths(ctx context.Context, g Graph, src, tgt int) ([]callgraph.Path, error) {
	if err := checkNodes(g, src, tgt); err != nil {
		return nil, err
	}
	w := newWalker(ctx, g, tgt, d.Limit, nil)
	err := w.walk(src)
	return w.result(), err
}

// PrunedGraph enumerates paths over the subgraph of nodes that can reach the
// target.
type PrunedGraph struct {
	Limit int
}

func (p PrunedGraph) AllPaths(ctx context.Context, g Graph, src, tgt int) ([]callgraph.Path, error) {
	if err := checkNodes(g, src, tgt); err != nil {
		return nil, err
	}
	relevant := backwardClosure(g, tgt)
	if !relevant[src] {
		return nil, nil
	}
	w := newWalker(ctx, g, tgt, p.Limit, relevant)
	err := w.walk(src)
	return w.result(), err
}

// backwardClosure marks every node from which tgt is reachable.
func backwardClosure(g Graph, tgt int) []bool {
	relevant := make([]bool, g.NodeCount())
	relevant[tgt] = true
	stack := []int{tgt}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range g.Predecessors(n) {
			if !relevant[p] {
				relevant[p] = true
				stack = append(stack, p)
			}
		}
	}
	return relevant
}

func checkNodes(g Graph, nodes ...int) error {
	for _, n := range nodes {
		if n < 0 || n >= g.NodeCount() {
			return fmt.Errorf("node index %d out of range [0, %d)", n, g.NodeCount())
		}
	}
	return nil
}

// ctxCheckInterval is the number of visited nodes between context checks.
const ctxCheckInterval = 1 << 12

type walker struct {
	ctx     context.Context
	g       Graph
	tgt     int
	limit   int
	allowed []bool // nil means every node

	onStack []bool
	stack   callgraph.Path
	found   []callgraph.Path
	visits  int
	done    bool
}

func newWalker(ctx context.Context, g Graph, tgt, limit int, allowed []bool) *walker {
	return &walker{
		ctx:     ctx,
		g:       g,
		tgt:     tgt,
		limit:   limit,
		allowed: allowed,
		onStack: make([]bool, g.NodeCount()),
	}
}

func (w *walker) walk(n int) error {
	if w.done {
		return nil
	}
	w.visits++
	if w.visits%ctxCheckInterval == 0 {
		if err := w.ctx.Err(); err != nil {
			w.done = true
			return err
		}
	}

	w.stack = append(w.stack, n)
	defer func() { w.stack = w.stack[:len(w.stack)-1] }()

	if n == w.tgt {
		w.found = append(w.found, slices.Clone(w.stack))
		if w.limit > 0 && len(w.found) >= w.limit {
			w.done = true
		}
		return nil
	}

	w.onStack[n] = true
	defer func() { w.onStack[n] = false }()

	for _, s := range w.g.Successors(n) {
		if w.onStack[s] || (w.allowed != nil && !w.allowed[s]) {
			continue
		}
		if err := w.walk(s); err != nil {
			return err
		}
		if w.done {
			return nil
		}
	}
	return nil
}

func (w *walker) result() []callgraph.Path {
	slices.SortFunc(w.found, callgraph.Path.Compare)
	return w.found
}
