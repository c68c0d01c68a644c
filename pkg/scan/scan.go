// Package scan classifies contiguous ranges of call graph nodes and collects
// the reachable library constructs and the touch points between application
// and library code.
package scan

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/715d/vulnreach/pkg/callgraph"
	"github.com/715d/vulnreach/pkg/classify"
)

// Range is the half-open node index range [Min, Max).
type Range struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Len returns the number of nodes in r.
func (r Range) Len() int { return r.Max - r.Min }

func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Min, r.Max) }

// Partitions splits [0, nodeCount) into k contiguous ranges of equal size;
// the last range absorbs the remainder. k < 1 is treated as 1.
func Partitions(nodeCount, k int) []Range {
	k = max(k, 1)
	nodeCount = max(nodeCount, 0)
	size := nodeCount / k
	parts := make([]Range, k)
	for i := range k {
		parts[i] = Range{Min: i * size, Max: (i + 1) * size}
	}
	parts[k-1].Max = nodeCount
	return parts
}

// Direction tells which side of a touch point is the application.
type Direction string

const (
	AppToLib Direction = "app->lib"
	LibToApp Direction = "lib->app"
)

// TouchPoint is a direct call edge crossing the application/library
// boundary.
type TouchPoint struct {
	From      callgraph.NodeMeta `json:"from"`
	To        callgraph.NodeMeta `json:"to"`
	Direction Direction          `json:"direction"`
}

// Library returns the library side of t.
func (t TouchPoint) Library() callgraph.NodeMeta {
	if t.Direction == LibToApp {
		return t.From
	}
	return t.To
}

// Graph is the read-only view of a call graph needed by a Scanner.
type Graph interface {
	NodeCount() int
	Successors(i int) []int
	MetadataOf(i int) callgraph.NodeMeta
}

// Scanner collects reachable constructs and touch points of one range.
// Scanners over disjoint ranges of the same graph may run in parallel.
type Scanner struct {
	Graph       Graph
	Filter      *classify.Filter
	Apps        *classify.AppIndex
	Range       Range
	TouchPoints bool
}

// ctxCheckInterval is the number of nodes scanned between context checks.
const ctxCheckInterval = 1 << 10

// Run scans the range. Failures on single nodes are logged and skipped. If
// ctx is done the partial result is returned together with ctx's error.
func (s *Scanner) Run(ctx context.Context) (*Result, error) {
	if s.Range.Min < 0 || s.Range.Max > s.Graph.NodeCount() || s.Range.Min > s.Range.Max {
		return nil, fmt.Errorf("range %s outside graph of %d nodes", s.Range, s.Graph.NodeCount())
	}

	res := NewResult()
	for i := s.Range.Min; i < s.Range.Max; i++ {
		if (i-s.Range.Min)%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		if err := s.scanNode(res, i); err != nil {
			slog.Warn("skipping node", "node", i, "range", s.Range.String(), "error", err)
		}
	}
	return res, nil
}

func (s *Scanner) scanNode(res *Result, i int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scanning node: %v", r)
		}
	}()

	meta := s.Graph.MetadataOf(i)
	name := meta.Effective().QName

	if s.Filter.IsLibrary(s.Apps, name) {
		if s.Filter.IsBlacklisted(name) {
			return nil
		}
		res.addReachable(meta)
		if !s.TouchPoints {
			return nil
		}
		// Callbacks from library into application code.
		for _, succ := range s.Graph.Successors(i) {
			sm := s.Graph.MetadataOf(succ)
			if s.Filter.IsApp(s.Apps, sm.Effective().QName) {
				res.addTouchPoint(TouchPoint{From: meta, To: sm, Direction: LibToApp})
			}
		}
		return nil
	}

	if !s.TouchPoints {
		return nil
	}
	for _, succ := range s.Graph.Successors(i) {
		sm := s.Graph.MetadataOf(succ)
		sname := sm.Effective().QName
		if s.Filter.IsLibrary(s.Apps, sname) && !s.Filter.IsBlacklisted(sname) {
			res.addTouchPoint(TouchPoint{From: meta, To: sm, Direction: AppToLib})
		}
	}
	return nil
}

// Result holds reachable constructs and touch points grouped by the archive
// digest of the library side. Library nodes without a digest cannot be
// attributed to an archive and are counted in Unattributed.
type Result struct {
	Reachable    map[string]map[string]callgraph.NodeMeta // digest -> effective qname -> meta
	TouchPoints  map[string]map[TouchPoint]struct{}       // digest -> touch points
	Unattributed int
}

// NewResult returns an empty Result.
func NewResult() *Result {
	return &Result{
		Reachable:   make(map[string]map[string]callgraph.NodeMeta),
		TouchPoints: make(map[string]map[TouchPoint]struct{}),
	}
}

func (r *Result) addReachable(meta callgraph.NodeMeta) {
	if !meta.Resolved() {
		r.Unattributed++
		return
	}
	set, ok := r.Reachable[meta.Digest]
	if !ok {
		set = make(map[string]callgraph.NodeMeta)
		r.Reachable[meta.Digest] = set
	}
	set[meta.Effective().QName] = meta
}

func (r *Result) addTouchPoint(tp TouchPoint) {
	lib := tp.Library()
	if !lib.Resolved() {
		return
	}
	set, ok := r.TouchPoints[lib.Digest]
	if !ok {
		set = make(map[TouchPoint]struct{})
		r.TouchPoints[lib.Digest] = set
	}
	set[tp] = struct{}{}
}

// Merge unions other into r, key by key.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	for digest, set := range other.Reachable {
		dst, ok := r.Reachable[digest]
		if !ok {
			dst = make(map[string]callgraph.NodeMeta, len(set))
			r.Reachable[digest] = dst
		}
		maps.Copy(dst, set)
	}
	for digest, set := range other.TouchPoints {
		dst, ok := r.TouchPoints[digest]
		if !ok {
			dst = make(map[TouchPoint]struct{}, len(set))
			r.TouchPoints[digest] = dst
		}
		maps.Copy(dst, set)
	}
	r.Unattributed += other.Unattributed
}

// ReachableCount returns the number of reachable constructs over all
// archives.
func (r *Result) ReachableCount() int {
	n := 0
	for _, set := range r.Reachable {
		n += len(set)
	}
	return n
}

// TouchPointCount returns the number of touch points over all archives.
func (r *Result) TouchPointCount() int {
	n := 0
	for _, set := range r.TouchPoints {
		n += len(set)
	}
	return n
}

// ReachableOf returns the reachable constructs of one archive sorted by
// effective qualified name.
func (r *Result) ReachableOf(digest string) []callgraph.NodeMeta {
	set := r.Reachable[digest]
	out := slices.Collect(maps.Values(set))
	slices.SortFunc(out, compareMeta)
	return out
}

// TouchPointsOf returns the touch points of one archive in a stable order.
func (r *Result) TouchPointsOf(digest string) []TouchPoint {
	out := slices.Collect(maps.Keys(r.TouchPoints[digest]))
	slices.SortFunc(out, func(a, b TouchPoint) int {
		if c := compareMeta(a.From, b.From); c != 0 {
			return c
		}
		return compareMeta(a.To, b.To)
	})
	return out
}

// Digests returns every archive digest present in r, sorted.
func (r *Result) Digests() []string {
	keys := make(map[string]struct{}, len(r.Reachable)+len(r.TouchPoints))
	for d := range r.Reachable {
		keys[d] = struct{}{}
	}
	for d := range r.TouchPoints {
		keys[d] = struct{}{}
	}
	return slices.Sorted(maps.Keys(keys))
}

func compareMeta(a, b callgraph.NodeMeta) int {
	return cmp.Compare(a.Effective().QName, b.Effective().QName)
}
