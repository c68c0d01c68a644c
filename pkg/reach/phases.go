package reach

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/715d/vulnreach/pkg/callgraph"
	"github.com/715d/vulnreach/pkg/classify"
	"github.com/715d/vulnreach/pkg/construct"
	"github.com/715d/vulnreach/pkg/scan"
	"github.com/715d/vulnreach/pkg/upload"
)

// buildGraph is phase 1. It returns the graph and the node indices of the
// effective entry points.
func (r *run) buildGraph(ctx context.Context) (*callgraph.Callgraph, []int, error) {
	start := time.Now()
	slog.Info("building call graph", "strict", r.opts.Strict)

	if err := r.builder.Build(ctx, r.opts.Strict); err != nil {
		return nil, nil, fmt.Errorf("building call graph: %w", err)
	}

	resolver := r.opts.Resolver
	if resolver == nil {
		if rp, ok := r.builder.(ResolverProvider); ok {
			resolver = rp.Resolver()
		}
	}
	g := callgraph.New(r.builder.Graph(), resolver)

	r.mu.Lock()
	r.graph = g
	r.mu.Unlock()

	unresolved := g.Unresolved()
	for _, id := range unresolved.Sorted() {
		slog.Debug("construct without archive", "construct", id.QName)
	}

	r.stats.set("cg_construction_ms", r.builder.ConstructionTime().Milliseconds())
	r.stats.set("cg_nodes", g.NodeCount())
	r.stats.set("cg_edges", g.EdgeCount())
	r.stats.set("cg_unresolved", unresolved.Len())
	graphSize.WithLabelValues("nodes").Set(float64(g.NodeCount()))
	graphSize.WithLabelValues("edges").Set(float64(g.EdgeCount()))

	var entries []int
	for _, id := range r.builder.EntryPoints().Sorted() {
		if r.opts.EntryFilter != nil && !r.opts.EntryFilter.MatchString(id.QName) {
			continue
		}
		i := g.IndexOf(id)
		if i == callgraph.NotFound {
			slog.Warn("entry point not in call graph", "construct", id.QName)
			continue
		}
		if !g.MetadataOf(i).Resolved() {
			slog.Debug("entry point without archive", "construct", id.QName)
		}
		entries = append(entries, i)
	}
	r.stats.set("entry_points", len(entries))

	elapsed := time.Since(start)
	r.stats.set("phase1_ms", elapsed.Milliseconds())
	phaseDuration.WithLabelValues("construct").Observe(elapsed.Seconds())
	slog.Info("call graph built", "nodes", g.NodeCount(), "edges", g.EdgeCount(),
		"entry_points", len(entries), "unresolved", unresolved.Len(), "dur", elapsed)

	if len(entries) == 0 {
		return g, nil, ErrNoEntryPoints
	}
	return g, entries, nil
}

// search is phase 2: one task per bug with a non-empty target set. Each
// task stores and uploads its paths as soon as it completes.
func (r *run) search(ctx context.Context, g *callgraph.Callgraph, entries []int, bugs map[string]construct.Set) error {
	start := time.Now()

	sources := make(map[int]struct{}, len(entries))
	for _, e := range entries {
		sources[e] = struct{}{}
	}

	var (
		pool    errgroup.Group
		pending atomic.Int64
		aggMu   sync.Mutex
		agg     searchSummary
	)
	pool.SetLimit(r.opts.workers())

	submitted := 0
	for _, bug := range slices.Sorted(maps.Keys(bugs)) {
		targets := bugs[bug]
		if targets.Len() == 0 {
			slog.Debug("skipping bug without targets", "bug", bug)
			continue
		}
		submitted++
		pending.Add(1)
		pool.Go(func() error {
			defer pending.Add(-1)
			if ctx.Err() != nil {
				return nil
			}

			var (
				found   []callgraph.Path
				present int
			)
			err := safely(func() (err error) {
				found, present, err = r.searchBug(ctx, g, entries, sources, targets)
				return err
			})
			if err != nil {
				slog.Warn("skipping bug", "bug", bug, "error", err)
				bugsTotal.WithLabelValues("failed").Inc()
				return nil
			}

			aggMu.Lock()
			agg.add(found, present)
			aggMu.Unlock()

			r.onPaths(ctx, bug, toRecords(g, bug, found))
			return nil
		})
	}
	r.stats.set("bugs_total", submitted)

	if err := await(ctx, &pool, "search", &pending, r.opts.StatusInterval); err != nil {
		return err
	}

	aggMu.Lock()
	agg.record(r.stats)
	aggMu.Unlock()

	elapsed := time.Since(start)
	r.stats.set("phase2_ms", elapsed.Milliseconds())
	phaseDuration.WithLabelValues("search").Observe(elapsed.Seconds())
	slog.Info("path search completed", "bugs", submitted, "reachable", agg.reachable, "dur", elapsed)
	return nil
}

// searchBug returns the paths from the entry points to the targets present
// in g, and the number of such targets.
func (r *run) searchBug(ctx context.Context, g *callgraph.Callgraph, entries []int, sources map[int]struct{}, targets construct.Set) ([]callgraph.Path, int, error) {
	var tgts []int
	for _, id := range targets.Sorted() {
		if i := g.IndexOf(id); i != callgraph.NotFound {
			tgts = append(tgts, i)
		}
	}

	var found []callgraph.Path
	for _, t := range tgts {
		if r.opts.ShortestOnly {
			shortest := g.ShortestPathsTo(t, sources)
			for _, s := range entries {
				if p, ok := shortest[s]; ok {
					found = append(found, p)
				}
			}
			continue
		}
		for _, s := range entries {
			ps, err := r.opts.Enumerator.AllPaths(ctx, g, s, t)
			if err != nil {
				return nil, len(tgts), err
			}
			found = append(found, ps...)
		}
	}
	return found, len(tgts), nil
}

// onPaths is called exactly once per successfully searched bug.
func (r *run) onPaths(ctx context.Context, bug string, records []upload.PathRecord) {
	r.mu.Lock()
	r.paths[bug] = records
	r.mu.Unlock()

	result := "unreachable"
	if len(records) > 0 {
		result = "reachable"
	}
	bugsTotal.WithLabelValues(result).Inc()
	for _, rec := range records {
		pathLength.Observe(float64(rec.Len()))
	}

	err := r.opts.Uploader.UploadPaths(ctx, bug, upload.CapPaths(bug, records, r.opts.MaxPathsPerTarget))
	observeUpload("paths", err)
	if err != nil {
		slog.Warn("uploading paths failed", "bug", bug, "error", err)
	}
}

func toRecords(g *callgraph.Callgraph, bug string, found []callgraph.Path) []upload.PathRecord {
	records := make([]upload.PathRecord, 0, len(found))
	for _, p := range found {
		ids := p.IDs(g)
		records = append(records, upload.PathRecord{
			Bug:        bug,
			Source:     ids[0],
			Target:     ids[len(ids)-1],
			Constructs: ids,
		})
	}
	return records
}

// scanGraph is phase 3: the node index space is split into one partition
// per worker, scanned in parallel and merged.
func (r *run) scanGraph(ctx context.Context, g *callgraph.Callgraph) error {
	start := time.Now()

	apps := r.opts.AppConstructs
	if apps == nil {
		if al, ok := r.builder.(AppLister); ok {
			apps = al.AppConstructs()
		}
	}
	filter := classify.NewFilter(r.opts.Blacklist.Platform, r.opts.Blacklist.Custom)
	index := classify.NewAppIndex(apps)

	parts := scan.Partitions(g.NodeCount(), r.opts.workers())
	slog.Debug("scanning graph", "partitions", len(parts),
		"app_constructs", index.Len(), "blacklist", filter.Blacklist())

	// Each task writes only its own slot.
	results := make([]*scan.Result, len(parts))

	var (
		pool    errgroup.Group
		pending atomic.Int64
	)
	pool.SetLimit(r.opts.workers())
	for i, part := range parts {
		pending.Add(1)
		pool.Go(func() error {
			defer pending.Add(-1)
			s := &scan.Scanner{
				Graph:       g,
				Filter:      filter,
				Apps:        index,
				Range:       part,
				TouchPoints: r.opts.TouchPoints,
			}
			err := safely(func() (err error) {
				results[i], err = s.Run(ctx)
				return err
			})
			if err != nil {
				slog.Warn("skipping partition", "range", part.String(), "error", err)
				results[i] = nil
				return nil
			}
			scannedNodes.Add(float64(part.Len()))
			return nil
		})
	}

	if err := await(ctx, &pool, "scan", &pending, r.opts.StatusInterval); err != nil {
		return err
	}

	merged := scan.NewResult()
	for _, res := range results {
		merged.Merge(res)
	}

	r.mu.Lock()
	r.scan = merged
	r.mu.Unlock()

	r.stats.set("reachable_constructs", merged.ReachableCount())
	r.stats.set("touch_points", merged.TouchPointCount())
	r.stats.set("unattributed", merged.Unattributed)

	for _, digest := range merged.Digests() {
		if reachable := merged.ReachableOf(digest); len(reachable) > 0 {
			err := r.opts.Uploader.UploadReachable(ctx, digest, reachable)
			observeUpload("reachable", err)
			if err != nil {
				slog.Warn("uploading reachable constructs failed", "digest", digest, "error", err)
			}
		}
		if !r.opts.TouchPoints {
			continue
		}
		if tps := merged.TouchPointsOf(digest); len(tps) > 0 {
			err := r.opts.Uploader.UploadTouchPoints(ctx, digest, tps)
			observeUpload("touchpoints", err)
			if err != nil {
				slog.Warn("uploading touch points failed", "digest", digest, "error", err)
			}
		}
	}

	elapsed := time.Since(start)
	r.stats.set("phase3_ms", elapsed.Milliseconds())
	phaseDuration.WithLabelValues("scan").Observe(elapsed.Seconds())
	slog.Info("scan completed", "partitions", len(parts),
		"reachable", merged.ReachableCount(), "touch_points", merged.TouchPointCount(), "dur", elapsed)
	return nil
}

// await blocks until every task of pool has finished or ctx is done,
// logging the number of outstanding tasks every interval. Tasks still
// running when ctx is done are left to finish on their own.
func await(ctx context.Context, pool *errgroup.Group, phase string, pending *atomic.Int64, interval time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- pool.Wait()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			slog.Info("waiting for workers", "phase", phase, "remaining", pending.Load())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// safely runs fn, turning a panic into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// searchSummary aggregates per-bug search results into run statistics.
type searchSummary struct {
	reachable int
	pathLen   summary
	targets   summary
}

func (s *searchSummary) add(found []callgraph.Path, targets int) {
	if len(found) > 0 {
		s.reachable++
	}
	for _, p := range found {
		s.pathLen.add(p.Len())
	}
	s.targets.add(targets)
}

func (s *searchSummary) record(st *stats) {
	st.set("bugs_reachable", s.reachable)
	s.pathLen.record(st, "path_len")
	s.targets.record(st, "target_count")
}

type summary struct {
	n, sum, min, max int
}

func (s *summary) add(v int) {
	if s.n == 0 || v < s.min {
		s.min = v
	}
	if s.n == 0 || v > s.max {
		s.max = v
	}
	s.n++
	s.sum += v
}

// record writes min, avg and max under prefix. Nothing is written for an
// empty summary.
func (s *summary) record(st *stats, prefix string) {
	if s.n == 0 {
		return
	}
	st.set(prefix+"_min", s.min)
	st.set(prefix+"_avg", fmt.Sprintf("%.2f", float64(s.sum)/float64(s.n)))
	st.set(prefix+"_max", s.max)
}
