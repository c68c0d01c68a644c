// Package reach runs the three-phase reachability analysis: call graph
// construction, per-bug path search and the partitioned scan for reachable
// library constructs and touch points.
package reach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/715d/vulnreach/pkg/callgraph"
	"github.com/715d/vulnreach/pkg/construct"
	"github.com/715d/vulnreach/pkg/scan"
	"github.com/715d/vulnreach/pkg/upload"
)

var (
	ErrNoBuilder     = errors.New("no call graph builder configured")
	ErrNoEntryPoints = errors.New("no entry points")
	ErrTimeout       = errors.New("analysis timed out")
)

// Analyzer runs reachability analyses. An Analyzer holds no state between
// runs; every Run builds its own graph, filter and caches.
type Analyzer struct {
	builder Builder
	opts    Options
}

// NewAnalyzer returns an Analyzer using builder to construct the call graph.
func NewAnalyzer(builder Builder, opts Options) *Analyzer {
	return &Analyzer{builder: builder, opts: opts.withDefaults()}
}

// Result is the outcome of one run. Stats is always set; keys of phases
// that did not complete are absent.
type Result struct {
	Success bool                           `json:"success"`
	Err     error                          `json:"-"`
	Stats   map[string]string              `json:"stats"`
	Paths   map[string][]upload.PathRecord `json:"paths"`
	Scan    *scan.Result                   `json:"-"`
	Graph   *callgraph.Callgraph           `json:"-"`
}

// Reachable returns the ids of bugs with at least one path.
func (r *Result) Reachable() []string {
	var bugs []string
	for bug, p := range r.Paths {
		if len(p) > 0 {
			bugs = append(bugs, bug)
		}
	}
	slices.Sort(bugs)
	return bugs
}

// Run analyzes reachability of every bug's target constructs.
//
// Construction failures, a missing entry point set and the timeout end the
// run with Success false; Result.Err tells which. ErrNoEntryPoints is only
// known once the graph has been built and the entry filter applied, so it
// is reported after phase 1, with the construction stats already set.
// Failures while searching one bug or scanning one partition are logged and
// skip only that unit.
//
// At timeout the pipeline context is cancelled and Run returns at once.
// Phase workers stop at their next cancellation check, so some may still be
// running in the background after Run has returned.
func (a *Analyzer) Run(ctx context.Context, bugs map[string]construct.Set) (*Result, error) {
	if a.builder == nil {
		return nil, ErrNoBuilder
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := newRun(a.builder, a.opts)
	start := time.Now()

	done := make(chan error, 1)
	go func() {
		done <- r.pipeline(runCtx, bugs)
	}()

	ticker := time.NewTicker(a.opts.StatusInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if a.opts.Timeout > 0 {
		timer := time.NewTimer(a.opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case err := <-done:
			return r.finish(err, time.Since(start)), nil
		case <-ticker.C:
			logStatus(start, a.opts.Timeout)
		case <-deadline:
			cancel()
			r.stats.set("timeout", "true")
			slog.Error("analysis timed out", "timeout", a.opts.Timeout)
			return r.finish(ErrTimeout, time.Since(start)), nil
		case <-ctx.Done():
			return r.finish(ctx.Err(), time.Since(start)), nil
		}
	}
}

func logStatus(start time.Time, timeout time.Duration) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	elapsed := time.Since(start).Round(time.Second)
	attrs := []any{"elapsed", elapsed, "heap_mb", ms.HeapAlloc >> 20, "sys_mb", ms.Sys >> 20}
	if timeout > 0 {
		attrs = append(attrs, "remaining", (timeout - elapsed).Round(time.Second))
	}
	slog.Info("analysis running", attrs...)
}

// run is the state of a single Analyzer.Run. Everything the pipeline
// goroutine writes and Run reads is guarded by mu.
type run struct {
	builder Builder
	opts    Options

	stats *stats

	mu    sync.Mutex
	paths map[string][]upload.PathRecord
	scan  *scan.Result
	graph *callgraph.Callgraph
}

func newRun(builder Builder, opts Options) *run {
	return &run{
		builder: builder,
		opts:    opts,
		stats:   newStats(),
		paths:   make(map[string][]upload.PathRecord),
	}
}

func (r *run) pipeline(ctx context.Context, bugs map[string]construct.Set) error {
	g, entries, err := r.buildGraph(ctx)
	if err != nil {
		return err
	}
	if err := r.search(ctx, g, entries, bugs); err != nil {
		return fmt.Errorf("searching paths: %w", err)
	}
	if err := r.scanGraph(ctx, g); err != nil {
		return fmt.Errorf("scanning graph: %w", err)
	}
	return nil
}

func (r *run) finish(err error, elapsed time.Duration) *Result {
	r.stats.set("elapsed_ms", elapsed.Milliseconds())

	outcome := "success"
	switch {
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "failure"
		slog.Error("analysis failed", "error", err)
	}
	runsTotal.WithLabelValues(outcome).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	res := &Result{
		Success: err == nil,
		Err:     err,
		Stats:   r.stats.snapshot(),
		Paths:   maps.Clone(r.paths),
		Scan:    r.scan,
		Graph:   r.graph,
	}
	if res.Paths == nil {
		res.Paths = make(map[string][]upload.PathRecord)
	}
	return res
}

// stats is the string-valued statistics map of a run.
type stats struct {
	mu sync.Mutex
	m  map[string]string
}

func newStats() *stats {
	return &stats{m: make(map[string]string)}
}

func (s *stats) set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = fmt.Sprint(value)
}

func (s *stats) snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.m)
}
