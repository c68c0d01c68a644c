package reach

import (
	"context"
	"regexp"
	"runtime"
	"time"

	"github.com/715d/vulnreach/pkg/callgraph"
	"github.com/715d/vulnreach/pkg/construct"
	"github.com/715d/vulnreach/pkg/paths"
	"github.com/715d/vulnreach/pkg/provenance"
	"github.com/715d/vulnreach/pkg/upload"
)

// Builder constructs the raw call graph of the analyzed program.
type Builder interface {
	// Build constructs the graph. With strict set, a configured entry point
	// that cannot be found is an error instead of a warning.
	Build(ctx context.Context, strict bool) error
	// Graph returns the graph produced by Build.
	Graph() callgraph.RawGraph
	// EntryPoints returns the entry points Build actually used.
	EntryPoints() construct.Set
	// ConstructionTime returns how long Build took.
	ConstructionTime() time.Duration
}

// AppLister is implemented by builders that know which constructs belong to
// the application.
type AppLister interface {
	AppConstructs() construct.Set
}

// ResolverProvider is implemented by builders that can attribute constructs
// to archives.
type ResolverProvider interface {
	Resolver() provenance.Resolver
}

// Blacklist holds the two prefix lists excluded from reachable constructs
// and touch points.
type Blacklist struct {
	Platform []string
	Custom   []string
}

// Options configures an Analyzer.
type Options struct {
	Timeout           time.Duration // 0 means unbounded
	ShortestOnly      bool          // search one shortest path per entry point instead of all paths
	TouchPoints       bool          // collect touch points in phase 3
	MaxPathsPerTarget int           // uploaded paths per target construct; 0 means unbounded
	Workers           int           // fixed pool size; 0 means WorkerFactor * GOMAXPROCS
	WorkerFactor      int
	Enumerator        paths.Enumerator // defaults to paths.PrunedGraph
	Strict            bool
	EntryFilter       *regexp.Regexp // keeps only matching entry points when set
	Blacklist         Blacklist
	StatusInterval    time.Duration // watchdog and pool progress logging

	// AppConstructs overrides the builder's application constructs.
	AppConstructs construct.Set
	// Resolver overrides the builder's resolver.
	Resolver provenance.Resolver
	Uploader upload.Uploader
}

// DefaultStatusInterval is used when Options.StatusInterval is zero.
const DefaultStatusInterval = 30 * time.Second

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return max(o.WorkerFactor, 1) * runtime.GOMAXPROCS(0)
}

func (o Options) withDefaults() Options {
	if o.Enumerator == nil {
		o.Enumerator = paths.PrunedGraph{}
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = DefaultStatusInterval
	}
	if o.Uploader == nil {
		o.Uploader = upload.Nop{}
	}
	return o
}
