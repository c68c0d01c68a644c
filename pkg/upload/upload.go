// Package upload hands analysis results to a backend.
//
// Uploads are fire-and-forget from the analyzer's point of view: errors are
// reported back to the caller, which logs them and carries on.
package upload

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/715d/vulnreach/pkg/callgraph"
	"github.com/715d/vulnreach/pkg/construct"
	"github.com/715d/vulnreach/pkg/scan"
)

// PathRecord is one call chain from an entry point to a vulnerable construct.
type PathRecord struct {
	Bug        string         `json:"bug"`
	Source     construct.ID   `json:"source"`
	Target     construct.ID   `json:"target"`
	Constructs []construct.ID `json:"path"`
}

// Len returns the number of calls along the path.
func (p PathRecord) Len() int { return max(len(p.Constructs)-1, 0) }

// Uploader receives per-bug paths and per-archive reachable constructs and
// touch points.
type Uploader interface {
	UploadPaths(ctx context.Context, bug string, paths []PathRecord) error
	UploadReachable(ctx context.Context, digest string, constructs []callgraph.NodeMeta) error
	UploadTouchPoints(ctx context.Context, digest string, touchPoints []scan.TouchPoint) error
}

// CapPaths keeps at most limit paths per distinct target construct, shortest
// first. A limit < 1 keeps everything. Dropped paths are logged.
func CapPaths(bug string, paths []PathRecord, limit int) []PathRecord {
	if limit < 1 {
		return paths
	}

	byTarget := make(map[string][]PathRecord)
	var targets []string
	for _, p := range paths {
		if _, ok := byTarget[p.Target.QName]; !ok {
			targets = append(targets, p.Target.QName)
		}
		byTarget[p.Target.QName] = append(byTarget[p.Target.QName], p)
	}

	out := make([]PathRecord, 0, min(len(paths), limit*len(targets)))
	for _, target := range targets {
		group := byTarget[target]
		if len(group) > limit {
			slog.Warn("dropping paths above limit",
				"bug", bug, "target", target, "found", len(group), "limit", limit)
			group = slices.Clone(group)
			slices.SortStableFunc(group, func(a, b PathRecord) int {
				return cmp.Compare(a.Len(), b.Len())
			})
			group = group[:limit]
		}
		out = append(out, group...)
	}
	return out
}

// Nop discards everything.
type Nop struct{}

func (Nop) UploadPaths(context.Context, string, []PathRecord) error { return nil }

func (Nop) UploadReachable(context.Context, string, []callgraph.NodeMeta) error { return nil }

func (Nop) UploadTouchPoints(context.Context, string, []scan.TouchPoint) error { return nil }

// Log reports summaries of every upload through slog.
type Log struct{}

func (Log) UploadPaths(_ context.Context, bug string, paths []PathRecord) error {
	slog.Info("paths", "bug", bug, "count", len(paths))
	for _, p := range paths {
		slog.Debug("path", "bug", bug, "source", p.Source.QName, "target", p.Target.QName, "len", p.Len())
	}
	return nil
}

func (Log) UploadReachable(_ context.Context, digest string, constructs []callgraph.NodeMeta) error {
	slog.Info("reachable constructs", "digest", digest, "count", len(constructs))
	return nil
}

func (Log) UploadTouchPoints(_ context.Context, digest string, touchPoints []scan.TouchPoint) error {
	slog.Info("touch points", "digest", digest, "count", len(touchPoints))
	return nil
}

// Multi fans every upload out to all of its members and joins their errors.
type Multi []Uploader

func (m Multi) UploadPaths(ctx context.Context, bug string, paths []PathRecord) error {
	var errs []error
	for _, u := range m {
		errs = append(errs, u.UploadPaths(ctx, bug, paths))
	}
	return errors.Join(errs...)
}

func (m Multi) UploadReachable(ctx context.Context, digest string, constructs []callgraph.NodeMeta) error {
	var errs []error
	for _, u := range m {
		errs = append(errs, u.UploadReachable(ctx, digest, constructs))
	}
	return errors.Join(errs...)
}

func (m Multi) UploadTouchPoints(ctx context.Context, digest string, touchPoints []scan.TouchPoint) error {
	var errs []error
	for _, u := range m {
		errs = append(errs, u.UploadTouchPoints(ctx, digest, touchPoints))
	}
	return errors.Join(errs...)
}
