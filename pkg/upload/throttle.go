package upload

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/715d/vulnreach/pkg/callgraph"
	"github.com/715d/vulnreach/pkg/scan"
)

// Throttle limits the rate at which uploads reach the wrapped Uploader.
// Every upload waits for one token; a cancelled context aborts the wait.
type Throttle struct {
	next    Uploader
	limiter *rate.Limiter
}

// NewThrottle allows perSecond uploads per second with bursts of one.
// A perSecond <= 0 does not limit.
func NewThrottle(next Uploader, perSecond float64) *Throttle {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Throttle{next: next, limiter: rate.NewLimiter(limit, 1)}
}

func (t *Throttle) UploadPaths(ctx context.Context, bug string, paths []PathRecord) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.next.UploadPaths(ctx, bug, paths)
}

func (t *Throttle) UploadReachable(ctx context.Context, digest string, constructs []callgraph.NodeMeta) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.next.UploadReachable(ctx, digest, constructs)
}

func (t *Throttle) UploadTouchPoints(ctx context.Context, digest string, touchPoints []scan.TouchPoint) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.next.UploadTouchPoints(ctx, digest, touchPoints)
}
