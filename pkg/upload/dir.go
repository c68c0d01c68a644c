package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/715d/vulnreach/pkg/callgraph"
	"github.com/715d/vulnreach/pkg/scan"
)

// Dir writes every upload as an indented JSON document below a root
// directory:
//
//	<root>/paths/<bug>.json
//	<root>/reachable/<digest>.json
//	<root>/touchpoints/<digest>.json
//
// Every document carries the run id of the Dir that wrote it, so documents
// of successive runs into the same root can be told apart.
type Dir struct {
	root string
	run  string
}

// NewDir returns a Dir uploader writing below root under a fresh run id.
func NewDir(root string) *Dir {
	return &Dir{root: root, run: uuid.NewString()}
}

// Run returns the run id stamped on every document.
func (d *Dir) Run() string { return d.run }

type document struct {
	Run       string    `json:"run"`
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	Items     any       `json:"items"`
}

func (d *Dir) UploadPaths(ctx context.Context, bug string, paths []PathRecord) error {
	return d.write(ctx, "paths", bug, paths)
}

func (d *Dir) UploadReachable(ctx context.Context, digest string, constructs []callgraph.NodeMeta) error {
	return d.write(ctx, "reachable", digest, constructs)
}

func (d *Dir) UploadTouchPoints(ctx context.Context, digest string, touchPoints []scan.TouchPoint) error {
	return d.write(ctx, "touchpoints", digest, touchPoints)
}

func (d *Dir) write(ctx context.Context, kind, key string, items any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Join(d.root, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(document{
		Run:       d.run,
		Key:       key,
		Timestamp: time.Now().UTC(),
		Items:     items,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s %s: %w", kind, key, err)
	}

	path := filepath.Join(dir, FileName(key)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// FileName maps an arbitrary key (bug id, archive digest) to a safe file
// name.
func FileName(key string) string {
	if key == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '.', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}
