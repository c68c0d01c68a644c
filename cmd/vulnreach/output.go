package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/715d/vulnreach/pkg/reach"
	"github.com/715d/vulnreach/pkg/upload"
)

// Report is the printed outcome of a run.
type Report struct {
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Bugs      []BugReport       `json:"bugs"`
	Archives  []ArchiveReport   `json:"archives,omitempty"`
	Stats     map[string]string `json:"stats"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
}

type BugReport struct {
	ID        string              `json:"id"`
	Reachable bool                `json:"reachable"`
	Paths     []upload.PathRecord `json:"paths,omitempty"`
}

type ArchiveReport struct {
	Digest      string `json:"digest"`
	Locator     string `json:"locator"`
	Reachable   int    `json:"reachable_constructs"`
	TouchPoints int    `json:"touch_points"`
}

func newReport(result *reach.Result) Report {
	r := Report{
		Success:   result.Success,
		Stats:     result.Stats,
		Version:   version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if result.Err != nil {
		r.Error = result.Err.Error()
	}

	for _, bug := range slices.Sorted(maps.Keys(result.Paths)) {
		paths := result.Paths[bug]
		r.Bugs = append(r.Bugs, BugReport{ID: bug, Reachable: len(paths) > 0, Paths: paths})
	}

	if result.Scan != nil {
		for _, digest := range result.Scan.Digests() {
			a := ArchiveReport{
				Digest:      digest,
				Reachable:   len(result.Scan.Reachable[digest]),
				TouchPoints: len(result.Scan.TouchPoints[digest]),
			}
			if metas := result.Scan.ReachableOf(digest); len(metas) > 0 {
				a.Locator = metas[0].Locator
			} else if tps := result.Scan.TouchPointsOf(digest); len(tps) > 0 {
				a.Locator = tps[0].Library().Locator
			}
			r.Archives = append(r.Archives, a)
		}
	}
	return r
}

func writeResults(result *reach.Result) error {
	report := newReport(result)

	var output string
	if flags.JSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling json output: %w", err)
		}
		output = string(data) + "\n"
	} else {
		output = formatText(report, flags.Verbose)
	}

	fmt.Print(output)
	return nil
}

func formatText(r Report, verbose bool) string {
	var output strings.Builder

	if verbose {
		args := make([]any, 0, 2*len(r.Stats))
		for _, k := range slices.Sorted(maps.Keys(r.Stats)) {
			args = append(args, k, r.Stats[k])
		}
		slog.Info("analysis stats", args...)
	}

	if !r.Success {
		fmt.Fprintf(&output, "analysis failed: %s\n", r.Error)
	}

	for _, bug := range r.Bugs {
		if !bug.Reachable {
			if verbose {
				fmt.Fprintf(&output, "%s: not reachable\n", bug.ID)
			}
			continue
		}
		fmt.Fprintf(&output, "%s: reachable (%d paths)\n", bug.ID, len(bug.Paths))
		for _, p := range bug.Paths {
			names := make([]string, len(p.Constructs))
			for i, id := range p.Constructs {
				names[i] = id.QName
			}
			fmt.Fprintf(&output, "  %s\n", strings.Join(names, " -> "))
		}
	}

	if verbose {
		for _, a := range r.Archives {
			fmt.Fprintf(&output, "archive %s (%s): %d reachable constructs, %d touch points\n",
				a.Locator, a.Digest, a.Reachable, a.TouchPoints)
		}
	}
	return output.String()
}
