package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/vulnreach/pkg/callgraph"
	"github.com/715d/vulnreach/pkg/construct"
	"github.com/715d/vulnreach/pkg/reach"
	"github.com/715d/vulnreach/pkg/scan"
	"github.com/715d/vulnreach/pkg/upload"
)

func java(name string) construct.ID { return construct.Parse(construct.LangJava, name) }

func testResult() *reach.Result {
	res := scan.NewResult()
	lib := callgraph.NodeMeta{Original: java("lib.C.c()"), Locator: "lib.jar", Digest: "sha"}
	res.Reachable["sha"] = map[string]callgraph.NodeMeta{"lib.C.c()": lib}
	res.TouchPoints["sha"] = map[scan.TouchPoint]struct{}{
		{From: callgraph.NodeMeta{Original: java("app.B.b()")}, To: lib, Direction: scan.AppToLib}: {},
	}

	return &reach.Result{
		Success: true,
		Stats:   map[string]string{"cg_nodes": "3"},
		Paths: map[string][]upload.PathRecord{
			"CVE-2": nil,
			"CVE-1": {{
				Bug:        "CVE-1",
				Source:     java("app.A.a()"),
				Target:     java("lib.C.c()"),
				Constructs: []construct.ID{java("app.A.a()"), java("app.B.b()"), java("lib.C.c()")},
			}},
		},
		Scan: res,
	}
}

func TestNewReport(t *testing.T) {
	r := newReport(testResult())
	require.True(t, r.Success)
	require.Len(t, r.Bugs, 2)
	require.Equal(t, "CVE-1", r.Bugs[0].ID)
	require.True(t, r.Bugs[0].Reachable)
	require.False(t, r.Bugs[1].Reachable)
	require.Equal(t, []ArchiveReport{{Digest: "sha", Locator: "lib.jar", Reachable: 1, TouchPoints: 1}}, r.Archives)
}

func TestFormatText(t *testing.T) {
	r := newReport(testResult())

	require.Equal(t, "CVE-1: reachable (1 paths)\n  app.A.a() -> app.B.b() -> lib.C.c()\n", formatText(r, false))
	require.Equal(t, "CVE-1: reachable (1 paths)\n  app.A.a() -> app.B.b() -> lib.C.c()\n"+
		"CVE-2: not reachable\n"+
		"archive lib.jar (sha): 1 reachable constructs, 1 touch points\n", formatText(r, true))

	failed := testResult()
	failed.Success = false
	failed.Err = reach.ErrTimeout
	failed.Paths = nil
	failed.Scan = nil
	require.Equal(t, "analysis failed: analysis timed out\n", formatText(newReport(failed), false))
}

func TestCodedError(t *testing.T) {
	err := errWithCode(errors.New("boom"), exitError)
	var cErr codedError
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, exitError, cErr.code)
	require.Equal(t, "boom", err.Error())
	require.Empty(t, errWithCode(nil, exitReachable).Error())
}
