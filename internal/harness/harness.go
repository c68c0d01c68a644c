// Package harness runs the analyzer against the test cases under testdata
// and compares the results with each case's expected.yaml.
package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"

	"github.com/715d/vulnreach/pkg/config"
	"github.com/715d/vulnreach/pkg/reach"
	"github.com/715d/vulnreach/pkg/scan"
	"github.com/715d/vulnreach/pkg/upload"
)

// TestCase is one directory under testdata.
type TestCase struct {
	// Dir is the directory of the case relative to the testdata root.
	Dir string `yaml:"-"`

	// Config is decoded on top of the configuration defaults. Relative
	// paths in it are resolved against the case directory.
	Config yaml.Node `yaml:"config"`

	// Bugs maps bug ids to target construct names.
	Bugs map[string][]string `yaml:"bugs"`

	// Configurations are run one after the other on the same case.
	Configurations []Configuration `yaml:"configurations"`
}

// Configuration is one analyzer setup and the outcome expected from it.
type Configuration struct {
	Name string `yaml:"name"`

	// Config is decoded on top of the case configuration.
	Config yaml.Node `yaml:"config"`

	Expected Expected `yaml:"expected"`
}

// Expected describes the outcome of a run. Paths and touch points are
// written as construct names joined by " -> ".
type Expected struct {
	// Error is a substring of the expected failure. Empty means success.
	Error string `yaml:"error"`

	// Reachable is the exact set of bugs with at least one path.
	Reachable []string `yaml:"reachable"`

	// Paths is the exact set of uploaded paths of the listed bugs.
	Paths map[string][]string `yaml:"paths"`

	// ReachableConstructs must all be reachable; UnreachableConstructs
	// must not be.
	ReachableConstructs   []string `yaml:"reachable_constructs"`
	UnreachableConstructs []string `yaml:"unreachable_constructs"`

	// TouchPoints must all be found; exact means no others may be.
	TouchPoints      []string `yaml:"touch_points"`
	ExactTouchPoints bool     `yaml:"exact_touch_points"`

	// Archives are locators that must have reachable constructs.
	Archives []string `yaml:"archives"`

	// Stats are compared for the listed keys only.
	Stats map[string]string `yaml:"stats"`
}

// ConfigurationResult is the outcome of one configuration.
type ConfigurationResult struct {
	Configuration Configuration
	Result        *reach.Result
	Success       bool
	Message       string
	Details       []string
}

// TestResult is the outcome of a test case.
type TestResult struct {
	TestCase             *TestCase
	ConfigurationResults []ConfigurationResult
	Success              bool
	Message              string
}

// TestHarness manages test execution.
type TestHarness struct {
	// root is the root directory for test data
	root string
}

// NewHarness creates a new test harness.
func NewHarness(root string) *TestHarness {
	return &TestHarness{root: root}
}

// Run executes a test case with all its configurations.
func (h *TestHarness) Run(t *testing.T, tc *TestCase) *TestResult {
	t.Helper()
	require.NotEmpty(t, tc.Configurations, "test case has no configurations")

	var results []ConfigurationResult
	allSuccess := true
	for _, cfg := range tc.Configurations {
		res := h.runConfiguration(t, tc, cfg)
		results = append(results, *res)
		if !res.Success {
			allSuccess = false
		}
	}

	var resultMsg string
	if allSuccess {
		resultMsg = fmt.Sprintf("All %d configurations passed", len(tc.Configurations))
	} else {
		failedCount := 0
		var msgs []string
		for _, cr := range results {
			if !cr.Success {
				failedCount++
				msgs = append(msgs, fmt.Sprintf("[%s] %s:\n  %s",
					cr.Configuration.Name, cr.Message, strings.Join(cr.Details, "\n  ")))
			}
		}
		resultMsg = fmt.Sprintf("%d/%d configurations failed:\n%s",
			failedCount, len(tc.Configurations), strings.Join(msgs, "\n"))
	}

	return &TestResult{
		TestCase:             tc,
		ConfigurationResults: results,
		Success:              allSuccess,
		Message:              resultMsg,
	}
}

// runConfiguration executes the analysis for a single configuration.
func (h *TestHarness) runConfiguration(t *testing.T, tc *TestCase, c Configuration) *ConfigurationResult {
	t.Helper()
	caseDir := filepath.Join(h.root, tc.Dir)

	cfg, err := loadConfig(tc.Config, c.Config)
	require.NoError(t, err, "[%s] config", c.Name)

	builder, lang, err := cfg.NewBuilder(caseDir)
	require.NoError(t, err, "[%s] builder", c.Name)

	bugs, err := config.BugFile{Bugs: tc.Bugs}.Targets(lang)
	require.NoError(t, err, "[%s] bugs", c.Name)

	opts, err := cfg.Options(lang)
	require.NoError(t, err, "[%s] options", c.Name)
	outDir := t.TempDir()
	opts.Uploader = upload.NewDir(outDir)

	result, err := reach.NewAnalyzer(builder, opts).Run(t.Context(), bugs)
	require.NoError(t, err, "[%s] run", c.Name)

	res := &ConfigurationResult{Configuration: c, Result: result}
	validate(res, c.Expected, result, outDir)
	return res
}

// validate compares result with exp and fills in the outcome of res.
func validate(res *ConfigurationResult, exp Expected, result *reach.Result, outDir string) {
	var details []string
	fail := func(format string, args ...any) {
		details = append(details, fmt.Sprintf(format, args...))
	}

	if exp.Error != "" {
		switch {
		case result.Success:
			fail("expected error containing %q, run succeeded", exp.Error)
		case !strings.Contains(result.Err.Error(), exp.Error):
			fail("expected error containing %q, got %q", exp.Error, result.Err)
		}
		finish(res, details, "got expected error")
		return
	}
	if !result.Success {
		fail("run failed: %v", result.Err)
		finish(res, details, "")
		return
	}

	compareSets(fail, "reachable bug", exp.Reachable, result.Reachable())

	for bug, want := range exp.Paths {
		var got []string
		for _, p := range result.Paths[bug] {
			got = append(got, joinPath(p))
		}
		compareSets(fail, "path of "+bug, want, got)
	}

	// Every searched bug is uploaded, reachable or not.
	for bug := range result.Paths {
		if _, err := os.Stat(filepath.Join(outDir, "paths", upload.FileName(bug)+".json")); err != nil {
			fail("no paths document for %s: %v", bug, err)
		}
	}

	reachable, locators := reachableNames(result.Scan)
	for _, name := range exp.ReachableConstructs {
		if !slices.Contains(reachable, name) {
			fail("should have been reachable: %s", name)
		}
	}
	for _, name := range exp.UnreachableConstructs {
		if slices.Contains(reachable, name) {
			fail("should not have been reachable: %s", name)
		}
	}
	for _, loc := range exp.Archives {
		if !slices.Contains(locators, loc) {
			fail("archive without reachable constructs: %s", loc)
		}
	}

	touchPoints := touchPointNames(result.Scan)
	if exp.ExactTouchPoints {
		compareSets(fail, "touch point", exp.TouchPoints, touchPoints)
	} else {
		for _, tp := range exp.TouchPoints {
			if !slices.Contains(touchPoints, tp) {
				fail("missing touch point: %s", tp)
			}
		}
	}

	for key, want := range exp.Stats {
		if got, ok := result.Stats[key]; !ok || got != want {
			fail("stat %s: expected %q, got %q", key, want, got)
		}
	}

	finish(res, details, "")
}

func finish(res *ConfigurationResult, details []string, okMsg string) {
	res.Success = len(details) == 0
	res.Details = details
	switch {
	case !res.Success:
		res.Message = fmt.Sprintf("Test failed: %d mismatches", len(details))
	case okMsg != "":
		res.Message = okMsg
	default:
		res.Message = "All expectations met"
	}
}

// compareSets reports the elements missing from got and the unexpected
// ones, each sorted.
func compareSets(fail func(string, ...any), what string, want, got []string) {
	var missing, unexpected []string
	for _, w := range want {
		if !slices.Contains(got, w) {
			missing = append(missing, w)
		}
	}
	for _, g := range got {
		if !slices.Contains(want, g) {
			unexpected = append(unexpected, g)
		}
	}
	slices.Sort(missing)
	slices.Sort(unexpected)
	for _, m := range missing {
		fail("missing %s: %s", what, m)
	}
	for _, u := range unexpected {
		fail("unexpected %s: %s", what, u)
	}
}

func joinPath(p upload.PathRecord) string {
	names := make([]string, len(p.Constructs))
	for i, id := range p.Constructs {
		names[i] = id.QName
	}
	return strings.Join(names, " -> ")
}

func reachableNames(res *scan.Result) (names, locators []string) {
	if res == nil {
		return nil, nil
	}
	for _, digest := range res.Digests() {
		for _, meta := range res.ReachableOf(digest) {
			names = append(names, meta.Effective().QName)
			if !slices.Contains(locators, meta.Locator) {
				locators = append(locators, meta.Locator)
			}
		}
	}
	return names, locators
}

func touchPointNames(res *scan.Result) []string {
	if res == nil {
		return nil
	}
	var names []string
	for _, digest := range res.Digests() {
		for _, tp := range res.TouchPointsOf(digest) {
			names = append(names, tp.From.Effective().QName+" -> "+tp.To.Effective().QName)
		}
	}
	return names
}
