package harness

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"

	"github.com/715d/vulnreach/pkg/construct"
	"github.com/715d/vulnreach/pkg/reach"
	"github.com/715d/vulnreach/pkg/upload"
)

// TestAll runs all testdata cases.
func TestAll(t *testing.T) {
	_, filename, _, ok := runtime.Caller(0)
	require.True(t, ok, "get current file path")

	harnessDir := filepath.Dir(filename)
	testdataDir := filepath.Join(harnessDir, "..", "..", "testdata")

	testCases := discoverTestCases(t, testdataDir)
	require.NotEmpty(t, testCases, "no test cases found")

	if testing.Verbose() {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	for _, tc := range testCases {
		t.Run(tc.Dir, func(t *testing.T) {
			t.Parallel()

			result := NewHarness(testdataDir).Run(t, tc)
			if !result.Success {
				t.Errorf("Test failed: %s", result.Message)
			}
		})
	}
}

func TestLoadConfig_Layers(t *testing.T) {
	var base, overlay yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("lang: java\nmax_paths_per_target: 3\n"), &base))
	require.NoError(t, yaml.Unmarshal([]byte("shortest_only: true\n"), &overlay))

	cfg, err := loadConfig(base, overlay, yaml.Node{})
	require.NoError(t, err)
	require.Equal(t, construct.LangJava, cfg.Lang)
	require.Equal(t, 3, cfg.MaxPathsPerTarget)
	require.True(t, cfg.ShortestOnly)

	require.NoError(t, yaml.Unmarshal([]byte("shortest: true\n"), &overlay))
	_, err = loadConfig(base, overlay)
	require.ErrorContains(t, err, "shortest")
}

func TestValidate(t *testing.T) {
	java := func(name string) construct.ID { return construct.Parse(construct.LangJava, name) }
	result := &reach.Result{
		Success: true,
		Stats:   map[string]string{"cg_nodes": "2"},
		Paths: map[string][]upload.PathRecord{
			"CVE-1": {{Constructs: []construct.ID{java("a.A.a()"), java("b.B.b()")}}},
		},
	}

	tests := []struct {
		name    string
		exp     Expected
		success bool
		details int
	}{
		{"match", Expected{Reachable: []string{"CVE-1"}, Paths: map[string][]string{"CVE-1": {"a.A.a() -> b.B.b()"}}, Stats: map[string]string{"cg_nodes": "2"}}, true, 0},
		{"wrong path", Expected{Reachable: []string{"CVE-1"}, Paths: map[string][]string{"CVE-1": {"a.A.a() -> c.C.c()"}}}, false, 2},
		{"missing bug", Expected{Reachable: []string{"CVE-1", "CVE-2"}}, false, 1},
		{"stat", Expected{Reachable: []string{"CVE-1"}, Stats: map[string]string{"cg_nodes": "3", "absent": "x"}}, false, 2},
		{"expected error", Expected{Error: "timed out"}, false, 1},
		{"constructs without scan", Expected{Reachable: []string{"CVE-1"}, ReachableConstructs: []string{"b.B.b()"}}, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outDir := t.TempDir()
			require.NoError(t, upload.NewDir(outDir).UploadPaths(t.Context(), "CVE-1", result.Paths["CVE-1"]))

			var res ConfigurationResult
			validate(&res, tt.exp, result, outDir)
			require.Equal(t, tt.success, res.Success, res.Details)
			require.Len(t, res.Details, tt.details, res.Details)
		})
	}
}
