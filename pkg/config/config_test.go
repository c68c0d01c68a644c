package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/vulnreach/pkg/classify"
	"github.com/715d/vulnreach/pkg/construct"
	"github.com/715d/vulnreach/pkg/gobuilder"
	"github.com/715d/vulnreach/pkg/graphfile"
	"github.com/715d/vulnreach/pkg/paths"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "vulnreach.yaml", `
lang: java
timeout_minutes: 30
shortest_only: true
touch_points: false
workers: "auto:2"
strategy: dfs
path_limit: 100
entry_regex: '^com\.acme\.'
status_interval: 5s
blacklist:
  custom: [com.acme.generated.]
app: [com.acme.]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, construct.LangJava, cfg.Lang)
	assert.Equal(t, 10, cfg.MaxPathsPerTarget, "absent keys keep their defaults")
	assert.Equal(t, 5*time.Second, cfg.StatusInterval)

	opts, err := cfg.Options("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, opts.Timeout)
	assert.True(t, opts.ShortestOnly)
	assert.False(t, opts.TouchPoints)
	assert.Zero(t, opts.Workers)
	assert.Equal(t, 2, opts.WorkerFactor)
	assert.Equal(t, paths.DirectDFS{Limit: 100}, opts.Enumerator)
	assert.True(t, opts.EntryFilter.MatchString("com.acme.Main.main(String[])"))
	assert.Equal(t, classify.DefaultPlatformPrefixes(construct.LangJava), opts.Blacklist.Platform)
	assert.Equal(t, []string{"com.acme.generated."}, opts.Blacklist.Custom)
	assert.True(t, opts.AppConstructs.Has(construct.Parse(construct.LangJava, "com.acme.")))
}

func TestLoad_EmptyFileIsDefault(t *testing.T) {
	cfg, err := Load(writeFile(t, "vulnreach.yaml", ""))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errIs   error
		errMsg  string
	}{
		{"unknown key", "workerz: 3\n", nil, "workerz"},
		{"bad lang", "lang: cobol\n", ErrInvalid, "cobol"},
		{"bad workers", "workers: many\n", ErrInvalid, "many"},
		{"zero factor", "workers: 'auto:0'\n", ErrInvalid, "factor"},
		{"bad strategy", "strategy: bfs\n", ErrInvalid, "bfs"},
		{"bad regex", "entry_regex: '('\n", ErrInvalid, "entry_regex"},
		{"negative timeout", "timeout_minutes: -1\n", ErrInvalid, "timeout"},
		{"bad algorithm", "go:\n  algorithm: andersen\n", gobuilder.ErrUnknownAlgorithm, "andersen"},
		{"bad exclude glob", "go:\n  exclude_packages: ['example.com/[a']\n", ErrInvalid, "exclude_packages"},
		{"negative upload rate", "upload_rate: -1\n", ErrInvalid, "upload_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "vulnreach.yaml", tt.content))
			require.Error(t, err)
			if tt.errIs != nil {
				require.ErrorIs(t, err, tt.errIs)
			}
			require.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "vulnreach.toml", `
lang = "java"
workers = "3"
status_interval = "2s"
upload_rate = 5.5

[blacklist]
custom = ["com.acme.generated."]

[go]
algorithm = "vta"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, construct.LangJava, cfg.Lang)
	assert.Equal(t, "3", cfg.Workers)
	assert.Equal(t, 2*time.Second, cfg.StatusInterval)
	assert.InDelta(t, 5.5, cfg.UploadRate, 1e-9)
	assert.Equal(t, []string{"com.acme.generated."}, cfg.Blacklist.Custom)
	assert.Equal(t, gobuilder.AlgorithmVTA, cfg.Go.Algorithm)
	assert.True(t, cfg.TouchPoints, "absent keys keep their defaults")

	_, err = Load(writeFile(t, "vulnreach.toml", "workerz = 3\n"))
	require.ErrorContains(t, err, "workerz")

	_, err = Load(writeFile(t, "vulnreach.toml", "[go]\nalgorithm = \"andersen\"\n"))
	require.ErrorIs(t, err, gobuilder.ErrUnknownAlgorithm)
}

func TestLoadOptional(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseWorkers(t *testing.T) {
	tests := []struct {
		in            string
		count, factor int
		wantErr       bool
	}{
		{"", 0, 1, false},
		{"auto", 0, 1, false},
		{"auto:4", 0, 4, false},
		{"8", 8, 1, false},
		{"0", 0, 0, true},
		{"auto:x", 0, 0, true},
		{"-2", 0, 0, true},
	}
	for _, tt := range tests {
		count, factor, err := ParseWorkers(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.count, count, tt.in)
		require.Equal(t, tt.factor, factor, tt.in)
	}
}

func TestOptions_EmptyPlatformListDisablesDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "vulnreach.yaml", "blacklist:\n  platform: []\n"))
	require.NoError(t, err)
	opts, err := cfg.Options("")
	require.NoError(t, err)
	require.Empty(t, opts.Blacklist.Platform)
	require.NotNil(t, opts.Blacklist.Platform)
}

func TestOptions_GraphLanguage(t *testing.T) {
	cfg := Default()
	cfg.App = []string{"com.acme.Main.main(String[])"}

	opts, err := cfg.Options(construct.LangJava)
	require.NoError(t, err)
	require.Equal(t, classify.DefaultPlatformPrefixes(construct.LangJava), opts.Blacklist.Platform)
	require.NotContains(t, opts.Blacklist.Platform, "runtime.")
	app := opts.AppConstructs.Sorted()
	require.Len(t, app, 1)
	require.Equal(t, construct.LangJava, app[0].Lang)
	require.Equal(t, construct.KindMethod, app[0].Kind)

	opts, err = cfg.Options("")
	require.NoError(t, err)
	require.Equal(t, classify.DefaultPlatformPrefixes(construct.LangGo), opts.Blacklist.Platform)
}

func TestLoadBugs(t *testing.T) {
	path := writeFile(t, "bugs.yaml", `
bugs:
  CVE-2021-44228:
    - org.apache.logging.log4j.core.lookup.JndiLookup.lookup(LogEvent,String)
    - "  "
  CVE-0000-0001: []
`)
	bugs, err := LoadBugs(path, construct.LangJava)
	require.NoError(t, err)
	require.Len(t, bugs, 2)

	log4shell := bugs["CVE-2021-44228"]
	require.Equal(t, 1, log4shell.Len())
	target := log4shell.Sorted()[0]
	require.Equal(t, construct.KindMethod, target.Kind)
	require.Equal(t, construct.LangJava, target.Lang)
	require.Zero(t, bugs["CVE-0000-0001"].Len())

	_, err = LoadBugs(writeFile(t, "bugs.yaml", "cves: {}\n"), construct.LangJava)
	require.ErrorContains(t, err, "cves")
}

func TestNewBuilder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "graph.yaml"), []byte("lang: java\nedges: [a.A.a() -> b.B.b()]\n"), 0o644))

	cfg := Default()
	cfg.Graph = "graph.yaml"
	b, lang, err := cfg.NewBuilder(dir)
	require.NoError(t, err)
	require.IsType(t, &graphfile.Builder{}, b)
	require.Equal(t, construct.LangJava, lang)

	cfg.Graph = "missing.yaml"
	_, _, err = cfg.NewBuilder(dir)
	require.ErrorIs(t, err, os.ErrNotExist)

	cfg.Graph = ""
	b, lang, err = cfg.NewBuilder(dir)
	require.NoError(t, err)
	require.IsType(t, &gobuilder.Builder{}, b)
	require.Equal(t, construct.LangGo, lang)
}
