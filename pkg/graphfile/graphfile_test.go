package graphfile

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/vulnreach/pkg/callgraph"
	"github.com/715d/vulnreach/pkg/construct"
)

const scenario = `
lang: java
nodes: [app.Unused.u()]
edges:
  - app.A.a() -> app.B.b()
  - app.B.b() -> lib.C.c()
  - app.B.b() -> lib.D.d()
  - lib.C.c() -> lib.E.e()
  - lib.C.c() -> lib.E.e()
entry_points: [app.A.a(), app.Gone.g()]
app: [app.A.a(), app.B.b()]
archives:
  - locator: lib.jar
    digest: lib-sha
    units: [lib]
`

func TestBuild(t *testing.T) {
	doc, err := Parse([]byte(scenario))
	require.NoError(t, err)

	b := New(doc)
	require.NoError(t, b.Build(t.Context(), false))

	g := callgraph.New(b.Graph(), b.Resolver())
	require.Equal(t, 6, g.NodeCount())
	require.Equal(t, 4, g.EdgeCount())
	require.Equal(t, "app.Unused.u()", g.IdentityOf(0).QName, "declared nodes come first")

	require.Equal(t, []string{"app.A.a()"}, b.EntryPoints().Names())
	require.Equal(t, 2, b.AppConstructs().Len())
	require.Equal(t, construct.LangJava, b.Lang())

	meta := g.MetadataOf(g.IndexOf(construct.Parse(construct.LangJava, "lib.E.e()")))
	require.Equal(t, "lib.jar", meta.Locator)
	require.Equal(t, "lib-sha", meta.Digest)
	require.False(t, g.MetadataOf(g.IndexOf(construct.Parse(construct.LangJava, "app.A.a()"))).Resolved())
}

func TestBuild_StrictMissingEntryPoint(t *testing.T) {
	doc, err := Parse([]byte(scenario))
	require.NoError(t, err)

	err = New(doc).Build(t.Context(), true)
	require.ErrorIs(t, err, ErrMissingEntryPoint)
	require.ErrorContains(t, err, "app.Gone.g()")
}

func TestBuild_MalformedEdge(t *testing.T) {
	err := New(Document{Edges: []string{"a.B.c() b.C.d()"}}).Build(t.Context(), false)
	require.ErrorContains(t, err, "malformed edge")
}

func TestParse_UnknownKey(t *testing.T) {
	_, err := Parse([]byte("vertices: [a]\n"))
	require.ErrorContains(t, err, "vertices")
}

func TestParseEdge(t *testing.T) {
	from, to, err := ParseEdge("  a.B.c()->b.C.d(int) ")
	require.NoError(t, err)
	require.Equal(t, "a.B.c()", from)
	require.Equal(t, "b.C.d(int)", to)

	for _, bad := range []string{"", "->", "a ->", "-> b", "a - b"} {
		_, _, err := ParseEdge(bad)
		require.Error(t, err, bad)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lang: go\nedges: [main.main -> example.com/lib.F]\nentry_points: [main.main]\n"), 0o644))

	b, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, b.Build(t.Context(), true))
	require.Equal(t, construct.LangGo, b.Lang())

	var kinds []construct.Kind
	for v := range b.Graph().Vertices() {
		kinds = append(kinds, v.Kind)
	}
	require.Equal(t, []construct.Kind{construct.KindFunction, construct.KindFunction}, kinds)
	require.True(t, slices.Contains(b.EntryPoints().Names(), "main.main"))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
