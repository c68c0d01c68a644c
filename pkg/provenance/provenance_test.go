package provenance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/mod/sumdb/dirhash"
	"golang.org/x/tools/go/packages"
)

func TestStatic_Locate(t *testing.T) {
	s := NewStatic([]Archive{
		{Locator: "lib-1.0.jar", Digest: "sha1-lib", Units: []string{"com.lib"}},
		{Locator: "lib-ext-2.0.jar", Digest: "sha1-ext", Units: []string{"com.lib.ext"}},
	})

	tests := []struct {
		unit    string
		locator string
		ok      bool
	}{
		{"com.lib", "lib-1.0.jar", true},
		{"com.lib.Foo", "lib-1.0.jar", true},
		{"com.lib.Foo$Inner", "lib-1.0.jar", true},
		{"com.lib.ext.Bar", "lib-ext-2.0.jar", true},
		{"com.library.Foo", "", false},
		{"org.other.Baz", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.unit, func(t *testing.T) {
			loc, ok := s.Locate(tt.unit)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.locator, loc)
		})
	}

	d, err := s.Digest("lib-ext-2.0.jar")
	require.NoError(t, err)
	require.Equal(t, "sha1-ext", d)
	_, err = s.Digest("missing.jar")
	require.ErrorIs(t, err, ErrUnknownLocator)
}

func TestNone(t *testing.T) {
	_, ok := None{}.Locate("com.lib.Foo")
	require.False(t, ok)
	_, err := None{}.Digest("x")
	require.ErrorIs(t, err, ErrUnknownLocator)
}

func writeModule(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/lib\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib.go"), []byte("package lib\n"), 0o644))
	return dir
}

func TestGoModules(t *testing.T) {
	libDir := writeModule(t)
	mainMod := &packages.Module{Path: "example.com/app", Main: true, Dir: t.TempDir()}
	lib := &packages.Module{Path: "example.com/lib", Version: "v1.0.0", Dir: libDir}
	replaced := &packages.Module{
		Path:    "example.com/fork",
		Version: "v0.3.0",
		Replace: &packages.Module{Path: "../fork", Dir: libDir},
	}

	libPkg := &packages.Package{PkgPath: "example.com/lib", Module: lib}
	forkPkg := &packages.Package{PkgPath: "example.com/fork/codec", Module: replaced}
	stdPkg := &packages.Package{PkgPath: "strings"}
	appPkg := &packages.Package{
		PkgPath: "example.com/app",
		Module:  mainMod,
		Imports: map[string]*packages.Package{
			"example.com/lib":        libPkg,
			"example.com/fork/codec": forkPkg,
			"strings":                stdPkg,
		},
	}
	g := NewGoModules([]*packages.Package{appPkg})

	_, ok := g.Locate("example.com/app")
	require.False(t, ok, "main module is application code")
	_, ok = g.Locate("strings")
	require.False(t, ok, "no module information")

	loc, ok := g.Locate("example.com/lib")
	require.True(t, ok)
	require.Equal(t, "example.com/lib@v1.0.0", loc)

	want, err := dirhash.HashDir(libDir, "example.com/lib@v1.0.0", dirhash.Hash1)
	require.NoError(t, err)
	got, err := g.Digest(loc)
	require.NoError(t, err)
	require.Equal(t, want, got)

	// The cached digest survives the directory going away.
	require.NoError(t, os.RemoveAll(libDir))
	got, err = g.Digest(loc)
	require.NoError(t, err)
	require.Equal(t, want, got)

	forkLoc, ok := g.Locate("example.com/fork/codec")
	require.True(t, ok)
	require.Equal(t, "example.com/fork@v0.3.0", forkLoc)
	_, err = g.Digest(forkLoc)
	require.Error(t, err, "replacement directory was removed")

	_, err = g.Digest("example.com/none@v1.0.0")
	require.ErrorIs(t, err, ErrUnknownLocator)
}
