package config

import (
	"path/filepath"

	"github.com/715d/vulnreach/pkg/construct"
	"github.com/715d/vulnreach/pkg/gobuilder"
	"github.com/715d/vulnreach/pkg/graphfile"
	"github.com/715d/vulnreach/pkg/reach"
)

// NewBuilder returns the call graph builder c selects: the graph file when
// one is configured, the Go builder otherwise. Relative paths are resolved
// against base. The returned language is the one target names must be
// parsed in.
func (c Config) NewBuilder(base string) (reach.Builder, construct.Lang, error) {
	if c.Graph != "" {
		b, err := graphfile.Load(resolve(base, c.Graph))
		if err != nil {
			return nil, "", err
		}
		return b, b.Lang(), nil
	}

	return gobuilder.New(gobuilder.Options{
		Loader: gobuilder.LoaderOptions{
			Dir:       resolve(base, c.Go.Dir),
			Packages:  c.Go.Packages,
			BuildTags: c.Go.BuildTags,
			Tests:     c.Go.Tests,
		},
		Algorithm:   c.Go.Algorithm,
		Exclude:     c.Go.ExcludePackages,
		EntryPoints: c.Go.EntryPoints,
	}), construct.LangGo, nil
}

func resolve(base, path string) string {
	if base == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
