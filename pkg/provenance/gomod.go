package provenance

import (
	"fmt"
	"log/slog"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/mod/module"
	"golang.org/x/mod/sumdb/dirhash"
	"golang.org/x/tools/go/packages"
)

// GoModules resolves Go package paths to the module that provides them.
// The locator is the module version ("path@version") and the digest is the
// go.sum style h1: hash of the module's files on disk.
type GoModules struct {
	byPkg   map[string]*packages.Module
	byLoc   map[string]*packages.Module
	digests *xsync.Map[string, string]
}

// NewGoModules indexes the modules of pkgs and all their dependencies.
// Packages without module information (the standard library, GOPATH mode)
// stay unresolved.
func NewGoModules(pkgs []*packages.Package) *GoModules {
	g := &GoModules{
		byPkg:   make(map[string]*packages.Module),
		byLoc:   make(map[string]*packages.Module),
		digests: xsync.NewMap[string, string](),
	}
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		if p.Module == nil {
			return
		}
		mod := p.Module
		if mod.Replace != nil && mod.Replace.Dir != "" {
			mod = &packages.Module{
				Path:    p.Module.Path,
				Version: p.Module.Version,
				Dir:     mod.Replace.Dir,
				Main:    p.Module.Main,
			}
		}
		g.byPkg[p.PkgPath] = mod
		g.byLoc[locatorOf(mod)] = mod
	})
	return g
}

// Locate takes a Go package path as its unit. Packages of the main modules
// are application code and have no archive.
func (g *GoModules) Locate(unit string) (string, bool) {
	mod, ok := g.byPkg[unit]
	if !ok || mod.Main {
		return "", false
	}
	return locatorOf(mod), true
}

func (g *GoModules) Digest(locator string) (string, error) {
	mod, ok := g.byLoc[locator]
	if !ok {
		return "", ErrUnknownLocator
	}
	if mod.Dir == "" {
		return "", fmt.Errorf("module %s has no directory", locator)
	}

	var hashErr error
	digest, _ := g.digests.LoadOrCompute(locator, func() (string, bool) {
		h, err := dirhash.HashDir(mod.Dir, module.Version{Path: mod.Path, Version: mod.Version}.String(), dirhash.Hash1)
		if err != nil {
			hashErr = err
			return "", true
		}
		slog.Debug("hashed module", "module", locator, "digest", h)
		return h, false
	})
	if hashErr != nil {
		return "", fmt.Errorf("hashing module %s: %w", locator, hashErr)
	}
	return digest, nil
}

func locatorOf(mod *packages.Module) string {
	version := mod.Version
	if version == "" {
		version = "(devel)"
	}
	return module.Version{Path: mod.Path, Version: version}.String()
}
