package gobuilder

import (
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/tools/go/packages"
)

var stdLibSet = sync.OnceValue(func() map[string]struct{} {
	pkgs, _ := packages.Load(&packages.Config{Mode: packages.NeedName}, "std")
	m := make(map[string]struct{}, len(pkgs)+1)
	for _, p := range pkgs {
		m[p.PkgPath] = struct{}{}
	}
	m["unsafe"] = struct{}{} // not in `go list std`
	slog.Debug("loaded std lib packages", "num", len(m))
	return m
})

func isStdLib(pkgPath string) bool {
	_, ok := stdLibSet()[pkgPath]
	return ok
}

// isAppPackage reports whether p is application code: a package of the
// main module, or any non-standard package in GOPATH mode.
func isAppPackage(p *packages.Package) bool {
	if isStdLib(p.PkgPath) {
		return false
	}
	if p.Module != nil {
		return p.Module.Main
	}
	return true
}

func isInternalPackage(pkgPath string) bool {
	return strings.Contains(pkgPath, "/internal/") ||
		strings.HasSuffix(pkgPath, "/internal") ||
		strings.HasPrefix(pkgPath, "internal/") ||
		pkgPath == "internal"
}

// hasPathPrefix reports whether pkgPath is prefix or a package below it.
func hasPathPrefix(pkgPath, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	return pkgPath == prefix || strings.HasPrefix(pkgPath, prefix+"/")
}
