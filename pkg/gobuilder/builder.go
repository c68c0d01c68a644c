// Package gobuilder builds call graphs of Go programs from SSA.
package gobuilder

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"go/types"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/callgraph/cha"
	"golang.org/x/tools/go/callgraph/rta"
	"golang.org/x/tools/go/callgraph/static"
	"golang.org/x/tools/go/callgraph/vta"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	cg "github.com/715d/vulnreach/pkg/callgraph"
	"github.com/715d/vulnreach/pkg/construct"
	"github.com/715d/vulnreach/pkg/provenance"
)

const mainPkg = "main"

// Call graph algorithms, from least to most precise.
const (
	AlgorithmCHA    = "cha"
	AlgorithmStatic = "static"
	AlgorithmVTA    = "vta"
	AlgorithmRTA    = "rta"
)

var (
	ErrUnknownAlgorithm  = errors.New("unknown call graph algorithm")
	ErrMissingEntryPoint = errors.New("entry point not found")
)

// Options configures a Builder.
type Options struct {
	Loader LoaderOptions

	// Algorithm is one of the Algorithm constants; empty means rta.
	Algorithm string

	// Exclude lists package path prefixes whose functions are left out of
	// the graph. Entries with glob metacharacters are matched as doublestar
	// patterns against the whole path, e.g. "example.com/**/mocks".
	Exclude []string

	// EntryPoints are qualified function names. When empty, the entry
	// points are main and init of the application packages, test functions
	// when tests are loaded, the exported API of application packages that
	// are not main, and functions invoked from outside Go code (cgo exports,
	// linkname targets, assembly callers, //vulnreach:entrypoint markers).
	EntryPoints []string
}

// Builder builds the call graph of the Go program described by its
// options.
type Builder struct {
	opts  Options
	names *NameCache

	raw      *cg.MapGraph
	entries  construct.Set
	apps     construct.Set
	resolver *provenance.GoModules
	elapsed  time.Duration
}

// New returns a Builder. Packages are loaded by Build.
func New(opts Options) *Builder {
	return &Builder{opts: opts, names: NewNameCache()}
}

// Build loads the packages, builds the SSA program and its call graph.
func (b *Builder) Build(ctx context.Context, strict bool) error {
	start := time.Now()
	defer func() { b.elapsed = time.Since(start) }()

	pkgs, err := LoadPackages(ctx, b.opts.Loader)
	if err != nil {
		return err
	}
	slog.Info("loaded packages", "num", len(pkgs))
	return b.BuildPackages(ctx, pkgs, strict)
}

// BuildPackages is Build for packages that are already loaded.
func (b *Builder) BuildPackages(ctx context.Context, pkgs []*packages.Package, strict bool) error {
	prog, ssaPkgs, err := buildSSAProgram(pkgs)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	appPkgs := make(map[*types.Package]bool)
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		if p.Types != nil && isAppPackage(p) {
			appPkgs[p.Types] = true
		}
	})

	roots, err := b.findEntryPoints(prog, ssaPkgs, appPkgs, strict)
	if err != nil {
		return err
	}
	if len(b.opts.EntryPoints) == 0 {
		roots = appendNew(roots, externalEntryPoints(prog, pkgs)...)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	graph, err := b.callGraph(prog, roots)
	if err != nil {
		return err
	}
	graph.DeleteSyntheticNodes()
	if err := ctx.Err(); err != nil {
		return err
	}

	b.raw, b.apps = b.convert(graph, appPkgs)
	b.entries = make(construct.Set, len(roots))
	for _, fn := range roots {
		b.entries.Add(b.names.ID(fn))
	}
	b.resolver = provenance.NewGoModules(pkgs)

	slog.Info("call graph built", "algorithm", b.algorithm(),
		"functions", b.raw.Len(), "edges", b.raw.EdgeLen(), "entry_points", b.entries.Len())
	return nil
}

func buildSSAProgram(pkgs []*packages.Package) (*ssa.Program, []*ssa.Package, error) {
	mode := ssa.InstantiateGenerics | ssa.BareInits
	prog, ssaPkgs := ssautil.AllPackages(pkgs, mode)
	if prog == nil {
		return nil, nil, fmt.Errorf("SSA program construction failed")
	}
	prog.Build()
	return prog, slices.DeleteFunc(ssaPkgs, func(p *ssa.Package) bool { return p == nil }), nil
}

func (b *Builder) algorithm() string {
	return cmp.Or(b.opts.Algorithm, AlgorithmRTA)
}

func (b *Builder) callGraph(prog *ssa.Program, roots []*ssa.Function) (*callgraph.Graph, error) {
	switch b.algorithm() {
	case AlgorithmCHA:
		return cha.CallGraph(prog), nil
	case AlgorithmStatic:
		return static.CallGraph(prog), nil
	case AlgorithmVTA:
		return vta.CallGraph(ssautil.AllFunctions(prog), cha.CallGraph(prog)), nil
	case AlgorithmRTA:
		if len(roots) == 0 {
			return nil, fmt.Errorf("rta needs at least one entry point")
		}
		res := rta.Analyze(roots, true)
		if res == nil || res.CallGraph == nil {
			return nil, fmt.Errorf("rta analysis produced no call graph")
		}
		return res.CallGraph, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownAlgorithm, b.opts.Algorithm)
	}
}

// convert turns graph into a raw graph over construct identities, in a
// deterministic order. Functions of excluded packages and their edges are
// dropped.
func (b *Builder) convert(graph *callgraph.Graph, appPkgs map[*types.Package]bool) (*cg.MapGraph, construct.Set) {
	type node struct {
		id construct.ID
		n  *callgraph.Node
	}

	var nodes []node
	for fn, n := range graph.Nodes {
		if fn == nil || b.excluded(fn) {
			continue
		}
		nodes = append(nodes, node{id: b.names.ID(fn), n: n})
	}
	slices.SortFunc(nodes, func(x, y node) int { return construct.Compare(x.id, y.id) })

	raw := cg.NewMapGraph()
	apps := make(construct.Set)
	for _, nd := range nodes {
		raw.AddVertex(nd.id)
		if pkg := funcTypesPkg(nd.n.Func); pkg != nil && appPkgs[pkg] {
			apps.Add(nd.id)
		}
	}
	for _, nd := range nodes {
		callees := make(map[string]construct.ID, len(nd.n.Out))
		for _, e := range nd.n.Out {
			if e.Callee.Func == nil || b.excluded(e.Callee.Func) {
				continue
			}
			id := b.names.ID(e.Callee.Func)
			callees[id.QName] = id
		}
		for _, name := range slices.Sorted(maps.Keys(callees)) {
			raw.AddEdge(nd.id, callees[name])
		}
	}
	return raw, apps
}

func (b *Builder) excluded(fn *ssa.Function) bool {
	path := funcPkgPath(fn)
	for _, pattern := range b.opts.Exclude {
		if matchPackage(pattern, path) {
			return true
		}
	}
	return false
}

// matchPackage reports whether the package path matches an exclude entry.
func matchPackage(pattern, path string) bool {
	if !IsGlob(pattern) {
		return hasPathPrefix(path, pattern)
	}
	ok, _ := doublestar.Match(pattern, path)
	return ok
}

// IsGlob reports whether an exclude entry is a glob pattern rather than a
// path prefix.
func IsGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

func funcTypesPkg(fn *ssa.Function) *types.Package {
	if fn.Pkg != nil {
		return fn.Pkg.Pkg
	}
	if obj := fn.Object(); obj != nil {
		return obj.Pkg()
	}
	return nil
}

// findEntryPoints resolves the configured entry points, or collects the
// default ones.
func (b *Builder) findEntryPoints(prog *ssa.Program, ssaPkgs []*ssa.Package, appPkgs map[*types.Package]bool, strict bool) ([]*ssa.Function, error) {
	if len(b.opts.EntryPoints) > 0 {
		return b.namedEntryPoints(prog, strict)
	}

	seen := make(map[*ssa.Function]bool)
	var roots []*ssa.Function
	add := func(fn *ssa.Function) {
		if fn != nil && !seen[fn] {
			seen[fn] = true
			roots = append(roots, fn)
		}
	}

	for _, pkg := range ssaPkgs {
		if !appPkgs[pkg.Pkg] {
			continue
		}
		add(pkg.Func("main"))
		add(pkg.Func("init"))

		library := pkg.Pkg.Name() != mainPkg && !isInternalPackage(pkg.Pkg.Path())
		for _, name := range slices.Sorted(maps.Keys(pkg.Members)) {
			switch m := pkg.Members[name].(type) {
			case *ssa.Function:
				if isTestFunction(m) || library && m.Object() != nil && m.Object().Exported() {
					add(m)
				}
			case *ssa.Type:
				if library && m.Object().Exported() {
					for _, fn := range exportedMethods(prog, m) {
						add(fn)
					}
				}
			}
		}
	}
	return roots, nil
}

// externalEntryPoints returns the functions of application packages that
// are invoked from outside Go code.
func externalEntryPoints(prog *ssa.Program, pkgs []*packages.Package) []*ssa.Function {
	var roots []*ssa.Function
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		if p.Types == nil || p.TypesInfo == nil || !isAppPackage(p) {
			return
		}
		funcs, err := externalFuncs(p)
		if err != nil {
			slog.Warn("failed to scan package for external entry points", "pkg", p.PkgPath, "err", err)
		}
		for _, ef := range funcs {
			if fn := prog.FuncValue(ef.Func); fn != nil {
				slog.Debug("external entry point", "func", fn.String(), "reason", ef.Reason)
				roots = append(roots, fn)
			}
		}
	})
	return roots
}

func appendNew(roots []*ssa.Function, fns ...*ssa.Function) []*ssa.Function {
	for _, fn := range fns {
		if !slices.Contains(roots, fn) {
			roots = append(roots, fn)
		}
	}
	return roots
}

// exportedMethods returns the exported methods of a named type and its
// pointer. Methods of generic types have no SSA function and are skipped.
func exportedMethods(prog *ssa.Program, typ *ssa.Type) []*ssa.Function {
	named, ok := typ.Object().Type().(*types.Named)
	if !ok || named.TypeParams().Len() > 0 {
		return nil
	}
	var fns []*ssa.Function
	for _, t := range []types.Type{named, types.NewPointer(named)} {
		mset := prog.MethodSets.MethodSet(t)
		for i := range mset.Len() {
			sel := mset.At(i)
			if !sel.Obj().Exported() {
				continue
			}
			if fn := prog.MethodValue(sel); fn != nil {
				fns = append(fns, fn)
			}
		}
	}
	return fns
}

// namedEntryPoints looks up configured entry points by their construct
// name among all functions of prog.
func (b *Builder) namedEntryPoints(prog *ssa.Program, strict bool) ([]*ssa.Function, error) {
	wanted := make(map[string]bool, len(b.opts.EntryPoints))
	for _, name := range b.opts.EntryPoints {
		wanted[strings.TrimSpace(name)] = true
	}

	var roots []*ssa.Function
	for fn := range ssautil.AllFunctions(prog) {
		name := b.names.ID(fn).QName
		if wanted[name] && fn.Synthetic == "" {
			roots = append(roots, fn)
			delete(wanted, name)
		}
	}
	slices.SortFunc(roots, func(x, y *ssa.Function) int {
		return construct.Compare(b.names.ID(x), b.names.ID(y))
	})

	if len(wanted) > 0 {
		missing := slices.Sorted(maps.Keys(wanted))
		if strict {
			return nil, fmt.Errorf("%w: %s", ErrMissingEntryPoint, strings.Join(missing, ", "))
		}
		slog.Warn("entry points not found", "entry_points", missing)
	}
	return roots, nil
}

func isTestFunction(fn *ssa.Function) bool {
	name := fn.Name()
	return strings.HasPrefix(name, "Test") ||
		strings.HasPrefix(name, "Benchmark") ||
		strings.HasPrefix(name, "Fuzz") ||
		strings.HasPrefix(name, "Example")
}

func (b *Builder) Graph() cg.RawGraph { return b.raw }

func (b *Builder) EntryPoints() construct.Set { return b.entries }

func (b *Builder) ConstructionTime() time.Duration { return b.elapsed }

// AppConstructs returns the functions of the main module.
func (b *Builder) AppConstructs() construct.Set { return b.apps }

// Resolver attributes functions to the modules providing them.
func (b *Builder) Resolver() provenance.Resolver { return b.resolver }
