package gobuilder

import (
	"bufio"
	"fmt"
	"go/ast"
	"go/types"
	"io"
	"os"
	"regexp"
	"strings"

	"golang.org/x/tools/go/packages"
)

// Reasons a function is invoked from outside Go code.
const (
	ReasonCgoExport = "cgo export"
	ReasonLinkname  = "linkname"
	ReasonAssembly  = "called from assembly"
	ReasonMarker    = "entrypoint marker"
)

var (
	// markerPattern matches //vulnreach:entrypoint with an optional note.
	markerPattern = regexp.MustCompile(`^//\s*vulnreach:entrypoint(?:\s+(.*))?$`)

	// CALL ·name(SB), the middle dot denoting a symbol of the same package.
	asmCallPattern = regexp.MustCompile(`CALL\s+·([a-zA-Z_][a-zA-Z0-9_]*)\(SB\)`)
)

// ExternalFunc is a function that no Go call site may reach, but that is
// invoked from cgo, assembly, another package through linkname, or a
// framework the marker comment names.
type ExternalFunc struct {
	Func   *types.Func
	Reason string
}

// externalFuncs returns the externally invoked functions of pkg.
func externalFuncs(pkg *packages.Package) ([]ExternalFunc, error) {
	var funcs []ExternalFunc
	seen := make(map[*types.Func]bool)
	add := func(fn *types.Func, reason string) {
		if fn != nil && !seen[fn] {
			seen[fn] = true
			funcs = append(funcs, ExternalFunc{Func: fn, Reason: reason})
		}
	}

	for _, file := range pkg.Syntax {
		markers := markerLines(pkg, file)
		for _, decl := range file.Decls {
			fd, ok := decl.(*ast.FuncDecl)
			if !ok {
				continue
			}
			fn, _ := pkg.TypesInfo.Defs[fd.Name].(*types.Func)
			if reason := directiveReason(fd); reason != "" {
				add(fn, reason)
				continue
			}
			// The marker goes on the line before the declaration or on the
			// same line.
			line := pkg.Fset.Position(fd.Pos()).Line
			if markers[line-1] || markers[line] {
				add(fn, ReasonMarker)
			}
		}
	}

	for _, file := range pkg.OtherFiles {
		if !strings.HasSuffix(file, ".s") {
			continue
		}
		called, err := scanAssemblyFile(file)
		if err != nil {
			return funcs, fmt.Errorf("scan assembly file: %s: %w", file, err)
		}
		for _, name := range called {
			fn, _ := pkg.Types.Scope().Lookup(name).(*types.Func)
			add(fn, ReasonAssembly)
		}
	}
	return funcs, nil
}

func markerLines(pkg *packages.Package, file *ast.File) map[int]bool {
	lines := make(map[int]bool)
	for _, group := range file.Comments {
		for _, c := range group.List {
			if markerPattern.MatchString(c.Text) {
				lines[pkg.Fset.Position(c.Pos()).Line] = true
			}
		}
	}
	return lines
}

// directiveReason returns why fd is invoked externally according to its
// compiler directives, or "".
func directiveReason(fd *ast.FuncDecl) string {
	if fd.Doc == nil {
		return ""
	}
	for _, c := range fd.Doc.List {
		if reason := parseDirective(c.Text); reason != "" {
			return reason
		}
	}
	return ""
}

func parseDirective(comment string) string {
	text := strings.TrimPrefix(comment, "//")

	// cgo exports have no colon: "//export Name".
	if strings.HasPrefix(text, "export ") {
		return ReasonCgoExport
	}
	// Directives have no space after the slashes.
	if after, ok := strings.CutPrefix(text, "go:linkname"); ok && (after == "" || strings.HasPrefix(after, " ")) {
		return ReasonLinkname
	}
	return ""
}

func scanAssemblyFile(filename string) ([]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return scanAssembly(file)
}

// scanAssembly returns the package functions called from Go assembly, in
// order of first appearance.
func scanAssembly(r io.Reader) ([]string, error) {
	var called []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		if m := asmCallPattern.FindStringSubmatch(line); m != nil && !seen[m[1]] {
			seen[m[1]] = true
			called = append(called, m[1])
		}
	}
	return called, scanner.Err()
}
