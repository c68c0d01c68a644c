package gobuilder

import (
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/715d/vulnreach/pkg/construct"
)

const namesSrc = `package p

type T[X any] struct{ x X }

func (t *T[X]) M() X {
	get := func() X { return t.x }
	return get()
}

type S struct{}

func (S) V() {}

func G[X any](x X) X { return x }

func F() {
	var t T[int]
	t.M()
	G[string]("")
	S{}.V()
}
`

func buildNamesPkg(t *testing.T) *ssa.Package {
	t.Helper()
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "p.go", namesSrc, 0)
	require.NoError(t, err)

	pkg, _, err := ssautil.BuildPackage(&types.Config{}, fset,
		types.NewPackage("example.com/p", "p"), []*ast.File{f}, ssa.InstantiateGenerics)
	require.NoError(t, err)
	return pkg
}

func method(t *testing.T, pkg *ssa.Package, typ, name string) *ssa.Function {
	t.Helper()
	obj, _, _ := types.LookupFieldOrMethod(types.NewPointer(pkg.Type(typ).Type()), true, pkg.Pkg, name)
	require.NotNil(t, obj, "%s.%s", typ, name)
	fn := pkg.Prog.FuncValue(obj.(*types.Func))
	require.NotNil(t, fn)
	return fn
}

func TestNameCache_ID(t *testing.T) {
	pkg := buildNamesPkg(t)
	c := NewNameCache()

	m := method(t, pkg, "T", "M")
	require.Len(t, m.AnonFuncs, 1)

	tests := []struct {
		fn   *ssa.Function
		want construct.ID
	}{
		{pkg.Func("F"), construct.New(construct.LangGo, construct.KindFunction, "example.com/p.F")},
		{pkg.Func("G"), construct.New(construct.LangGo, construct.KindFunction, "example.com/p.G")},
		{m, construct.New(construct.LangGo, construct.KindMethod, "example.com/p.T.M")},
		{m.AnonFuncs[0], construct.New(construct.LangGo, construct.KindMethod, "example.com/p.T.M$1")},
		{method(t, pkg, "S", "V"), construct.New(construct.LangGo, construct.KindMethod, "example.com/p.S.V")},
	}
	for _, tt := range tests {
		t.Run(tt.want.QName, func(t *testing.T) {
			require.Equal(t, tt.want, c.ID(tt.fn))
			require.Equal(t, tt.want, c.ID(tt.fn), "cached")
		})
	}
}

func TestNameCache_InstancesShareOrigin(t *testing.T) {
	pkg := buildNamesPkg(t)
	c := NewNameCache()

	var instances int
	for fn := range ssautil.AllFunctions(pkg.Prog) {
		if origin := fn.Origin(); origin != nil {
			instances++
			require.Equal(t, c.ID(origin), c.ID(fn), fn.String())
		}
	}
	require.Positive(t, instances)
}

func TestComputeTypeName(t *testing.T) {
	p := types.NewPackage("example.com/p", "p")
	named := types.NewNamed(types.NewTypeName(0, p, "Decoder", nil), types.NewStruct(nil, nil), nil)

	tests := []struct {
		name string
		typ  types.Type
		want string
	}{
		{"named", named, "Decoder"},
		{"pointer", types.NewPointer(named), "Decoder"},
		{"basic", types.Typ[types.Int], "int"},
		{"slice", types.NewSlice(types.Typ[types.String]), "[]string"},
	}
	c := NewNameCache()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 3 {
				require.Equal(t, tt.want, c.TypeName(tt.typ))
			}
		})
	}
}
