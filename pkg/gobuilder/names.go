package gobuilder

import (
	"go/types"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/tools/go/ssa"

	"github.com/715d/vulnreach/pkg/construct"
)

// NameCache maps SSA functions to construct identities.
//
// Names follow the symbol notation of the Go vulnerability database:
//
//	example.com/lib.Parse             package-level function
//	example.com/lib.Decoder.Decode    method, pointer or value receiver
//	example.com/lib.Parse$1           closure inside Parse
//	example.com/lib.Decoder.Decode$bound
//
// Instantiations of generic functions share the name of their origin.
type NameCache struct {
	funcs *xsync.Map[*ssa.Function, construct.ID]
	types *xsync.Map[types.Type, string]
}

func NewNameCache() *NameCache {
	return &NameCache{
		funcs: xsync.NewMap[*ssa.Function, construct.ID](),
		types: xsync.NewMap[types.Type, string](),
	}
}

// ID returns the construct identity of fn.
func (c *NameCache) ID(fn *ssa.Function) construct.ID {
	if id, ok := c.funcs.Load(fn); ok {
		return id
	}
	// Not LoadOrCompute: computeID recurses into ID for parents and origins.
	id := c.computeID(fn)
	c.funcs.Store(fn, id)
	return id
}

func (c *NameCache) computeID(fn *ssa.Function) construct.ID {
	if origin := fn.Origin(); origin != nil {
		return c.ID(origin)
	}

	// Closures extend their parent's name by the "$N" suffix.
	if parent := fn.Parent(); parent != nil {
		pid := c.ID(parent)
		suffix := strings.TrimPrefix(fn.Name(), parent.Name())
		return construct.New(construct.LangGo, pid.Kind, pid.QName+suffix)
	}

	var builder strings.Builder
	builder.Grow(128)
	if path := funcPkgPath(fn); path != "" {
		builder.WriteString(path)
		builder.WriteByte('.')
	}

	kind := construct.KindFunction
	if recv := receiverOf(fn); recv != nil {
		kind = construct.KindMethod
		builder.WriteString(c.TypeName(recv.Type()))
		builder.WriteByte('.')
	}
	builder.WriteString(fn.Name())
	return construct.New(construct.LangGo, kind, builder.String())
}

// TypeName returns the unqualified name of a receiver type, without
// pointer indirection and type arguments.
func (c *NameCache) TypeName(typ types.Type) string {
	name, _ := c.types.LoadOrCompute(typ, func() (string, bool) {
		return computeTypeName(typ), false
	})
	return name
}

func computeTypeName(typ types.Type) string {
	typ = types.Unalias(typ)
	if ptr, ok := typ.(*types.Pointer); ok {
		typ = types.Unalias(ptr.Elem())
	}
	switch t := typ.(type) {
	case *types.Named:
		return t.Origin().Obj().Name()
	case *types.TypeParam:
		return t.Obj().Name()
	default:
		return typ.String()
	}
}

// receiverOf returns the receiver of the method fn stands for. Bound
// method closures and thunks have no receiver parameter of their own, so
// the receiver is taken from the method object.
func receiverOf(fn *ssa.Function) *types.Var {
	if recv := fn.Signature.Recv(); recv != nil {
		return recv
	}
	if obj, ok := fn.Object().(*types.Func); ok {
		if sig, ok := obj.Type().(*types.Signature); ok {
			return sig.Recv()
		}
	}
	return nil
}

func funcPkgPath(fn *ssa.Function) string {
	if fn.Pkg != nil {
		return fn.Pkg.Pkg.Path()
	}
	if obj := fn.Object(); obj != nil && obj.Pkg() != nil {
		return obj.Pkg().Path()
	}
	return ""
}
