// Package construct identifies code constructs (packages, classes, methods,
// constructors and functions) by language and qualified name.
package construct

import (
	"cmp"
	"strings"
)

// Lang is the programming language a construct belongs to.
type Lang string

const (
	LangJava Lang = "java"
	LangGo   Lang = "go"
)

// Kind is the type of a construct.
type Kind string

const (
	KindPackage     Kind = "package"
	KindClass       Kind = "class"
	KindMethod      Kind = "method"
	KindConstructor Kind = "constructor"
	KindFunction    Kind = "function"
)

// ID is an immutable construct identity. Two IDs denote the same construct
// iff their qualified names are equal; Lang and Kind are descriptive.
type ID struct {
	Lang  Lang   `json:"lang" yaml:"lang"`
	Kind  Kind   `json:"kind" yaml:"kind"`
	QName string `json:"qname" yaml:"qname"`
}

// New returns the ID for the given language, kind and qualified name.
func New(lang Lang, kind Kind, qname string) ID {
	return ID{Lang: lang, Kind: kind, QName: qname}
}

// Parse returns the ID for qname, inferring its kind from the naming
// conventions of lang.
func Parse(lang Lang, qname string) ID {
	return ID{Lang: lang, Kind: inferKind(lang, qname), QName: qname}
}

func (id ID) String() string { return id.QName }

// IsZero reports whether id is the zero ID.
func (id ID) IsZero() bool { return id.QName == "" }

// Equal reports whether id and other name the same construct.
func (id ID) Equal(other ID) bool { return id.QName == other.QName }

// Compare orders IDs by qualified name.
func Compare(a, b ID) int {
	return cmp.Compare(a.QName, b.QName)
}

// CompilationUnit returns the qualified name of the unit the construct was
// compiled in: the declaring class for Java members, the package for Go.
// Archive resolution is done per compilation unit.
func (id ID) CompilationUnit() string {
	if id.Lang == LangGo {
		return GoPackagePath(id.QName)
	}
	switch id.Kind {
	case KindPackage, KindClass:
		return id.QName
	case KindConstructor:
		return stripParams(id.QName)
	default:
		name := stripParams(id.QName)
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			return name[:i]
		}
		return name
	}
}

// GoPackagePath extracts the import path from a Go qualified name such as
// "example.com/lib/codec.*Decoder.Decode".
func GoPackagePath(qname string) string {
	name := qname
	if i := strings.IndexAny(name, "[("); i >= 0 {
		name = name[:i]
	}
	slash := strings.LastIndexByte(name, '/')
	dot := strings.IndexByte(name[slash+1:], '.')
	if dot < 0 {
		return name
	}
	end := slash + 1 + dot
	end += versionSuffixLen(name[end:])
	return name[:end]
}

// versionSuffixLen returns the length of a ".vN" element at the start of s
// that belongs to the import path, as in "gopkg.in/yaml.v3".
func versionSuffixLen(s string) int {
	if !strings.HasPrefix(s, ".v") {
		return 0
	}
	n := 2
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	if n == 2 || (n < len(s) && s[n] != '.') {
		return 0
	}
	return n
}

// Normalize strips compiler-injected synthetic parts from id.
//
// Java: constructors of non-static nested classes receive the enclosing
// instance as an implicit first parameter, e.g.
// "a.Outer$Inner(a.Outer,int)" is normalized to "a.Outer$Inner(int)".
//
// Go: SSA method value and method expression wrappers carry a "$bound" or
// "$thunk" suffix which is removed.
//
// The second result is false if id is already normalized.
func Normalize(id ID) (ID, bool) {
	switch id.Lang {
	case LangGo:
		for _, suffix := range goWrapperSuffixes {
			if name, ok := strings.CutSuffix(id.QName, suffix); ok {
				return ID{Lang: id.Lang, Kind: id.Kind, QName: name}, true
			}
		}
		return id, false
	default:
		if id.Kind != KindConstructor {
			return id, false
		}
		return normalizeNestedConstructor(id)
	}
}

var goWrapperSuffixes = []string{"$bound", "$thunk"}

func normalizeNestedConstructor(id ID) (ID, bool) {
	open := strings.IndexByte(id.QName, '(')
	if open < 0 || !strings.HasSuffix(id.QName, ")") {
		return id, false
	}
	class := id.QName[:open]
	dollar := strings.LastIndexByte(class, '$')
	if dollar < 0 {
		return id, false
	}
	outer := class[:dollar]

	params := id.QName[open+1 : len(id.QName)-1]
	if params == "" {
		return id, false
	}
	first, rest, _ := strings.Cut(params, ",")
	if strings.TrimSpace(first) != outer {
		return id, false
	}
	return ID{
		Lang:  id.Lang,
		Kind:  id.Kind,
		QName: class + "(" + strings.TrimSpace(rest) + ")",
	}, true
}

func stripParams(qname string) string {
	if i := strings.IndexByte(qname, '('); i >= 0 {
		return qname[:i]
	}
	return qname
}

func inferKind(lang Lang, qname string) Kind {
	if lang == LangGo {
		pkg := GoPackagePath(qname)
		if pkg == qname {
			return KindPackage
		}
		// A second dot after the package path means a receiver type.
		if strings.Contains(qname[len(pkg)+1:], ".") {
			return KindMethod
		}
		return KindFunction
	}

	name := stripParams(qname)
	simple := name
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		simple = name[i+1:]
	}
	upper := simple != "" && simple[0] >= 'A' && simple[0] <= 'Z'
	switch {
	case strings.Contains(qname, "(") && upper:
		return KindConstructor
	case strings.Contains(qname, "("):
		return KindMethod
	case upper:
		return KindClass
	default:
		return KindPackage
	}
}
