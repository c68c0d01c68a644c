package construct

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		in       ID
		expected string
		changed  bool
	}{
		{
			name:     "non-static nested constructor",
			in:       New(LangJava, KindConstructor, "com.foo.Outer$Inner(com.foo.Outer,int)"),
			expected: "com.foo.Outer$Inner(int)",
			changed:  true,
		},
		{
			name:     "only synthetic parameter",
			in:       New(LangJava, KindConstructor, "com.foo.Outer$Inner(com.foo.Outer)"),
			expected: "com.foo.Outer$Inner()",
			changed:  true,
		},
		{
			name:     "static nested constructor",
			in:       New(LangJava, KindConstructor, "com.foo.Outer$Inner(int)"),
			expected: "com.foo.Outer$Inner(int)",
		},
		{
			name:     "top level constructor",
			in:       New(LangJava, KindConstructor, "com.foo.Outer(com.foo.Outer)"),
			expected: "com.foo.Outer(com.foo.Outer)",
		},
		{
			name:     "method is untouched",
			in:       New(LangJava, KindMethod, "com.foo.Outer$Inner.run(com.foo.Outer)"),
			expected: "com.foo.Outer$Inner.run(com.foo.Outer)",
		},
		{
			name:     "go bound wrapper",
			in:       New(LangGo, KindMethod, "example.com/lib.*Decoder.Decode$bound"),
			expected: "example.com/lib.*Decoder.Decode",
			changed:  true,
		},
		{
			name:     "go thunk wrapper",
			in:       New(LangGo, KindMethod, "example.com/lib.Decoder.Decode$thunk"),
			expected: "example.com/lib.Decoder.Decode",
			changed:  true,
		},
		{
			name:     "go closure",
			in:       New(LangGo, KindFunction, "example.com/lib.Parse$1"),
			expected: "example.com/lib.Parse$1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Normalize(tt.in)
			require.Equal(t, tt.changed, changed)
			require.Equal(t, tt.expected, got.QName)
			require.Equal(t, tt.in.Kind, got.Kind)
		})
	}
}

func TestCompilationUnit(t *testing.T) {
	tests := []struct {
		id       ID
		expected string
	}{
		{New(LangJava, KindMethod, "com.foo.Bar.baz(int)"), "com.foo.Bar"},
		{New(LangJava, KindMethod, "com.foo.Bar$Inner.baz()"), "com.foo.Bar$Inner"},
		{New(LangJava, KindConstructor, "com.foo.Bar(java.lang.String)"), "com.foo.Bar"},
		{New(LangJava, KindClass, "com.foo.Bar"), "com.foo.Bar"},
		{New(LangJava, KindPackage, "com.foo"), "com.foo"},
		{New(LangGo, KindFunction, "example.com/lib/codec.Parse"), "example.com/lib/codec"},
		{New(LangGo, KindMethod, "example.com/lib/codec.*Decoder.Decode"), "example.com/lib/codec"},
		{New(LangGo, KindFunction, "example.com/lib.Map[K, V]"), "example.com/lib"},
		{New(LangGo, KindPackage, "example.com/lib"), "example.com/lib"},
		{New(LangGo, KindFunction, "gopkg.in/yaml.v3.Unmarshal"), "gopkg.in/yaml.v3"},
		{New(LangGo, KindMethod, "gopkg.in/yaml.v3.Decoder.Decode"), "gopkg.in/yaml.v3"},
		{New(LangGo, KindPackage, "gopkg.in/yaml.v3"), "gopkg.in/yaml.v3"},
		{New(LangGo, KindFunction, "example.com/lib.vet"), "example.com/lib"},
	}

	for _, tt := range tests {
		t.Run(tt.id.QName, func(t *testing.T) {
			require.Equal(t, tt.expected, tt.id.CompilationUnit())
		})
	}
}

func TestParseInfersKind(t *testing.T) {
	require.Equal(t, KindMethod, Parse(LangJava, "com.foo.Bar.baz()").Kind)
	require.Equal(t, KindConstructor, Parse(LangJava, "com.foo.Bar(int)").Kind)
	require.Equal(t, KindClass, Parse(LangJava, "com.foo.Bar").Kind)
	require.Equal(t, KindPackage, Parse(LangJava, "com.foo").Kind)
	require.Equal(t, KindFunction, Parse(LangGo, "example.com/lib.Parse").Kind)
	require.Equal(t, KindMethod, Parse(LangGo, "example.com/lib.*Decoder.Decode").Kind)
	require.Equal(t, KindPackage, Parse(LangGo, "example.com/lib").Kind)
	require.Equal(t, KindFunction, Parse(LangGo, "gopkg.in/yaml.v3.Unmarshal").Kind)
	require.Equal(t, KindMethod, Parse(LangGo, "gopkg.in/yaml.v3.Decoder.Decode").Kind)
}

func TestSetKeyedByQualifiedName(t *testing.T) {
	s := NewSet(
		New(LangJava, KindMethod, "b.B.run()"),
		New(LangJava, KindMethod, "a.A.run()"),
	)
	s.Add(New(LangJava, KindConstructor, "a.A.run()"))

	require.Equal(t, 2, s.Len())
	require.True(t, s.Has(ID{QName: "a.A.run()"}))
	require.Equal(t, KindMethod, s["a.A.run()"].Kind, "first insertion wins")
	require.Equal(t, []string{"a.A.run()", "b.B.run()"}, s.Names())
	require.Equal(t, "a.A.run()", s.Sorted()[0].QName)
}
