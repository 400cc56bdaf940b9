package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePlain(t *testing.T) {
	vars := map[string]any{
		"client": map[string]any{"name": "ACME", "id": float64(42)},
		"amount": "4500.00",
	}
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"${client.name}", "ACME"},
		{"id=${client.id}", "id=42"},
		{"${client.name}/${amount}", "ACME/4500.00"},
	}
	for _, tt := range tests {
		res := Resolve(tt.input, vars, Plain)
		assert.Equal(t, tt.want, res.Value)
		assert.Empty(t, res.Unresolved)
	}
}

func TestResolveUnresolvedLeftVerbatim(t *testing.T) {
	vars := map[string]any{"known": "yes"}
	res := Resolve("a=${known} b=${miss.ing} c=${also.missing}", vars, Plain)
	assert.Equal(t, "a=yes b=${miss.ing} c=${also.missing}", res.Value)
	assert.Equal(t, []string{"miss.ing", "also.missing"}, res.Unresolved)
}

func TestResolveShellInjection(t *testing.T) {
	vars := map[string]any{
		"subject": `"; rm -rf / #`,
	}
	res := Resolve("echo ${subject}", vars, Shell)
	require.Empty(t, res.Unresolved)
	assert.Equal(t, `echo '"; rm -rf / #'`, res.Value)
}

func TestQuoteShell(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "'plain'"},
		{"two words", "'two words'"},
		{"$(whoami)", "'$(whoami)'"},
		{"`id`", "'`id`'"},
		{"a'b", `'a'\''b'`},
		{"", "''"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, QuoteShell(tt.in))
	}
}

func TestResolveURLPath(t *testing.T) {
	vars := map[string]any{"name": "a b/c"}
	res := Resolve("/files/${name}", vars, URLPath)
	assert.Equal(t, "/files/a%20b%2Fc", res.Value)
}

func TestLookupSliceIndex(t *testing.T) {
	vars := map[string]any{
		"actions": []any{
			map[string]any{"stdout": "first"},
			map[string]any{"stdout": "second"},
		},
	}
	v, ok := Lookup(vars, "actions.1.stdout")
	require.True(t, ok)
	assert.Equal(t, "second", v)

	_, ok = Lookup(vars, "actions.5.stdout")
	assert.False(t, ok)
}

func TestReferences(t *testing.T) {
	refs := References("cp ${src.path} ${dst.path} # ${src.path}")
	assert.Equal(t, []string{"src.path", "dst.path", "src.path"}, refs)
	assert.Empty(t, References("no refs here"))
}
