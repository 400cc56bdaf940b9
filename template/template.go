// Package template substitutes ${dotted.path} references in strings with
// values from a nested variable mapping. Every substituted value is rendered
// for a target context; the shell context quotes values so that they are
// always a single literal argument, which is the sole defense against
// command injection. Unresolvable references are left verbatim and reported,
// never dropped.
package template

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Context selects the escaping rules applied to substituted values.
type Context int

const (
	// Plain renders values with no escaping.
	Plain Context = iota
	// Shell single-quotes values so embedded whitespace, quotes, $,
	// backticks and control characters stay literal.
	Shell
	// URLPath percent-encodes values for use inside a URL path segment.
	URLPath
)

var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Result is the outcome of resolving one template string.
type Result struct {
	Value string
	// Unresolved lists references that had no value, in order of
	// appearance. Such references remain byte-for-byte in Value.
	Unresolved []string
}

// Resolve substitutes every resolvable ${path} reference in s.
func Resolve(s string, vars map[string]any, ctx Context) Result {
	var unresolved []string
	value := refPattern.ReplaceAllStringFunc(s, func(m string) string {
		path := m[2 : len(m)-1]
		v, ok := Lookup(vars, path)
		if !ok {
			unresolved = append(unresolved, path)
			return m
		}
		return escape(render(v), ctx)
	})
	return Result{Value: value, Unresolved: unresolved}
}

// References returns the paths of all ${...} references in s.
func References(s string) []string {
	var refs []string
	for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
		refs = append(refs, m[1])
	}
	return refs
}

// Lookup walks a dotted path through nested maps. Numeric segments index
// into slices, so "actions.0.stdout" reaches the first action's output.
func Lookup(vars map[string]any, path string) (any, bool) {
	var current any = vars
	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			current = v[i]
		default:
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

func render(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case float64:
		// JSON numbers decode as float64; keep integers clean.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func escape(s string, ctx Context) string {
	switch ctx {
	case Shell:
		return QuoteShell(s)
	case URLPath:
		return url.PathEscape(s)
	}
	return s
}

// QuoteShell wraps s in single quotes, escaping embedded single quotes with
// the '\'' idiom. The result is always exactly one shell word, regardless of
// what s contains.
func QuoteShell(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
