package sandbox

import (
	"strings"

	"github.com/gobwas/glob"
)

// shellKeywords prefix a command position without being the command
// themselves (`if grep ...` still invokes grep).
var shellKeywords = map[string]bool{
	"if": true, "then": true, "else": true, "elif": true, "fi": true,
	"for": true, "while": true, "until": true, "do": true, "done": true,
	"case": true, "esac": true, "in": true, "function": true, "time": true,
	"!": true,
}

// shellBuiltins are command names never treated as invoked binaries by the
// advisory scan.
var shellBuiltins = map[string]bool{
	"echo": true, "printf": true, "cd": true, "pwd": true, "export": true,
	"set": true, "unset": true, "local": true, "return": true, "exit": true,
	"read": true, "shift": true, "source": true, "true": true, "false": true,
	"test": true, "[": true, "[[": true, "]]": true, "wait": true, "trap": true,
	"break": true, "continue": true, "eval": true, "exec": true,
}

// CheckCommands scans a script for invoked command names that fall outside
// the allow-list and returns the offenders. The scan is advisory: shell
// scripts can obscure what they invoke, so this check supplements the
// filesystem and network boundaries rather than replacing them. An empty
// allow-list disables the check.
func CheckCommands(script string, allowed []string) []string {
	if len(allowed) == 0 {
		return nil
	}
	globs := make([]glob.Glob, 0, len(allowed))
	for _, a := range allowed {
		if g, err := glob.Compile(a); err == nil {
			globs = append(globs, g)
		}
	}

	seen := map[string]bool{}
	var violations []string
	for _, name := range invokedCommands(script) {
		if seen[name] {
			continue
		}
		seen[name] = true
		ok := false
		for _, g := range globs {
			if g.Match(name) {
				ok = true
				break
			}
		}
		if !ok {
			violations = append(violations, name)
		}
	}
	return violations
}

// invokedCommands extracts the first word of every command position in the
// script: line starts and positions after ;, &&, || and |.
func invokedCommands(script string) []string {
	var names []string
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.Index(line, " #"); i >= 0 {
			line = line[:i]
		}
		for _, segment := range splitCommandSegments(line) {
			fields := strings.Fields(segment)
			for _, f := range fields {
				name := strings.TrimSpace(f)
				// Skip leading environment assignments and keywords;
				// the command follows them.
				if name == "" || shellKeywords[name] {
					continue
				}
				if strings.Contains(name, "=") && !strings.HasPrefix(name, "=") {
					continue
				}
				if shellBuiltins[name] {
					break
				}
				if strings.HasPrefix(name, "$") || strings.HasPrefix(name, "\"") || strings.HasPrefix(name, "'") {
					break
				}
				// Use the basename for absolute invocations.
				if i := strings.LastIndexByte(name, '/'); i >= 0 {
					name = name[i+1:]
				}
				names = append(names, name)
				break
			}
		}
	}
	return names
}

// splitCommandSegments splits a line at unquoted command separators. A
// separator inside a quoted argument stays part of its segment: the shell
// resolver substitutes values as single-quoted literals, and those must
// never be read as new command positions.
func splitCommandSegments(line string) []string {
	var segments []string
	var cur strings.Builder
	inSingle, inDouble := false, false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			}
			cur.WriteByte(c)
		case c == '\\' && i+1 < len(line):
			cur.WriteByte(c)
			i++
			cur.WriteByte(line[i])
		case inDouble:
			if c == '"' {
				inDouble = false
			}
			cur.WriteByte(c)
		case c == '\'':
			inSingle = true
			cur.WriteByte(c)
		case c == '"':
			inDouble = true
			cur.WriteByte(c)
		case c == ';' || c == '|' || c == '&':
			segments = append(segments, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(segments, cur.String())
}

// violationMarkers are stderr fragments that indicate the isolation layer
// denied an access the script attempted.
var violationMarkers = []string{
	"Permission denied",
	"Read-only file system",
	"Operation not permitted",
	"Network is unreachable",
	"Temporary failure in name resolution",
	"Could not resolve host",
}

// scanViolations inspects captured stderr for evidence of denied accesses.
// Detection is best effort; the isolation boundary already prevented the
// access itself.
func scanViolations(stderr string, cfg *Config) []string {
	var violations []string
	for _, line := range strings.Split(stderr, "\n") {
		for _, marker := range violationMarkers {
			if strings.Contains(line, marker) {
				violations = append(violations, strings.TrimSpace(line))
				break
			}
		}
	}
	return violations
}
