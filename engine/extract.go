package engine

import (
	"regexp"
	"strings"

	"github.com/deepnoodle-ai/relay/automation"
)

// Field extraction pulls typed values out of free text, keyed by a label
// matching the field name. "Total: €4,500.00" extracted as currency under
// the field name "total" yields "4500.00".
var (
	currencyPattern = regexp.MustCompile(`[\$€£¥]\s*([\d.,]+)|([\d.,]+)\s*(?:USD|EUR|GBP|JPY)`)
	numberPattern   = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)
	datePattern     = regexp.MustCompile(`\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4}|(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]* \d{1,2},? \d{4}`)
)

// ExtractFields extracts each requested field from the source text. It
// returns the found values keyed by field name, plus the names of fields
// with no value.
func ExtractFields(source string, fields []automation.ExtractField) (map[string]any, []string) {
	values := map[string]any{}
	var missing []string
	for _, f := range fields {
		v, ok := extractField(source, f)
		if !ok {
			missing = append(missing, f.Name)
			continue
		}
		values[f.Name] = v
	}
	return values, missing
}

func extractField(source string, f automation.ExtractField) (string, bool) {
	// Typed values extract only from a line labeled with the field name
	// ("Total: €4,500.00"): with no label the field is missing, never the
	// first unrelated match elsewhere in the document.
	scope := labeledLine(source, f.Name)
	if scope == "" {
		return "", false
	}
	switch f.Type {
	case "currency":
		return extractCurrency(scope)
	case "number":
		if m := numberPattern.FindString(scope); m != "" {
			return strings.ReplaceAll(m, ",", ""), true
		}
	case "date":
		if m := datePattern.FindString(scope); m != "" {
			return m, true
		}
	default: // text
		if i := strings.IndexByte(scope, ':'); i >= 0 {
			if v := strings.TrimSpace(scope[i+1:]); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

func extractCurrency(scope string) (string, bool) {
	m := currencyPattern.FindStringSubmatch(scope)
	if m == nil {
		return "", false
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}
	return normalizeAmount(raw), true
}

// normalizeAmount strips thousands separators and keeps the decimal point,
// handling both 4,500.00 and European 4.500,00 forms.
func normalizeAmount(raw string) string {
	lastDot := strings.LastIndexByte(raw, '.')
	lastComma := strings.LastIndexByte(raw, ',')
	if lastComma > lastDot {
		// Comma is the decimal separator.
		raw = strings.ReplaceAll(raw, ".", "")
		raw = strings.Replace(raw, ",", ".", 1)
	} else {
		raw = strings.ReplaceAll(raw, ",", "")
	}
	return strings.Trim(raw, ".")
}

// labeledLine returns the first line containing the field name (case and
// underscore insensitive), or "". A compound name falls back to its last
// word, so "invoice_date" also matches a plain "Date:" label.
func labeledLine(source, name string) string {
	needle := strings.ToLower(strings.ReplaceAll(name, "_", " "))
	candidates := []string{needle, strings.ToLower(name)}
	if words := strings.Fields(needle); len(words) > 1 {
		candidates = append(candidates, words[len(words)-1])
	}
	lines := strings.Split(source, "\n")
	for _, c := range candidates {
		for _, line := range lines {
			if strings.Contains(strings.ToLower(line), c) {
				return line
			}
		}
	}
	return ""
}
