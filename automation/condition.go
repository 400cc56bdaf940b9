package automation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/deepnoodle-ai/relay/template"
)

// Matches applies the condition's operator to a field value. The matches
// operator treats the condition value as a case-insensitive regular
// expression; an invalid pattern never matches.
func (c Condition) Matches(fieldValue string) bool {
	switch c.Operator {
	case OpEquals:
		return strings.EqualFold(fieldValue, c.Value)
	case OpContains:
		return strings.Contains(strings.ToLower(fieldValue), strings.ToLower(c.Value))
	case OpMatches:
		re, err := regexp.Compile("(?i)" + c.Value)
		if err != nil {
			return false
		}
		return re.MatchString(fieldValue)
	}
	return false
}

// EvaluateConditions reports whether every condition matches the event data
// (logical AND). A condition whose field is absent from the data never
// matches.
func EvaluateConditions(conditions []Condition, data map[string]any) bool {
	for _, c := range conditions {
		v, ok := template.Lookup(data, c.Field)
		if !ok {
			return false
		}
		if !c.Matches(fmt.Sprintf("%v", v)) {
			return false
		}
	}
	return true
}
