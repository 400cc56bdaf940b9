package automation

import (
	"strings"

	"github.com/deepnoodle-ai/relay/template"
)

// Validate checks the structural invariants of a spec: the trigger and every
// action are well formed, every template reference an action uses is either a
// declared variable, a built-in (trigger.*, actions.*), and every bash
// action's declared capabilities are a subset of the spec's capabilities.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return Validationf("automation id is required")
	}
	if s.Name == "" {
		return Validationf("automation name is required")
	}
	if !s.Status.IsValid() {
		return Validationf("invalid status %q", s.Status)
	}
	if err := s.Trigger.validate(); err != nil {
		return Validationf("trigger: %v", err)
	}
	if s.Status == StatusActive && len(s.Actions) == 0 {
		return Validationf("active automation has no actions")
	}

	declared := map[string]bool{"trigger": true, "actions": true}
	for _, v := range s.Variables {
		if v.Name == "" {
			return Validationf("variable with empty name")
		}
		declared[v.Name] = true
	}

	for i := range s.Actions {
		act := &s.Actions[i]
		if err := act.checkVariant(); err != nil {
			return Validationf("action %d: %v", i, err)
		}
		for _, ref := range actionReferences(act) {
			root := ref
			if j := strings.IndexByte(ref, '.'); j > 0 {
				root = ref[:j]
			}
			if !declared[root] {
				return Validationf("action %d references undeclared variable %q", i, ref)
			}
		}
		if act.Bash != nil {
			if act.Bash.ScriptID == "" {
				return Validationf("action %d: bash.run requires script_id", i)
			}
			if !s.Capabilities.Contains(act.Bash.Capabilities) {
				return Validationf("action %d: declared capabilities exceed the automation's capabilities", i)
			}
		}
		if id := act.Connector(); id != "" && len(s.Capabilities.Connectors) > 0 {
			if !s.Capabilities.AllowsConnector(id) {
				return Validationf("action %d: connector %q is not granted", i, id)
			}
		}
	}

	for _, rule := range s.ErrorRules {
		switch rule.Action {
		case ErrorRuleContinueWithFlag, ErrorRuleCreateReviewTask, ErrorRulePauseAutomation, ErrorRuleRetry:
		default:
			return Validationf("unknown error rule action %q", rule.Action)
		}
	}
	return nil
}

// actionReferences collects every ${...} reference in an action's templated
// string fields.
func actionReferences(a *Action) []string {
	var refs []string
	add := func(values ...string) {
		for _, v := range values {
			refs = append(refs, template.References(v)...)
		}
	}
	switch {
	case a.File != nil:
		add(a.File.Path, a.File.Source, a.File.Content)
	case a.Spreadsheet != nil:
		add(a.Spreadsheet.Range)
		for _, cell := range a.Spreadsheet.Row {
			add(cell.Value)
		}
	case a.Email != nil:
		add(a.Email.Subject, a.Email.Body, a.Email.Label, a.Email.MessageID)
		add(a.Email.To...)
	case a.Extract != nil:
		add(a.Extract.Source)
	case a.Bash != nil:
		for _, v := range a.Bash.Variables {
			add(v)
		}
	case a.Conditional != nil:
		add(a.Conditional.Condition.Value, a.Conditional.Condition.Field)
	}
	return refs
}
