// Package engine executes automations: the Dispatcher routes single actions
// to connectors or the sandbox, and the Engine drives the sequential action
// loop for one trigger firing, producing exactly one execution record.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/deepnoodle-ai/relay/approval"
	"github.com/deepnoodle-ai/relay/automation"
	"github.com/deepnoodle-ai/relay/connector"
	"github.com/deepnoodle-ai/relay/sandbox"
	"github.com/deepnoodle-ai/relay/slogger"
	"github.com/deepnoodle-ai/relay/template"
)

// ScriptStore provides stored script bodies and metadata. GetPreviousScript
// returns the prior body after a content change, or "" when none exists.
type ScriptStore interface {
	GetScript(ctx context.Context, id string) (string, error)
	GetScriptMetadata(ctx context.Context, id string) (*automation.ScriptMetadata, error)
	GetPreviousScript(ctx context.Context, id string) (string, error)
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Connectors *connector.Registry
	Scripts    ScriptStore
	Gate       *approval.Gate
	Runner     *sandbox.Runner
	// SandboxWorkDir is the parent under which each bash invocation gets
	// a private working directory.
	SandboxWorkDir string
	Logger         slogger.Logger
}

// Dispatcher executes one resolved action against the right backend:
// a connector, the extractor, or the sandbox runner. Capability usage is
// validated before any side effect occurs.
type Dispatcher struct {
	connectors     *connector.Registry
	scripts        ScriptStore
	gate           *approval.Gate
	runner         *sandbox.Runner
	sandboxWorkDir string
	logger         slogger.Logger
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slogger.NewDevNull()
	}
	if opts.SandboxWorkDir == "" {
		opts.SandboxWorkDir = os.TempDir()
	}
	return &Dispatcher{
		connectors:     opts.Connectors,
		scripts:        opts.Scripts,
		gate:           opts.Gate,
		runner:         opts.Runner,
		sandboxWorkDir: opts.SandboxWorkDir,
		logger:         logger,
	}
}

// Execute runs one action with the given variable bindings and returns a
// uniform result. Failures are reported through the result, classified for
// error-rule matching; Execute itself never panics the run.
func (d *Dispatcher) Execute(ctx context.Context, spec *automation.Spec, action *automation.Action, vars map[string]any, dryRun bool) *automation.ActionResult {
	start := time.Now()
	result := &automation.ActionResult{
		ActionID: action.ID,
		Type:     action.Type,
		Status:   automation.ActionSuccess,
		Output:   map[string]any{},
	}

	if err := d.validateCapabilities(spec, action); err != nil {
		failResult(result, err)
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	var err error
	switch action.Type.Kind() {
	case "file", "spreadsheet", "email":
		err = d.executeConnector(ctx, action, vars, dryRun, result)
	case "document":
		err = d.executeExtract(action, vars, result)
	case "bash":
		err = d.executeBash(ctx, spec, action, vars, dryRun, result)
	case "conditional":
		err = d.executeConditional(action, vars, result)
	default:
		err = automation.Validationf("unknown action type %q", action.Type)
	}
	if err != nil {
		failResult(result, err)
	}
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

func failResult(result *automation.ActionResult, err error) {
	result.Error = err.Error()
	result.ErrorClass = automation.Classify(err)
	if errors.Is(err, automation.ErrApprovalRequired) {
		result.Status = automation.ActionBlocked
	} else {
		result.Status = automation.ActionFailed
	}
}

// validateCapabilities rejects the action before any side effect when its
// declared usage exceeds the automation's capabilities. Connector use is
// deny-by-default: it requires an explicit grant covering the operation
// class.
func (d *Dispatcher) validateCapabilities(spec *automation.Spec, action *automation.Action) error {
	if action.Bash != nil {
		if !spec.Capabilities.Contains(action.Bash.Capabilities) {
			return &automation.CapabilityViolationError{
				Detail: fmt.Sprintf("bash action capabilities exceed automation capabilities for script %s", action.Bash.ScriptID),
			}
		}
		return nil
	}
	if id := action.Connector(); id != "" {
		opClass := "write"
		if strings.HasSuffix(string(action.Type), ".read") {
			opClass = "read"
		}
		if !spec.Capabilities.AllowsConnector(id, opClass) {
			return &automation.CapabilityViolationError{
				Detail: fmt.Sprintf("no %s grant for connector %q", opClass, id),
			}
		}
	}
	return nil
}

func (d *Dispatcher) executeConnector(ctx context.Context, action *automation.Action, vars map[string]any, dryRun bool, result *automation.ActionResult) error {
	params, unresolved := connectorParams(action, vars)
	if len(unresolved) > 0 {
		return &automation.UnresolvedVariableError{References: unresolved}
	}

	conn, err := d.connectors.Get(action.Connector())
	if err != nil {
		return automation.Validationf("%v", err)
	}

	operation := string(action.Type)
	if dryRun {
		result.Output["dry_run"] = true
		result.Output["would_execute"] = fmt.Sprintf("%s.%s", conn.ID(), operation)
		for k, v := range params {
			result.Output[k] = v
		}
		return nil
	}

	var output map[string]any
	if strings.HasSuffix(operation, ".read") {
		output, err = conn.Read(ctx, operation, params)
	} else {
		output, err = conn.Write(ctx, operation, params)
	}
	if err != nil {
		// Connector errors are recoverable by default.
		return fmt.Errorf("connector %s: %w", conn.ID(), err)
	}
	for k, v := range output {
		result.Output[k] = v
	}
	return nil
}

// connectorParams renders the action's templated fields into connector
// parameters, collecting unresolved references.
func connectorParams(action *automation.Action, vars map[string]any) (map[string]any, []string) {
	params := map[string]any{}
	var unresolved []string
	resolve := func(s string) string {
		if s == "" {
			return s
		}
		res := template.Resolve(s, vars, template.Plain)
		unresolved = append(unresolved, res.Unresolved...)
		return res.Value
	}

	switch {
	case action.File != nil:
		f := action.File
		params["path"] = resolve(f.Path)
		if f.Source != "" {
			params["source"] = resolve(f.Source)
		}
		if f.Content != "" {
			params["content"] = resolve(f.Content)
		}
		if f.OnConflict != "" {
			params["on_conflict"] = f.OnConflict
		}
	case action.Spreadsheet != nil:
		s := action.Spreadsheet
		params["spreadsheet_id"] = s.SpreadsheetID
		if s.SheetName != "" {
			params["sheet_name"] = s.SheetName
		}
		if s.Range != "" {
			params["range"] = resolve(s.Range)
		}
		if len(s.Row) > 0 {
			row := make([]any, 0, len(s.Row))
			for _, cell := range s.Row {
				row = append(row, map[string]any{
					"column": cell.Column,
					"value":  resolve(cell.Value),
				})
			}
			params["row"] = row
		}
	case action.Email != nil:
		e := action.Email
		if len(e.To) > 0 {
			to := make([]any, 0, len(e.To))
			for _, addr := range e.To {
				to = append(to, resolve(addr))
			}
			params["to"] = to
		}
		if e.Subject != "" {
			params["subject"] = resolve(e.Subject)
		}
		if e.Body != "" {
			params["body"] = resolve(e.Body)
		}
		if e.Label != "" {
			params["label"] = resolve(e.Label)
		}
		if e.MessageID != "" {
			params["message_id"] = resolve(e.MessageID)
		}
	}
	return params, unresolved
}

func (d *Dispatcher) executeExtract(action *automation.Action, vars map[string]any, result *automation.ActionResult) error {
	ext := action.Extract
	res := template.Resolve(ext.Source, vars, template.Plain)
	if len(res.Unresolved) > 0 {
		return &automation.UnresolvedVariableError{References: res.Unresolved}
	}

	values, missing := ExtractFields(res.Value, ext.Fields)
	for k, v := range values {
		result.Output[k] = v
	}
	if len(missing) > 0 {
		switch ext.OnEmpty {
		case "skip":
			result.Status = automation.ActionSkipped
		case "error":
			return fmt.Errorf("extraction found no value for %s", strings.Join(missing, ", "))
		default:
			result.Flagged = true
			result.Output["missing_fields"] = missing
		}
	}
	return nil
}

func (d *Dispatcher) executeConditional(action *automation.Action, vars map[string]any, result *automation.ActionResult) error {
	cond := action.Conditional.Condition
	// The condition value itself may be templated.
	res := template.Resolve(cond.Value, vars, template.Plain)
	if len(res.Unresolved) > 0 {
		return &automation.UnresolvedVariableError{References: res.Unresolved}
	}
	cond.Value = res.Value

	value, ok := template.Lookup(vars, cond.Field)
	matched := ok && cond.Matches(fmt.Sprintf("%v", value))
	result.Output["matched"] = matched
	if !matched && action.Conditional.OnFalse != "continue" {
		result.Output["skip_remaining"] = true
	}
	return nil
}
