package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/deepnoodle-ai/relay/approval"
	"github.com/deepnoodle-ai/relay/automation"
	"github.com/deepnoodle-ai/relay/sandbox"
	"github.com/deepnoodle-ai/relay/template"
)

// executeBash runs a stored script in the sandbox. The pipeline is strict
// about ordering: the raw stored body is authorized first, variable
// resolution happens only after approval, and the resolved body is what
// actually runs. Resolution into a shell context quotes every substituted
// value as a single-quoted literal.
func (d *Dispatcher) executeBash(ctx context.Context, spec *automation.Spec, action *automation.Action, vars map[string]any, dryRun bool, result *automation.ActionResult) error {
	bash := action.Bash
	if d.scripts == nil {
		return automation.Validationf("no script store configured")
	}
	body, err := d.scripts.GetScript(ctx, bash.ScriptID)
	if err != nil {
		return automation.Validationf("script %s: %v", bash.ScriptID, err)
	}

	req := &approval.Request{
		AutomationID:   spec.ID,
		AutomationName: spec.Name,
		ScriptID:       bash.ScriptID,
		Body:           body,
		Capabilities:   bash.Capabilities,
	}
	if meta, err := d.scripts.GetScriptMetadata(ctx, bash.ScriptID); err == nil && meta != nil {
		req.ScriptName = meta.Name
	}
	if prev, err := d.scripts.GetPreviousScript(ctx, bash.ScriptID); err == nil {
		req.PreviousBody = prev
	}
	if err := d.gate.Authorize(ctx, req, bash); err != nil {
		return err
	}

	// Per-invocation variable bindings resolve in plain context; the
	// script body resolves in shell context so substituted values cannot
	// change the script's structure.
	env := map[string]string{}
	var unresolved []string
	for name, raw := range bash.Variables {
		res := template.Resolve(raw, vars, template.Plain)
		unresolved = append(unresolved, res.Unresolved...)
		env[name] = res.Value
	}
	bodyRes := template.Resolve(body, vars, template.Shell)
	unresolved = append(unresolved, bodyRes.Unresolved...)
	if len(unresolved) > 0 {
		return &automation.UnresolvedVariableError{References: unresolved}
	}
	resolved := bodyRes.Value
	result.Output["script_id"] = bash.ScriptID

	if violations := sandbox.CheckCommands(resolved, bash.Capabilities.Commands); len(violations) > 0 {
		return &automation.CapabilityViolationError{
			Detail: fmt.Sprintf("script invokes commands outside the allow-list: %v", violations),
		}
	}

	if dryRun {
		result.Output["dry_run"] = true
		result.Output["resolved_script"] = resolved
		return nil
	}

	workDir, err := os.MkdirTemp(d.sandboxWorkDir, "relay-run-")
	if err != nil {
		return &automation.SandboxLaunchError{Reason: "workdir", Err: err}
	}
	defer os.RemoveAll(workDir)

	cfg := sandbox.Config{
		WorkDir:         workDir,
		PathsRead:       bash.Capabilities.PathsRead,
		PathsWrite:      append([]string{workDir}, bash.Capabilities.PathsWrite...),
		AllowNetwork:    bash.Capabilities.Network,
		Env:             env,
		AllowedCommands: bash.Capabilities.Commands,
	}

	opts := sandbox.RunOptions{
		Script:      resolved,
		Config:      &cfg,
		SoftTimeout: time.Duration(bash.TimeoutSeconds) * time.Second,
		HardTimeout: time.Duration(bash.TimeoutHardSeconds) * time.Second,
	}
	run, err := d.runner.Run(ctx, opts)
	if err != nil {
		// A launch-level error means the isolation boundary never came up.
		var le *sandbox.LaunchError
		if errors.As(err, &le) {
			return &automation.SandboxLaunchError{Reason: le.Reason, Err: le.Err}
		}
		return err
	}

	result.Output["exit_code"] = run.ExitCode
	result.Output["stdout"] = run.Stdout
	result.Output["stderr"] = run.Stderr
	result.Output["duration_ms"] = run.Duration.Milliseconds()
	result.Output["backend"] = run.Backend
	if run.StdoutTruncated {
		result.Output["stdout_truncated"] = true
	}
	if run.StderrTruncated {
		result.Output["stderr_truncated"] = true
	}
	if run.SoftTimeoutExceeded {
		result.Output["soft_timeout_exceeded"] = true
	}
	if run.TimedOut {
		result.Output["timed_out"] = true
	}

	if len(run.Violations) > 0 {
		return &automation.CapabilityViolationError{
			Detail: fmt.Sprintf("sandbox denied access during execution: %v", run.Violations),
		}
	}
	switch run.ExitStatus {
	case sandbox.StatusSuccess:
		return nil
	case sandbox.StatusSoftFailure:
		return fmt.Errorf("script exited with code %d: %w", run.ExitCode, errSoftExit(run))
	default:
		return &hardExitError{code: run.ExitCode, timedOut: run.TimedOut}
	}
}

// errSoftExit wraps a soft script failure so Classify maps it to the
// recoverable class.
func errSoftExit(run *sandbox.Result) error {
	detail := run.Stderr
	if detail == "" {
		detail = run.Stdout
	}
	return &automation.SoftFailureError{ExitCode: run.ExitCode, Detail: firstLine(detail)}
}

type hardExitError struct {
	code     int
	timedOut bool
}

func (e *hardExitError) Error() string {
	if e.timedOut {
		return fmt.Sprintf("script killed after exceeding hard timeout (exit code %d)", e.code)
	}
	return fmt.Sprintf("script terminated abnormally with exit code %d", e.code)
}

func (e *hardExitError) HardFailure() bool { return true }

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
