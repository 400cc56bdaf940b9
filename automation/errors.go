package automation

import (
	"errors"
	"fmt"
	"strings"
)

// Failure classes used for error-rule matching and result classification.
const (
	ClassValidation          = "validation_error"
	ClassUnresolvedVariable  = "unresolved_variable"
	ClassCapabilityViolation = "capability_violation"
	ClassSandboxLaunch       = "sandbox_launch_failure"
	ClassSoftFailure         = "soft_failure"
	ClassHardFailure         = "hard_failure"
	ClassApprovalRequired    = "approval_required"
	ClassRateLimited         = "rate_limited"
)

// ErrApprovalRequired blocks a bash action whose script body has not been
// approved, or whose body no longer matches the approved digest.
var ErrApprovalRequired = errors.New("script approval required")

// ValidationError rejects a spec or action before any side effect occurs.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Reason
}

func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// UnresolvedVariableError reports template references that had no value.
type UnresolvedVariableError struct {
	References []string
}

func (e *UnresolvedVariableError) Error() string {
	return "unresolved variable references: " + strings.Join(e.References, ", ")
}

// CapabilityViolationError reports access beyond the declared capability set,
// detected either at dispatch time or by the isolation layer.
type CapabilityViolationError struct {
	Detail string
}

func (e *CapabilityViolationError) Error() string {
	return "capability violation: " + e.Detail
}

// SandboxLaunchError means the isolation boundary could not be established.
// This is always a hard failure at the automation level and is never allowed
// to degrade into unsandboxed execution.
type SandboxLaunchError struct {
	Reason string
	Err    error
}

func (e *SandboxLaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox launch failed: %s: %v", e.Reason, e.Err)
	}
	return "sandbox launch failed: " + e.Reason
}

func (e *SandboxLaunchError) Unwrap() error { return e.Err }

// SoftFailureError reports a script that ran to completion but exited
// nonzero in the recoverable range.
type SoftFailureError struct {
	ExitCode int
	Detail   string
}

func (e *SoftFailureError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("exit code %d: %s", e.ExitCode, e.Detail)
	}
	return fmt.Sprintf("exit code %d", e.ExitCode)
}

// RateLimitedError rejects a run that exceeds the per-automation rate limit.
type RateLimitedError struct {
	AutomationID string
}

func (e *RateLimitedError) Error() string {
	return "rate limit exceeded for automation " + e.AutomationID
}

// Classify maps an error to its failure class for error-rule matching.
// Errors with no recognized type are treated as recoverable soft failures;
// hard failures declare themselves through a HardFailure method.
func Classify(err error) string {
	var ve *ValidationError
	var uv *UnresolvedVariableError
	var cv *CapabilityViolationError
	var sl *SandboxLaunchError
	var rl *RateLimitedError
	var hf interface{ HardFailure() bool }
	switch {
	case errors.Is(err, ErrApprovalRequired):
		return ClassApprovalRequired
	case errors.As(err, &ve):
		return ClassValidation
	case errors.As(err, &uv):
		return ClassUnresolvedVariable
	case errors.As(err, &cv):
		return ClassCapabilityViolation
	case errors.As(err, &sl):
		return ClassSandboxLaunch
	case errors.As(err, &rl):
		return ClassRateLimited
	case errors.As(err, &hf) && hf.HardFailure():
		return ClassHardFailure
	}
	return ClassSoftFailure
}

// IsHardClass reports whether a failure class halts the remaining actions of
// a run.
func IsHardClass(class string) bool {
	switch class {
	case ClassHardFailure, ClassSandboxLaunch, ClassValidation, ClassCapabilityViolation:
		return true
	}
	return false
}
