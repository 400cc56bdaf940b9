// Package automation defines the data model for automations: triggers,
// variables, actions, capabilities, and the records produced when an
// automation executes. Specs are immutable once activated; the engine treats
// every value here as data and never as code.
package automation

import (
	"fmt"
	"time"
)

// Status is the lifecycle status of an automation.
type Status string

const (
	StatusDraft  Status = "draft"
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusError  Status = "error"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusError:
		return true
	}
	return false
}

// Variable declares a named value resolved once at execution start from the
// trigger event. Resolved variables are immutable for the rest of the run.
type Variable struct {
	Name         string `json:"name" yaml:"name"`
	Type         string `json:"type" yaml:"type"`
	ResolvedFrom string `json:"resolved_from" yaml:"resolved_from"`
}

// ConnectorGrant allows an automation to use a set of operations on one
// connector.
type ConnectorGrant struct {
	Connector  string   `json:"connector" yaml:"connector"`
	Operations []string `json:"operations" yaml:"operations"`
}

// ErrorRuleAction is what the engine does when an error-handling rule matches
// a failed action.
type ErrorRuleAction string

const (
	ErrorRuleContinueWithFlag ErrorRuleAction = "continue_with_flag"
	ErrorRuleCreateReviewTask ErrorRuleAction = "create_review_task"
	ErrorRulePauseAutomation  ErrorRuleAction = "pause_automation"
	ErrorRuleRetry            ErrorRuleAction = "retry"
)

// ErrorRule maps a failure condition to a recovery behavior. Condition is the
// failure class of the action result ("soft_failure", "hard_failure",
// "unresolved_variable", "capability_violation") or "any".
type ErrorRule struct {
	Condition   string          `json:"condition" yaml:"condition"`
	Action      ErrorRuleAction `json:"action" yaml:"action"`
	MaxAttempts int             `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Message     string          `json:"message,omitempty" yaml:"message,omitempty"`
}

// Spec is the validated, immutable-once-activated definition of an
// automation: one trigger plus an ordered list of actions.
type Spec struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Description  string       `json:"description,omitempty" yaml:"description,omitempty"`
	Status       Status       `json:"status" yaml:"status"`
	Trigger      Trigger      `json:"trigger" yaml:"trigger"`
	Variables    []Variable   `json:"variables,omitempty" yaml:"variables,omitempty"`
	Actions      []Action     `json:"actions" yaml:"actions"`
	ErrorRules   []ErrorRule  `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`
	Capabilities Capabilities `json:"capabilities" yaml:"capabilities"`
	Version      int          `json:"version" yaml:"version"`
	CreatedAt    time.Time    `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// MatchRule returns the first error rule whose condition matches the given
// failure class, or nil.
func (s *Spec) MatchRule(class string) *ErrorRule {
	for i := range s.ErrorRules {
		if s.ErrorRules[i].Condition == class || s.ErrorRules[i].Condition == "any" {
			return &s.ErrorRules[i]
		}
	}
	return nil
}

// ScriptOrigin records who authored a script.
type ScriptOrigin string

const (
	ScriptOriginLLM  ScriptOrigin = "llm"
	ScriptOriginUser ScriptOrigin = "user"
)

// ScriptMetadata describes a stored script body without carrying it. The
// content hash is recomputed on every content change; a script may be deleted
// only when no automation references it.
type ScriptMetadata struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	Origin        ScriptOrigin `json:"origin"`
	ContentHash   string       `json:"content_hash"`
	AutomationIDs []string     `json:"automation_ids,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// TriggerEvent is a snapshot of the external event that fired a trigger. The
// data map is what `trigger.*` template references resolve against.
type TriggerEvent struct {
	Type      TriggerType    `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func NewTriggerEvent(typ TriggerType, data map[string]any) *TriggerEvent {
	return &TriggerEvent{Type: typ, Data: data, Timestamp: time.Now()}
}

// ExecutionStatus is the overall status of one execution.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionPartial ExecutionStatus = "partial"
	ExecutionFailed  ExecutionStatus = "failed"
)

// ActionStatus is the status of one action within an execution.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "success"
	ActionFailed  ActionStatus = "failed"
	ActionSkipped ActionStatus = "skipped"
	ActionBlocked ActionStatus = "blocked"
)

// ActionResult records the outcome of one action attempt.
type ActionResult struct {
	ActionID   string         `json:"action_id"`
	Type       ActionType     `json:"type"`
	Status     ActionStatus   `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorClass string         `json:"error_class,omitempty"`
	Flagged    bool           `json:"flagged,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// ResolvedVariable is one variable value fixed at execution start.
type ResolvedVariable struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// ExecutionRecord is the audit trail of one trigger-to-completion run. It is
// append-only once the run completes and the sole source of audit truth.
type ExecutionRecord struct {
	ID                string             `json:"id"`
	AutomationID      string             `json:"automation_id"`
	AutomationVersion int                `json:"automation_version"`
	Status            ExecutionStatus    `json:"status"`
	TriggerEvent      *TriggerEvent      `json:"trigger_event,omitempty"`
	Variables         []ResolvedVariable `json:"variables,omitempty"`
	ActionResults     []ActionResult     `json:"action_results,omitempty"`
	Error             string             `json:"error,omitempty"`
	TriggeredAt       time.Time          `json:"triggered_at"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
}

// Complete finalizes the record with the given status.
func (r *ExecutionRecord) Complete(status ExecutionStatus) {
	now := time.Now()
	r.Status = status
	r.CompletedAt = &now
}

func (r *ExecutionRecord) String() string {
	return fmt.Sprintf("execution %s (%s, %d actions)", r.ID, r.Status, len(r.ActionResults))
}

// ReviewTask asks a human to look at an execution that an error rule
// flagged for review.
type ReviewTask struct {
	ID           string     `json:"id"`
	AutomationID string     `json:"automation_id"`
	ExecutionID  string     `json:"execution_id"`
	ActionID     string     `json:"action_id,omitempty"`
	Message      string     `json:"message"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}
