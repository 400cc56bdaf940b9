package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/relay/automation"
	"github.com/deepnoodle-ai/relay/retry"
	"github.com/deepnoodle-ai/relay/slogger"
	"github.com/deepnoodle-ai/relay/template"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Store persists run outcomes and lifecycle changes made by the engine.
type Store interface {
	SaveExecution(ctx context.Context, record *automation.ExecutionRecord) error
	SaveAutomation(ctx context.Context, spec *automation.Spec) error
	CreateReviewTask(ctx context.Context, task *automation.ReviewTask) error
}

// Options configures an Engine.
type Options struct {
	Dispatcher *Dispatcher
	Store      Store
	Logger     slogger.Logger

	// HourlyRateLimit caps runs per automation per hour. Zero disables
	// rate limiting.
	HourlyRateLimit int

	// FailureWindow and FailureThreshold drive auto-pause: when the last
	// FailureWindow completed runs of an automation include at least
	// FailureThreshold failures, the automation is paused. Zero disables.
	FailureWindow    int
	FailureThreshold int
}

// Engine executes automations in response to trigger events. Actions within
// one execution always run sequentially; distinct automations may execute
// concurrently.
type Engine struct {
	dispatcher *Dispatcher
	store      Store
	logger     slogger.Logger

	hourlyRateLimit  int
	failureWindow    int
	failureThreshold int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	outcomes map[string][]bool // recent per-automation outcomes, true = failed
}

func New(opts Options) (*Engine, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("engine requires a dispatcher")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.NewDevNull()
	}
	return &Engine{
		dispatcher:       opts.Dispatcher,
		store:            opts.Store,
		logger:           logger,
		hourlyRateLimit:  opts.HourlyRateLimit,
		failureWindow:    opts.FailureWindow,
		failureThreshold: opts.FailureThreshold,
		limiters:         map[string]*rate.Limiter{},
		outcomes:         map[string][]bool{},
	}, nil
}

// RunOptions adjusts a single Run call.
type RunOptions struct {
	// DryRun resolves variables and walks the action list without side
	// effects: nothing is dispatched to connectors or the sandbox, and no
	// record is persisted.
	DryRun bool
}

// Run executes one automation for one trigger event and returns the
// completed execution record. The record is persisted even when the run
// fails; Run returns an error only when the engine itself cannot proceed.
func (e *Engine) Run(ctx context.Context, spec *automation.Spec, event *automation.TriggerEvent, opts RunOptions) (*automation.ExecutionRecord, error) {
	record := &automation.ExecutionRecord{
		ID:                uuid.New().String(),
		AutomationID:      spec.ID,
		AutomationVersion: spec.Version,
		Status:            automation.ExecutionRunning,
		TriggerEvent:      event,
		TriggeredAt:       time.Now(),
	}

	if !opts.DryRun && !e.allow(spec.ID) {
		err := &automation.RateLimitedError{AutomationID: spec.ID}
		record.Error = err.Error()
		record.Complete(automation.ExecutionFailed)
		e.persist(ctx, spec, record, false)
		return record, nil
	}

	log := e.logger.With("automation", spec.ID, "execution", record.ID)
	log.Info("execution started", "trigger", event.Type, "dry_run", opts.DryRun)

	vars := e.resolveVariables(spec, event, record)
	e.runActions(ctx, spec, record, vars, opts.DryRun, log)

	if !opts.DryRun {
		e.persist(ctx, spec, record, e.recordOutcome(ctx, spec, record, log))
	}
	log.Info("execution completed", "status", record.Status)
	return record, nil
}

// resolveVariables fixes every declared variable's value from the trigger
// event. Resolution failures leave the variable unset; references to it will
// surface as unresolved when an action uses it.
func (e *Engine) resolveVariables(spec *automation.Spec, event *automation.TriggerEvent, record *automation.ExecutionRecord) map[string]any {
	vars := map[string]any{
		"trigger": triggerData(event),
		"actions": []any{},
	}
	for _, v := range spec.Variables {
		value, ok := resolveVariable(v, vars)
		if !ok {
			continue
		}
		vars[v.Name] = value
		record.Variables = append(record.Variables, automation.ResolvedVariable{Name: v.Name, Value: value})
	}
	return vars
}

// resolveVariable evaluates a variable's resolved_from expression, either a
// dotted path into the trigger data or a ${...} template string.
func resolveVariable(v automation.Variable, vars map[string]any) (any, bool) {
	if strings.Contains(v.ResolvedFrom, "${") {
		res := template.Resolve(v.ResolvedFrom, vars, template.Plain)
		if len(res.Unresolved) > 0 {
			return nil, false
		}
		return res.Value, true
	}
	return template.Lookup(vars, v.ResolvedFrom)
}

func triggerData(event *automation.TriggerEvent) map[string]any {
	if event == nil || event.Data == nil {
		return map[string]any{}
	}
	return event.Data
}

// runActions walks the action list sequentially, applying error rules to
// each failure. A hard failure, rule-directed stop, or approval block ends
// the run early.
func (e *Engine) runActions(ctx context.Context, spec *automation.Spec, record *automation.ExecutionRecord, vars map[string]any, dryRun bool, log slogger.Logger) {
	anyFailed := false
	flagged := false
	for i := range spec.Actions {
		// Cancellation is honored at action boundaries only; an action
		// already dispatched runs to completion.
		if err := ctx.Err(); err != nil {
			record.Error = "execution cancelled"
			break
		}

		action := &spec.Actions[i]
		result := e.executeWithRules(ctx, spec, action, vars, dryRun, record, log)
		record.ActionResults = append(record.ActionResults, *result)
		appendActionOutput(vars, result)

		if result.Status == automation.ActionBlocked {
			record.Error = result.Error
			break
		}
		if result.Status == automation.ActionFailed {
			if result.Flagged {
				flagged = true
				continue
			}
			anyFailed = true
			if record.Error == "" {
				record.Error = result.Error
			}
			// A hard failure halts the remaining actions; an unhandled
			// soft failure leaves the run partial and continues.
			if automation.IsHardClass(result.ErrorClass) {
				break
			}
			continue
		}
		if skip, _ := result.Output["skip_remaining"].(bool); skip {
			for j := i + 1; j < len(spec.Actions); j++ {
				record.ActionResults = append(record.ActionResults, automation.ActionResult{
					ActionID: spec.Actions[j].ID,
					Type:     spec.Actions[j].Type,
					Status:   automation.ActionSkipped,
				})
			}
			break
		}
	}

	switch {
	case record.Error != "" || anyFailed:
		if len(record.ActionResults) > 0 && completedAny(record.ActionResults) {
			record.Complete(automation.ExecutionPartial)
		} else {
			record.Complete(automation.ExecutionFailed)
		}
	case flagged:
		record.Complete(automation.ExecutionPartial)
	default:
		record.Complete(automation.ExecutionSuccess)
	}
}

func completedAny(results []automation.ActionResult) bool {
	for _, r := range results {
		if r.Status == automation.ActionSuccess {
			return true
		}
	}
	return false
}

// executeWithRules dispatches one action and applies the automation's error
// rules to a failure. The retry rule re-dispatches with exponential backoff;
// continue_with_flag converts the failure into a flagged result so the run
// proceeds; create_review_task and pause_automation act after the run.
func (e *Engine) executeWithRules(ctx context.Context, spec *automation.Spec, action *automation.Action, vars map[string]any, dryRun bool, record *automation.ExecutionRecord, log slogger.Logger) *automation.ActionResult {
	result := e.dispatcher.Execute(ctx, spec, action, vars, dryRun)
	result.Attempts = 1
	if result.Status != automation.ActionFailed {
		return result
	}

	rule := spec.MatchRule(result.ErrorClass)
	if rule == nil {
		return result
	}

	switch rule.Action {
	case automation.ErrorRuleRetry:
		if automation.IsHardClass(result.ErrorClass) {
			// Hard failures are never retried.
			return result
		}
		attempts := rule.MaxAttempts
		if attempts <= 1 {
			attempts = 3
		}
		opts := retry.Options{
			MaxAttempts: attempts - 1,
			BaseWait:    time.Second,
			// A retry that turns into a hard failure stops the loop.
			Retryable: func(error) bool { return !automation.IsHardClass(result.ErrorClass) },
		}
		err := retry.Do(ctx, opts, func() error {
			next := e.dispatcher.Execute(ctx, spec, action, vars, dryRun)
			next.Attempts = result.Attempts + 1
			result = next
			if next.Status == automation.ActionFailed {
				return fmt.Errorf("%s", next.Error)
			}
			return nil
		})
		if err != nil {
			log.Warn("action failed after retries", "action", action.ID, "attempts", result.Attempts)
		}
		return result
	case automation.ErrorRuleContinueWithFlag:
		result.Flagged = true
		log.Warn("action failed, continuing flagged", "action", action.ID, "error", result.Error)
		return result
	case automation.ErrorRuleCreateReviewTask:
		e.createReviewTask(ctx, spec, record, result, rule.Message)
		result.Flagged = true
		return result
	case automation.ErrorRulePauseAutomation:
		spec.Status = automation.StatusPaused
		log.Warn("automation paused by error rule", "action", action.ID)
		return result
	}
	return result
}

func (e *Engine) createReviewTask(ctx context.Context, spec *automation.Spec, record *automation.ExecutionRecord, result *automation.ActionResult, message string) {
	if e.store == nil {
		return
	}
	if message == "" {
		message = fmt.Sprintf("action %s failed: %s", result.ActionID, result.Error)
	}
	task := &automation.ReviewTask{
		ID:           uuid.New().String(),
		AutomationID: spec.ID,
		ExecutionID:  record.ID,
		ActionID:     result.ActionID,
		Message:      message,
		CreatedAt:    time.Now(),
	}
	if err := e.store.CreateReviewTask(ctx, task); err != nil {
		e.logger.Error("failed to create review task", "error", err)
	}
}

// appendActionOutput exposes the result to later actions as
// ${actions.<index>.<key>}.
func appendActionOutput(vars map[string]any, result *automation.ActionResult) {
	out := map[string]any{"status": string(result.Status)}
	for k, v := range result.Output {
		out[k] = v
	}
	if result.Error != "" {
		out["error"] = result.Error
	}
	vars["actions"] = append(vars["actions"].([]any), out)
}

// allow consults the per-automation rate limiter. Limiters share one budget
// across every trigger path of the same automation.
func (e *Engine) allow(automationID string) bool {
	if e.hourlyRateLimit <= 0 {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	limiter, ok := e.limiters[automationID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(e.hourlyRateLimit)/3600.0), e.hourlyRateLimit)
		e.limiters[automationID] = limiter
	}
	return limiter.Allow()
}

// recordOutcome tracks the rolling failure window and pauses the automation
// when the threshold is crossed. It reports whether the spec changed.
func (e *Engine) recordOutcome(ctx context.Context, spec *automation.Spec, record *automation.ExecutionRecord, log slogger.Logger) bool {
	changed := specTouchedApproval(spec) || spec.Status == automation.StatusPaused

	if e.failureWindow <= 0 {
		return changed
	}
	failed := record.Status == automation.ExecutionFailed

	e.mu.Lock()
	window := append(e.outcomes[spec.ID], failed)
	if len(window) > e.failureWindow {
		window = window[len(window)-e.failureWindow:]
	}
	e.outcomes[spec.ID] = window
	failures := 0
	for _, f := range window {
		if f {
			failures++
		}
	}
	e.mu.Unlock()

	if failures >= e.failureThreshold && e.failureThreshold > 0 && spec.Status == automation.StatusActive {
		spec.Status = automation.StatusPaused
		log.Error("automation paused after repeated failures",
			"failures", failures, "window", e.failureWindow)
		e.createReviewTask(ctx, spec, record, &automation.ActionResult{},
			fmt.Sprintf("automation %s paused: %d of the last %d runs failed",
				spec.ID, failures, e.failureWindow))
		changed = true
	}
	return changed
}

// specTouchedApproval reports whether any bash action carries fresh approval
// state that must be persisted.
func specTouchedApproval(spec *automation.Spec) bool {
	for i := range spec.Actions {
		if b := spec.Actions[i].Bash; b != nil && b.Approved && b.ApprovedAt != nil &&
			time.Since(*b.ApprovedAt) < time.Minute {
			return true
		}
	}
	return false
}

func (e *Engine) persist(ctx context.Context, spec *automation.Spec, record *automation.ExecutionRecord, specChanged bool) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveExecution(ctx, record); err != nil {
		e.logger.Error("failed to persist execution record", "execution", record.ID, "error", err)
	}
	if specChanged {
		spec.UpdatedAt = time.Now()
		if err := e.store.SaveAutomation(ctx, spec); err != nil {
			e.logger.Error("failed to persist automation", "automation", spec.ID, "error", err)
		}
	}
}
