package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/deepnoodle-ai/relay/approval"
	"github.com/deepnoodle-ai/relay/automation"
	"github.com/deepnoodle-ai/relay/connector"
	"github.com/deepnoodle-ai/relay/slogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryScripts struct {
	bodies   map[string]string
	previous map[string]string
}

func (s *memoryScripts) GetScript(ctx context.Context, id string) (string, error) {
	body, ok := s.bodies[id]
	if !ok {
		return "", errors.New("not found")
	}
	return body, nil
}

func (s *memoryScripts) GetScriptMetadata(ctx context.Context, id string) (*automation.ScriptMetadata, error) {
	return &automation.ScriptMetadata{ID: id, Name: id}, nil
}

func (s *memoryScripts) GetPreviousScript(ctx context.Context, id string) (string, error) {
	return s.previous[id], nil
}

type memoryStore struct {
	executions  []*automation.ExecutionRecord
	automations []*automation.Spec
	reviewTasks []*automation.ReviewTask
}

func (s *memoryStore) SaveExecution(ctx context.Context, record *automation.ExecutionRecord) error {
	s.executions = append(s.executions, record)
	return nil
}

func (s *memoryStore) SaveAutomation(ctx context.Context, spec *automation.Spec) error {
	s.automations = append(s.automations, spec)
	return nil
}

func (s *memoryStore) CreateReviewTask(ctx context.Context, task *automation.ReviewTask) error {
	s.reviewTasks = append(s.reviewTasks, task)
	return nil
}

func newTestEngine(t *testing.T, conn connector.Connector, opts Options) (*Engine, *memoryStore) {
	t.Helper()
	store := &memoryStore{}
	registry := connector.NewRegistry()
	if conn != nil {
		registry.Register(conn)
	}
	dispatcher := NewDispatcher(DispatcherOptions{
		Connectors: registry,
		Scripts:    &memoryScripts{bodies: map[string]string{}},
		Gate:       approval.NewGate(approval.AutoApprovePrompter{}, slogger.NewDevNull()),
		Logger:     slogger.NewDevNull(),
	})
	opts.Dispatcher = dispatcher
	opts.Store = store
	opts.Logger = slogger.NewDevNull()
	eng, err := New(opts)
	require.NoError(t, err)
	return eng, store
}

func invoiceSpec() *automation.Spec {
	return &automation.Spec{
		ID:     "auto-invoices",
		Name:   "Process invoices",
		Status: automation.StatusActive,
		Trigger: automation.Trigger{
			Type: automation.TriggerEmail,
			Email: &automation.EmailTrigger{
				Account: "work",
				Conditions: []automation.Condition{
					{Field: "from", Operator: automation.OpContains, Value: "billing@"},
				},
			},
		},
		Variables: []automation.Variable{
			{Name: "email_body", Type: "string", ResolvedFrom: "trigger.body"},
		},
		Capabilities: automation.Capabilities{
			Connectors: []automation.ConnectorGrant{
				{Connector: "drive", Operations: []string{"read", "write"}},
				{Connector: "sheets", Operations: []string{"write"}},
			},
		},
		Actions: []automation.Action{
			{
				ID:   "extract",
				Type: automation.ActionDocumentExtract,
				Extract: &automation.ExtractAction{
					Source: "${email_body}",
					Fields: []automation.ExtractField{
						{Name: "total", Type: "currency"},
						{Name: "invoice_date", Type: "date"},
					},
				},
			},
			{
				ID:   "save",
				Type: automation.ActionFileWrite,
				File: &automation.FileAction{
					Connector: "drive",
					Path:      "invoices/${trigger.subject}.txt",
					Content:   "${email_body}",
				},
			},
			{
				ID:   "log-row",
				Type: automation.ActionSpreadsheetAppend,
				Spreadsheet: &automation.SpreadsheetAction{
					Connector:     "sheets",
					SpreadsheetID: "sheet-1",
					Row: []automation.SpreadsheetCell{
						{Column: "A", Value: "${actions.0.total}"},
						{Column: "B", Value: "${actions.0.invoice_date}"},
					},
				},
			},
		},
		Version: 1,
	}
}

func invoiceEvent() *automation.TriggerEvent {
	return automation.NewTriggerEvent(automation.TriggerEmail, map[string]any{
		"from":    "billing@vendor.example",
		"subject": "Invoice 42",
		"body":    "Invoice for services.\nTotal: €4,500.00\nDate: 2026-08-15\n",
	})
}

func TestRunInvoicePipeline(t *testing.T) {
	drive := connector.NewMemoryConnector("drive")
	sheets := connector.NewMemoryConnector("sheets")
	registry := connector.NewRegistry(drive, sheets)
	dispatcher := NewDispatcher(DispatcherOptions{
		Connectors: registry,
		Scripts:    &memoryScripts{bodies: map[string]string{}},
		Gate:       approval.NewGate(approval.AutoApprovePrompter{}, slogger.NewDevNull()),
		Logger:     slogger.NewDevNull(),
	})
	store := &memoryStore{}
	eng, err := New(Options{Dispatcher: dispatcher, Store: store, Logger: slogger.NewDevNull()})
	require.NoError(t, err)

	record, err := eng.Run(context.Background(), invoiceSpec(), invoiceEvent(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, record.ActionResults, 3)
	assert.Equal(t, automation.ExecutionSuccess, record.Status)

	assert.Equal(t, "4500.00", record.ActionResults[0].Output["total"])
	assert.Equal(t, "2026-08-15", record.ActionResults[0].Output["invoice_date"])

	writes := drive.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "invoices/Invoice 42.txt", writes[0].Params["path"])

	rows := sheets.Writes()
	require.Len(t, rows, 1)
	row := rows[0].Params["row"].([]any)
	assert.Equal(t, "4500.00", row[0].(map[string]any)["value"])

	require.Len(t, store.executions, 1)
	assert.NotNil(t, store.executions[0].CompletedAt)
}

func TestRunConnectorGrantDenied(t *testing.T) {
	conn := connector.NewMemoryConnector("drive")
	eng, store := newTestEngine(t, conn, Options{})

	spec := invoiceSpec()
	// Remove the drive grant and keep the action that needs it.
	spec.Capabilities.Connectors = spec.Capabilities.Connectors[1:]

	record, err := eng.Run(context.Background(), spec, invoiceEvent(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, automation.ExecutionPartial, record.Status)

	var denied *automation.ActionResult
	for i := range record.ActionResults {
		if record.ActionResults[i].ActionID == "save" {
			denied = &record.ActionResults[i]
		}
	}
	require.NotNil(t, denied)
	assert.Equal(t, automation.ActionFailed, denied.Status)
	assert.Equal(t, automation.ClassCapabilityViolation, denied.ErrorClass)
	// The denial happened before any side effect.
	assert.Empty(t, conn.Writes())
	require.Len(t, store.executions, 1)
}

func TestRunContinuesAfterUnhandledSoftFailure(t *testing.T) {
	drive := connector.NewMemoryConnector("drive")
	drive.FailOn("file.write", errors.New("disk full"))
	sheets := connector.NewMemoryConnector("sheets")
	registry := connector.NewRegistry(drive, sheets)
	dispatcher := NewDispatcher(DispatcherOptions{
		Connectors: registry,
		Scripts:    &memoryScripts{bodies: map[string]string{}},
		Gate:       approval.NewGate(approval.AutoApprovePrompter{}, slogger.NewDevNull()),
		Logger:     slogger.NewDevNull(),
	})
	store := &memoryStore{}
	eng, err := New(Options{Dispatcher: dispatcher, Store: store, Logger: slogger.NewDevNull()})
	require.NoError(t, err)

	record, err := eng.Run(context.Background(), invoiceSpec(), invoiceEvent(), RunOptions{})
	require.NoError(t, err)
	// The failed write is recoverable, so the sheet append still runs.
	require.Len(t, record.ActionResults, 3)
	assert.Equal(t, automation.ActionFailed, record.ActionResults[1].Status)
	assert.Equal(t, automation.ClassSoftFailure, record.ActionResults[1].ErrorClass)
	assert.Equal(t, automation.ActionSuccess, record.ActionResults[2].Status)
	assert.Equal(t, automation.ExecutionPartial, record.Status)
	require.Len(t, sheets.Writes(), 1)
}

func TestRunStopsOnHardFailure(t *testing.T) {
	conn := connector.NewMemoryConnector("drive")
	eng, _ := newTestEngine(t, conn, Options{})

	spec := invoiceSpec()
	spec.Capabilities.Connectors = append(spec.Capabilities.Connectors,
		automation.ConnectorGrant{Connector: "nowhere", Operations: []string{"write"}})
	spec.Actions[1].File.Connector = "nowhere"

	record, err := eng.Run(context.Background(), spec, invoiceEvent(), RunOptions{})
	require.NoError(t, err)
	// The unknown connector is a validation failure: the sheet append never ran.
	require.Len(t, record.ActionResults, 2)
	assert.Equal(t, automation.ClassValidation, record.ActionResults[1].ErrorClass)
	assert.Equal(t, automation.ExecutionPartial, record.Status)
}

// flakyConnector fails its first write, then delegates.
type flakyConnector struct {
	*connector.MemoryConnector
	remaining int
}

func (f *flakyConnector) Write(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	if f.remaining > 0 {
		f.remaining--
		return nil, errors.New("temporarily unavailable")
	}
	return f.MemoryConnector.Write(ctx, operation, params)
}

func TestRunRetryRuleRecovers(t *testing.T) {
	conn := &flakyConnector{MemoryConnector: connector.NewMemoryConnector("drive"), remaining: 1}
	eng, _ := newTestEngine(t, conn, Options{})

	spec := invoiceSpec()
	spec.Actions = spec.Actions[1:2] // just the file write
	spec.ErrorRules = []automation.ErrorRule{
		{Condition: "soft_failure", Action: automation.ErrorRuleRetry, MaxAttempts: 3},
	}

	record, err := eng.Run(context.Background(), spec, invoiceEvent(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, record.ActionResults, 1)
	assert.Equal(t, automation.ActionSuccess, record.ActionResults[0].Status)
	assert.Equal(t, 2, record.ActionResults[0].Attempts)
	require.Len(t, conn.Writes(), 1)
}

func TestRunContinueWithFlag(t *testing.T) {
	conn := connector.NewMemoryConnector("drive")
	conn.FailOn("file.write", errors.New("disk full"))
	eng, _ := newTestEngine(t, conn, Options{})

	spec := invoiceSpec()
	spec.Actions = spec.Actions[:2]
	spec.ErrorRules = []automation.ErrorRule{
		{Condition: "any", Action: automation.ErrorRuleContinueWithFlag},
	}

	record, err := eng.Run(context.Background(), spec, invoiceEvent(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, record.ActionResults, 2)
	assert.True(t, record.ActionResults[1].Flagged)
	assert.Equal(t, automation.ExecutionPartial, record.Status)
}

func TestRunCreateReviewTask(t *testing.T) {
	conn := connector.NewMemoryConnector("drive")
	conn.FailOn("file.write", errors.New("disk full"))
	eng, store := newTestEngine(t, conn, Options{})

	spec := invoiceSpec()
	spec.Actions = spec.Actions[1:2]
	spec.ErrorRules = []automation.ErrorRule{
		{Condition: "any", Action: automation.ErrorRuleCreateReviewTask, Message: "check the drive"},
	}

	record, err := eng.Run(context.Background(), spec, invoiceEvent(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, store.reviewTasks, 1)
	assert.Equal(t, "check the drive", store.reviewTasks[0].Message)
	assert.Equal(t, record.ID, store.reviewTasks[0].ExecutionID)
}

func TestRunPauseAutomationRule(t *testing.T) {
	conn := connector.NewMemoryConnector("drive")
	conn.FailOn("file.write", errors.New("disk full"))
	eng, store := newTestEngine(t, conn, Options{})

	spec := invoiceSpec()
	spec.Actions = spec.Actions[1:2]
	spec.ErrorRules = []automation.ErrorRule{
		{Condition: "any", Action: automation.ErrorRulePauseAutomation},
	}

	_, err := eng.Run(context.Background(), spec, invoiceEvent(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, automation.StatusPaused, spec.Status)
	require.Len(t, store.automations, 1)
}

func TestRunRateLimited(t *testing.T) {
	conn := connector.NewMemoryConnector("drive")
	eng, store := newTestEngine(t, conn, Options{HourlyRateLimit: 1})

	spec := invoiceSpec()
	spec.Actions = spec.Actions[:1]

	first, err := eng.Run(context.Background(), spec, invoiceEvent(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, automation.ExecutionSuccess, first.Status)

	second, err := eng.Run(context.Background(), spec, invoiceEvent(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, automation.ExecutionFailed, second.Status)
	assert.Contains(t, second.Error, "rate limit")
	// Rejections still land in the audit trail.
	require.Len(t, store.executions, 2)
}

func TestRunFailureThresholdPauses(t *testing.T) {
	conn := connector.NewMemoryConnector("drive")
	conn.FailOn("file.write", errors.New("disk full"))
	eng, store := newTestEngine(t, conn, Options{FailureWindow: 3, FailureThreshold: 2})

	spec := invoiceSpec()
	spec.Actions = spec.Actions[1:2]

	for i := 0; i < 2; i++ {
		_, err := eng.Run(context.Background(), spec, invoiceEvent(), RunOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, automation.StatusPaused, spec.Status)
	require.NotEmpty(t, store.automations)
	// The pause is surfaced as a review task.
	require.NotEmpty(t, store.reviewTasks)
	assert.Contains(t, store.reviewTasks[0].Message, "paused")
}

func TestRunDryRunHasNoSideEffects(t *testing.T) {
	conn := connector.NewMemoryConnector("drive")
	eng, store := newTestEngine(t, conn, Options{})

	spec := invoiceSpec()
	spec.Actions = spec.Actions[1:2]

	record, err := eng.Run(context.Background(), spec, invoiceEvent(), RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, automation.ExecutionSuccess, record.Status)
	assert.Equal(t, true, record.ActionResults[0].Output["dry_run"])
	assert.Empty(t, conn.Writes())
	assert.Empty(t, store.executions)
}

func TestRunConditionalSkipsRemaining(t *testing.T) {
	conn := connector.NewMemoryConnector("drive")
	eng, _ := newTestEngine(t, conn, Options{})

	spec := invoiceSpec()
	gateAction := automation.Action{
		ID:   "gate",
		Type: automation.ActionConditional,
		Conditional: &automation.ConditionalAction{
			Condition: automation.Condition{
				Field:    "trigger.subject",
				Operator: automation.OpContains,
				Value:    "refund",
			},
		},
	}
	spec.Actions = append([]automation.Action{gateAction}, spec.Actions[1:2]...)

	record, err := eng.Run(context.Background(), spec, invoiceEvent(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, record.ActionResults, 2)
	assert.Equal(t, automation.ActionSkipped, record.ActionResults[1].Status)
	assert.Empty(t, conn.Writes())
}

func TestRunUnresolvedVariableLeftVerbatim(t *testing.T) {
	conn := connector.NewMemoryConnector("drive")
	eng, _ := newTestEngine(t, conn, Options{})

	spec := invoiceSpec()
	spec.Actions = spec.Actions[1:2]
	spec.Actions[0].File.Path = "invoices/${missing.ref}.txt"

	record, err := eng.Run(context.Background(), spec, invoiceEvent(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, record.ActionResults, 1)
	assert.Equal(t, automation.ClassUnresolvedVariable, record.ActionResults[0].ErrorClass)
	assert.Contains(t, record.ActionResults[0].Error, "missing.ref")
	assert.Empty(t, conn.Writes())
}
