package automation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ActionType identifies the action variant, namespaced by kind
// (file.*, spreadsheet.*, email.*, document.extract, bash.run, conditional).
type ActionType string

const (
	ActionFileRead          ActionType = "file.read"
	ActionFileWrite         ActionType = "file.write"
	ActionFileMove          ActionType = "file.move"
	ActionFileDelete        ActionType = "file.delete"
	ActionSpreadsheetRead   ActionType = "spreadsheet.read"
	ActionSpreadsheetAppend ActionType = "spreadsheet.append"
	ActionSpreadsheetUpdate ActionType = "spreadsheet.update"
	ActionEmailSend         ActionType = "email.send"
	ActionEmailLabel        ActionType = "email.label"
	ActionEmailArchive      ActionType = "email.archive"
	ActionDocumentExtract   ActionType = "document.extract"
	ActionBashRun           ActionType = "bash.run"
	ActionConditional       ActionType = "conditional"
)

// Kind returns the namespace portion of the action type ("file",
// "spreadsheet", "email", "document", "bash", "conditional").
func (t ActionType) Kind() string {
	if i := strings.IndexByte(string(t), '.'); i > 0 {
		return string(t)[:i]
	}
	return string(t)
}

// FileAction performs a file operation through a connector.
type FileAction struct {
	Connector  string `json:"connector"`
	Path       string `json:"path"`
	Source     string `json:"source,omitempty"`
	Content    string `json:"content,omitempty"`
	OnConflict string `json:"on_conflict,omitempty"` // overwrite, rename, skip, error
}

// SpreadsheetCell is one column/value pair for an appended or updated row.
type SpreadsheetCell struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

// SpreadsheetAction performs a spreadsheet operation through a connector.
type SpreadsheetAction struct {
	Connector     string            `json:"connector"`
	SpreadsheetID string            `json:"spreadsheet_id"`
	SheetName     string            `json:"sheet_name,omitempty"`
	Row           []SpreadsheetCell `json:"row,omitempty"`
	Range         string            `json:"range,omitempty"`
}

// EmailAction performs an email operation through a connector.
type EmailAction struct {
	Connector string   `json:"connector"`
	To        []string `json:"to,omitempty"`
	Subject   string   `json:"subject,omitempty"`
	Body      string   `json:"body,omitempty"`
	Label     string   `json:"label,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
}

// ExtractField names one value to pull out of a document.
type ExtractField struct {
	Name string `json:"name"`
	Type string `json:"type"` // text, currency, date, number
}

// ExtractAction extracts structured fields from a source text. The source is
// a template expression such as ${trigger.email.body}.
type ExtractAction struct {
	Source  string         `json:"source"`
	Fields  []ExtractField `json:"fields"`
	OnEmpty string         `json:"on_empty,omitempty"` // flag, skip, error
}

// BashAction runs a stored script inside the sandbox. The declared
// capabilities bound what the sandboxed process may touch; the approval
// fields gate execution on explicit user consent tied to the exact script
// body via its digest.
type BashAction struct {
	ScriptID           string            `json:"script_id"`
	Capabilities       Capabilities      `json:"capabilities"`
	TimeoutSeconds     int               `json:"timeout_seconds,omitempty"`
	TimeoutHardSeconds int               `json:"timeout_hard_seconds,omitempty"`
	Variables          map[string]string `json:"variables,omitempty"`
	Approved           bool              `json:"approved"`
	ApprovedAt         *time.Time        `json:"approved_at,omitempty"`
	ApprovedHash       string            `json:"approved_hash,omitempty"`
}

// RevokeApproval clears the approval state, forcing the action back through
// the approval gate before its next run.
func (b *BashAction) RevokeApproval() {
	b.Approved = false
	b.ApprovedAt = nil
	b.ApprovedHash = ""
}

// ConditionalAction evaluates a condition against the resolved variables.
// When the condition is false, OnFalse decides whether the remaining actions
// are skipped or the run simply continues.
type ConditionalAction struct {
	Condition Condition `json:"condition"`
	OnFalse   string    `json:"on_false,omitempty"` // skip_remaining (default), continue
}

// Action is a closed tagged variant over the supported action kinds. Exactly
// one variant field is set, chosen by the Type namespace.
type Action struct {
	ID          string
	Type        ActionType
	File        *FileAction
	Spreadsheet *SpreadsheetAction
	Email       *EmailAction
	Extract     *ExtractAction
	Bash        *BashAction
	Conditional *ConditionalAction
}

// actionEnvelope is the wire form shared by both codec directions.
type actionEnvelope struct {
	ID          string             `json:"id,omitempty"`
	Type        ActionType         `json:"type"`
	File        *FileAction        `json:"file,omitempty"`
	Spreadsheet *SpreadsheetAction `json:"spreadsheet,omitempty"`
	Email       *EmailAction       `json:"email,omitempty"`
	Extract     *ExtractAction     `json:"extract,omitempty"`
	Bash        *BashAction        `json:"bash,omitempty"`
	Conditional *ConditionalAction `json:"conditional,omitempty"`
}

func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(actionEnvelope{
		ID:          a.ID,
		Type:        a.Type,
		File:        a.File,
		Spreadsheet: a.Spreadsheet,
		Email:       a.Email,
		Extract:     a.Extract,
		Bash:        a.Bash,
		Conditional: a.Conditional,
	})
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	*a = Action{
		ID:          env.ID,
		Type:        env.Type,
		File:        env.File,
		Spreadsheet: env.Spreadsheet,
		Email:       env.Email,
		Extract:     env.Extract,
		Bash:        env.Bash,
		Conditional: env.Conditional,
	}
	return a.checkVariant()
}

func (a *Action) checkVariant() error {
	var ok bool
	switch a.Type.Kind() {
	case "file":
		ok = a.File != nil
	case "spreadsheet":
		ok = a.Spreadsheet != nil
	case "email":
		ok = a.Email != nil
	case "document":
		ok = a.Extract != nil
	case "bash":
		ok = a.Bash != nil
	case "conditional":
		ok = a.Conditional != nil
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	if !ok {
		return fmt.Errorf("action %q missing %s body", a.Type, a.Type.Kind())
	}
	return nil
}

// Connector returns the connector id the action targets, or "" for actions
// that run locally (extract, bash, conditional).
func (a *Action) Connector() string {
	switch {
	case a.File != nil:
		return a.File.Connector
	case a.Spreadsheet != nil:
		return a.Spreadsheet.Connector
	case a.Email != nil:
		return a.Email.Connector
	}
	return ""
}
