package automation

import (
	"encoding/json"
	"fmt"
)

// TriggerType identifies the trigger variant.
type TriggerType string

const (
	TriggerEmail      TriggerType = "email"
	TriggerSchedule   TriggerType = "schedule"
	TriggerWebhook    TriggerType = "webhook"
	TriggerFileChange TriggerType = "file_change"
	TriggerManual     TriggerType = "manual"
)

// Operator compares an event field against a condition value.
type Operator string

const (
	OpEquals   Operator = "equals"
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
)

// Condition is one field/operator/value check on a candidate event. Triggers
// fire only when every condition matches.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// EmailTrigger fires on email arrival for a specific account.
type EmailTrigger struct {
	Account    string      `json:"account"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// ScheduleTrigger fires on a cron expression or a fixed interval.
type ScheduleTrigger struct {
	Cron          string `json:"cron,omitempty"`
	IntervalValue int    `json:"interval_value,omitempty"`
	IntervalUnit  string `json:"interval_unit,omitempty"` // minutes, hours, days
	Timezone      string `json:"timezone,omitempty"`
}

// WebhookTrigger fires when a signed payload is delivered to an endpoint.
type WebhookTrigger struct {
	Endpoint   string      `json:"endpoint"`
	Secret     string      `json:"secret,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// FileChangeTrigger fires when a file matching the pattern changes.
type FileChangeTrigger struct {
	Root        string   `json:"root"`
	PathPattern string   `json:"path_pattern"`
	Events      []string `json:"events,omitempty"` // created, modified, deleted
}

// Trigger is a closed tagged variant over the supported trigger kinds.
// Exactly one variant field is set, matching Type.
type Trigger struct {
	Type       TriggerType
	Email      *EmailTrigger
	Schedule   *ScheduleTrigger
	Webhook    *WebhookTrigger
	FileChange *FileChangeTrigger
}

// Conditions returns the match conditions of the active variant. Schedule,
// file-change and manual triggers carry no field conditions.
func (t *Trigger) Conditions() []Condition {
	switch t.Type {
	case TriggerEmail:
		if t.Email != nil {
			return t.Email.Conditions
		}
	case TriggerWebhook:
		if t.Webhook != nil {
			return t.Webhook.Conditions
		}
	}
	return nil
}

func (t *Trigger) validate() error {
	switch t.Type {
	case TriggerEmail:
		if t.Email == nil {
			return fmt.Errorf("email trigger missing body")
		}
	case TriggerSchedule:
		if t.Schedule == nil {
			return fmt.Errorf("schedule trigger missing body")
		}
		if t.Schedule.Cron == "" && t.Schedule.IntervalValue <= 0 {
			return fmt.Errorf("schedule trigger needs a cron expression or an interval")
		}
	case TriggerWebhook:
		if t.Webhook == nil || t.Webhook.Endpoint == "" {
			return fmt.Errorf("webhook trigger missing endpoint")
		}
	case TriggerFileChange:
		if t.FileChange == nil || t.FileChange.PathPattern == "" {
			return fmt.Errorf("file_change trigger missing path_pattern")
		}
	case TriggerManual:
	default:
		return fmt.Errorf("unknown trigger type %q", t.Type)
	}
	return nil
}

func (t Trigger) MarshalJSON() ([]byte, error) {
	switch t.Type {
	case TriggerEmail:
		return json.Marshal(struct {
			Type TriggerType `json:"type"`
			*EmailTrigger
		}{t.Type, t.Email})
	case TriggerSchedule:
		return json.Marshal(struct {
			Type TriggerType `json:"type"`
			*ScheduleTrigger
		}{t.Type, t.Schedule})
	case TriggerWebhook:
		return json.Marshal(struct {
			Type TriggerType `json:"type"`
			*WebhookTrigger
		}{t.Type, t.Webhook})
	case TriggerFileChange:
		return json.Marshal(struct {
			Type TriggerType `json:"type"`
			*FileChangeTrigger
		}{t.Type, t.FileChange})
	case TriggerManual:
		return json.Marshal(struct {
			Type TriggerType `json:"type"`
		}{t.Type})
	}
	return nil, fmt.Errorf("unknown trigger type %q", t.Type)
}

func (t *Trigger) UnmarshalJSON(data []byte) error {
	var head struct {
		Type TriggerType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	*t = Trigger{Type: head.Type}
	switch head.Type {
	case TriggerEmail:
		t.Email = &EmailTrigger{}
		return json.Unmarshal(data, t.Email)
	case TriggerSchedule:
		t.Schedule = &ScheduleTrigger{}
		return json.Unmarshal(data, t.Schedule)
	case TriggerWebhook:
		t.Webhook = &WebhookTrigger{}
		return json.Unmarshal(data, t.Webhook)
	case TriggerFileChange:
		t.FileChange = &FileChangeTrigger{}
		return json.Unmarshal(data, t.FileChange)
	case TriggerManual:
		return nil
	}
	return fmt.Errorf("unknown trigger type %q", head.Type)
}
