package models

import (
	"net/http"
	"time"
)

// TriggerType tags the external stimulus a trigger listens for.
type TriggerType string

const (
	TriggerTypeWebhook      TriggerType = "webhook"
	TriggerTypeSchedule     TriggerType = "schedule"
	TriggerTypeFileWatch    TriggerType = "file_watch"
	TriggerTypeEmail        TriggerType = "email"
	TriggerTypeWorkflowCall TriggerType = "workflow_call"
)

// TriggerAuthType selects the authentication scheme enforced on webhook
// ingress for a trigger.
type TriggerAuthType string

const (
	TriggerAuthNone    TriggerAuthType = "none"
	TriggerAuthAPIKey  TriggerAuthType = "api_key"
	TriggerAuthBearer  TriggerAuthType = "bearer"
	TriggerAuthHMAC1   TriggerAuthType = "hmac_sha1"
	TriggerAuthHMAC256 TriggerAuthType = "hmac_sha256"
	TriggerAuthHMAC384 TriggerAuthType = "hmac_sha384"
	TriggerAuthHMAC512 TriggerAuthType = "hmac_sha512"
)

// TriggerConfig is the type-specific configuration map of a trigger.
// Recognized keys by type:
//
//	webhook:       endpoint, auth_type, secret, cooldown_seconds
//	schedule:      cron
//	workflow_call: call_alias
type TriggerConfig map[string]any

// String returns cfg[key] if present and a string, otherwise "".
func (c TriggerConfig) String(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// TriggerCounters tracks fire outcomes for a trigger.
type TriggerCounters struct {
	Fired     int64 `json:"fired"`
	Succeeded int64 `json:"succeeded"`
	Errored   int64 `json:"errored"`
}

// Trigger converts an external stimulus into an enqueued job for a workflow.
type Trigger struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Type       TriggerType     `json:"type"`
	ScenarioID string          `json:"scenario_id"`
	WorkflowID string          `json:"workflow_id"`
	Enabled    bool            `json:"enabled"`
	Config     TriggerConfig   `json:"config"`
	Counters   TriggerCounters `json:"counters"`
	LastFired  *time.Time      `json:"last_fired,omitempty"`
}

// EventSource carries request metadata for webhook-fired events.
type EventSource struct {
	Method     string      `json:"method,omitempty"`
	Path       string      `json:"path,omitempty"`
	Headers    http.Header `json:"headers,omitempty"`
	RemoteAddr string      `json:"remote_addr,omitempty"`
}

// TriggerEvent is handed to the registered job creator when a trigger fires.
type TriggerEvent struct {
	TriggerID   string         `json:"trigger_id"`
	TriggerType TriggerType    `json:"trigger_type"`
	ScenarioID  string         `json:"scenario_id"`
	WorkflowID  string         `json:"workflow_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Source      EventSource    `json:"source"`
	FiredAt     time.Time      `json:"fired_at"`
}
