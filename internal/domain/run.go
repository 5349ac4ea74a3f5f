package domain

import (
	"encoding/json"
	"time"
)

// Workflow is a reusable trigger and prompt definition.
type Workflow struct {
	ID                        string         `json:"id"`
	OwnerID                   string         `json:"owner_id"`
	Name                      string         `json:"name"`
	Status                    WorkflowStatus `json:"status"`
	Trigger                   Trigger        `json:"trigger"`
	Prompt                    string         `json:"prompt"`
	AutoApprove               bool           `json:"auto_approve"`
	AllowedIntegrations       []string       `json:"allowed_integrations"`
	AllowedCustomIntegrations []string       `json:"allowed_custom_integrations"`
	CreatedAt                 time.Time      `json:"created_at"`
}

// Trigger describes what starts a workflow.
type Trigger struct {
	Type     TriggerType `json:"type"`
	Schedule string      `json:"schedule,omitempty"`
}

// WorkflowRun is one execution of a workflow.
type WorkflowRun struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	Status         RunStatus       `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	GenerationID   string          `json:"generation_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	TriggerPayload json.RawMessage `json:"trigger_payload,omitempty"`
}

// IsActive reports whether the run still counts against the workflow's
// single-active-run limit.
func (r *WorkflowRun) IsActive() bool {
	return !r.Status.IsTerminal()
}

// RunEvent is an append-only audit record for a run.
type RunEvent struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      RunEventType    `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
