package domain

import "encoding/json"

// TriggerRequest starts a workflow run.
type TriggerRequest struct {
	TriggerPayload json.RawMessage `json:"trigger_payload,omitempty"`
	ActorID        string          `json:"actor_id,omitempty"`
	ActorRole      string          `json:"actor_role,omitempty"`
}

// TriggerResponse is returned after a run started successfully.
type TriggerResponse struct {
	RunID          string `json:"run_id"`
	GenerationID   string `json:"generation_id"`
	ConversationID string `json:"conversation_id"`
}

// CreateWorkflowRequest creates a workflow.
type CreateWorkflowRequest struct {
	OwnerID                   string   `json:"owner_id" validate:"required"`
	Name                      string   `json:"name" validate:"required"`
	Prompt                    string   `json:"prompt" validate:"required"`
	TriggerType               string   `json:"trigger_type" validate:"required,oneof=manual schedule email"`
	Schedule                  string   `json:"schedule,omitempty" validate:"required_if=TriggerType schedule"`
	AutoApprove               bool     `json:"auto_approve"`
	AllowedIntegrations       []string `json:"allowed_integrations"`
	AllowedCustomIntegrations []string `json:"allowed_custom_integrations"`
}

// UpdateWorkflowStatusRequest toggles a workflow on or off.
type UpdateWorkflowStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=on off"`
}

// InboundEventRequest delivers an external event (e.g. an email) to a workflow.
type InboundEventRequest struct {
	EventID string          `json:"event_id" validate:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ApprovalCallbackRequest is sent by the gate when a write needs a human
// decision. An empty GenerationID resolves to the conversation's running
// generation.
type ApprovalCallbackRequest struct {
	GenerationID   string          `json:"generation_id,omitempty"`
	SandboxID      string          `json:"sandbox_id,omitempty"`
	ConversationID string          `json:"conversation_id" validate:"required"`
	ToolUseID      string          `json:"tool_use_id" validate:"required"`
	Integration    string          `json:"integration" validate:"required"`
	Operation      string          `json:"operation" validate:"required"`
	Command        string          `json:"command"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
}

// Approval callback decisions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// ApprovalCallbackResponse carries the human decision back to the gate.
type ApprovalCallbackResponse struct {
	Decision string `json:"decision"`
}

// AuthCallbackRequest is sent by the gate when an integration has no credential.
type AuthCallbackRequest struct {
	GenerationID   string `json:"generation_id,omitempty"`
	SandboxID      string `json:"sandbox_id,omitempty"`
	ConversationID string `json:"conversation_id" validate:"required"`
	ToolUseID      string `json:"tool_use_id"`
	Integration    string `json:"integration" validate:"required"`
	Reason         string `json:"reason,omitempty"`
}

// AuthCallbackResponse tells the gate whether the integration got connected.
// Tokens maps environment variable names to secret values.
type AuthCallbackResponse struct {
	Success bool              `json:"success"`
	Tokens  map[string]string `json:"tokens,omitempty"`
}

// ApprovalDecisionRequest is submitted by the human reviewer.
type ApprovalDecisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=allow deny"`
}

// AuthCompleteRequest is posted by the OAuth flow once it finished.
type AuthCompleteRequest struct {
	State   string            `json:"state" validate:"required"`
	Success bool              `json:"success"`
	Tokens  map[string]string `json:"tokens,omitempty"`
}

// AuthProgressRequest reports one integration connected while others remain.
type AuthProgressRequest struct {
	State       string `json:"state" validate:"required"`
	Integration string `json:"integration" validate:"required"`
}

// ErrorResponse is the JSON error body returned by all handlers.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
