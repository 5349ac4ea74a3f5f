package domain

import "time"

// Conversation owns sessions, generations and messages.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one entry of the conversation history.
type Message struct {
	Seq            int64       `json:"seq"`
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Kind           MessageKind `json:"kind,omitempty"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Session is a live agent server endpoint inside a sandbox, bound to one
// conversation.
type Session struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	SandboxID      string    `json:"sandbox_id"`
	Provider       string    `json:"provider"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	PreviewURL     string    `json:"preview_url,omitempty"`
	PreviewToken   string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	LastHealthyAt  time.Time `json:"last_healthy_at"`

	// Reused is set when the session was served without provisioning.
	Reused bool `json:"reused"`
}

// Generation is one streaming execution of the agent against a session.
type Generation struct {
	GenerationID    string           `json:"generation_id"`
	ConversationID  string           `json:"conversation_id"`
	Status          GenerationStatus `json:"status"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	PendingApproval *PendingApproval `json:"pending_approval,omitempty"`
	PendingAuth     *PendingAuth     `json:"pending_auth,omitempty"`
	ContentParts    []ContentPart    `json:"content_parts"`
	ErrorMessage    string           `json:"error_message,omitempty"`
}

// IsSuspended reports whether the generation is blocked on the gate.
func (g *Generation) IsSuspended() bool {
	return g.PendingApproval != nil || g.PendingAuth != nil
}

// PendingApproval describes a write operation waiting for a human decision.
type PendingApproval struct {
	ToolUseID   string    `json:"tool_use_id"`
	Integration string    `json:"integration"`
	Operation   string    `json:"operation"`
	Command     string    `json:"command"`
	RequestedAt time.Time `json:"requested_at"`
}

// PendingAuth describes an integration credential the gate is waiting for.
type PendingAuth struct {
	ToolUseID   string    `json:"tool_use_id"`
	Integration string    `json:"integration"`
	Reason      string    `json:"reason,omitempty"`
	State       string    `json:"state"`
	Connected   []string  `json:"connected,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}
