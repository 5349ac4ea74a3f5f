package domain

// StreamEventType identifies a model stream or gate event.
type StreamEventType string

const (
	// Model stream events.
	EventTextDelta    StreamEventType = "text_delta"
	EventToolUseStart StreamEventType = "tool_use_start"
	EventToolUseDelta StreamEventType = "tool_use_delta"
	EventToolUseEnd   StreamEventType = "tool_use_end"
	EventToolResult   StreamEventType = "tool_result"
	EventThinking     StreamEventType = "thinking"
	EventUsage        StreamEventType = "usage"
	EventDone         StreamEventType = "done"
	EventError        StreamEventType = "error"

	// Gate events.
	EventPendingApproval StreamEventType = "pending_approval"
	EventApprovalResult  StreamEventType = "approval_result"
	EventAuthNeeded      StreamEventType = "auth_needed"
	EventAuthProgress    StreamEventType = "auth_progress"
	EventAuthResult      StreamEventType = "auth_result"
	EventCancelled       StreamEventType = "cancelled"
)

// StreamEvent is a single event consumed by the streaming runtime. Fields are
// populated according to Type; the same shape is used for the SSE data
// payload sent by the agent server.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// text_delta, thinking, error
	Text string `json:"text,omitempty"`

	// tool_use_*, tool_result and gate events
	ToolUseID string `json:"id,omitempty"`
	ToolName  string `json:"name,omitempty"`
	Input     string `json:"input,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// usage
	Usage *UsageData `json:"usage,omitempty"`

	// pending_approval, approval_result
	Integration string `json:"integration,omitempty"`
	Operation   string `json:"operation,omitempty"`
	Command     string `json:"command,omitempty"`
	Decision    string `json:"decision,omitempty"`

	// auth_needed, auth_progress, auth_result
	Integrations []string `json:"integrations,omitempty"`
	Success      bool     `json:"success,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	// State correlates auth_needed with the OAuth flow started for it.
	State string `json:"state,omitempty"`
}

// UsageData represents token usage information.
type UsageData struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// TraceStatus is the overall state of a generation transcript.
type TraceStatus string

const (
	TraceStreaming       TraceStatus = "streaming"
	TraceWaitingApproval TraceStatus = "waiting_approval"
	TraceWaitingAuth     TraceStatus = "waiting_auth"
	TraceComplete        TraceStatus = "complete"
	TraceError           TraceStatus = "error"
)

// IsTerminal reports whether the trace accepts no further events.
func (s TraceStatus) IsTerminal() bool {
	return s == TraceComplete || s == TraceError
}

// PartType identifies a transcript content part.
type PartType string

const (
	PartText     PartType = "text"
	PartThinking PartType = "thinking"
	PartToolCall PartType = "tool_call"
	PartAuth     PartType = "auth"
	PartSystem   PartType = "system"
)

// ToolCallStatus represents the status of a tool call in the transcript.
type ToolCallStatus string

const (
	ToolCallRunning     ToolCallStatus = "running"
	ToolCallCompleted   ToolCallStatus = "completed"
	ToolCallError       ToolCallStatus = "error"
	ToolCallInterrupted ToolCallStatus = "interrupted"
)

// ApprovalStatus represents the status of an approval attached to a tool call.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// AuthStatus represents the status of an auth part.
type AuthStatus string

const (
	AuthPending   AuthStatus = "pending"
	AuthConnected AuthStatus = "connected"
	AuthFailed    AuthStatus = "failed"
)

// ContentPart is one append-only element of a generation transcript.
type ContentPart struct {
	Type     PartType      `json:"type"`
	Text     string        `json:"text,omitempty"`
	ToolCall *ToolCallPart `json:"tool_call,omitempty"`
	Auth     *AuthPart     `json:"auth,omitempty"`
}

// ToolCallPart records one tool invocation made by the agent.
type ToolCallPart struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Input    string         `json:"input,omitempty"`
	Status   ToolCallStatus `json:"status"`
	Result   string         `json:"result,omitempty"`
	Approval *ApprovalPart  `json:"approval,omitempty"`
}

// ApprovalPart is the approval request attached to a tool call.
type ApprovalPart struct {
	Status      ApprovalStatus `json:"status"`
	Integration string         `json:"integration"`
	Operation   string         `json:"operation"`
	Command     string         `json:"command,omitempty"`
}

// AuthPart tracks an integration connection requested by the gate.
type AuthPart struct {
	ToolUseID    string     `json:"tool_use_id,omitempty"`
	Integrations []string   `json:"integrations"`
	Connected    []string   `json:"connected,omitempty"`
	Status       AuthStatus `json:"status"`
	Reason       string     `json:"reason,omitempty"`
}
