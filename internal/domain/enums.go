// Package domain defines the core domain models for the control plane.
package domain

// RunStatus represents the status of a workflow run.
type RunStatus string

const (
	RunStatusRunning          RunStatus = "running"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusAwaitingAuth     RunStatus = "awaiting_auth"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusCancelled        RunStatus = "cancelled"
	RunStatusError            RunStatus = "error"
)

// ActiveRunStatuses lists the statuses a run can be reconciled from.
var ActiveRunStatuses = []RunStatus{
	RunStatusRunning,
	RunStatusAwaitingApproval,
	RunStatusAwaitingAuth,
}

// IsTerminal reports whether the run can no longer change status.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCancelled, RunStatusError:
		return true
	}
	return false
}

// RunTransitionSources returns the statuses a run may move to the given status
// from. Terminal statuses are never a source.
func RunTransitionSources(to RunStatus) []RunStatus {
	switch to {
	case RunStatusRunning:
		return []RunStatus{RunStatusAwaitingApproval, RunStatusAwaitingAuth}
	case RunStatusAwaitingApproval, RunStatusAwaitingAuth:
		return []RunStatus{RunStatusRunning}
	case RunStatusCompleted, RunStatusCancelled, RunStatusError:
		return ActiveRunStatuses
	}
	return nil
}

// GenerationStatus represents the status of one streaming agent execution.
type GenerationStatus string

const (
	GenerationStatusRunning   GenerationStatus = "running"
	GenerationStatusCompleted GenerationStatus = "completed"
	GenerationStatusCancelled GenerationStatus = "cancelled"
	GenerationStatusError     GenerationStatus = "error"
)

// IsTerminal reports whether the generation has finished streaming.
func (s GenerationStatus) IsTerminal() bool {
	return s != GenerationStatusRunning
}

// RunStatusFor maps a terminal generation status onto the run status it implies.
func RunStatusFor(s GenerationStatus) RunStatus {
	switch s {
	case GenerationStatusCompleted:
		return RunStatusCompleted
	case GenerationStatusCancelled:
		return RunStatusCancelled
	case GenerationStatusRunning:
		return RunStatusRunning
	default:
		return RunStatusError
	}
}

// WorkflowStatus toggles whether a workflow accepts triggers.
type WorkflowStatus string

const (
	WorkflowStatusOn  WorkflowStatus = "on"
	WorkflowStatusOff WorkflowStatus = "off"
)

// TriggerType identifies what starts a workflow run.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerEmail    TriggerType = "email"
)

// RunEventType represents the type of a run audit event.
type RunEventType string

const (
	RunEventTrigger           RunEventType = "trigger"
	RunEventGenerationStarted RunEventType = "generation_started"
	RunEventStatus            RunEventType = "status"
	RunEventError             RunEventType = "error"
	RunEventReconciled        RunEventType = "reconciled"
)

// MessageRole is the author of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessageKind marks boundary messages that affect history replay.
type MessageKind string

const (
	MessageKindNormal       MessageKind = ""
	MessageKindCompaction   MessageKind = "compaction"
	MessageKindSessionReset MessageKind = "session_reset"
)

// ActorRoleAdmin may trigger a workflow while another run is still active.
const ActorRoleAdmin = "admin"
