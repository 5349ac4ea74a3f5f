// Package store defines the storage interface and implementations.
package store

import (
	"context"
	"time"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Conversation operations
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]domain.Message, error)

	// Session operations, keyed by conversation
	GetSessionByConversation(ctx context.Context, conversationID string) (*domain.Session, error)
	UpsertSession(ctx context.Context, session *domain.Session) error
	TouchSession(ctx context.Context, conversationID string, healthyAt time.Time) error
	DeleteSession(ctx context.Context, conversationID string) error

	// Generation operations
	CreateGeneration(ctx context.Context, gen *domain.Generation) error
	GetGeneration(ctx context.Context, generationID string) (*domain.Generation, error)
	GetRunningGeneration(ctx context.Context, conversationID string) (*domain.Generation, error)
	UpdateGenerationContent(ctx context.Context, generationID string, parts []domain.ContentPart) error
	SetGenerationPending(ctx context.Context, generationID string, approval *domain.PendingApproval, auth *domain.PendingAuth) (bool, error)
	FinishGeneration(ctx context.Context, generationID string, status domain.GenerationStatus, errMsg string) (bool, error)

	// Workflow operations
	CreateWorkflow(ctx context.Context, wf *domain.Workflow) error
	GetWorkflow(ctx context.Context, workflowID string) (*domain.Workflow, error)
	ListWorkflows(ctx context.Context) ([]domain.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, workflowID string, status domain.WorkflowStatus) error

	// Run operations
	CreateRun(ctx context.Context, run *domain.WorkflowRun) error
	GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error)
	GetRunByGeneration(ctx context.Context, generationID string) (*domain.WorkflowRun, error)
	ListRuns(ctx context.Context, workflowID string, limit int) ([]domain.WorkflowRun, error)
	ListActiveRuns(ctx context.Context, workflowID string) ([]domain.WorkflowRun, error)
	ListWorkflowIDsWithActiveRuns(ctx context.Context) ([]string, error)
	TransitionRun(ctx context.Context, runID string, to domain.RunStatus, errMsg string) (bool, error)
	AttachRunGeneration(ctx context.Context, runID, generationID string) (bool, error)

	// Run event operations
	CreateRunEvent(ctx context.Context, event *domain.RunEvent) error
	ListRunEvents(ctx context.Context, runID string) ([]domain.RunEvent, error)

	// Lifecycle
	Close() error
}
