// Package helpers provides shared fixtures for package tests.
package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	store "github.com/baptistecolle/cmdclaw-sub005/internal/repository"
)

// NewTestSQLiteStore returns an in-memory store closed at test cleanup.
func NewTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// SeedConversation creates a conversation row.
func SeedConversation(t *testing.T, s *store.SQLiteStore, id string) *domain.Conversation {
	t.Helper()
	conv := &domain.Conversation{ID: id, OwnerID: "user_1", CreatedAt: time.Now()}
	if err := s.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("failed to seed conversation: %v", err)
	}
	return conv
}

// SeedMessage appends a message to a conversation.
func SeedMessage(t *testing.T, s *store.SQLiteStore, conversationID string, role domain.MessageRole, kind domain.MessageKind, content string) {
	t.Helper()
	msg := &domain.Message{
		ID:             "msg_" + content,
		ConversationID: conversationID,
		Role:           role,
		Kind:           kind,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := s.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}
}

// SeedWorkflow creates a workflow with the given options applied.
func SeedWorkflow(t *testing.T, s *store.SQLiteStore, id string, opts ...func(*domain.Workflow)) *domain.Workflow {
	t.Helper()
	wf := &domain.Workflow{
		ID:        id,
		OwnerID:   "user_1",
		Name:      "workflow " + id,
		Status:    domain.WorkflowStatusOn,
		Trigger:   domain.Trigger{Type: domain.TriggerManual},
		Prompt:    "do the thing",
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(wf)
	}
	if err := s.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("failed to seed workflow: %v", err)
	}
	return wf
}

// SeedGeneration creates a running generation for a conversation.
func SeedGeneration(t *testing.T, s *store.SQLiteStore, id, conversationID string, startedAt time.Time) *domain.Generation {
	t.Helper()
	gen := &domain.Generation{
		GenerationID:   id,
		ConversationID: conversationID,
		Status:         domain.GenerationStatusRunning,
		StartedAt:      startedAt,
	}
	if err := s.CreateGeneration(context.Background(), gen); err != nil {
		t.Fatalf("failed to seed generation: %v", err)
	}
	return gen
}

// SeedRun creates a run of a workflow in the given status.
func SeedRun(t *testing.T, s *store.SQLiteStore, id, workflowID, generationID string, status domain.RunStatus, startedAt time.Time) *domain.WorkflowRun {
	t.Helper()
	run := &domain.WorkflowRun{
		ID:           id,
		WorkflowID:   workflowID,
		Status:       status,
		StartedAt:    startedAt,
		GenerationID: generationID,
	}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to seed run: %v", err)
	}
	return run
}
