package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/internal/gate"
)

// CreateConversation starts an empty conversation.
func (s *Service) CreateConversation(ctx context.Context, ownerID, title string) (*domain.Conversation, error) {
	conv := &domain.Conversation{
		ID:        "conv_" + uuid.New().String()[:8],
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetMessages pages through a conversation's history.
func (s *Service) GetMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
	messages, err := s.store.ListMessages(ctx, conversationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return messages, nil
}

func (s *Service) saveMessage(ctx context.Context, conversationID string, role domain.MessageRole, content string, at time.Time) error {
	msg := &domain.Message{
		ID:             "msg_" + uuid.New().String()[:8],
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      at.UTC(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// SendMessage starts an interactive generation in an existing conversation.
// Interactive sessions are unrestricted: every integration is usable and
// writes still ask for approval unless autoApprove is set.
func (s *Service) SendMessage(ctx context.Context, conversationID, text string, autoApprove bool) (*domain.Generation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv == nil {
		return nil, domain.NotFoundf("conversation %s", conversationID)
	}
	return s.StartGeneration(ctx, GenerationRequest{
		ConversationID: conversationID,
		Prompt:         text,
		Scope:          gate.Scope{AutoApprove: autoApprove},
	})
}
