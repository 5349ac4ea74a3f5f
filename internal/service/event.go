package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

// recordEvent appends an audit event to a run.
func (s *Service) recordEvent(ctx context.Context, runID string, eventType domain.RunEventType, payload interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := &domain.RunEvent{
		ID:        "evt_" + uuid.New().String()[:8],
		RunID:     runID,
		Type:      eventType,
		Payload:   payloadBytes,
		CreatedAt: s.now().UTC(),
	}

	return s.store.CreateRunEvent(ctx, event)
}

// logEvent records an event and logs instead of failing the caller.
func (s *Service) logEvent(ctx context.Context, runID string, eventType domain.RunEventType, payload interface{}) {
	if err := s.recordEvent(ctx, runID, eventType, payload); err != nil {
		s.log.Error("failed to record run event",
			zap.String("run_id", runID), zap.String("type", string(eventType)), zap.Error(err))
	}
}

// FeedMessage is pushed to websocket viewers of a conversation.
type FeedMessage struct {
	Type         string               `json:"type"`
	GenerationID string               `json:"generation_id"`
	Status       domain.TraceStatus   `json:"status"`
	Event        *domain.StreamEvent  `json:"event,omitempty"`
	Parts        []domain.ContentPart `json:"parts,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// Feed message types.
const (
	FeedEvent    = "event"
	FeedFinished = "generation_finished"
)

func (s *Service) broadcast(conversationID string, msg FeedMessage) {
	if s.hub == nil {
		return
	}
	if err := s.hub.BroadcastJSON(conversationID, msg); err != nil {
		s.log.Warn("failed to broadcast", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
