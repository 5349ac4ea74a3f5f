package service

import (
	"context"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

// DecideApproval delivers a reviewer's decision to the parked gate callback.
func (s *Service) DecideApproval(ctx context.Context, generationID, toolUseID string, req domain.ApprovalDecisionRequest) error {
	if _, err := s.GetGeneration(ctx, generationID); err != nil {
		return err
	}
	return s.broker.Decide(generationID, toolUseID, req.Decision)
}

// CompleteAuth finishes an auth request from the OAuth flow.
func (s *Service) CompleteAuth(ctx context.Context, req domain.AuthCompleteRequest) error {
	return s.broker.CompleteAuth(ctx, req)
}

// ProgressAuth records one connected integration of a pending auth request.
func (s *Service) ProgressAuth(ctx context.Context, req domain.AuthProgressRequest) error {
	return s.broker.ProgressAuth(ctx, req)
}
