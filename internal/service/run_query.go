package service

import (
	"context"
	"fmt"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

// GetRun returns a run.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, domain.NotFoundf("run %s", runID)
	}
	return run, nil
}

// ListRuns returns the latest runs of a workflow.
func (s *Service) ListRuns(ctx context.Context, workflowID string, limit int) ([]domain.WorkflowRun, error) {
	if _, err := s.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	runs, err := s.store.ListRuns(ctx, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// ListRunEvents returns the audit trail of a run.
func (s *Service) ListRunEvents(ctx context.Context, runID string) ([]domain.RunEvent, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	events, err := s.store.ListRunEvents(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run events: %w", err)
	}
	return events, nil
}
