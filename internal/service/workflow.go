package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/internal/scheduler"
)

// CreateWorkflow stores a new workflow in the on state.
func (s *Service) CreateWorkflow(ctx context.Context, req domain.CreateWorkflowRequest) (*domain.Workflow, error) {
	trigger := domain.Trigger{Type: domain.TriggerType(req.TriggerType)}
	if trigger.Type == domain.TriggerSchedule {
		if _, err := scheduler.Parse(req.Schedule); err != nil {
			return nil, domain.BadRequestf("invalid schedule %q: %v", req.Schedule, err)
		}
		trigger.Schedule = req.Schedule
	}

	wf := &domain.Workflow{
		ID:                        "wf_" + uuid.New().String()[:8],
		OwnerID:                   req.OwnerID,
		Name:                      req.Name,
		Status:                    domain.WorkflowStatusOn,
		Trigger:                   trigger,
		Prompt:                    req.Prompt,
		AutoApprove:               req.AutoApprove,
		AllowedIntegrations:       req.AllowedIntegrations,
		AllowedCustomIntegrations: req.AllowedCustomIntegrations,
		CreatedAt:                 s.now().UTC(),
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	s.syncSchedule(*wf)
	return wf, nil
}

// GetWorkflow returns a workflow.
func (s *Service) GetWorkflow(ctx context.Context, workflowID string) (*domain.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	if wf == nil {
		return nil, domain.NotFoundf("workflow %s", workflowID)
	}
	return wf, nil
}

// ListWorkflows returns every workflow.
func (s *Service) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	workflows, err := s.store.ListWorkflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return workflows, nil
}

// UpdateWorkflowStatus turns a workflow on or off.
func (s *Service) UpdateWorkflowStatus(ctx context.Context, workflowID string, status domain.WorkflowStatus) (*domain.Workflow, error) {
	if status != domain.WorkflowStatusOn && status != domain.WorkflowStatusOff {
		return nil, domain.BadRequestf("invalid status %q", status)
	}
	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateWorkflowStatus(ctx, workflowID, status); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}
	wf.Status = status
	s.syncSchedule(*wf)
	return wf, nil
}

func (s *Service) syncSchedule(wf domain.Workflow) {
	if s.schedule == nil {
		return
	}
	if err := s.schedule.Schedule(wf); err != nil {
		s.log.Warn("failed to schedule workflow", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
}
