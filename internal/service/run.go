package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/internal/gate"
	"github.com/baptistecolle/cmdclaw-sub005/internal/queue"
)

// Trigger sources recorded on the trigger run event.
const (
	SourceManual   = "manual"
	SourceSchedule = "schedule"
	SourceInbound  = "inbound"
)

// TriggerWorkflowRun starts a run of a workflow. Stale runs are reconciled
// first; a workflow that still has an active run rejects the trigger unless
// the actor is an admin.
func (s *Service) TriggerWorkflowRun(ctx context.Context, workflowID string, req domain.TriggerRequest) (*domain.TriggerResponse, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	if wf == nil {
		return nil, domain.NotFoundf("workflow %s", workflowID)
	}
	return s.trigger(ctx, wf, req, SourceManual)
}

// TriggerScheduled runs a schedule workflow for one cron firing.
func (s *Service) TriggerScheduled(ctx context.Context, workflowID string, firedAt time.Time) error {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to get workflow: %w", err)
	}
	if wf == nil {
		return domain.NotFoundf("workflow %s", workflowID)
	}
	payload, err := json.Marshal(map[string]interface{}{"fired_at": firedAt.UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	_, err = s.trigger(ctx, wf, domain.TriggerRequest{TriggerPayload: payload}, SourceSchedule)
	return err
}

// EnqueueInbound queues a run for an external event. Redelivery of the same
// event id is suppressed; queued reports whether a job was added.
func (s *Service) EnqueueInbound(ctx context.Context, workflowID string, req domain.InboundEventRequest) (bool, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return false, fmt.Errorf("failed to get workflow: %w", err)
	}
	if wf == nil {
		return false, domain.NotFoundf("workflow %s", workflowID)
	}
	if wf.Status != domain.WorkflowStatusOn {
		return false, domain.BadRequestf("workflow %s is off", workflowID)
	}
	if s.jobs == nil {
		return false, fmt.Errorf("job queue not configured")
	}

	payload := req.Payload
	job := queue.Job{
		Key:  fmt.Sprintf("inbound:%s:%s", workflowID, req.EventID),
		Name: "inbound " + workflowID,
		Run: func(ctx context.Context) error {
			wf, err := s.store.GetWorkflow(ctx, workflowID)
			if err != nil {
				return fmt.Errorf("failed to get workflow: %w", err)
			}
			if wf == nil {
				return domain.NotFoundf("workflow %s", workflowID)
			}
			_, err = s.trigger(ctx, wf, domain.TriggerRequest{TriggerPayload: payload}, SourceInbound)
			return err
		},
	}
	return s.jobs.Enqueue(ctx, job)
}

func (s *Service) trigger(ctx context.Context, wf *domain.Workflow, req domain.TriggerRequest, source string) (*domain.TriggerResponse, error) {
	admin := req.ActorRole == domain.ActorRoleAdmin
	if wf.Status != domain.WorkflowStatusOn && !admin {
		return nil, domain.BadRequestf("workflow %s is off", wf.ID)
	}

	run, conv, err := s.admitRun(ctx, wf, req, admin)
	if err != nil {
		return nil, err
	}
	logger := s.log.With(zap.String("workflow_id", wf.ID), zap.String("run_id", run.ID))

	s.logEvent(ctx, run.ID, domain.RunEventTrigger, map[string]interface{}{
		"source":          source,
		"actor_id":        req.ActorID,
		"actor_role":      req.ActorRole,
		"conversation_id": conv.ID,
	})

	gen, err := s.StartGeneration(ctx, GenerationRequest{
		ConversationID: conv.ID,
		Prompt:         buildPrompt(wf.Prompt, req.TriggerPayload),
		Scope: gate.Scope{
			AutoApprove:               wf.AutoApprove,
			Restricted:                true,
			AllowedIntegrations:       wf.AllowedIntegrations,
			AllowedCustomIntegrations: wf.AllowedCustomIntegrations,
		},
		RunID: run.ID,
	})
	if err != nil {
		logger.Error("failed to start generation", zap.Error(err))
		ectx := context.WithoutCancel(ctx)
		if _, terr := s.store.TransitionRun(ectx, run.ID, domain.RunStatusError, err.Error()); terr != nil {
			logger.Error("failed to mark run failed", zap.Error(terr))
		}
		s.logEvent(ectx, run.ID, domain.RunEventError, map[string]interface{}{"error": err.Error()})
		return nil, fmt.Errorf("failed to start run %s: %w", run.ID, err)
	}

	logger.Info("workflow run started", zap.String("generation_id", gen.GenerationID), zap.String("source", source))
	return &domain.TriggerResponse{
		RunID:          run.ID,
		GenerationID:   gen.GenerationID,
		ConversationID: conv.ID,
	}, nil
}

// admitRun reconciles the workflow and creates the run row when admission
// passes.
func (s *Service) admitRun(ctx context.Context, wf *domain.Workflow, req domain.TriggerRequest, admin bool) (*domain.WorkflowRun, *domain.Conversation, error) {
	s.admit.Lock()
	defer s.admit.Unlock()

	if _, err := s.ReconcileWorkflow(ctx, wf.ID); err != nil {
		s.log.Warn("reconcile before trigger failed", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
	active, err := s.store.ListActiveRuns(ctx, wf.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	if len(active) > 0 && !admin {
		return nil, nil, domain.BadRequestf("workflow %s already has an active run %s", wf.ID, active[0].ID)
	}

	conv, err := s.CreateConversation(ctx, wf.OwnerID, wf.Name)
	if err != nil {
		return nil, nil, err
	}
	run := &domain.WorkflowRun{
		ID:             "run_" + uuid.New().String()[:8],
		WorkflowID:     wf.ID,
		Status:         domain.RunStatusRunning,
		StartedAt:      s.now().UTC(),
		ConversationID: conv.ID,
		TriggerPayload: req.TriggerPayload,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, conv, nil
}

// buildPrompt appends a non-empty trigger payload to the workflow prompt.
func buildPrompt(prompt string, payload json.RawMessage) string {
	switch string(payload) {
	case "", "null", "{}":
		return prompt
	}
	return prompt + "\n\n<trigger_payload>\n" + string(payload) + "\n</trigger_payload>"
}
