package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/internal/metrics"
)

// Reconciliation reasons.
const (
	ReasonOrphan            = "orphan"
	ReasonGenerationMissing = "generation_missing"
	ReasonGenerationDone    = "generation_terminal"
	ReasonPreparingTimeout  = "preparing_timeout"
)

type correction struct {
	reason string
	to     domain.RunStatus
	errMsg string
}

// RunReconciler periodically reconciles every workflow with active runs.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReconcileAll(ctx); err != nil {
				s.log.Error("reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// ReconcileAll reconciles every workflow that has an active run and returns
// the number of corrected runs.
func (s *Service) ReconcileAll(ctx context.Context) (int, error) {
	ids, err := s.store.ListWorkflowIDsWithActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list workflows with active runs: %w", err)
	}
	total := 0
	var errs error
	for _, id := range ids {
		n, err := s.ReconcileWorkflow(ctx, id)
		total += n
		errs = multierr.Append(errs, err)
	}
	return total, errs
}

// ReconcileWorkflow brings the active runs of a workflow in line with their
// generations. Repeated passes over the same state change nothing.
func (s *Service) ReconcileWorkflow(ctx context.Context, workflowID string) (int, error) {
	runs, err := s.store.ListActiveRuns(ctx, workflowID)
	if err != nil {
		return 0, fmt.Errorf("failed to list active runs: %w", err)
	}
	corrected := 0
	var errs error
	for i := range runs {
		ok, err := s.reconcileRun(ctx, &runs[i])
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("run %s: %w", runs[i].ID, err))
			continue
		}
		if ok {
			corrected++
		}
	}
	return corrected, errs
}

func (s *Service) reconcileRun(ctx context.Context, run *domain.WorkflowRun) (bool, error) {
	c, err := s.diagnose(ctx, run)
	if err != nil || c == nil {
		return false, err
	}

	ok, err := s.store.TransitionRun(ctx, run.ID, c.to, c.errMsg)
	if err != nil {
		return false, fmt.Errorf("failed to update run status: %w", err)
	}
	if !ok {
		return false, nil
	}

	payload := map[string]interface{}{
		"reason": c.reason,
		"from":   run.Status,
		"to":     c.to,
	}
	if c.errMsg != "" {
		payload["message"] = c.errMsg
	}
	s.logEvent(ctx, run.ID, domain.RunEventReconciled, payload)
	metrics.ReconcilerCorrections.WithLabelValues(c.reason).Inc()
	s.log.Info("run reconciled",
		zap.String("run_id", run.ID),
		zap.String("reason", c.reason),
		zap.String("from", string(run.Status)),
		zap.String("to", string(c.to)))
	return true, nil
}

// diagnose returns the correction an active run needs, or nil.
func (s *Service) diagnose(ctx context.Context, run *domain.WorkflowRun) (*correction, error) {
	now := s.now()

	if run.GenerationID == "" {
		// A run still provisioning here has no generation yet.
		if s.runInFlight(run.ID) {
			return nil, nil
		}
		if run.Status == domain.RunStatusRunning && now.Sub(run.StartedAt) > s.opts.OrphanGrace {
			return &correction{reason: ReasonOrphan, to: domain.RunStatusError, errMsg: domain.ErrOrphanRunTimeout.Error()}, nil
		}
		return nil, nil
	}

	gen, err := s.store.GetGeneration(ctx, run.GenerationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}
	if gen == nil {
		return &correction{reason: ReasonGenerationMissing, to: domain.RunStatusError, errMsg: "generation not found"}, nil
	}

	if gen.Status.IsTerminal() {
		return generationDone(gen), nil
	}

	if len(gen.ContentParts) == 0 && !gen.IsSuspended() && now.Sub(gen.StartedAt) > s.opts.PreparingTimeout {
		msg := domain.ErrPreparingTimeout.Error()
		ok, err := s.store.FinishGeneration(ctx, gen.GenerationID, domain.GenerationStatusError, msg)
		if err != nil {
			return nil, fmt.Errorf("failed to finish generation: %w", err)
		}
		if !ok {
			// The generation reached a terminal state first; copy that instead.
			gen, err = s.store.GetGeneration(ctx, run.GenerationID)
			if err != nil {
				return nil, fmt.Errorf("failed to get generation: %w", err)
			}
			if gen == nil || !gen.Status.IsTerminal() {
				return nil, nil
			}
			return generationDone(gen), nil
		}
		metrics.GenerationsFinished.WithLabelValues(string(domain.GenerationStatusError)).Inc()
		if r := s.runnerFor(gen.GenerationID); r != nil {
			r.cancel()
		}
		s.broker.CancelGeneration(gen.GenerationID)
		return &correction{reason: ReasonPreparingTimeout, to: domain.RunStatusError, errMsg: msg}, nil
	}
	return nil, nil
}

func generationDone(gen *domain.Generation) *correction {
	to, msg := runOutcome(gen.Status, gen.ErrorMessage, gen.ContentParts)
	return &correction{reason: ReasonGenerationDone, to: to, errMsg: msg}
}
