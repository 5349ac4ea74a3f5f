// Package scheduler fires schedule-triggered workflows on their cron
// expression through the job queue.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/internal/queue"
)

// Enqueuer accepts background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (bool, error)
}

// TriggerFunc starts a run of a workflow.
type TriggerFunc func(ctx context.Context, workflowID string, firedAt time.Time) error

// Parse validates a standard five-field cron expression.
func Parse(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched, nil
}

type entry struct {
	id   cron.EntryID
	spec string
}

// Scheduler keeps one cron entry per enabled schedule workflow.
type Scheduler struct {
	cron    *cron.Cron
	queue   Enqueuer
	trigger TriggerFunc
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

// New creates a scheduler. Times are evaluated in UTC.
func New(q Enqueuer, trigger TriggerFunc, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		queue:   q,
		trigger: trigger,
		log:     log.With(zap.String("component", "scheduler")),
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Schedule adds, updates or removes the entry of a workflow according to its
// trigger and status.
func (s *Scheduler) Schedule(wf domain.Workflow) error {
	if wf.Trigger.Type != domain.TriggerSchedule || wf.Status != domain.WorkflowStatusOn {
		s.Unschedule(wf.ID)
		return nil
	}
	sched, err := Parse(wf.Trigger.Schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[wf.ID]; ok {
		if e.spec == wf.Trigger.Schedule {
			return nil
		}
		s.cron.Remove(e.id)
	}
	workflowID := wf.ID
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.Fire(workflowID) }))
	s.entries[wf.ID] = entry{id: id, spec: wf.Trigger.Schedule}
	s.log.Info("workflow scheduled", zap.String("workflow_id", wf.ID), zap.String("schedule", wf.Trigger.Schedule))
	return nil
}

// Unschedule removes the entry of a workflow, if any.
func (s *Scheduler) Unschedule(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[workflowID]; ok {
		s.cron.Remove(e.id)
		delete(s.entries, workflowID)
	}
}

// Load schedules every workflow in the list.
func (s *Scheduler) Load(workflows []domain.Workflow) {
	for _, wf := range workflows {
		if err := s.Schedule(wf); err != nil {
			s.log.Warn("skipping workflow schedule", zap.String("workflow_id", wf.ID), zap.Error(err))
		}
	}
}

// Fire enqueues a run of the workflow keyed by the firing minute, so a
// duplicate tick never starts a second run.
func (s *Scheduler) Fire(workflowID string) {
	firedAt := s.now().UTC().Truncate(time.Minute)
	job := queue.Job{
		Key:  fmt.Sprintf("schedule:%s:%d", workflowID, firedAt.Unix()),
		Name: "schedule " + workflowID,
		Run: func(ctx context.Context) error {
			return s.trigger(ctx, workflowID, firedAt)
		},
	}
	if _, err := s.queue.Enqueue(context.Background(), job); err != nil {
		s.log.Error("failed to enqueue scheduled run", zap.String("workflow_id", workflowID), zap.Error(err))
	}
}

// Len returns the number of scheduled workflows.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run starts the cron loop and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}
