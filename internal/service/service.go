// Package service implements the control plane operations: workflow runs,
// generations, gate callbacks and run reconciliation.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/adapter/agentclient"
	"github.com/baptistecolle/cmdclaw-sub005/internal/adapter/sandbox"
	"github.com/baptistecolle/cmdclaw-sub005/internal/broker"
	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/internal/queue"
	store "github.com/baptistecolle/cmdclaw-sub005/internal/repository"
	"github.com/baptistecolle/cmdclaw-sub005/internal/session"
	"github.com/baptistecolle/cmdclaw-sub005/internal/stream"
)

// Sessions resolves a conversation to a ready agent session.
type Sessions interface {
	GetOrCreateSession(ctx context.Context, conversationID string, creds session.Credentials) (*domain.Session, sandbox.Handle, error)
}

// AgentStreamer drives a turn on the agent server.
type AgentStreamer interface {
	OpenStream(ctx context.Context, ep agentclient.Endpoint, sessionID, text string) (*agentclient.EventStream, error)
	Abort(ctx context.Context, ep agentclient.Endpoint, sessionID string) error
}

// Broadcaster pushes transcript updates to conversation viewers.
type Broadcaster interface {
	BroadcastJSON(conversationID string, v interface{}) error
}

// Enqueuer accepts background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (bool, error)
}

// WorkflowScheduler keeps cron entries in sync with workflows.
type WorkflowScheduler interface {
	Schedule(wf domain.Workflow) error
	Unschedule(workflowID string)
}

// Options configures the service.
type Options struct {
	OrphanGrace      time.Duration
	PreparingTimeout time.Duration
	// PersistInterval bounds how often streaming text is written to the store.
	PersistInterval time.Duration
}

// Service is the control plane.
type Service struct {
	store    store.Store
	sessions Sessions
	agent    AgentStreamer
	broker   *broker.Broker
	runners  *stream.Registry
	hub      Broadcaster
	jobs     Enqueuer
	schedule WorkflowScheduler
	opts     Options
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]*runner // by conversation id
	wg       sync.WaitGroup

	// admit serializes the active-run check with run creation.
	admit sync.Mutex
}

// New creates the service. hub, jobs and schedule may be set later with the
// matching setters.
func New(st store.Store, sessions Sessions, agent AgentStreamer, b *broker.Broker, runners *stream.Registry, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.PersistInterval <= 0 {
		opts.PersistInterval = 250 * time.Millisecond
	}
	return &Service{
		store:    st,
		sessions: sessions,
		agent:    agent,
		broker:   b,
		runners:  runners,
		opts:     opts,
		log:      log.With(zap.String("component", "service")),
		now:      time.Now,
		inflight: make(map[string]*runner),
	}
}

// SetBroadcaster sets the websocket feed.
func (s *Service) SetBroadcaster(hub Broadcaster) { s.hub = hub }

// SetQueue sets the background job queue.
func (s *Service) SetQueue(jobs Enqueuer) { s.jobs = jobs }

// SetScheduler sets the cron scheduler notified of workflow changes.
func (s *Service) SetScheduler(schedule WorkflowScheduler) { s.schedule = schedule }

// Broker returns the gate callback broker.
func (s *Service) Broker() *broker.Broker { return s.broker }

// Wait blocks until every generation runner has exited.
func (s *Service) Wait() { s.wg.Wait() }

// Shutdown cancels every active generation runner and waits for them to
// record their terminal state. It gives up when ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	active := make([]*runner, 0, len(s.inflight))
	for _, r := range s.inflight {
		if r.cancel != nil {
			active = append(active, r)
		}
	}
	s.mu.Unlock()

	for _, r := range active {
		s.log.Info("cancelling generation for shutdown", zap.String("generation_id", r.generationID))
		r.cancelled.Store(true)
		s.runners.Deliver(r.generationID, domain.StreamEvent{Type: domain.EventCancelled})
		r.cancel()
		s.broker.CancelGeneration(r.generationID)
		if err := s.agent.Abort(ctx, r.endpoint, r.agentSessionID); err != nil {
			s.log.Warn("failed to abort remote session", zap.String("generation_id", r.generationID), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for generation runners: %w", ctx.Err())
	}
}
