package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/adapter/agentclient"
	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/internal/gate"
	"github.com/baptistecolle/cmdclaw-sub005/internal/metrics"
	"github.com/baptistecolle/cmdclaw-sub005/internal/session"
	"github.com/baptistecolle/cmdclaw-sub005/internal/stream"
)

// finishTimeout bounds the store writes made when a generation ends.
const finishTimeout = 10 * time.Second

// GenerationRequest starts one agent turn in a conversation.
type GenerationRequest struct {
	ConversationID string
	Prompt         string
	// Scope is injected into a newly provisioned sandbox for the gate.
	Scope gate.Scope
	// Env holds extra sandbox environment such as integration tokens.
	Env map[string]string
	// RunID links the generation to a workflow run once the stream starts.
	RunID string
}

type runner struct {
	generationID   string
	conversationID string
	runID          string
	endpoint       agentclient.Endpoint
	agentSessionID string
	cancel         context.CancelFunc
	cancelled      atomic.Bool
}

func (s *Service) reserve(r *runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[r.conversationID]; busy {
		return fmt.Errorf("%w: conversation %s", domain.ErrGenerationInFlight, r.conversationID)
	}
	s.inflight[r.conversationID] = r
	return nil
}

func (s *Service) release(r *runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[r.conversationID] == r {
		delete(s.inflight, r.conversationID)
	}
}

func (s *Service) runnerFor(generationID string) *runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.inflight {
		if r.generationID == generationID && r.cancel != nil {
			return r
		}
	}
	return nil
}

// runInFlight reports whether this process is still starting or running
// the generation of a workflow run.
func (s *Service) runInFlight(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.inflight {
		if r.runID == runID {
			return true
		}
	}
	return false
}

// activate makes a reserved runner visible to cancellation.
func (s *Service) activate(r *runner, generationID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.generationID = generationID
	r.cancel = cancel
}

// StartGeneration acquires the conversation's session, opens the model stream
// and hands it to a runner goroutine. It returns once the stream has started.
// A conversation runs at most one generation at a time.
func (s *Service) StartGeneration(ctx context.Context, req GenerationRequest) (*domain.Generation, error) {
	r := &runner{conversationID: req.ConversationID, runID: req.RunID}
	if err := s.reserve(r); err != nil {
		return nil, err
	}
	started := false
	defer func() {
		if !started {
			s.release(r)
		}
	}()

	env := gate.ScopeEnv(req.Scope)
	for k, v := range req.Env {
		env[k] = v
	}
	sess, _, err := s.sessions.GetOrCreateSession(ctx, req.ConversationID, session.Credentials{Env: env, ReplayHistory: true})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session: %w", err)
	}

	now := s.now()
	if err := s.saveMessage(ctx, req.ConversationID, domain.RoleUser, req.Prompt, now); err != nil {
		return nil, err
	}

	gen := &domain.Generation{
		GenerationID:   "gen_" + uuid.New().String()[:8],
		ConversationID: req.ConversationID,
		Status:         domain.GenerationStatusRunning,
		StartedAt:      now.UTC(),
	}
	if err := s.store.CreateGeneration(ctx, gen); err != nil {
		return nil, fmt.Errorf("failed to create generation: %w", err)
	}
	r.endpoint = session.Endpoint(sess)
	r.agentSessionID = sess.AgentSessionID
	logger := s.log.With(zap.String("generation_id", gen.GenerationID), zap.String("conversation_id", req.ConversationID))

	inbox, ok := s.runners.Open(gen.GenerationID)
	if !ok {
		return nil, fmt.Errorf("generation %s already has a runner", gen.GenerationID)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s.activate(r, gen.GenerationID, cancel)
	es, err := s.agent.OpenStream(streamCtx, r.endpoint, r.agentSessionID, req.Prompt)
	if err != nil {
		cancel()
		s.runners.Close(gen.GenerationID)
		status, msg := domain.GenerationStatusError, err.Error()
		if r.cancelled.Load() {
			status, msg = domain.GenerationStatusCancelled, ""
		}
		if _, ferr := s.store.FinishGeneration(context.WithoutCancel(ctx), gen.GenerationID, status, msg); ferr != nil {
			logger.Error("failed to mark generation failed", zap.Error(ferr))
		}
		return nil, fmt.Errorf("failed to start model stream: %w", err)
	}

	if req.RunID != "" {
		if ok, err := s.store.AttachRunGeneration(ctx, req.RunID, gen.GenerationID); err != nil {
			logger.Error("failed to link run to generation", zap.String("run_id", req.RunID), zap.Error(err))
		} else if !ok {
			logger.Warn("run no longer accepts a generation", zap.String("run_id", req.RunID))
		}
		s.logEvent(ctx, req.RunID, domain.RunEventGenerationStarted, map[string]interface{}{
			"generation_id": gen.GenerationID,
			"sandbox_id":    sess.SandboxID,
			"session_reused": sess.Reused,
		})
	}

	started = true
	s.wg.Add(1)
	go s.run(streamCtx, r, es, inbox)
	logger.Info("generation started", zap.String("sandbox_id", sess.SandboxID), zap.Bool("reused", sess.Reused))
	return gen, nil
}

type persistState struct {
	parts int
	at    time.Time
}

// run is the single consumer of a generation: model stream events and gate
// events are reduced into one trace in arrival order.
func (s *Service) run(ctx context.Context, r *runner, es *agentclient.EventStream, inbox <-chan domain.StreamEvent) {
	defer s.wg.Done()
	trace := stream.NewTrace()
	logger := s.log.With(zap.String("generation_id", r.generationID))

	defer func() {
		if p := recover(); p != nil {
			logger.Error("generation runner panicked", zap.Any("panic", p))
			trace.Apply(domain.StreamEvent{Type: domain.EventError, Text: fmt.Sprintf("internal error: %v", p)})
			s.finish(r, trace)
		}
	}()

	model := make(chan domain.StreamEvent, 64)
	var streamErr error
	go func() {
		defer close(model)
		streamErr = es.Each(func(ev domain.StreamEvent) error {
			select {
			case model <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	ps := &persistState{at: s.now()}
	for !trace.Status().IsTerminal() {
		select {
		case ev, ok := <-model:
			if !ok {
				model = nil
				s.apply(r, trace, ps, s.endOfStream(ctx, r, streamErr))
				continue
			}
			s.apply(r, trace, ps, ev)
		case ev := <-inbox:
			s.apply(r, trace, ps, ev)
		}
	}
	s.finish(r, trace)
}

// endOfStream turns the end of the model stream into a terminal event for
// traces the stream itself did not finish.
func (s *Service) endOfStream(ctx context.Context, r *runner, streamErr error) domain.StreamEvent {
	switch {
	case r.cancelled.Load():
		return domain.StreamEvent{Type: domain.EventCancelled}
	case ctx.Err() != nil:
		return domain.StreamEvent{Type: domain.EventError, Text: "generation stopped"}
	case streamErr != nil:
		return domain.StreamEvent{Type: domain.EventError, Text: streamErr.Error()}
	default:
		return domain.StreamEvent{Type: domain.EventDone}
	}
}

func (s *Service) apply(r *runner, trace *stream.Trace, ps *persistState, ev domain.StreamEvent) {
	changed := trace.Apply(ev)
	s.broadcast(r.conversationID, FeedMessage{
		Type:         FeedEvent,
		GenerationID: r.generationID,
		Status:       trace.Status(),
		Event:        &ev,
	})
	if !changed || trace.Status().IsTerminal() {
		return
	}

	now := s.now()
	delta := ev.Type == domain.EventTextDelta || ev.Type == domain.EventThinking || ev.Type == domain.EventToolUseDelta
	if delta && trace.Len() == ps.parts && now.Sub(ps.at) < s.opts.PersistInterval {
		return
	}
	if err := s.store.UpdateGenerationContent(context.Background(), r.generationID, trace.Parts()); err != nil {
		s.log.Warn("failed to persist transcript", zap.String("generation_id", r.generationID), zap.Error(err))
		return
	}
	ps.parts, ps.at = trace.Len(), now
}

func finalStatus(trace *stream.Trace) (domain.GenerationStatus, string) {
	switch {
	case trace.Status() == domain.TraceError:
		return domain.GenerationStatusError, trace.ErrorMessage()
	case trace.Cancelled():
		return domain.GenerationStatusCancelled, ""
	default:
		return domain.GenerationStatusCompleted, ""
	}
}

// runOutcome maps a finished generation onto its workflow run. A turn that
// completed after the user denied an approval still fails the run.
func runOutcome(status domain.GenerationStatus, errMsg string, parts []domain.ContentPart) (domain.RunStatus, string) {
	to := domain.RunStatusFor(status)
	switch to {
	case domain.RunStatusError:
		if errMsg == "" {
			errMsg = "generation failed"
		}
		return to, errMsg
	case domain.RunStatusCompleted:
		if a := deniedApproval(parts); a != nil {
			return domain.RunStatusError, fmt.Sprintf("approval denied for %s %s", a.Integration, a.Operation)
		}
	}
	return to, ""
}

func deniedApproval(parts []domain.ContentPart) *domain.ApprovalPart {
	for _, p := range parts {
		if p.ToolCall != nil && p.ToolCall.Approval != nil && p.ToolCall.Approval.Status == domain.ApprovalDenied {
			return p.ToolCall.Approval
		}
	}
	return nil
}

func (s *Service) finish(r *runner, trace *stream.Trace) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	defer s.release(r)
	defer s.runners.Close(r.generationID)
	r.cancel()

	logger := s.log.With(zap.String("generation_id", r.generationID))
	parts := trace.Parts()
	if err := s.store.UpdateGenerationContent(ctx, r.generationID, parts); err != nil {
		logger.Error("failed to persist transcript", zap.Error(err))
	}

	status, errMsg := finalStatus(trace)
	ok, err := s.store.FinishGeneration(ctx, r.generationID, status, errMsg)
	if err != nil {
		logger.Error("failed to finish generation", zap.Error(err))
	}
	if ok {
		metrics.GenerationsFinished.WithLabelValues(string(status)).Inc()
		if r.runID != "" {
			to, runErr := runOutcome(status, errMsg, parts)
			s.finishRun(ctx, r.runID, r.generationID, to, runErr)
		}
	}

	if text := assistantText(parts); text != "" {
		if err := s.saveMessage(ctx, r.conversationID, domain.RoleAssistant, text, s.now()); err != nil {
			logger.Warn("failed to save assistant message", zap.Error(err))
		}
	}

	s.broadcast(r.conversationID, FeedMessage{
		Type:         FeedFinished,
		GenerationID: r.generationID,
		Status:       trace.Status(),
		Parts:        parts,
		Error:        errMsg,
	})
	logger.Info("generation finished", zap.String("status", string(status)))
}

func (s *Service) finishRun(ctx context.Context, runID, generationID string, to domain.RunStatus, errMsg string) {
	ok, err := s.store.TransitionRun(ctx, runID, to, errMsg)
	if err != nil {
		s.log.Error("failed to update run status", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	payload := map[string]interface{}{"status": to, "generation_id": generationID}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	s.logEvent(ctx, runID, domain.RunEventStatus, payload)
}

func assistantText(parts []domain.ContentPart) string {
	var texts []string
	for _, p := range parts {
		if p.Type == domain.PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n\n")
}

// GetGeneration returns a generation.
func (s *Service) GetGeneration(ctx context.Context, generationID string) (*domain.Generation, error) {
	gen, err := s.store.GetGeneration(ctx, generationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}
	if gen == nil {
		return nil, domain.NotFoundf("generation %s", generationID)
	}
	return gen, nil
}

// CancelGeneration stops a running generation: the model stream is cancelled,
// the remote session aborted and parked gate callbacks released. Cancelling a
// finished generation is a no-op.
func (s *Service) CancelGeneration(ctx context.Context, generationID string) (*domain.Generation, error) {
	gen, err := s.GetGeneration(ctx, generationID)
	if err != nil {
		return nil, err
	}
	if gen.Status.IsTerminal() {
		return gen, nil
	}

	if r := s.runnerFor(generationID); r != nil {
		r.cancelled.Store(true)
		s.runners.Deliver(generationID, domain.StreamEvent{Type: domain.EventCancelled})
		r.cancel()
		s.broker.CancelGeneration(generationID)
		if err := s.agent.Abort(ctx, r.endpoint, r.agentSessionID); err != nil {
			s.log.Warn("failed to abort remote session", zap.String("generation_id", generationID), zap.Error(err))
		}
		return gen, nil
	}

	// No runner in this process: finish the stored generation directly.
	s.broker.CancelGeneration(generationID)
	trace := stream.Resume(gen.ContentParts)
	trace.Apply(domain.StreamEvent{Type: domain.EventCancelled})
	if err := s.store.UpdateGenerationContent(ctx, generationID, trace.Parts()); err != nil {
		return nil, fmt.Errorf("failed to update generation: %w", err)
	}
	ok, err := s.store.FinishGeneration(ctx, generationID, domain.GenerationStatusCancelled, "")
	if err != nil {
		return nil, fmt.Errorf("failed to cancel generation: %w", err)
	}
	if ok {
		metrics.GenerationsFinished.WithLabelValues(string(domain.GenerationStatusCancelled)).Inc()
		run, err := s.store.GetRunByGeneration(ctx, generationID)
		if err != nil {
			return nil, fmt.Errorf("failed to get run: %w", err)
		}
		if run != nil {
			s.finishRun(ctx, run.ID, generationID, domain.RunStatusCancelled, "")
		}
	}
	if sess, err := s.store.GetSessionByConversation(ctx, gen.ConversationID); err == nil && sess != nil {
		if err := s.agent.Abort(ctx, session.Endpoint(sess), sess.AgentSessionID); err != nil {
			s.log.Warn("failed to abort remote session", zap.String("generation_id", generationID), zap.Error(err))
		}
	}
	return s.GetGeneration(ctx, generationID)
}

// IsInFlight reports whether err rejected a second generation.
func IsInFlight(err error) bool {
	return errors.Is(err, domain.ErrGenerationInFlight)
}
