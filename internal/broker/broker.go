// Package broker parks approval and auth callbacks from the gate until a human
// (or the OAuth flow) answers, and mirrors the suspension onto the generation
// and its workflow run.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/internal/kvstore"
	"github.com/baptistecolle/cmdclaw-sub005/internal/metrics"
)

// Store is the persistence the broker needs.
type Store interface {
	GetGeneration(ctx context.Context, generationID string) (*domain.Generation, error)
	GetRunningGeneration(ctx context.Context, conversationID string) (*domain.Generation, error)
	SetGenerationPending(ctx context.Context, generationID string, approval *domain.PendingApproval, auth *domain.PendingAuth) (bool, error)
	GetRunByGeneration(ctx context.Context, generationID string) (*domain.WorkflowRun, error)
	TransitionRun(ctx context.Context, runID string, to domain.RunStatus, errMsg string) (bool, error)
}

// Sink receives the gate events of a generation.
type Sink interface {
	Deliver(generationID string, ev domain.StreamEvent) bool
}

// Options configures the broker timeouts.
type Options struct {
	ApprovalTimeout time.Duration
	AuthTimeout     time.Duration
	AuthStateTTL    time.Duration
}

type waiterKey struct {
	generationID string
	toolUseID    string
}

type authResult struct {
	success bool
	tokens  map[string]string
	reason  string
}

type authWaiter struct {
	key    waiterKey
	result chan authResult
}

// authState is what an OAuth state token resolves to.
type authState struct {
	GenerationID   string `json:"generation_id"`
	ToolUseID      string `json:"tool_use_id"`
	ConversationID string `json:"conversation_id"`
	Integration    string `json:"integration"`
}

// Broker correlates gate callbacks with human responses.
type Broker struct {
	store Store
	kv    kvstore.Store
	sink  Sink
	opts  Options
	log   *zap.Logger
	now   func() time.Time

	mu        sync.Mutex
	approvals map[waiterKey]chan string
	auths     map[string]*authWaiter
}

// New creates a broker.
func New(store Store, kv kvstore.Store, sink Sink, opts Options, log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.AuthStateTTL < opts.AuthTimeout {
		opts.AuthStateTTL = opts.AuthTimeout
	}
	return &Broker{
		store:     store,
		kv:        kv,
		sink:      sink,
		opts:      opts,
		log:       log.With(zap.String("component", "broker")),
		now:       time.Now,
		approvals: make(map[waiterKey]chan string),
		auths:     make(map[string]*authWaiter),
	}
}

// resolve finds the generation a callback belongs to. Callbacks from older
// hooks carry only the conversation id.
func (b *Broker) resolve(ctx context.Context, generationID, conversationID string) (*domain.Generation, error) {
	var (
		gen *domain.Generation
		err error
	)
	if generationID != "" {
		gen, err = b.store.GetGeneration(ctx, generationID)
	} else {
		gen, err = b.store.GetRunningGeneration(ctx, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load generation: %w", err)
	}
	if gen == nil || gen.Status != domain.GenerationStatusRunning {
		return nil, domain.NotFoundf("no running generation for conversation %s", conversationID)
	}
	if conversationID != "" && gen.ConversationID != conversationID {
		return nil, domain.BadRequestf("generation %s does not belong to conversation %s", gen.GenerationID, conversationID)
	}
	return gen, nil
}

// RequestApproval blocks until the write operation is allowed or denied. A
// request that is not answered within the approval timeout is denied.
func (b *Broker) RequestApproval(ctx context.Context, req *domain.ApprovalCallbackRequest) (*domain.ApprovalCallbackResponse, error) {
	gen, err := b.resolve(ctx, req.GenerationID, req.ConversationID)
	if err != nil {
		metrics.GateRequests.WithLabelValues("approval", "rejected").Inc()
		return nil, err
	}
	genID := gen.GenerationID
	key := waiterKey{generationID: genID, toolUseID: req.ToolUseID}
	logger := b.log.With(zap.String("generation_id", genID), zap.String("tool_use_id", req.ToolUseID))

	ch := make(chan string, 1)
	b.mu.Lock()
	if _, dup := b.approvals[key]; dup {
		b.mu.Unlock()
		return nil, domain.BadRequestf("approval for %s already pending", req.ToolUseID)
	}
	b.approvals[key] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.approvals, key)
		b.mu.Unlock()
	}()

	pending := &domain.PendingApproval{
		ToolUseID:   req.ToolUseID,
		Integration: req.Integration,
		Operation:   req.Operation,
		Command:     req.Command,
		RequestedAt: b.now().UTC(),
	}
	if ok, err := b.store.SetGenerationPending(ctx, genID, pending, nil); err != nil {
		return nil, fmt.Errorf("failed to record pending approval: %w", err)
	} else if !ok {
		return nil, domain.NotFoundf("generation %s is not running", genID)
	}
	b.setRunStatus(ctx, genID, domain.RunStatusAwaitingApproval)
	b.sink.Deliver(genID, domain.StreamEvent{
		Type:        domain.EventPendingApproval,
		ToolUseID:   req.ToolUseID,
		Integration: req.Integration,
		Operation:   req.Operation,
		Command:     req.Command,
	})
	logger.Info("approval requested", zap.String("integration", req.Integration), zap.String("operation", req.Operation))

	decision, outcome := domain.DecisionDeny, ""
	timer := time.NewTimer(b.opts.ApprovalTimeout)
	defer timer.Stop()
	select {
	case decision = <-ch:
		outcome = decision
	case <-timer.C:
		outcome = "timeout"
	case <-ctx.Done():
		outcome = "abandoned"
	}

	b.resume(context.WithoutCancel(ctx), genID)
	b.sink.Deliver(genID, domain.StreamEvent{
		Type:        domain.EventApprovalResult,
		ToolUseID:   req.ToolUseID,
		Integration: req.Integration,
		Operation:   req.Operation,
		Decision:    decision,
	})
	metrics.GateRequests.WithLabelValues("approval", outcome).Inc()
	logger.Info("approval resolved", zap.String("outcome", outcome))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &domain.ApprovalCallbackResponse{Decision: decision}, nil
}

// Decide answers a pending approval.
func (b *Broker) Decide(generationID, toolUseID, decision string) error {
	if decision != domain.DecisionAllow && decision != domain.DecisionDeny {
		return domain.BadRequestf("unknown decision %q", decision)
	}
	b.mu.Lock()
	ch, ok := b.approvals[waiterKey{generationID: generationID, toolUseID: toolUseID}]
	b.mu.Unlock()
	if !ok {
		return domain.NotFoundf("no pending approval for %s", toolUseID)
	}
	select {
	case ch <- decision:
		return nil
	default:
		return domain.BadRequestf("approval for %s already decided", toolUseID)
	}
}

// RequestAuth blocks until the integration is connected, the flow fails, or
// the auth timeout elapses.
func (b *Broker) RequestAuth(ctx context.Context, req *domain.AuthCallbackRequest) (*domain.AuthCallbackResponse, error) {
	gen, err := b.resolve(ctx, req.GenerationID, req.ConversationID)
	if err != nil {
		metrics.GateRequests.WithLabelValues("auth", "rejected").Inc()
		return nil, err
	}
	genID := gen.GenerationID
	state := "auth_" + uuid.New().String()
	logger := b.log.With(zap.String("generation_id", genID), zap.String("integration", req.Integration))

	data, err := json.Marshal(authState{
		GenerationID:   genID,
		ToolUseID:      req.ToolUseID,
		ConversationID: gen.ConversationID,
		Integration:    req.Integration,
	})
	if err != nil {
		return nil, err
	}
	if err := b.kv.Put(ctx, state, data, b.opts.AuthStateTTL); err != nil {
		return nil, fmt.Errorf("failed to store auth state: %w", err)
	}

	w := &authWaiter{key: waiterKey{generationID: genID, toolUseID: req.ToolUseID}, result: make(chan authResult, 1)}
	b.mu.Lock()
	b.auths[state] = w
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.auths, state)
		b.mu.Unlock()
		if err := b.kv.Delete(context.WithoutCancel(ctx), state); err != nil {
			logger.Warn("failed to delete auth state", zap.Error(err))
		}
	}()

	pending := &domain.PendingAuth{
		ToolUseID:   req.ToolUseID,
		Integration: req.Integration,
		Reason:      req.Reason,
		State:       state,
		RequestedAt: b.now().UTC(),
	}
	if ok, err := b.store.SetGenerationPending(ctx, genID, nil, pending); err != nil {
		return nil, fmt.Errorf("failed to record pending auth: %w", err)
	} else if !ok {
		return nil, domain.NotFoundf("generation %s is not running", genID)
	}
	b.setRunStatus(ctx, genID, domain.RunStatusAwaitingAuth)
	b.sink.Deliver(genID, domain.StreamEvent{
		Type:         domain.EventAuthNeeded,
		ToolUseID:    req.ToolUseID,
		Integration:  req.Integration,
		Integrations: []string{req.Integration},
		Reason:       req.Reason,
		State:        state,
	})
	logger.Info("auth requested")

	var res authResult
	outcome := ""
	timer := time.NewTimer(b.opts.AuthTimeout)
	defer timer.Stop()
	select {
	case res = <-w.result:
		outcome = "failed"
		if res.success {
			outcome = "connected"
		}
	case <-timer.C:
		res.reason = "authentication timed out"
		outcome = "timeout"
	case <-ctx.Done():
		res.reason = "authentication abandoned"
		outcome = "abandoned"
	}

	b.resume(context.WithoutCancel(ctx), genID)
	b.sink.Deliver(genID, domain.StreamEvent{
		Type:        domain.EventAuthResult,
		ToolUseID:   req.ToolUseID,
		Integration: req.Integration,
		Success:     res.success,
		Reason:      res.reason,
	})
	metrics.GateRequests.WithLabelValues("auth", outcome).Inc()
	logger.Info("auth resolved", zap.String("outcome", outcome))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &domain.AuthCallbackResponse{Success: res.success, Tokens: res.tokens}, nil
}

func (b *Broker) lookupState(ctx context.Context, state string) (*authState, error) {
	data, err := b.kv.Get(ctx, state)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, domain.NotFoundf("auth state %s is unknown or expired", state)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load auth state: %w", err)
	}
	var st authState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode auth state: %w", err)
	}
	return &st, nil
}

// CompleteAuth delivers the outcome of the OAuth flow started for state.
func (b *Broker) CompleteAuth(ctx context.Context, req domain.AuthCompleteRequest) error {
	if _, err := b.lookupState(ctx, req.State); err != nil {
		return err
	}
	b.mu.Lock()
	w, ok := b.auths[req.State]
	b.mu.Unlock()
	if !ok {
		return domain.NotFoundf("no pending auth for state %s", req.State)
	}

	res := authResult{success: req.Success, tokens: req.Tokens}
	if !req.Success {
		res.reason = "authentication failed"
	}
	select {
	case w.result <- res:
		return nil
	default:
		return domain.BadRequestf("auth for state %s already completed", req.State)
	}
}

// ProgressAuth reports that one integration of a pending auth connected.
func (b *Broker) ProgressAuth(ctx context.Context, req domain.AuthProgressRequest) error {
	st, err := b.lookupState(ctx, req.State)
	if err != nil {
		return err
	}
	integration := req.Integration
	if integration == "" {
		integration = st.Integration
	}
	b.sink.Deliver(st.GenerationID, domain.StreamEvent{
		Type:        domain.EventAuthProgress,
		ToolUseID:   st.ToolUseID,
		Integration: integration,
	})
	return nil
}

// CancelGeneration releases every waiter of a generation: approvals are
// denied and auth requests fail.
func (b *Broker) CancelGeneration(generationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	released := 0
	for key, ch := range b.approvals {
		if key.generationID != generationID {
			continue
		}
		select {
		case ch <- domain.DecisionDeny:
			released++
		default:
		}
	}
	for _, w := range b.auths {
		if w.key.generationID != generationID {
			continue
		}
		select {
		case w.result <- authResult{reason: "generation cancelled"}:
			released++
		default:
		}
	}
	return released
}

// Pending returns how many callbacks are parked.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.approvals) + len(b.auths)
}

// resume clears the suspension once the gate has an answer.
func (b *Broker) resume(ctx context.Context, generationID string) {
	if _, err := b.store.SetGenerationPending(ctx, generationID, nil, nil); err != nil {
		b.log.Warn("failed to clear pending state", zap.String("generation_id", generationID), zap.Error(err))
	}
	b.setRunStatus(ctx, generationID, domain.RunStatusRunning)
}

func (b *Broker) setRunStatus(ctx context.Context, generationID string, to domain.RunStatus) {
	run, err := b.store.GetRunByGeneration(ctx, generationID)
	if err != nil {
		b.log.Warn("failed to load run", zap.String("generation_id", generationID), zap.Error(err))
		return
	}
	if run == nil {
		return
	}
	if _, err := b.store.TransitionRun(ctx, run.ID, to, ""); err != nil {
		b.log.Warn("failed to update run status", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// RunStateSweeper removes expired auth states until ctx is done.
func (b *Broker) RunStateSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.kv.Sweep(ctx)
			if err != nil {
				b.log.Warn("auth state sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				b.log.Debug("expired auth states removed", zap.Int("count", n))
			}
		}
	}
}
