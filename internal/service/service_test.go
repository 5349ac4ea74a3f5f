package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baptistecolle/cmdclaw-sub005/internal/adapter/agentclient"
	"github.com/baptistecolle/cmdclaw-sub005/internal/adapter/agentclient/agenttest"
	"github.com/baptistecolle/cmdclaw-sub005/internal/adapter/sandbox/sandboxtest"
	"github.com/baptistecolle/cmdclaw-sub005/internal/broker"
	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/internal/kvstore"
	store "github.com/baptistecolle/cmdclaw-sub005/internal/repository"
	"github.com/baptistecolle/cmdclaw-sub005/internal/session"
	"github.com/baptistecolle/cmdclaw-sub005/internal/stream"
	"github.com/baptistecolle/cmdclaw-sub005/tests/helpers"
)

type fixture struct {
	store    *store.SQLiteStore
	agent    *agenttest.Server
	provider *sandboxtest.Provider
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := helpers.NewTestSQLiteStore(t)

	agent := agenttest.NewServer()
	t.Cleanup(agent.Close)
	provider := sandboxtest.New(agent.URL)
	client := agentclient.NewClientWith(agent.Client())

	manager := session.NewManager(s, provider, client, session.Options{
		Template:         "agent",
		AgentPort:        4096,
		AgentCommand:     "agent-server --port 4096",
		HealthTimeout:    time.Second,
		ReadyInterval:    10 * time.Millisecond,
		ProvisionTimeout: time.Second,
	}, nil)

	runners := stream.NewRegistry()
	b := broker.New(s, kvstore.NewMemory(), runners, broker.Options{
		ApprovalTimeout: 5 * time.Second,
		AuthTimeout:     5 * time.Second,
	}, nil)

	svc := New(s, manager, client, b, runners, Options{
		OrphanGrace:      time.Minute,
		PreparingTimeout: 5 * time.Minute,
	}, nil)
	t.Cleanup(svc.Wait)
	return &fixture{store: s, agent: agent, provider: provider, svc: svc}
}

func (f *fixture) run(t *testing.T, id string) *domain.WorkflowRun {
	t.Helper()
	run, err := f.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func (f *fixture) generation(t *testing.T, id string) *domain.Generation {
	t.Helper()
	gen, err := f.store.GetGeneration(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, gen)
	return gen
}

func eventTypes(t *testing.T, s *store.SQLiteStore, runID string) []domain.RunEventType {
	t.Helper()
	events, err := s.ListRunEvents(context.Background(), runID)
	require.NoError(t, err)
	var types []domain.RunEventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

// blockUntilCancelled streams one text delta and holds the turn open.
func blockUntilCancelled(ctx context.Context, _, _ string, emit func(domain.StreamEvent)) {
	emit(domain.StreamEvent{Type: domain.EventTextDelta, Text: "working"})
	<-ctx.Done()
}

func TestTriggerManualAutoApproveRunCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	helpers.SeedWorkflow(t, f.store, "wf_1", func(wf *domain.Workflow) {
		wf.AutoApprove = true
		wf.AllowedIntegrations = []string{"slack"}
	})

	resp, err := f.svc.TriggerWorkflowRun(ctx, "wf_1", domain.TriggerRequest{ActorID: "user_1"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.GenerationID)
	f.svc.Wait()

	run := f.run(t, resp.RunID)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, resp.GenerationID, run.GenerationID)
	assert.Equal(t, resp.ConversationID, run.ConversationID)
	assert.NotNil(t, run.FinishedAt)

	gen := f.generation(t, resp.GenerationID)
	assert.Equal(t, domain.GenerationStatusCompleted, gen.Status)
	assert.False(t, gen.IsSuspended())
	require.Len(t, gen.ContentParts, 1)
	assert.Equal(t, "ok", gen.ContentParts[0].Text)

	assert.Equal(t, "true", f.provider.LastEnv["CMDCLAW_AUTO_APPROVE"])
	assert.Equal(t, "slack", f.provider.LastEnv["CMDCLAW_ALLOWED_INTEGRATIONS"])
	assert.Equal(t, []domain.RunEventType{
		domain.RunEventTrigger,
		domain.RunEventGenerationStarted,
		domain.RunEventStatus,
	}, eventTypes(t, f.store, resp.RunID))

	messages, err := f.svc.GetMessages(ctx, resp.ConversationID, 0, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, domain.RoleUser, messages[0].Role)
	assert.Equal(t, "do the thing", messages[0].Content)
	assert.Equal(t, domain.RoleAssistant, messages[1].Role)
	assert.Equal(t, "ok", messages[1].Content)
}

func TestTriggerAppendsPayloadToPrompt(t *testing.T) {
	f := newFixture(t)
	helpers.SeedWorkflow(t, f.store, "wf_1")

	_, err := f.svc.TriggerWorkflowRun(context.Background(), "wf_1", domain.TriggerRequest{
		TriggerPayload: []byte(`{"subject":"invoice"}`),
	})
	require.NoError(t, err)
	f.svc.Wait()

	var streamed []string
	for _, m := range f.agent.Messages() {
		if !m.NoReply {
			streamed = append(streamed, m.Text)
		}
	}
	require.Len(t, streamed, 1)
	assert.Contains(t, streamed[0], "do the thing")
	assert.Contains(t, streamed[0], `{"subject":"invoice"}`)
}

func TestTriggerRejectsWhileRunActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	helpers.SeedWorkflow(t, f.store, "wf_1")
	helpers.SeedConversation(t, f.store, "conv_1")
	helpers.SeedGeneration(t, f.store, "gen_1", "conv_1", time.Now())
	helpers.SeedRun(t, f.store, "run_1", "wf_1", "gen_1", domain.RunStatusRunning, time.Now())

	_, err := f.svc.TriggerWorkflowRun(ctx, "wf_1", domain.TriggerRequest{ActorID: "user_2", ActorRole: "member"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBadRequest))

	runs, err := f.store.ListRuns(ctx, "wf_1", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	resp, err := f.svc.TriggerWorkflowRun(ctx, "wf_1", domain.TriggerRequest{ActorID: "root", ActorRole: domain.ActorRoleAdmin})
	require.NoError(t, err)
	assert.NotEqual(t, "run_1", resp.RunID)
}

func TestTriggerUnknownAndDisabledWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.TriggerWorkflowRun(ctx, "wf_missing", domain.TriggerRequest{})
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	helpers.SeedWorkflow(t, f.store, "wf_off", func(wf *domain.Workflow) { wf.Status = domain.WorkflowStatusOff })
	_, err = f.svc.TriggerWorkflowRun(ctx, "wf_off", domain.TriggerRequest{})
	assert.True(t, errors.Is(err, domain.ErrBadRequest))
	assert.Equal(t, 0, f.provider.Created())
}

func TestTriggerProvisionFailureMarksRunFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	helpers.SeedWorkflow(t, f.store, "wf_1")
	f.provider.CreateErr = errors.New("quota exceeded")

	_, err := f.svc.TriggerWorkflowRun(ctx, "wf_1", domain.TriggerRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")

	runs, err := f.store.ListRuns(ctx, "wf_1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStatusError, runs[0].Status)
	assert.Contains(t, runs[0].ErrorMessage, "quota exceeded")
	assert.Contains(t, eventTypes(t, f.store, runs[0].ID), domain.RunEventError)
}

func TestSecondGenerationInConversationRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	helpers.SeedConversation(t, f.store, "conv_1")
	f.agent.SetResponder(blockUntilCancelled)

	gen, err := f.svc.StartGeneration(ctx, GenerationRequest{ConversationID: "conv_1", Prompt: "first"})
	require.NoError(t, err)

	_, err = f.svc.StartGeneration(ctx, GenerationRequest{ConversationID: "conv_1", Prompt: "second"})
	assert.True(t, IsInFlight(err))

	_, err = f.svc.CancelGeneration(ctx, gen.GenerationID)
	require.NoError(t, err)
	f.svc.Wait()
}

func TestCancelGenerationInterruptsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	helpers.SeedConversation(t, f.store, "conv_1")
	f.agent.SetResponder(blockUntilCancelled)

	gen, err := f.svc.StartGeneration(ctx, GenerationRequest{ConversationID: "conv_1", Prompt: "long task"})
	require.NoError(t, err)

	_, err = f.svc.CancelGeneration(ctx, gen.GenerationID)
	require.NoError(t, err)
	f.svc.Wait()

	again, err := f.svc.CancelGeneration(ctx, gen.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, domain.GenerationStatusCancelled, again.Status)

	stored := f.generation(t, gen.GenerationID)
	assert.Equal(t, domain.GenerationStatusCancelled, stored.Status)
	interrupted := 0
	for _, p := range stored.ContentParts {
		if p.Type == domain.PartSystem && p.Text == stream.InterruptedText {
			interrupted++
		}
	}
	assert.Equal(t, 1, interrupted)
	assert.Len(t, f.agent.Aborts(), 1)
}

func TestCancelGenerationWithoutRunner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	helpers.SeedConversation(t, f.store, "conv_1")
	helpers.SeedWorkflow(t, f.store, "wf_1")
	helpers.SeedGeneration(t, f.store, "gen_1", "conv_1", time.Now())
	helpers.SeedRun(t, f.store, "run_1", "wf_1", "gen_1", domain.RunStatusRunning, time.Now())

	gen, err := f.svc.CancelGeneration(ctx, "gen_1")
	require.NoError(t, err)
	assert.Equal(t, domain.GenerationStatusCancelled, gen.Status)
	require.Len(t, gen.ContentParts, 1)
	assert.Equal(t, stream.InterruptedText, gen.ContentParts[0].Text)
	assert.Equal(t, domain.RunStatusCancelled, f.run(t, "run_1").Status)

	_, err = f.svc.CancelGeneration(ctx, "gen_missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestGenerationWaitsForApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	helpers.SeedWorkflow(t, f.store, "wf_1")

	f.agent.SetResponder(func(ctx context.Context, _, _ string, emit func(domain.StreamEvent)) {
		emit(domain.StreamEvent{Type: domain.EventToolUseStart, ToolUseID: "tool_1", ToolName: "Bash"})
		emit(domain.StreamEvent{Type: domain.EventToolUseEnd, ToolUseID: "tool_1", Input: `{"command":"slack send -c general -t hi"}`})
		conv := attachedConversation(ctx, f)
		resp, err := f.svc.Broker().RequestApproval(ctx, &domain.ApprovalCallbackRequest{
			ConversationID: conv,
			ToolUseID:      "tool_1",
			Integration:    "slack",
			Operation:      "send",
			Command:        "slack send -c general -t hi",
		})
		if err != nil || resp.Decision != domain.DecisionAllow {
			emit(domain.StreamEvent{Type: domain.EventToolResult, ToolUseID: "tool_1", Content: "denied", IsError: true})
		} else {
			emit(domain.StreamEvent{Type: domain.EventToolResult, ToolUseID: "tool_1", Content: "sent"})
		}
		emit(domain.StreamEvent{Type: domain.EventDone})
	})

	resp, err := f.svc.TriggerWorkflowRun(ctx, "wf_1", domain.TriggerRequest{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.run(t, resp.RunID).Status == domain.RunStatusAwaitingApproval
	}, 2*time.Second, 10*time.Millisecond)
	gen := f.generation(t, resp.GenerationID)
	require.NotNil(t, gen.PendingApproval)
	assert.Equal(t, "tool_1", gen.PendingApproval.ToolUseID)

	require.NoError(t, f.svc.DecideApproval(ctx, resp.GenerationID, "tool_1", domain.ApprovalDecisionRequest{Decision: domain.DecisionAllow}))
	f.svc.Wait()

	assert.Equal(t, domain.RunStatusCompleted, f.run(t, resp.RunID).Status)
	gen = f.generation(t, resp.GenerationID)
	assert.Nil(t, gen.PendingApproval)
	require.Len(t, gen.ContentParts, 1)
	call := gen.ContentParts[0].ToolCall
	require.NotNil(t, call)
	assert.Equal(t, domain.ToolCallCompleted, call.Status)
	assert.Equal(t, "sent", call.Result)
	require.NotNil(t, call.Approval)
	assert.Equal(t, domain.ApprovalApproved, call.Approval.Status)
}

// attachedConversation waits until the active run of wf_1 is linked to its
// generation, as the gate only calls back after the stream started.
func attachedConversation(ctx context.Context, f *fixture) string {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		runs, err := f.store.ListActiveRuns(ctx, "wf_1")
		if err == nil && len(runs) == 1 && runs[0].GenerationID != "" {
			return runs[0].ConversationID
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ""
}

func TestStreamErrorFailsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	helpers.SeedWorkflow(t, f.store, "wf_1")
	f.agent.SetResponder(func(_ context.Context, _, _ string, emit func(domain.StreamEvent)) {
		emit(domain.StreamEvent{Type: domain.EventTextDelta, Text: "partial"})
		emit(domain.StreamEvent{Type: domain.EventError, Text: "model overloaded"})
	})

	resp, err := f.svc.TriggerWorkflowRun(ctx, "wf_1", domain.TriggerRequest{})
	require.NoError(t, err)
	f.svc.Wait()

	run := f.run(t, resp.RunID)
	assert.Equal(t, domain.RunStatusError, run.Status)
	assert.Equal(t, "model overloaded", run.ErrorMessage)
	gen := f.generation(t, resp.GenerationID)
	assert.Equal(t, domain.GenerationStatusError, gen.Status)
	assert.Equal(t, "model overloaded", gen.ErrorMessage)
}

func TestShutdownCancelsActiveGenerations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	helpers.SeedWorkflow(t, f.store, "wf_1")
	f.agent.SetResponder(blockUntilCancelled)

	resp, err := f.svc.TriggerWorkflowRun(ctx, "wf_1", domain.TriggerRequest{})
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(shutdownCtx))

	gen := f.generation(t, resp.GenerationID)
	assert.Equal(t, domain.GenerationStatusCancelled, gen.Status)
	assert.Equal(t, domain.RunStatusCancelled, f.run(t, resp.RunID).Status)
	assert.Len(t, f.agent.Aborts(), 1)

	again, err := f.svc.StartGeneration(ctx, GenerationRequest{ConversationID: resp.ConversationID, Prompt: "next"})
	require.NoError(t, err)
	_, err = f.svc.CancelGeneration(ctx, again.GenerationID)
	require.NoError(t, err)
}

func TestDeniedApprovalFailsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	helpers.SeedWorkflow(t, f.store, "wf_1")

	f.agent.SetResponder(func(ctx context.Context, _, _ string, emit func(domain.StreamEvent)) {
		emit(domain.StreamEvent{Type: domain.EventToolUseStart, ToolUseID: "tool_1", ToolName: "Bash"})
		emit(domain.StreamEvent{Type: domain.EventToolUseEnd, ToolUseID: "tool_1", Input: `{"command":"slack send -c general -t hi"}`})
		resp, err := f.svc.Broker().RequestApproval(ctx, &domain.ApprovalCallbackRequest{
			ConversationID: attachedConversation(ctx, f),
			ToolUseID:      "tool_1",
			Integration:    "slack",
			Operation:      "send",
			Command:        "slack send -c general -t hi",
		})
		if err == nil && resp.Decision == domain.DecisionAllow {
			emit(domain.StreamEvent{Type: domain.EventToolResult, ToolUseID: "tool_1", Content: "sent"})
		} else {
			emit(domain.StreamEvent{Type: domain.EventToolResult, ToolUseID: "tool_1", Content: "denied", IsError: true})
		}
		emit(domain.StreamEvent{Type: domain.EventTextDelta, Text: "I was not allowed to post."})
		emit(domain.StreamEvent{Type: domain.EventDone})
	})

	resp, err := f.svc.TriggerWorkflowRun(ctx, "wf_1", domain.TriggerRequest{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.run(t, resp.RunID).Status == domain.RunStatusAwaitingApproval
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.svc.DecideApproval(ctx, resp.GenerationID, "tool_1", domain.ApprovalDecisionRequest{Decision: domain.DecisionDeny}))
	f.svc.Wait()

	gen := f.generation(t, resp.GenerationID)
	assert.Equal(t, domain.GenerationStatusCompleted, gen.Status)
	require.Len(t, gen.ContentParts, 2)
	require.NotNil(t, gen.ContentParts[0].ToolCall)
	require.NotNil(t, gen.ContentParts[0].ToolCall.Approval)
	assert.Equal(t, domain.ApprovalDenied, gen.ContentParts[0].ToolCall.Approval.Status)
	assert.Equal(t, "I was not allowed to post.", gen.ContentParts[1].Text)

	run := f.run(t, resp.RunID)
	assert.Equal(t, domain.RunStatusError, run.Status)
	assert.Equal(t, "approval denied for slack send", run.ErrorMessage)
}
