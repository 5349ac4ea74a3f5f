package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func seedConversation(t *testing.T, store *SQLiteStore, id string) {
	t.Helper()
	if err := store.CreateConversation(context.Background(), &domain.Conversation{ID: id, OwnerID: "u1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
}

func seedWorkflow(t *testing.T, store *SQLiteStore, id string) {
	t.Helper()
	wf := &domain.Workflow{
		ID:                  id,
		OwnerID:             "u1",
		Name:                "digest",
		Status:              domain.WorkflowStatusOn,
		Trigger:             domain.Trigger{Type: domain.TriggerManual},
		Prompt:              "summarize my inbox",
		AllowedIntegrations: []string{"gmail", "slack"},
		CreatedAt:           time.Now(),
	}
	if err := store.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
}

func TestSQLiteStoreMessagesPaging(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedConversation(t, store, "c1")

	for i, content := range []string{"one", "two", "three"} {
		msg := &domain.Message{
			ID:             "m" + string(rune('1'+i)),
			ConversationID: "c1",
			Role:           domain.RoleUser,
			Content:        content,
			CreatedAt:      time.Now(),
		}
		if err := store.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
		if msg.Seq == 0 {
			t.Fatalf("expected seq to be assigned")
		}
	}

	page, err := store.ListMessages(ctx, "c1", 0, 2)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(page) != 2 || page[0].Content != "one" || page[1].Content != "two" {
		t.Fatalf("unexpected first page: %+v", page)
	}

	rest, err := store.ListMessages(ctx, "c1", page[1].Seq, 2)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(rest) != 1 || rest[0].Content != "three" {
		t.Fatalf("unexpected second page: %+v", rest)
	}
}

func TestSQLiteStoreSessionUpsertAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedConversation(t, store, "c1")

	missing, err := store.GetSessionByConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetSessionByConversation failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected no session, got %+v", missing)
	}

	sess := &domain.Session{
		SessionID:      "sess_1",
		ConversationID: "c1",
		SandboxID:      "sb_1",
		Provider:       "e2b",
		PreviewURL:     "https://sb1.example",
		CreatedAt:      time.Now(),
		LastHealthyAt:  time.Now(),
	}
	if err := store.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	sess.SandboxID = "sb_2"
	sess.AgentSessionID = "remote_1"
	if err := store.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	got, err := store.GetSessionByConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetSessionByConversation failed: %v", err)
	}
	if got == nil || got.SandboxID != "sb_2" || got.AgentSessionID != "remote_1" {
		t.Fatalf("unexpected session: %+v", got)
	}

	if err := store.DeleteSession(ctx, "c1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	got, err = store.GetSessionByConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetSessionByConversation failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected session to be cleared, got %+v", got)
	}
}

func TestSQLiteStoreGenerationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedConversation(t, store, "c1")

	gen := &domain.Generation{
		GenerationID:   "g1",
		ConversationID: "c1",
		Status:         domain.GenerationStatusRunning,
		StartedAt:      time.Now(),
	}
	if err := store.CreateGeneration(ctx, gen); err != nil {
		t.Fatalf("CreateGeneration failed: %v", err)
	}

	running, err := store.GetRunningGeneration(ctx, "c1")
	if err != nil {
		t.Fatalf("GetRunningGeneration failed: %v", err)
	}
	if running == nil || running.GenerationID != "g1" {
		t.Fatalf("expected running generation g1, got %+v", running)
	}

	pending := &domain.PendingApproval{ToolUseID: "tu1", Integration: "slack", Operation: "send", RequestedAt: time.Now()}
	ok, err := store.SetGenerationPending(ctx, "g1", pending, nil)
	if err != nil || !ok {
		t.Fatalf("SetGenerationPending failed: ok=%v err=%v", ok, err)
	}

	parts := []domain.ContentPart{{Type: domain.PartText, Text: "hello"}}
	if err := store.UpdateGenerationContent(ctx, "g1", parts); err != nil {
		t.Fatalf("UpdateGenerationContent failed: %v", err)
	}

	got, err := store.GetGeneration(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGeneration failed: %v", err)
	}
	if got.PendingApproval == nil || got.PendingApproval.Integration != "slack" {
		t.Fatalf("expected pending approval, got %+v", got.PendingApproval)
	}
	if len(got.ContentParts) != 1 || got.ContentParts[0].Text != "hello" {
		t.Fatalf("unexpected content parts: %+v", got.ContentParts)
	}

	ok, err = store.FinishGeneration(ctx, "g1", domain.GenerationStatusCompleted, "")
	if err != nil || !ok {
		t.Fatalf("FinishGeneration failed: ok=%v err=%v", ok, err)
	}

	// Terminal generations are never rewritten.
	ok, err = store.FinishGeneration(ctx, "g1", domain.GenerationStatusError, "late")
	if err != nil {
		t.Fatalf("FinishGeneration failed: %v", err)
	}
	if ok {
		t.Fatalf("expected second finish to be rejected")
	}

	got, err = store.GetGeneration(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGeneration failed: %v", err)
	}
	if got.Status != domain.GenerationStatusCompleted || got.PendingApproval != nil || got.CompletedAt == nil {
		t.Fatalf("unexpected finished generation: %+v", got)
	}
}

func TestSQLiteStoreTransitionRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedWorkflow(t, store, "wf1")

	run := &domain.WorkflowRun{
		ID:             "run1",
		WorkflowID:     "wf1",
		Status:         domain.RunStatusRunning,
		StartedAt:      time.Now(),
		TriggerPayload: json.RawMessage(`{"source":"manual"}`),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	// awaiting_approval -> awaiting_auth is not an allowed edge.
	if ok, err := store.TransitionRun(ctx, "run1", domain.RunStatusAwaitingApproval, ""); err != nil || !ok {
		t.Fatalf("expected running -> awaiting_approval, ok=%v err=%v", ok, err)
	}
	if ok, _ := store.TransitionRun(ctx, "run1", domain.RunStatusAwaitingAuth, ""); ok {
		t.Fatalf("expected awaiting_approval -> awaiting_auth to be rejected")
	}
	if ok, err := store.TransitionRun(ctx, "run1", domain.RunStatusRunning, ""); err != nil || !ok {
		t.Fatalf("expected awaiting_approval -> running, ok=%v err=%v", ok, err)
	}

	ok, err := store.AttachRunGeneration(ctx, "run1", "g1")
	if err != nil || !ok {
		t.Fatalf("AttachRunGeneration failed: ok=%v err=%v", ok, err)
	}

	if ok, err := store.TransitionRun(ctx, "run1", domain.RunStatusError, "boom"); err != nil || !ok {
		t.Fatalf("expected running -> error, ok=%v err=%v", ok, err)
	}
	if ok, _ := store.TransitionRun(ctx, "run1", domain.RunStatusCompleted, ""); ok {
		t.Fatalf("expected terminal run to stay terminal")
	}
	if ok, _ := store.TransitionRun(ctx, "run1", domain.RunStatusRunning, ""); ok {
		t.Fatalf("expected terminal run to stay terminal")
	}

	got, err := store.GetRun(ctx, "run1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.RunStatusError || got.ErrorMessage != "boom" || got.FinishedAt == nil {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.GenerationID != "g1" {
		t.Fatalf("expected generation g1, got %q", got.GenerationID)
	}

	byGen, err := store.GetRunByGeneration(ctx, "g1")
	if err != nil || byGen == nil || byGen.ID != "run1" {
		t.Fatalf("GetRunByGeneration: run=%+v err=%v", byGen, err)
	}

	active, err := store.ListActiveRuns(ctx, "wf1")
	if err != nil {
		t.Fatalf("ListActiveRuns failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active runs, got %d", len(active))
	}
}

func TestSQLiteStoreRunEventsAndActiveWorkflows(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedWorkflow(t, store, "wf1")
	seedWorkflow(t, store, "wf2")

	for _, r := range []domain.WorkflowRun{
		{ID: "r1", WorkflowID: "wf1", Status: domain.RunStatusRunning, StartedAt: time.Now()},
		{ID: "r2", WorkflowID: "wf2", Status: domain.RunStatusCompleted, StartedAt: time.Now()},
	} {
		r := r
		if err := store.CreateRun(ctx, &r); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	ids, err := store.ListWorkflowIDsWithActiveRuns(ctx)
	if err != nil {
		t.Fatalf("ListWorkflowIDsWithActiveRuns failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "wf1" {
		t.Fatalf("unexpected workflow ids: %v", ids)
	}

	for _, typ := range []domain.RunEventType{domain.RunEventTrigger, domain.RunEventReconciled} {
		ev := &domain.RunEvent{ID: "ev_" + string(typ), RunID: "r1", Type: typ, Payload: json.RawMessage(`{}`), CreatedAt: time.Now()}
		if err := store.CreateRunEvent(ctx, ev); err != nil {
			t.Fatalf("CreateRunEvent failed: %v", err)
		}
	}
	events, err := store.ListRunEvents(ctx, "r1")
	if err != nil {
		t.Fatalf("ListRunEvents failed: %v", err)
	}
	if len(events) != 2 || events[0].Type != domain.RunEventTrigger {
		t.Fatalf("unexpected events: %+v", events)
	}

	wf, err := store.GetWorkflow(ctx, "wf1")
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if wf == nil || len(wf.AllowedIntegrations) != 2 || wf.Trigger.Type != domain.TriggerManual {
		t.Fatalf("unexpected workflow: %+v", wf)
	}
	if err := store.UpdateWorkflowStatus(ctx, "wf1", domain.WorkflowStatusOff); err != nil {
		t.Fatalf("UpdateWorkflowStatus failed: %v", err)
	}
	wf, _ = store.GetWorkflow(ctx, "wf1")
	if wf.Status != domain.WorkflowStatusOff {
		t.Fatalf("expected workflow off, got %s", wf.Status)
	}

	missing, err := store.GetWorkflow(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil workflow, got %+v err=%v", missing, err)
	}
}
