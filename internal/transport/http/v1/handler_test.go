package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baptistecolle/cmdclaw-sub005/internal/adapter/agentclient"
	"github.com/baptistecolle/cmdclaw-sub005/internal/adapter/agentclient/agenttest"
	"github.com/baptistecolle/cmdclaw-sub005/internal/adapter/sandbox/sandboxtest"
	"github.com/baptistecolle/cmdclaw-sub005/internal/broker"
	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/internal/kvstore"
	store "github.com/baptistecolle/cmdclaw-sub005/internal/repository"
	"github.com/baptistecolle/cmdclaw-sub005/internal/service"
	"github.com/baptistecolle/cmdclaw-sub005/internal/session"
	"github.com/baptistecolle/cmdclaw-sub005/internal/stream"
	"github.com/baptistecolle/cmdclaw-sub005/internal/transport/http/httputil"
	"github.com/baptistecolle/cmdclaw-sub005/tests/helpers"
)

func newTestServer(t *testing.T) (*echo.Echo, *service.Service, *store.SQLiteStore) {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)

	agent := agenttest.NewServer()
	t.Cleanup(agent.Close)
	client := agentclient.NewClientWith(agent.Client())
	manager := session.NewManager(db, sandboxtest.New(agent.URL), client, session.Options{
		HealthTimeout:    time.Second,
		ReadyInterval:    10 * time.Millisecond,
		ProvisionTimeout: time.Second,
	}, nil)

	runners := stream.NewRegistry()
	b := broker.New(db, kvstore.NewMemory(), runners, broker.Options{
		ApprovalTimeout: time.Second,
		AuthTimeout:     time.Second,
	}, nil)
	svc := service.New(db, manager, client, b, runners, service.Options{
		OrphanGrace:      time.Minute,
		PreparingTimeout: time.Minute,
	}, nil)
	t.Cleanup(svc.Wait)

	e := echo.New()
	e.Validator = httputil.NewValidator()
	NewHandler(svc, nil).RegisterRoutes(e)
	return e, svc, db
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var resp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateWorkflowValidation(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec := do(e, http.MethodPost, "/v1/workflows", `{"owner_id":"user_1","prompt":"x","trigger_type":"manual"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, httputil.CodeBadRequest, decodeError(t, rec).Code)

	rec = do(e, http.MethodPost, "/v1/workflows", `{"owner_id":"user_1","name":"n","prompt":"x","trigger_type":"schedule"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/v1/workflows", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkflowLifecycle(t *testing.T) {
	e, svc, _ := newTestServer(t)

	rec := do(e, http.MethodPost, "/v1/workflows",
		`{"owner_id":"user_1","name":"triage","prompt":"triage","trigger_type":"manual","auto_approve":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var wf domain.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
	assert.Equal(t, domain.WorkflowStatusOn, wf.Status)

	rec = do(e, http.MethodGet, "/v1/workflows/"+wf.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodPost, "/v1/workflows/"+wf.ID+"/trigger", `{"actor_id":"user_1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var trig domain.TriggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trig))
	assert.NotEmpty(t, trig.RunID)
	assert.NotEmpty(t, trig.GenerationID)
	svc.Wait()

	rec = do(e, http.MethodGet, "/v1/runs/"+trig.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var run domain.WorkflowRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, domain.RunStatusCompleted, run.Status)

	rec = do(e, http.MethodGet, "/v1/runs/"+trig.RunID+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		Events []domain.RunEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.NotEmpty(t, events.Events)

	rec = do(e, http.MethodGet, "/v1/generations/"+trig.GenerationID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodPatch, "/v1/workflows/"+wf.ID+"/status", `{"status":"off"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(e, http.MethodPost, "/v1/workflows/"+wf.ID+"/trigger", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerErrors(t *testing.T) {
	e, _, db := newTestServer(t)

	rec := do(e, http.MethodPost, "/v1/workflows/wf_missing/trigger", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, httputil.CodeNotFound, decodeError(t, rec).Code)

	helpers.SeedWorkflow(t, db, "wf_1")
	helpers.SeedConversation(t, db, "conv_1")
	helpers.SeedGeneration(t, db, "gen_1", "conv_1", time.Now())
	helpers.SeedRun(t, db, "run_1", "wf_1", "gen_1", domain.RunStatusRunning, time.Now())

	rec = do(e, http.MethodPost, "/v1/workflows/wf_1/trigger", `{"actor_id":"user_2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, httputil.CodeBadRequest, decodeError(t, rec).Code)

	runs, err := db.ListRuns(context.Background(), "wf_1", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestGateHumanEndpoints(t *testing.T) {
	e, _, db := newTestServer(t)
	helpers.SeedConversation(t, db, "conv_1")
	helpers.SeedGeneration(t, db, "gen_1", "conv_1", time.Now())

	rec := do(e, http.MethodPost, "/v1/generations/gen_1/approvals/tool_1", `{"decision":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/v1/generations/gen_1/approvals/tool_1", `{"decision":"allow"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPost, "/v1/auth/complete", `{"state":"auth_unknown","success":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPost, "/v1/auth/progress", `{"state":"auth_unknown"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodGet, "/v1/generations/gen_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConversationMessages(t *testing.T) {
	e, svc, _ := newTestServer(t)

	rec := do(e, http.MethodPost, "/v1/conversations", `{"owner_id":"user_1","title":"chat"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var conv domain.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))

	rec = do(e, http.MethodPost, "/v1/conversations/"+conv.ID+"/messages", `{"text":"hello"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	svc.Wait()

	rec = do(e, http.MethodGet, "/v1/conversations/"+conv.ID+"/messages?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []domain.Message `json:"messages"`
		HasMore  bool             `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "hello", resp.Messages[0].Content)
	assert.False(t, resp.HasMore)

	rec = do(e, http.MethodPost, "/v1/conversations/conv_missing/messages", `{"text":"hello"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	e, _, _ := newTestServer(t)
	rec := do(e, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
