package internalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/internal/transport/http/httputil"
)

type fakeCallbacks struct {
	approvals []domain.ApprovalCallbackRequest
	auths     []domain.AuthCallbackRequest
}

func (f *fakeCallbacks) RequestApproval(_ context.Context, req *domain.ApprovalCallbackRequest) (*domain.ApprovalCallbackResponse, error) {
	f.approvals = append(f.approvals, *req)
	if req.ConversationID == "conv_missing" {
		return nil, domain.NotFoundf("no running generation for conversation %s", req.ConversationID)
	}
	return &domain.ApprovalCallbackResponse{Decision: domain.DecisionAllow}, nil
}

func (f *fakeCallbacks) RequestAuth(_ context.Context, req *domain.AuthCallbackRequest) (*domain.AuthCallbackResponse, error) {
	f.auths = append(f.auths, *req)
	return &domain.AuthCallbackResponse{Success: true, Tokens: map[string]string{"SLACK_ACCESS_TOKEN": "xoxb"}}, nil
}

func newTestEcho(callbacks Callbacks) *echo.Echo {
	e := echo.New()
	e.Validator = httputil.NewValidator()
	NewHandler(callbacks, "s3cret").RegisterRoutes(e)
	return e
}

func post(e *echo.Echo, path, token string, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCallbacksRequireSecret(t *testing.T) {
	callbacks := &fakeCallbacks{}
	e := newTestEcho(callbacks)
	body := domain.ApprovalCallbackRequest{ConversationID: "conv_1", ToolUseID: "tool_1", Integration: "slack", Operation: "send"}

	rec := post(e, "/internal/approvals/request", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = post(e, "/internal/approvals/request", "wrong", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, callbacks.approvals)
}

func TestApprovalCallback(t *testing.T) {
	callbacks := &fakeCallbacks{}
	e := newTestEcho(callbacks)

	rec := post(e, "/internal/approvals/request", "s3cret", domain.ApprovalCallbackRequest{
		ConversationID: "conv_1",
		ToolUseID:      "tool_1",
		Integration:    "slack",
		Operation:      "send",
		Command:        "slack send -c general -t hi",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp domain.ApprovalCallbackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.DecisionAllow, resp.Decision)
	require.Len(t, callbacks.approvals, 1)
	assert.Equal(t, "slack send -c general -t hi", callbacks.approvals[0].Command)

	rec = post(e, "/internal/approvals/request", "s3cret", domain.ApprovalCallbackRequest{ConversationID: "conv_1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(e, "/internal/approvals/request", "s3cret", domain.ApprovalCallbackRequest{
		ConversationID: "conv_missing", ToolUseID: "tool_1", Integration: "slack", Operation: "send",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthCallback(t *testing.T) {
	callbacks := &fakeCallbacks{}
	e := newTestEcho(callbacks)

	rec := post(e, "/internal/auth/request", "s3cret", domain.AuthCallbackRequest{ConversationID: "conv_1", Integration: "slack"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp domain.AuthCallbackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "xoxb", resp.Tokens["SLACK_ACCESS_TOKEN"])
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEcho(&fakeCallbacks{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
