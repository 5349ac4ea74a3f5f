package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/policy"
)

type controlPlane struct {
	*httptest.Server
	approvals atomic.Int32
	auths     atomic.Int32
	decision  string
	authOK    bool

	mu       sync.Mutex
	tokens   map[string]string
	lastAuth domain.AuthCallbackRequest
}

func (cp *controlPlane) setTokens(tokens map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.tokens = tokens
}

func (cp *controlPlane) lastAuthRequest() domain.AuthCallbackRequest {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.lastAuth
}

func newControlPlane(t *testing.T, decision string, authOK bool) *controlPlane {
	t.Helper()
	cp := &controlPlane{decision: decision, authOK: authOK}
	cp.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case ApprovalPath:
			cp.approvals.Add(1)
			_ = json.NewEncoder(w).Encode(domain.ApprovalCallbackResponse{Decision: cp.decision})
		case AuthPath:
			cp.auths.Add(1)
			cp.mu.Lock()
			_ = json.NewDecoder(r.Body).Decode(&cp.lastAuth)
			resp := domain.AuthCallbackResponse{Success: cp.authOK, Tokens: cp.tokens}
			cp.mu.Unlock()
			_ = json.NewEncoder(w).Encode(resp)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(cp.Close)
	return cp
}

func newGate(t *testing.T, cp *controlPlane, env CredentialEnv, scope Scope) *Gate {
	t.Helper()
	cat, err := DefaultCatalog()
	require.NoError(t, err)
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	client := NewCallbackClient([]string{cp.URL}, "s3cret")
	if scope.ConversationID == "" {
		scope.ConversationID = "conv_1"
	}
	return New(cat, engine, client, env, scope, nil)
}

func bash(command string) ToolCall {
	input, _ := json.Marshal(map[string]string{"command": command})
	return ToolCall{Name: ShellTool, Input: input, ToolUseID: "tu_1"}
}

func TestSlackSendWithoutCredentialRequestsAuthOnly(t *testing.T) {
	cp := newControlPlane(t, domain.DecisionAllow, false)
	g := newGate(t, cp, NewMapEnv(nil), Scope{})

	err := g.BeforeToolExecute(context.Background(), bash("slack send -c general -t hi"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAuthRequired))
	assert.Equal(t, int32(1), cp.auths.Load())
	assert.Equal(t, int32(0), cp.approvals.Load())
	last := cp.lastAuthRequest()
	assert.Equal(t, "slack", last.Integration)
	assert.Equal(t, "conv_1", last.ConversationID)
}

func TestSlackChannelsWithCredentialNeedsNoRoundTrip(t *testing.T) {
	cp := newControlPlane(t, domain.DecisionDeny, false)
	g := newGate(t, cp, NewMapEnv(map[string]string{"SLACK_ACCESS_TOKEN": "xoxb"}), Scope{})

	require.NoError(t, g.BeforeToolExecute(context.Background(), bash("slack channels")))
	assert.Equal(t, int32(0), cp.auths.Load())
	assert.Equal(t, int32(0), cp.approvals.Load())
}

func TestWriteRequiresApproval(t *testing.T) {
	env := NewMapEnv(map[string]string{"SLACK_ACCESS_TOKEN": "xoxb"})

	allow := newControlPlane(t, domain.DecisionAllow, true)
	require.NoError(t, newGate(t, allow, env, Scope{}).BeforeToolExecute(context.Background(), bash(`slack send -c general -t "hello there"`)))
	assert.Equal(t, int32(1), allow.approvals.Load())

	deny := newControlPlane(t, domain.DecisionDeny, true)
	err := newGate(t, deny, env, Scope{}).BeforeToolExecute(context.Background(), bash("slack send -c general -t hi"))
	assert.True(t, errors.Is(err, domain.ErrApprovalDenied))

	var ie *domain.IntegrationError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "slack", ie.Integration)
	assert.Equal(t, "send", ie.Operation)
}

func TestAutoApproveSkipsApproval(t *testing.T) {
	cp := newControlPlane(t, domain.DecisionDeny, true)
	env := NewMapEnv(map[string]string{"GMAIL_ACCESS_TOKEN": "tok"})
	g := newGate(t, cp, env, Scope{AutoApprove: true})

	require.NoError(t, g.BeforeToolExecute(context.Background(), bash("gmail send --to a@b.c")))
	assert.Equal(t, int32(0), cp.approvals.Load())
}

func TestUnknownOperationCountsAsWrite(t *testing.T) {
	cp := newControlPlane(t, domain.DecisionDeny, true)
	env := NewMapEnv(map[string]string{"LINEAR_ACCESS_TOKEN": "tok"})
	g := newGate(t, cp, env, Scope{})

	err := g.BeforeToolExecute(context.Background(), bash("linear archive ISS-1"))
	assert.True(t, errors.Is(err, domain.ErrApprovalDenied))
}

func TestForbiddenIntegrationHasNoRoundTrip(t *testing.T) {
	cp := newControlPlane(t, domain.DecisionAllow, true)
	g := newGate(t, cp, NewMapEnv(nil), Scope{Restricted: true, AllowedIntegrations: []string{"slack"}})

	err := g.BeforeToolExecute(context.Background(), bash("gmail list"))
	assert.True(t, errors.Is(err, domain.ErrForbiddenIntegration))
	assert.Equal(t, int32(0), cp.auths.Load()+cp.approvals.Load())
}

func TestSlackRelaySatisfiesAuth(t *testing.T) {
	cp := newControlPlane(t, domain.DecisionAllow, false)
	env := NewMapEnv(map[string]string{"SLACK_BOT_RELAY_SECRET": "relay"})
	g := newGate(t, cp, env, Scope{AutoApprove: true})

	require.NoError(t, g.BeforeToolExecute(context.Background(), bash("slack send --as-bot -c general -t hi")))
	assert.Equal(t, int32(0), cp.auths.Load())

	err := g.BeforeToolExecute(context.Background(), bash("slack history -c general"))
	assert.True(t, errors.Is(err, domain.ErrAuthRequired))
}

func TestAuthSuccessInjectsTokens(t *testing.T) {
	cp := newControlPlane(t, domain.DecisionAllow, true)
	cp.setTokens(map[string]string{"NOTION_ACCESS_TOKEN": "ntn"})
	env := NewMapEnv(nil)
	g := newGate(t, cp, env, Scope{})

	require.NoError(t, g.BeforeToolExecute(context.Background(), bash("notion search roadmap")))
	assert.Equal(t, "ntn", env.Lookup("NOTION_ACCESS_TOKEN"))

	require.NoError(t, g.BeforeToolExecute(context.Background(), bash("notion search roadmap")))
	assert.Equal(t, int32(1), cp.auths.Load())
}

func TestNonShellAndUnknownCommandsAreAllowed(t *testing.T) {
	cp := newControlPlane(t, domain.DecisionDeny, false)
	g := newGate(t, cp, NewMapEnv(nil), Scope{})

	require.NoError(t, g.BeforeToolExecute(context.Background(), ToolCall{Name: "Read", Input: json.RawMessage(`{"path":"/etc/hosts"}`)}))
	require.NoError(t, g.BeforeToolExecute(context.Background(), bash("ls -la && grep slack notes.txt")))
	assert.Equal(t, int32(0), cp.auths.Load()+cp.approvals.Load())
}

func TestChainedCommandChecksEverySegment(t *testing.T) {
	cp := newControlPlane(t, domain.DecisionDeny, true)
	env := NewMapEnv(map[string]string{"SLACK_ACCESS_TOKEN": "xoxb"})
	g := newGate(t, cp, env, Scope{})

	err := g.BeforeToolExecute(context.Background(), bash("slack channels; slack send -c x -t y"))
	assert.True(t, errors.Is(err, domain.ErrApprovalDenied))
}

func TestApprovalUnreachable(t *testing.T) {
	cat, _ := DefaultCatalog()
	engine, _ := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	client := NewCallbackClient([]string{"http://127.0.0.1:1"}, "s3cret")
	g := New(cat, engine, client, NewMapEnv(map[string]string{"SLACK_ACCESS_TOKEN": "x"}), Scope{}, nil)

	err := g.BeforeToolExecute(context.Background(), bash("slack send -c a -t b"))
	assert.True(t, errors.Is(err, domain.ErrApprovalUnreachable))
}

func TestScopeEnvRoundTrip(t *testing.T) {
	scope := Scope{AutoApprove: true, Restricted: true, AllowedIntegrations: []string{"slack", "gmail"}}
	for k, v := range ScopeEnv(scope) {
		t.Setenv(k, v)
	}
	t.Setenv("CMDCLAW_CONVERSATION_ID", "conv_9")

	got := ScopeFromEnv()
	assert.True(t, got.AutoApprove)
	assert.True(t, got.Restricted)
	assert.Equal(t, []string{"slack", "gmail"}, got.AllowedIntegrations)
	assert.Equal(t, "conv_9", got.ConversationID)
}

func TestFileEnvPersistsTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env")
	env := NewFileEnv(path)
	require.NoError(t, env.Set(map[string]string{"GITHUB_ACCESS_TOKEN": "it's secret"}))

	again := NewFileEnv(path)
	assert.Equal(t, "it's secret", again.Lookup("GITHUB_ACCESS_TOKEN"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "export GITHUB_ACCESS_TOKEN=")
}
