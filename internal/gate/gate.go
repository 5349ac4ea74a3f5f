// Package gate intercepts tool calls made inside a sandbox session and
// decides whether they may run, asking the control plane for credentials or a
// human approval when needed.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/policy"
)

// ShellTool is the only tool the gate inspects.
const ShellTool = "Bash"

// ToolCall is a tool invocation about to execute.
type ToolCall struct {
	Name      string          `json:"tool_name"`
	Input     json.RawMessage `json:"tool_input"`
	ToolUseID string          `json:"tool_use_id"`
}

// Command extracts the shell command of a Bash tool call.
func (c ToolCall) Command() string {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(c.Input, &in); err != nil {
		return ""
	}
	return in.Command
}

// Scope is the per-session context the gate enforces.
type Scope struct {
	ConversationID            string
	GenerationID              string
	SandboxID                 string
	AutoApprove               bool
	Restricted                bool
	AllowedIntegrations       []string
	AllowedCustomIntegrations []string
}

// ScopeFromEnv reads the scope injected into the sandbox. The allow-list is
// enforced only when CMDCLAW_ALLOWED_INTEGRATIONS is present.
func ScopeFromEnv() Scope {
	allowed, restricted := os.LookupEnv("CMDCLAW_ALLOWED_INTEGRATIONS")
	return Scope{
		ConversationID:            os.Getenv("CMDCLAW_CONVERSATION_ID"),
		GenerationID:              os.Getenv("CMDCLAW_GENERATION_ID"),
		SandboxID:                 os.Getenv("CMDCLAW_SANDBOX_ID"),
		AutoApprove:               os.Getenv("CMDCLAW_AUTO_APPROVE") == "true",
		Restricted:                restricted,
		AllowedIntegrations:       splitList(allowed),
		AllowedCustomIntegrations: splitList(os.Getenv("CMDCLAW_ALLOWED_CUSTOM_INTEGRATIONS")),
	}
}

// ScopeEnv renders a scope as the environment ScopeFromEnv reads.
func ScopeEnv(s Scope) map[string]string {
	env := map[string]string{
		"CMDCLAW_AUTO_APPROVE": fmt.Sprintf("%t", s.AutoApprove),
	}
	if s.Restricted {
		env["CMDCLAW_ALLOWED_INTEGRATIONS"] = strings.Join(s.AllowedIntegrations, ",")
		env["CMDCLAW_ALLOWED_CUSTOM_INTEGRATIONS"] = strings.Join(s.AllowedCustomIntegrations, ",")
	}
	return env
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Evaluator computes the policy decision for an invocation.
type Evaluator interface {
	Evaluate(ctx context.Context, input policy.Input) (policy.Decision, error)
}

// Callbacks is the control plane round trip the gate blocks on.
type Callbacks interface {
	RequestApproval(ctx context.Context, req *domain.ApprovalCallbackRequest) (*domain.ApprovalCallbackResponse, error)
	RequestAuth(ctx context.Context, req *domain.AuthCallbackRequest) (*domain.AuthCallbackResponse, error)
}

// Gate is the permission gate.
type Gate struct {
	catalog   *Catalog
	policy    Evaluator
	callbacks Callbacks
	env       CredentialEnv
	scope     Scope
	log       *zap.Logger
}

// New creates a gate.
func New(catalog *Catalog, evaluator Evaluator, callbacks Callbacks, env CredentialEnv, scope Scope, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		catalog:   catalog,
		policy:    evaluator,
		callbacks: callbacks,
		env:       env,
		scope:     scope,
		log:       log,
	}
}

// BeforeToolExecute returns nil when the call may run. Rejections wrap
// ErrForbiddenIntegration, ErrAuthRequired, ErrApprovalDenied or
// ErrApprovalUnreachable.
func (g *Gate) BeforeToolExecute(ctx context.Context, call ToolCall) error {
	if call.Name != ShellTool {
		return nil
	}
	command := call.Command()
	invocations, err := g.catalog.Classify(command)
	if err != nil {
		// Unparseable commands are treated as unknown.
		g.log.Debug("command not classified", zap.Error(err))
		return nil
	}

	for _, inv := range invocations {
		if err := g.check(ctx, call, command, inv); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gate) check(ctx context.Context, call ToolCall, command string, inv Invocation) error {
	integ := inv.Integration
	decision, err := g.policy.Evaluate(ctx, policy.Input{
		Integration:               integ.ID,
		Operation:                 inv.Operation,
		Access:                    string(inv.Access),
		Custom:                    integ.Custom,
		AutoApprove:               g.scope.AutoApprove,
		Restricted:                g.scope.Restricted,
		AllowedIntegrations:       g.scope.AllowedIntegrations,
		AllowedCustomIntegrations: g.scope.AllowedCustomIntegrations,
	})
	if err != nil {
		return fmt.Errorf("gate policy: %w", err)
	}

	if decision == policy.Forbid {
		return &domain.IntegrationError{
			Kind:        domain.ErrForbiddenIntegration,
			Integration: integ.ID,
			Detail:      "not enabled for this workflow",
		}
	}

	if err := g.ensureCredential(ctx, call, inv); err != nil {
		return err
	}

	if decision == policy.RequireApproval {
		return g.requestApproval(ctx, call, command, inv)
	}
	return nil
}

func (g *Gate) ensureCredential(ctx context.Context, call ToolCall, inv Invocation) error {
	integ := inv.Integration
	if integ.SecretEnv == "" || g.env.Lookup(integ.SecretEnv) != "" {
		return nil
	}
	if inv.RelayEligible && g.env.Lookup(integ.Relay.SecretEnv) != "" {
		return nil
	}

	resp, err := g.callbacks.RequestAuth(ctx, &domain.AuthCallbackRequest{
		GenerationID:   g.scope.GenerationID,
		SandboxID:      g.scope.SandboxID,
		ConversationID: g.scope.ConversationID,
		ToolUseID:      call.ToolUseID,
		Integration:    integ.ID,
		Reason:         fmt.Sprintf("%s %s needs a connected %s account", integ.CLI, inv.Operation, integ.ID),
	})
	if err != nil {
		g.log.Warn("auth request failed", zap.String("integration", integ.ID), zap.Error(err))
		return &domain.IntegrationError{Kind: domain.ErrAuthRequired, Integration: integ.ID, Detail: err.Error()}
	}
	if !resp.Success {
		return &domain.IntegrationError{Kind: domain.ErrAuthRequired, Integration: integ.ID}
	}
	if len(resp.Tokens) > 0 {
		if err := g.env.Set(resp.Tokens); err != nil {
			return fmt.Errorf("failed to inject credentials: %w", err)
		}
	}
	return nil
}

func (g *Gate) requestApproval(ctx context.Context, call ToolCall, command string, inv Invocation) error {
	integ := inv.Integration
	resp, err := g.callbacks.RequestApproval(ctx, &domain.ApprovalCallbackRequest{
		GenerationID:   g.scope.GenerationID,
		SandboxID:      g.scope.SandboxID,
		ConversationID: g.scope.ConversationID,
		ToolUseID:      call.ToolUseID,
		Integration:    integ.ID,
		Operation:      inv.Operation,
		Command:        command,
		ToolInput:      call.Input,
	})
	if err != nil {
		g.log.Warn("approval request failed", zap.String("integration", integ.ID), zap.Error(err))
		return &domain.IntegrationError{
			Kind:        domain.ErrApprovalUnreachable,
			Integration: integ.ID,
			Operation:   inv.Operation,
			Detail:      err.Error(),
		}
	}
	if resp.Decision != domain.DecisionAllow {
		return &domain.IntegrationError{Kind: domain.ErrApprovalDenied, Integration: integ.ID, Operation: inv.Operation}
	}
	return nil
}
