// Package policy evaluates the gate's allow / require_approval / forbid
// decision with an OPA rego policy.
package policy

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	Allow           Decision = "allow"
	RequireApproval Decision = "require_approval"
	Forbid          Decision = "forbid"
)

// Input is the document the policy is evaluated against.
type Input struct {
	Integration               string   `json:"integration"`
	Operation                 string   `json:"operation"`
	Access                    string   `json:"access"`
	Custom                    bool     `json:"custom"`
	AutoApprove               bool     `json:"auto_approve"`
	Restricted                bool     `json:"restricted"`
	AllowedIntegrations       []string `json:"allowed_integrations"`
	AllowedCustomIntegrations []string `json:"allowed_custom_integrations"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

//go:embed gate.rego
var DefaultPolicy string

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.gate.decision"),
		rego.Module("gate.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate returns the decision for one classified tool invocation.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	if input.AllowedIntegrations == nil {
		input.AllowedIntegrations = []string{}
	}
	if input.AllowedCustomIntegrations == nil {
		input.AllowedCustomIntegrations = []string{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", fmt.Errorf("policy produced no decision")
	}

	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("unexpected decision type %T", results[0].Expressions[0].Value)
	}
	switch d := Decision(s); d {
	case Allow, RequireApproval, Forbid:
		return d, nil
	default:
		return "", fmt.Errorf("unknown decision %q", s)
	}
}
