package rpc

import (
	"fmt"
	"net/rpc"
	"net/rpc/jsonrpc"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

// Client calls a running control plane.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to the RPC server at addr.
func Dial(addr string) (*Client, error) {
	c, err := jsonrpc.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{rpc: c}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.rpc.Close() }

// Reconcile runs a reconciliation pass on the server.
func (c *Client) Reconcile(workflowID string) (int, error) {
	var resp ReconcileResponse
	err := c.rpc.Call(ServiceName+".Reconcile", &ReconcileArgs{WorkflowID: workflowID}, &resp)
	return resp.Corrected, err
}

// TriggerWorkflow starts a workflow run on the server.
func (c *Client) TriggerWorkflow(workflowID string, req domain.TriggerRequest) (*domain.TriggerResponse, error) {
	var resp domain.TriggerResponse
	if err := c.rpc.Call(ServiceName+".TriggerWorkflow", &TriggerArgs{WorkflowID: workflowID, Request: req}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelGeneration cancels a generation on the server.
func (c *Client) CancelGeneration(generationID string) (*CancelGenerationResponse, error) {
	var resp CancelGenerationResponse
	if err := c.rpc.Call(ServiceName+".CancelGeneration", &CancelGenerationArgs{GenerationID: generationID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecideApproval answers an approval on the server.
func (c *Client) DecideApproval(generationID, toolUseID, decision string) error {
	var resp AckResponse
	return c.rpc.Call(ServiceName+".DecideApproval", &ApprovalDecisionArgs{
		GenerationID: generationID,
		ToolUseID:    toolUseID,
		Request:      domain.ApprovalDecisionRequest{Decision: decision},
	}, &resp)
}
