// Package rpc exposes operator commands over JSON-RPC for the controlplane CLI.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

// ServiceName is the JSON-RPC service the handler is registered under.
const ServiceName = "ControlPlane"

// Admin is the control plane surface reachable over RPC.
type Admin interface {
	ReconcileAll(ctx context.Context) (int, error)
	ReconcileWorkflow(ctx context.Context, workflowID string) (int, error)
	TriggerWorkflowRun(ctx context.Context, workflowID string, req domain.TriggerRequest) (*domain.TriggerResponse, error)
	CancelGeneration(ctx context.Context, generationID string) (*domain.Generation, error)
	DecideApproval(ctx context.Context, generationID, toolUseID string, req domain.ApprovalDecisionRequest) error
}

// Server accepts JSON-RPC connections.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
	once      sync.Once
	log       *zap.Logger
}

// NewServer creates an RPC server bound to the control plane.
func NewServer(admin Admin, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(ServiceName, &Handler{admin: admin}); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}
	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
		log:       log.With(zap.String("component", "rpc")),
	}, nil
}

// Listen binds the server to addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	defer s.once.Do(func() { close(s.done) })
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("rpc accept failed", zap.Error(err))
			continue
		}
		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Start listens on addr and serves until shutdown.
func (s *Server) Start(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the RPC methods.
type Handler struct {
	admin Admin
}

// ReconcileArgs selects the workflow to reconcile; empty means all.
type ReconcileArgs struct {
	WorkflowID string `json:"workflow_id,omitempty"`
}

// ReconcileResponse reports how many runs were corrected.
type ReconcileResponse struct {
	Corrected int `json:"corrected"`
}

// TriggerArgs wraps a workflow id with the trigger payload.
type TriggerArgs struct {
	WorkflowID string                `json:"workflow_id"`
	Request    domain.TriggerRequest `json:"request"`
}

// CancelGenerationArgs identifies a generation to cancel.
type CancelGenerationArgs struct {
	GenerationID string `json:"generation_id"`
}

// CancelGenerationResponse is returned after a cancellation request.
type CancelGenerationResponse struct {
	GenerationID string                  `json:"generation_id"`
	Status       domain.GenerationStatus `json:"status"`
}

// ApprovalDecisionArgs wraps the approval key with the decision payload.
type ApprovalDecisionArgs struct {
	GenerationID string                         `json:"generation_id"`
	ToolUseID    string                         `json:"tool_use_id"`
	Request      domain.ApprovalDecisionRequest `json:"request"`
}

// AckResponse is a generic OK response.
type AckResponse struct {
	OK bool `json:"ok"`
}

// Reconcile runs one reconciliation pass.
func (h *Handler) Reconcile(req *ReconcileArgs, resp *ReconcileResponse) error {
	ctx := context.Background()
	var (
		n   int
		err error
	)
	if req != nil && req.WorkflowID != "" {
		n, err = h.admin.ReconcileWorkflow(ctx, req.WorkflowID)
	} else {
		n, err = h.admin.ReconcileAll(ctx)
	}
	if resp != nil {
		resp.Corrected = n
	}
	return err
}

// TriggerWorkflow starts a workflow run.
func (h *Handler) TriggerWorkflow(req *TriggerArgs, resp *domain.TriggerResponse) error {
	if req == nil || req.WorkflowID == "" {
		return errors.New("workflow_id is required")
	}
	result, err := h.admin.TriggerWorkflowRun(context.Background(), req.WorkflowID, req.Request)
	if err != nil {
		return err
	}
	if resp != nil && result != nil {
		*resp = *result
	}
	return nil
}

// CancelGeneration cancels a running generation.
func (h *Handler) CancelGeneration(req *CancelGenerationArgs, resp *CancelGenerationResponse) error {
	if req == nil || req.GenerationID == "" {
		return errors.New("generation_id is required")
	}
	gen, err := h.admin.CancelGeneration(context.Background(), req.GenerationID)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.GenerationID = gen.GenerationID
		resp.Status = gen.Status
	}
	return nil
}

// DecideApproval answers a pending approval.
func (h *Handler) DecideApproval(req *ApprovalDecisionArgs, resp *AckResponse) error {
	if req == nil || req.GenerationID == "" || req.ToolUseID == "" {
		return errors.New("generation_id and tool_use_id are required")
	}
	if err := h.admin.DecideApproval(context.Background(), req.GenerationID, req.ToolUseID, req.Request); err != nil {
		return err
	}
	if resp != nil {
		resp.OK = true
	}
	return nil
}
