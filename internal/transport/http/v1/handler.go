// Package v1 provides the public HTTP API of the control plane.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/baptistecolle/cmdclaw-sub005/internal/service"
)

// Feed serves websocket connections.
type Feed interface {
	HandleConversation(c echo.Context) error
	HandleDaemon(c echo.Context) error
}

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	feed    Feed
}

// NewHandler creates a new handler. feed may be nil to disable websockets.
func NewHandler(service *service.Service, feed Feed) *Handler {
	return &Handler{
		service: service,
		feed:    feed,
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Workflows
	e.POST("/v1/workflows", h.CreateWorkflow)
	e.GET("/v1/workflows", h.ListWorkflows)
	e.GET("/v1/workflows/:id", h.GetWorkflow)
	e.PATCH("/v1/workflows/:id/status", h.UpdateWorkflowStatus)
	e.POST("/v1/workflows/:id/trigger", h.TriggerWorkflow)
	e.POST("/v1/workflows/:id/inbound", h.InboundEvent)
	e.GET("/v1/workflows/:id/runs", h.ListRuns)

	// Runs
	e.GET("/v1/runs/:id", h.GetRun)
	e.GET("/v1/runs/:id/events", h.GetRunEvents)

	// Conversations
	e.POST("/v1/conversations", h.CreateConversation)
	e.GET("/v1/conversations/:id/messages", h.GetMessages)
	e.POST("/v1/conversations/:id/messages", h.SendMessage)

	// Generations and the human side of the gate
	e.GET("/v1/generations/:id", h.GetGeneration)
	e.POST("/v1/generations/:id/cancel", h.CancelGeneration)
	e.POST("/v1/generations/:id/approvals/:tool_use_id", h.DecideApproval)
	e.POST("/v1/auth/complete", h.CompleteAuth)
	e.POST("/v1/auth/progress", h.ProgressAuth)

	if h.feed != nil {
		e.GET("/v1/conversations/:id/ws", h.feed.HandleConversation)
		e.GET("/v1/daemon/connect", h.feed.HandleDaemon)
	}

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
