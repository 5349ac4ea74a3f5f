package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/internal/transport/http/httputil"
)

// CreateWorkflow creates a workflow.
// POST /v1/workflows
func (h *Handler) CreateWorkflow(c echo.Context) error {
	var req domain.CreateWorkflowRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return httputil.WriteError(c, err)
	}

	wf, err := h.service.CreateWorkflow(c.Request().Context(), req)
	if err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusCreated, wf)
}

// ListWorkflows lists all workflows.
// GET /v1/workflows
func (h *Handler) ListWorkflows(c echo.Context) error {
	workflows, err := h.service.ListWorkflows(c.Request().Context())
	if err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflows": workflows,
	})
}

// GetWorkflow returns one workflow.
// GET /v1/workflows/:id
func (h *Handler) GetWorkflow(c echo.Context) error {
	wf, err := h.service.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// UpdateWorkflowStatus turns a workflow on or off.
// PATCH /v1/workflows/:id/status
func (h *Handler) UpdateWorkflowStatus(c echo.Context) error {
	var req domain.UpdateWorkflowStatusRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return httputil.WriteError(c, err)
	}

	wf, err := h.service.UpdateWorkflowStatus(c.Request().Context(), c.Param("id"), domain.WorkflowStatus(req.Status))
	if err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// TriggerWorkflow starts a run.
// POST /v1/workflows/:id/trigger
func (h *Handler) TriggerWorkflow(c echo.Context) error {
	var req domain.TriggerRequest
	if err := c.Bind(&req); err != nil {
		return httputil.WriteError(c, domain.BadRequestf("invalid request body"))
	}

	resp, err := h.service.TriggerWorkflowRun(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// InboundEvent queues a run for an external event.
// POST /v1/workflows/:id/inbound
func (h *Handler) InboundEvent(c echo.Context) error {
	var req domain.InboundEventRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return httputil.WriteError(c, err)
	}

	queued, err := h.service.EnqueueInbound(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"queued":   queued,
		"event_id": req.EventID,
	})
}

// ListRuns lists the latest runs of a workflow.
// GET /v1/workflows/:id/runs
func (h *Handler) ListRuns(c echo.Context) error {
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}

	runs, err := h.service.ListRuns(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"runs": runs,
	})
}

// GetRun returns one run.
// GET /v1/runs/:id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// GetRunEvents returns the audit trail of a run.
// GET /v1/runs/:id/events
func (h *Handler) GetRunEvents(c echo.Context) error {
	events, err := h.service.ListRunEvents(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
	})
}
