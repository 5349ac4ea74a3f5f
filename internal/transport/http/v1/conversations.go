package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/internal/transport/http/httputil"
)

// CreateConversationRequest starts an interactive conversation.
type CreateConversationRequest struct {
	OwnerID string `json:"owner_id" validate:"required"`
	Title   string `json:"title"`
}

// SendMessageRequest starts a generation in a conversation.
type SendMessageRequest struct {
	Text        string `json:"text" validate:"required"`
	AutoApprove bool   `json:"auto_approve"`
}

// CreateConversation creates a conversation.
// POST /v1/conversations
func (h *Handler) CreateConversation(c echo.Context) error {
	var req CreateConversationRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return httputil.WriteError(c, err)
	}

	conv, err := h.service.CreateConversation(c.Request().Context(), req.OwnerID, req.Title)
	if err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusCreated, conv)
}

// GetMessages pages through a conversation's history.
// GET /v1/conversations/:id/messages
func (h *Handler) GetMessages(c echo.Context) error {
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}
	var afterSeq int64
	if a := c.QueryParam("after_seq"); a != "" {
		if val, err := strconv.ParseInt(a, 10, 64); err == nil {
			afterSeq = val
		}
	}

	messages, err := h.service.GetMessages(c.Request().Context(), c.Param("id"), afterSeq, limit)
	if err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
		"has_more": len(messages) == limit,
	})
}

// SendMessage starts a generation for a user message.
// POST /v1/conversations/:id/messages
func (h *Handler) SendMessage(c echo.Context) error {
	var req SendMessageRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return httputil.WriteError(c, err)
	}

	gen, err := h.service.SendMessage(c.Request().Context(), c.Param("id"), req.Text, req.AutoApprove)
	if err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusAccepted, gen)
}

// GetGeneration returns a generation and its transcript.
// GET /v1/generations/:id
func (h *Handler) GetGeneration(c echo.Context) error {
	gen, err := h.service.GetGeneration(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, gen)
}

// CancelGeneration stops a running generation.
// POST /v1/generations/:id/cancel
func (h *Handler) CancelGeneration(c echo.Context) error {
	gen, err := h.service.CancelGeneration(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, gen)
}

// DecideApproval answers a pending approval.
// POST /v1/generations/:id/approvals/:tool_use_id
func (h *Handler) DecideApproval(c echo.Context) error {
	var req domain.ApprovalDecisionRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return httputil.WriteError(c, err)
	}

	if err := h.service.DecideApproval(c.Request().Context(), c.Param("id"), c.Param("tool_use_id"), req); err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// CompleteAuth is called by the OAuth flow once it finished.
// POST /v1/auth/complete
func (h *Handler) CompleteAuth(c echo.Context) error {
	var req domain.AuthCompleteRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return httputil.WriteError(c, err)
	}

	if err := h.service.CompleteAuth(c.Request().Context(), req); err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// ProgressAuth records one connected integration.
// POST /v1/auth/progress
func (h *Handler) ProgressAuth(c echo.Context) error {
	var req domain.AuthProgressRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return httputil.WriteError(c, err)
	}

	if err := h.service.ProgressAuth(c.Request().Context(), req); err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
