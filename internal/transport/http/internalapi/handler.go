// Package internalapi provides the callback endpoints used by the permission
// gate running inside sandboxes. Every route requires the shared callback
// secret as a bearer token.
package internalapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/internal/transport/http/httputil"
)

// Callbacks parks gate requests until a human or the OAuth flow answers.
type Callbacks interface {
	RequestApproval(ctx context.Context, req *domain.ApprovalCallbackRequest) (*domain.ApprovalCallbackResponse, error)
	RequestAuth(ctx context.Context, req *domain.AuthCallbackRequest) (*domain.AuthCallbackResponse, error)
}

// Handler handles internal HTTP requests from sandboxes.
type Handler struct {
	callbacks Callbacks
	secret    string
}

// NewHandler creates a new internal API handler.
func NewHandler(callbacks Callbacks, secret string) *Handler {
	return &Handler{
		callbacks: callbacks,
		secret:    secret,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/internal", h.requireSecret)
	g.POST("/approvals/request", h.RequestApproval)
	g.POST("/auth/request", h.RequestAuth)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (h *Handler) requireSecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, ok := strings.CutPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
		if !ok || h.secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
			return c.JSON(http.StatusUnauthorized, domain.ErrorResponse{Error: "unauthorized", Code: httputil.CodeUnauthorized})
		}
		return next(c)
	}
}

// RequestApproval blocks until a reviewer decides or the request times out.
// POST /internal/approvals/request
func (h *Handler) RequestApproval(c echo.Context) error {
	var req domain.ApprovalCallbackRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return httputil.WriteError(c, err)
	}

	resp, err := h.callbacks.RequestApproval(c.Request().Context(), &req)
	if err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// RequestAuth blocks until the OAuth flow completes or times out.
// POST /internal/auth/request
func (h *Handler) RequestAuth(c echo.Context) error {
	var req domain.AuthCallbackRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return httputil.WriteError(c, err)
	}

	resp, err := h.callbacks.RequestAuth(c.Request().Context(), &req)
	if err != nil {
		return httputil.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
