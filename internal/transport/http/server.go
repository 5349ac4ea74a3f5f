// Package http wires the control plane's HTTP servers.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/service"
	"github.com/baptistecolle/cmdclaw-sub005/internal/transport/http/httputil"
	"github.com/baptistecolle/cmdclaw-sub005/internal/transport/http/internalapi"
	v1 "github.com/baptistecolle/cmdclaw-sub005/internal/transport/http/v1"
)

// NewExternalServer creates the public API server: workflows, runs,
// generations, the human side of the gate and the websocket feeds.
func NewExternalServer(svc *service.Service, feed v1.Feed, log *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = httputil.NewValidator()

	// Middleware
	e.Use(httputil.RequestLogger(log))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	v1.NewHandler(svc, feed).RegisterRoutes(e)
	return e
}

// NewInternalServer creates the server the sandbox gate calls back into.
func NewInternalServer(callbacks internalapi.Callbacks, secret string, log *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = httputil.NewValidator()

	// Middleware
	e.Use(httputil.RequestLogger(log))
	e.Use(middleware.Recover())

	internalapi.NewHandler(callbacks, secret).RegisterRoutes(e)
	return e
}
