package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/agent-gateway/internal/handler"
	"github.com/iliyamo/agent-gateway/internal/middleware"
	"github.com/iliyamo/agent-gateway/internal/utils"
)

// RegisterExecute registers the message endpoint used by the SMS front-end.
// Callers need the execute scope; the token bucket sits after
// authentication so the bucket key can use the caller's client id.
func RegisterExecute(e *echo.Echo, h *handler.ExecuteHandler, auth Auth, limit echo.MiddlewareFunc) {
	g := e.Group("/v1",
		middleware.ServiceAuth(auth.Secret, auth.Issuer),
		middleware.RequireScope(utils.ScopeExecute),
	)
	if limit != nil {
		g.Use(limit)
	}
	g.POST("/execute-action", h.ExecuteAction)
}

// Auth carries the service token verification settings.
type Auth struct {
	Secret string
	Issuer string
}
