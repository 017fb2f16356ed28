package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/agent-gateway/internal/handler"
	"github.com/iliyamo/agent-gateway/internal/middleware"
	"github.com/iliyamo/agent-gateway/internal/utils"
)

// RegisterCredentials registers the account-connection endpoints.  Only
// callers holding the credentials scope may store or revoke grants.
func RegisterCredentials(e *echo.Echo, h *handler.CredentialHandler, auth Auth) {
	g := e.Group("/v1/credentials",
		middleware.ServiceAuth(auth.Secret, auth.Issuer),
		middleware.RequireScope(utils.ScopeCredentials),
	)
	g.POST("", h.Store)
	g.GET("/:user_id", h.List)
	g.GET("/:user_id/:service/status", h.Status)
	g.DELETE("/:user_id/:service", h.Revoke)
}

// RegisterSessions registers conversation inspection and reset.
func RegisterSessions(e *echo.Echo, h *handler.SessionHandler, auth Auth) {
	g := e.Group("/v1/sessions",
		middleware.ServiceAuth(auth.Secret, auth.Issuer),
		middleware.RequireScope(utils.ScopeSessions),
	)
	g.GET("/:user_id", h.Info)
	g.GET("/:user_id/history", h.History)
	g.DELETE("/:user_id", h.Clear)
}

// RegisterAccount registers the audit history and quota views.
func RegisterAccount(e *echo.Echo, h *handler.AccountHandler, auth Auth) {
	g := e.Group("/v1",
		middleware.ServiceAuth(auth.Secret, auth.Issuer),
		middleware.RequireScope(utils.ScopeAudit),
	)
	g.GET("/history/:user_id", h.History)
	g.GET("/quota/:user_id", h.QuotaStatus)
}
