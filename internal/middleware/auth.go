package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/agent-gateway/internal/utils"
)

// Context keys set by ServiceAuth.
const (
	ctxClientID = "client_id"
	ctxScopes   = "scopes"
)

// ServiceAuth validates the Bearer service token of an upstream caller and
// stores its client id and scopes in the echo context.  End-user identity
// is never taken from the token; it arrives in the request itself.
func ServiceAuth(secret, issuer string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(auth, "Bearer ") {
				return deny(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			}
			claims, err := utils.ParseServiceToken(secret, issuer, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				return deny(c, http.StatusUnauthorized, "unauthorized", "invalid token")
			}
			c.Set(ctxClientID, claims.Subject)
			c.Set(ctxScopes, claims.Scopes)
			return next(c)
		}
	}
}

// RequireScope aborts with 403 unless the caller's token grants at least
// one of scopes.  It assumes ServiceAuth ran first.
func RequireScope(scopes ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		allowed[s] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			granted, _ := c.Get(ctxScopes).([]string)
			for _, s := range granted {
				if allowed[s] {
					return next(c)
				}
			}
			return deny(c, http.StatusForbidden, "forbidden", "token lacks the required scope")
		}
	}
}

// deny writes an error envelope matching the handler package's shape.
func deny(c echo.Context, status int, kind, msg string) error {
	return c.JSON(status, echo.Map{
		"code":      status,
		"message":   msg,
		"error":     kind,
		"timestamp": time.Now().UTC(),
	})
}
