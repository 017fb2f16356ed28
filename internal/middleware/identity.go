package middleware

import "github.com/labstack/echo/v4"

// ClientID returns the authenticated upstream client, or "anon" when the
// request did not pass ServiceAuth.
func ClientID(c echo.Context) string {
	if s, ok := c.Get(ctxClientID).(string); ok && s != "" {
		return s
	}
	return "anon"
}
