package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// RequestLogger attaches base to each request context and logs one line per
// request.  The route template is logged instead of the raw URL so query
// strings never reach the log.
func RequestLogger(base zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			if reqID == "" {
				reqID = req.Header.Get(echo.HeaderXRequestID)
			}
			log := base.With().Str("http_request_id", reqID).Logger()
			c.SetRequest(req.WithContext(log.WithContext(req.Context())))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			ev := log.Info()
			switch {
			case status >= 500:
				ev = log.Error()
			case status >= 400:
				ev = log.Warn()
			}
			ev.Str("method", req.Method).
				Str("route", c.Path()).
				Int("status", status).
				Str("client_id", ClientID(c)).
				Dur("latency", time.Since(start)).
				Msg("http request")
			return nil
		}
	}
}
