package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Health is the liveness probe.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Check is one readiness dependency.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Ready returns the readiness probe.  It reports 503 when any dependency
// fails its ping within two seconds.
func Ready(checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, chk := range checks {
			if err := chk.Ping(ctx); err != nil {
				results[chk.Name] = "down"
				status = http.StatusServiceUnavailable
				continue
			}
			results[chk.Name] = "up"
		}
		msg := "ready"
		if status != http.StatusOK {
			msg = "not ready"
		}
		return ok(c, status, msg, results)
	}
}
