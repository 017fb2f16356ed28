package handler

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/agent-gateway/internal/apperror"
)

// envelope is the response shape shared by every endpoint.
type envelope struct {
	Code      int       `json:"code"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func ok(c echo.Context, status int, msg string, data any) error {
	return c.JSON(status, envelope{Code: status, Message: msg, Data: data, Timestamp: time.Now().UTC()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, envelope{
		Code: http.StatusBadRequest, Message: msg, Error: string(apperror.Invalid), Timestamp: time.Now().UTC(),
	})
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind apperror.Kind) int {
	switch kind {
	case apperror.Busy:
		return http.StatusConflict
	case apperror.QuotaExceeded:
		return http.StatusTooManyRequests
	case apperror.ReauthRequired:
		return http.StatusUnauthorized
	case apperror.Upstream, apperror.ExecutionFailed:
		return http.StatusBadGateway
	case apperror.Timeout:
		return http.StatusGatewayTimeout
	case apperror.NotFound:
		return http.StatusNotFound
	case apperror.Invalid:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes the error envelope.  Only the kind and its user-safe message
// leave the service; the full error goes to the log.
func fail(c echo.Context, err error) error {
	kind := apperror.KindOf(err)
	status := statusFor(kind)
	if d := apperror.RetryAfterOf(err); d > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
	}
	if status >= 500 {
		zerolog.Ctx(c.Request().Context()).Error().Err(err).Str("kind", string(kind)).Msg("request error")
	}
	name := string(kind)
	if kind == apperror.Unknown {
		name = "internal_error"
	}
	msg := apperror.UserMessage(kind)
	var data any
	var e *apperror.Error
	switch {
	case kind == apperror.Invalid && errors.As(err, &e) && e.Msg != "":
		msg = e.Msg
	case kind == apperror.QuotaExceeded && apperror.RetryAfterOf(err) > 0:
		reset := time.Now().UTC().Add(apperror.RetryAfterOf(err)).Round(time.Second)
		msg += " It resets at " + reset.Format("15:04 UTC on Jan 2") + "."
		data = echo.Map{"reset_at": reset}
	}
	return c.JSON(status, envelope{
		Code:      status,
		Message:   msg,
		Data:      data,
		Error:     name,
		Retryable: apperror.IsRetryable(err),
		Timestamp: time.Now().UTC(),
	})
}

func queryInt(c echo.Context, name string, def int) int {
	if v, err := strconv.Atoi(c.QueryParam(name)); err == nil {
		return v
	}
	return def
}
