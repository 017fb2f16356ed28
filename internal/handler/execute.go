package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/agent-gateway/internal/orchestrator"
)

// Executor runs one user message through the agent.
type Executor interface {
	Execute(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
}

type ExecuteHandler struct{ Orch Executor }

func NewExecuteHandler(o Executor) *ExecuteHandler { return &ExecuteHandler{Orch: o} }

type executeReq struct {
	UserID   string `json:"user_id"`
	Message  string `json:"message"`
	Timezone string `json:"timezone"`
}

// ExecuteAction handles POST /v1/execute-action.
func (h *ExecuteHandler) ExecuteAction(c echo.Context) error {
	var body executeReq
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.UserID == "" || body.Message == "" {
		return badRequest(c, "user_id and message are required")
	}
	resp, err := h.Orch.Execute(c.Request().Context(), orchestrator.Request{
		UserID:   body.UserID,
		Message:  body.Message,
		Timezone: body.Timezone,
	})
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, "action executed", resp)
}
