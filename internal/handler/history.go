package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/agent-gateway/internal/model"
	"github.com/iliyamo/agent-gateway/internal/quota"
)

// AuditLister pages through one user's audit records.
type AuditLister interface {
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.AuditRecord, error)
}

// QuotaReader reports quota usage without consuming it.
type QuotaReader interface {
	Status(ctx context.Context, userID string) (quota.Decision, error)
}

type AccountHandler struct {
	Audit AuditLister
	Quota QuotaReader
}

func NewAccountHandler(a AuditLister, q QuotaReader) *AccountHandler {
	return &AccountHandler{Audit: a, Quota: q}
}

// History handles GET /v1/history/:user_id?limit=&offset=.
func (h *AccountHandler) History(c echo.Context) error {
	limit := queryInt(c, "limit", 20)
	offset := queryInt(c, "offset", 0)
	recs, err := h.Audit.ListByUser(c.Request().Context(), c.Param("user_id"), limit, offset)
	if err != nil {
		return fail(c, err)
	}
	if recs == nil {
		recs = []model.AuditRecord{}
	}
	return ok(c, http.StatusOK, "action history", echo.Map{"records": recs, "limit": limit, "offset": offset})
}

// QuotaStatus handles GET /v1/quota/:user_id.
func (h *AccountHandler) QuotaStatus(c echo.Context) error {
	d, err := h.Quota.Status(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, "quota status", d)
}
