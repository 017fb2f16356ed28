package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/agent-gateway/internal/model"
	"github.com/iliyamo/agent-gateway/internal/session"
)

// SessionReader is the session store as seen by the HTTP surface.
type SessionReader interface {
	Active(ctx context.Context, userID string) (session.Key, bool, error)
	Get(ctx context.Context, key session.Key) (*model.Session, error)
	Clear(ctx context.Context, key session.Key) error
}

type SessionHandler struct{ Sessions SessionReader }

func NewSessionHandler(s SessionReader) *SessionHandler { return &SessionHandler{Sessions: s} }

type sessionInfo struct {
	SessionID    string            `json:"session_id"`
	Turns        int               `json:"turns"`
	Context      map[string]string `json:"context,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// active loads the user's active session; nil means there is none.
func (h *SessionHandler) active(ctx context.Context, userID string) (*model.Session, error) {
	key, found, err := h.Sessions.Active(ctx, userID)
	if err != nil || !found {
		return nil, err
	}
	return h.Sessions.Get(ctx, key)
}

// Info handles GET /v1/sessions/:user_id.
func (h *SessionHandler) Info(c echo.Context) error {
	sess, err := h.active(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return fail(c, err)
	}
	if sess == nil {
		return ok(c, http.StatusOK, "no active session", nil)
	}
	return ok(c, http.StatusOK, "active session", sessionInfo{
		SessionID:    sess.ID,
		Turns:        len(sess.Turns),
		Context:      sess.Context,
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
		ExpiresAt:    sess.ExpiresAt,
	})
}

// History handles GET /v1/sessions/:user_id/history?limit=.
func (h *SessionHandler) History(c echo.Context) error {
	sess, err := h.active(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return fail(c, err)
	}
	turns := sess.Recent(queryInt(c, "limit", 0))
	if turns == nil {
		turns = []model.Turn{}
	}
	return ok(c, http.StatusOK, "conversation history", turns)
}

// Clear handles DELETE /v1/sessions/:user_id.
func (h *SessionHandler) Clear(c echo.Context) error {
	ctx := c.Request().Context()
	key, found, err := h.Sessions.Active(ctx, c.Param("user_id"))
	if err != nil {
		return fail(c, err)
	}
	if found {
		if err := h.Sessions.Clear(ctx, key); err != nil {
			return fail(c, err)
		}
	}
	return ok(c, http.StatusOK, "session cleared", nil)
}
