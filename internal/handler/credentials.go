package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"

	"github.com/iliyamo/agent-gateway/internal/credential"
	"github.com/iliyamo/agent-gateway/internal/model"
)

// CredentialService is the credential lifecycle used by the handlers.
type CredentialService interface {
	Store(ctx context.Context, userID, service string, tok *oauth2.Token) error
	Status(ctx context.Context, userID, service string) (credential.StatusReport, error)
	Services(ctx context.Context, userID string) ([]model.ServiceGrant, error)
	Revoke(ctx context.Context, userID, service string) error
}

// UserLocker serializes credential writes with in-flight refreshes.
type UserLocker interface {
	WithLock(ctx context.Context, userID string, wait time.Duration, fn func(ctx context.Context) error) error
}

type CredentialHandler struct {
	Creds    CredentialService
	Locker   UserLocker
	LockWait time.Duration
}

func NewCredentialHandler(creds CredentialService, locker UserLocker, wait time.Duration) *CredentialHandler {
	return &CredentialHandler{Creds: creds, Locker: locker, LockWait: wait}
}

type storeCredentialReq struct {
	UserID       string     `json:"user_id"`
	Service      string     `json:"service"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenType    string     `json:"token_type"`
	Scope        string     `json:"scope"`
	ExpiresIn    int64      `json:"expires_in"`
	Expiry       *time.Time `json:"expiry"`
}

// Store handles POST /v1/credentials, called by the account-connection
// flow after a successful OAuth code exchange.
func (h *CredentialHandler) Store(c echo.Context) error {
	var body storeCredentialReq
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.UserID == "" || body.AccessToken == "" {
		return badRequest(c, "user_id and access_token are required")
	}
	if body.Service == "" {
		body.Service = "google"
	}
	tok := &oauth2.Token{AccessToken: body.AccessToken, RefreshToken: body.RefreshToken, TokenType: body.TokenType}
	switch {
	case body.Expiry != nil:
		tok.Expiry = body.Expiry.UTC()
	case body.ExpiresIn > 0:
		tok.Expiry = time.Now().UTC().Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	if body.Scope != "" {
		tok = tok.WithExtra(map[string]any{"scope": body.Scope})
	}

	err := h.Locker.WithLock(c.Request().Context(), body.UserID, h.LockWait, func(ctx context.Context) error {
		return h.Creds.Store(ctx, body.UserID, body.Service, tok)
	})
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusCreated, "credentials stored", echo.Map{"user_id": body.UserID, "service": body.Service})
}

// Status handles GET /v1/credentials/:user_id/:service/status.
func (h *CredentialHandler) Status(c echo.Context) error {
	rep, err := h.Creds.Status(c.Request().Context(), c.Param("user_id"), c.Param("service"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, "credential status", rep)
}

// List handles GET /v1/credentials/:user_id.
func (h *CredentialHandler) List(c echo.Context) error {
	grants, err := h.Creds.Services(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return fail(c, err)
	}
	if grants == nil {
		grants = []model.ServiceGrant{}
	}
	return ok(c, http.StatusOK, "connected services", grants)
}

// Revoke handles DELETE /v1/credentials/:user_id/:service.
func (h *CredentialHandler) Revoke(c echo.Context) error {
	userID, service := c.Param("user_id"), c.Param("service")
	err := h.Locker.WithLock(c.Request().Context(), userID, h.LockWait, func(ctx context.Context) error {
		return h.Creds.Revoke(ctx, userID, service)
	})
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, "credentials revoked", nil)
}
