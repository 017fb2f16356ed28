// Package credential hands out valid per-user access tokens, refreshing them
// through the OAuth token endpoint when they are about to expire.
package credential

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/iliyamo/agent-gateway/internal/apperror"
	"github.com/iliyamo/agent-gateway/internal/model"
)

// Store is the credential persistence the refresher needs.
// repository.CredentialRepo satisfies it.
type Store interface {
	Get(ctx context.Context, userID, service string) (*model.Credential, error)
	Put(ctx context.Context, c model.Credential) error
	Delete(ctx context.Context, userID, service string) error
	ListServices(ctx context.Context, userID string) ([]model.ServiceGrant, error)
}

// Config configures the OAuth client used for refresh and revocation.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string // empty selects Google
	RevokeURL    string // empty disables provider-side revocation
	SafetyMargin time.Duration
	HTTPClient   *http.Client
}

// Refresher implements the token lifecycle for one OAuth client.  Callers
// must hold the user's lock around GetValidToken so that two refreshes for
// the same user never race.
type Refresher struct {
	store     Store
	oauth     *oauth2.Config
	margin    time.Duration
	revokeURL string
	client    *http.Client
	now       func() time.Time
}

func NewRefresher(store Store, cfg Config) *Refresher {
	ep := endpoints.Google
	if cfg.TokenURL != "" {
		ep = oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Refresher{
		store:     store,
		oauth:     &oauth2.Config{ClientID: cfg.ClientID, ClientSecret: cfg.ClientSecret, Endpoint: ep},
		margin:    cfg.SafetyMargin,
		revokeURL: cfg.RevokeURL,
		client:    client,
		now:       time.Now,
	}
}

// GetValidToken returns an access token for (userID, service) that stays
// valid for at least the safety margin.
func (r *Refresher) GetValidToken(ctx context.Context, userID, service string) (string, error) {
	const op = "credential.get_valid_token"
	cred, err := r.store.Get(ctx, userID, service)
	if apperror.IsKind(err, apperror.NotFound) {
		return "", apperror.New(apperror.ReauthRequired, op, "not connected")
	}
	if err != nil {
		return "", err
	}
	if !cred.ExpiresWithin(r.now(), r.margin) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", apperror.New(apperror.ReauthRequired, op, "access token expired and no refresh token stored")
	}

	// An empty access token forces the token source to hit the endpoint even
	// when the stored token is still inside oauth2's own expiry slack.
	src := r.oauth.TokenSource(r.httpContext(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", classify(op, err)
	}

	cred.AccessToken = tok.AccessToken
	cred.Expiry = tok.Expiry
	if tok.TokenType != "" {
		cred.TokenType = tok.TokenType
	}
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		cred.Scope = scope
	}
	if err := r.store.Put(ctx, *cred); err != nil {
		return "", err
	}
	zerolog.Ctx(ctx).Debug().Str("user_id", userID).Str("service", service).
		Time("expiry", tok.Expiry).Msg("access token refreshed")
	return cred.AccessToken, nil
}

// classify maps token endpoint failures onto the error taxonomy.  Rejections
// of the grant itself mean the user must reconnect; everything else is a
// transient provider problem.
func classify(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "unauthorized_client", "invalid_client":
			return apperror.Wrapf(apperror.ReauthRequired, op, err, "provider rejected refresh token")
		}
		if re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			return apperror.Wrapf(apperror.ReauthRequired, op, err, "provider rejected refresh token")
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.Wrap(apperror.Timeout, op, err)
	}
	return apperror.Wrap(apperror.Upstream, op, err)
}

// Store saves a freshly granted token set, replacing any previous one.
func (r *Refresher) Store(ctx context.Context, userID, service string, tok *oauth2.Token) error {
	const op = "credential.store"
	if userID == "" || service == "" {
		return apperror.New(apperror.Invalid, op, "user id and service are required")
	}
	if tok == nil || tok.AccessToken == "" {
		return apperror.New(apperror.Invalid, op, "access token is required")
	}
	c := model.Credential{
		UserID:       userID,
		Service:      service,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		c.Scope = scope
	}
	return r.store.Put(ctx, c)
}

// StatusReport is the non-secret view of one credential.
type StatusReport struct {
	Service   string                 `json:"service"`
	Status    model.ConnectionStatus `json:"status"`
	ExpiresAt *time.Time             `json:"expires_at,omitempty"`
	Scopes    []string               `json:"scopes,omitempty"`
}

// Status reports whether (userID, service) is connected, expired beyond
// repair, or absent.
func (r *Refresher) Status(ctx context.Context, userID, service string) (StatusReport, error) {
	rep := StatusReport{Service: service, Status: model.StatusAbsent}
	cred, err := r.store.Get(ctx, userID, service)
	if apperror.IsKind(err, apperror.NotFound) {
		return rep, nil
	}
	if err != nil {
		return rep, err
	}
	if !cred.Expiry.IsZero() {
		exp := cred.Expiry
		rep.ExpiresAt = &exp
	}
	rep.Scopes = strings.Fields(cred.Scope)
	rep.Status = model.StatusConnected
	if cred.ExpiresWithin(r.now(), 0) && cred.RefreshToken == "" {
		rep.Status = model.StatusExpired
	}
	return rep, nil
}

// Services lists the services a user has connected.
func (r *Refresher) Services(ctx context.Context, userID string) ([]model.ServiceGrant, error) {
	return r.store.ListServices(ctx, userID)
}

// Revoke deletes the stored credential.  Provider-side revocation is
// attempted first and its failure only logged.
func (r *Refresher) Revoke(ctx context.Context, userID, service string) error {
	cred, err := r.store.Get(ctx, userID, service)
	switch {
	case apperror.IsKind(err, apperror.NotFound):
		return err
	case apperror.IsKind(err, apperror.EncryptionConfig):
		// unreadable row: still allow the user to disconnect
	case err != nil:
		return err
	default:
		if err := r.revokeAtProvider(ctx, cred); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Str("service", service).
				Msg("provider revocation failed")
		}
	}
	return r.store.Delete(ctx, userID, service)
}

func (r *Refresher) revokeAtProvider(ctx context.Context, cred *model.Credential) error {
	if r.revokeURL == "" {
		return nil
	}
	token := cred.RefreshToken
	if token == "" {
		token = cred.AccessToken
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.revokeURL,
		strings.NewReader(url.Values{"token": {token}}.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusBadRequest {
		return errors.New("revoke endpoint returned " + resp.Status)
	}
	return nil
}

func (r *Refresher) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, r.client)
}
