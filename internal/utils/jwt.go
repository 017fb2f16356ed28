// Package utils holds service-token, sealing and identifier helpers.
package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes granted to upstream callers.
const (
	ScopeExecute     = "execute"
	ScopeCredentials = "credentials"
	ScopeSessions    = "sessions"
	ScopeAudit       = "audit"
)

// ServiceToken is a signed HS256 JWT issued to an upstream caller (the SMS
// front-end, the account website) together with its expiry.
type ServiceToken struct {
	Token string
	Exp   time.Time
}

// ServiceClaims are the claims carried by a service token.
type ServiceClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope reports whether the claims grant scope.
func (c *ServiceClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// NewServiceToken builds and signs an HS256 JWT for clientID.  The subject is
// the calling client, not an end user: end-user identity travels in the
// request body and is never trusted for authorization decisions beyond
// keying per-user state.
func NewServiceToken(secret, issuer, clientID string, scopes []string, ttl time.Duration) (ServiceToken, error) {
	if secret == "" {
		return ServiceToken{}, errors.New("empty signing secret")
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := ServiceClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return ServiceToken{}, err
	}
	return ServiceToken{Token: signed, Exp: exp}, nil
}

// ParseServiceToken validates raw and returns its claims.  Only HMAC signing
// methods are accepted.
func ParseServiceToken(secret, issuer, raw string) (*ServiceClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	claims := &ServiceClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
