package model

import "time"

// Credential is one user's OAuth grant for one external service.  It is the
// decrypted form of a row in the `credentials` table; the token fields are
// stored sealed in credentials.sealed_payload and never leave the
// repository/credential packages in clear except as a fresh access token
// handed to a single agent invocation.
//
// Fields:
//
//	UserID       - tenant identifier (credentials.user_id).
//	Service      - provider/service name, e.g. "google" (credentials.service).
//	AccessToken  - short-lived bearer token.
//	RefreshToken - long-lived token used to mint new access tokens.
//	TokenType    - usually "Bearer".
//	Scope        - space separated granted scopes.
//	Expiry       - access token expiry (UTC).  Zero means "does not expire".
//	CreatedAt    - row creation time.
//	UpdatedAt    - last refresh/upsert time.
type Credential struct {
	UserID       string
	Service      string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	Expiry       time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExpiresWithin reports whether the access token expires before now+margin.
// A zero Expiry never expires.
func (c Credential) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !c.Expiry.Add(-margin).After(now)
}

// ConnectionStatus is the externally visible state of a credential.
type ConnectionStatus string

const (
	StatusConnected ConnectionStatus = "connected"
	StatusExpired   ConnectionStatus = "expired"
	StatusAbsent    ConnectionStatus = "absent"
)

// ServiceGrant is the non-secret summary of a stored credential, used for
// status listings.
type ServiceGrant struct {
	Service   string     `json:"service"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}
