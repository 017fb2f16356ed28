package repository

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/iliyamo/agent-gateway/internal/apperror"
	"github.com/iliyamo/agent-gateway/internal/model"
)

// Sealer encrypts and decrypts credential payloads.  utils.Sealer is the
// production implementation.
type Sealer interface {
	Seal(plaintext, associated []byte) (string, error)
	Open(sealed string, associated []byte) ([]byte, error)
}

// sealedPayload is the JSON document stored encrypted in
// credentials.sealed_payload.
type sealedPayload struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// CredentialRepo persists per-user OAuth credentials.  Token material is
// sealed before it reaches the database; only expires_at is kept in clear.
type CredentialRepo struct {
	DB     *sql.DB
	Sealer Sealer
}

func NewCredentialRepo(db *sql.DB, sealer Sealer) *CredentialRepo {
	return &CredentialRepo{DB: db, Sealer: sealer}
}

// associated binds a sealed blob to its (user, service) row.  Each field
// is length-prefixed so no pair of ids can encode to the same bytes.
func associated(userID, service string) []byte {
	b := make([]byte, 0, 8+len(userID)+len(service))
	b = binary.BigEndian.AppendUint32(b, uint32(len(userID)))
	b = append(b, userID...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(service)))
	return append(b, service...)
}

// Put inserts or replaces the credential for (UserID, Service).
func (r *CredentialRepo) Put(ctx context.Context, c model.Credential) error {
	const op = "credential.put"
	if c.UserID == "" || c.Service == "" {
		return apperror.New(apperror.Invalid, op, "user id and service are required")
	}
	raw, err := json.Marshal(sealedPayload{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Scope:        c.Scope,
		Expiry:       c.Expiry.UTC(),
	})
	if err != nil {
		return apperror.Wrap(apperror.Storage, op, err)
	}
	sealed, err := r.Sealer.Seal(raw, associated(c.UserID, c.Service))
	if err != nil {
		return err
	}

	var exp sql.NullTime
	if !c.Expiry.IsZero() {
		exp = sql.NullTime{Time: c.Expiry.UTC(), Valid: true}
	}
	now := time.Now().UTC()
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO credentials (user_id, service, sealed_payload, expires_at, created_at, updated_at)
		 VALUES (?,?,?,?,?,?)
		 ON DUPLICATE KEY UPDATE sealed_payload=VALUES(sealed_payload), expires_at=VALUES(expires_at), updated_at=VALUES(updated_at)`,
		c.UserID, c.Service, sealed, exp, now, now)
	if err != nil {
		return apperror.Wrap(apperror.Storage, op, err)
	}
	return nil
}

// Get returns the decrypted credential or ErrNotFound.
func (r *CredentialRepo) Get(ctx context.Context, userID, service string) (*model.Credential, error) {
	const op = "credential.get"
	var (
		sealed    string
		createdAt time.Time
		updatedAt time.Time
	)
	err := r.DB.QueryRowContext(ctx,
		"SELECT sealed_payload, created_at, updated_at FROM credentials WHERE user_id=? AND service=? LIMIT 1",
		userID, service).Scan(&sealed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.Storage, op, err)
	}

	raw, err := r.Sealer.Open(sealed, associated(userID, service))
	if err != nil {
		return nil, err
	}
	var p sealedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperror.Wrapf(apperror.EncryptionConfig, op, err, "decrypted payload is not a credential")
	}
	return &model.Credential{
		UserID:       userID,
		Service:      service,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
		Scope:        p.Scope,
		Expiry:       p.Expiry,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

// Delete removes the credential.  Missing rows yield ErrNotFound.
func (r *CredentialRepo) Delete(ctx context.Context, userID, service string) error {
	res, err := r.DB.ExecContext(ctx,
		"DELETE FROM credentials WHERE user_id=? AND service=?", userID, service)
	if err != nil {
		return apperror.Wrap(apperror.Storage, "credential.delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListServices lists the services one user has connected, without
// decrypting anything.
func (r *CredentialRepo) ListServices(ctx context.Context, userID string) ([]model.ServiceGrant, error) {
	const op = "credential.list"
	rows, err := r.DB.QueryContext(ctx,
		"SELECT service, expires_at, updated_at FROM credentials WHERE user_id=? ORDER BY service",
		userID)
	if err != nil {
		return nil, apperror.Wrap(apperror.Storage, op, err)
	}
	defer rows.Close()

	var out []model.ServiceGrant
	for rows.Next() {
		var (
			g   model.ServiceGrant
			exp sql.NullTime
		)
		if err := rows.Scan(&g.Service, &exp, &g.UpdatedAt); err != nil {
			return nil, apperror.Wrap(apperror.Storage, op, err)
		}
		if exp.Valid {
			t := exp.Time
			g.ExpiresAt = &t
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(apperror.Storage, op, err)
	}
	return out, nil
}
