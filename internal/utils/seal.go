package utils

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/iliyamo/agent-gateway/internal/apperror"
)

const (
	sealVersion  = "v1"
	keyIDSize    = 4
	masterKeyLen = 32
)

// Sealer encrypts credential payloads with XChaCha20-Poly1305.  The AEAD key
// and a short key identifier are both derived from the master key with HKDF.
// The key identifier is stored with every blob so that a rotated or wrong
// master key is reported as a configuration error instead of surfacing as a
// generic decryption failure.
//
// Sealed format: "v1." + base64url(keyID[4] || nonce[24] || ciphertext||tag).
type Sealer struct {
	aead  cipher.AEAD
	keyID []byte
}

// NewSealer parses a base64 (standard or URL alphabet) encoded 32 byte
// master key.  Any malformed key is an EncryptionConfig error.
func NewSealer(encodedKey string) (*Sealer, error) {
	const op = "seal.new"
	master, err := decodeKey(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, apperror.Wrapf(apperror.EncryptionConfig, op, err, "master key is not valid base64")
	}
	if len(master) != masterKeyLen {
		return nil, apperror.New(apperror.EncryptionConfig, op, "master key must decode to 32 bytes")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte("agent-gateway/credential-seal/v1")), key); err != nil {
		return nil, apperror.Wrap(apperror.EncryptionConfig, op, err)
	}
	keyID := make([]byte, keyIDSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte("agent-gateway/key-id/v1")), keyID); err != nil {
		return nil, apperror.Wrap(apperror.EncryptionConfig, op, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, apperror.Wrap(apperror.EncryptionConfig, op, err)
	}
	return &Sealer{aead: aead, keyID: keyID}, nil
}

// Seal encrypts plaintext.  associated binds the blob to its owner (user and
// service) so a sealed payload copied onto another user's row fails to open.
func (s *Sealer) Seal(plaintext, associated []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", apperror.Wrap(apperror.EncryptionConfig, "seal.seal", err)
	}
	out := make([]byte, 0, keyIDSize+len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, s.keyID...)
	out = append(out, nonce...)
	out = s.aead.Seal(out, nonce, plaintext, associated)
	return sealVersion + "." + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string, associated []byte) ([]byte, error) {
	const op = "seal.open"
	version, body, ok := strings.Cut(sealed, ".")
	if !ok || version != sealVersion {
		return nil, apperror.New(apperror.EncryptionConfig, op, "unknown sealed payload version")
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, apperror.Wrapf(apperror.EncryptionConfig, op, err, "sealed payload is not base64")
	}
	ns := s.aead.NonceSize()
	if len(raw) < keyIDSize+ns+s.aead.Overhead() {
		return nil, apperror.New(apperror.EncryptionConfig, op, "sealed payload too short")
	}
	if !bytes.Equal(raw[:keyIDSize], s.keyID) {
		return nil, apperror.New(apperror.EncryptionConfig, op, "payload sealed with a different master key")
	}
	nonce := raw[keyIDSize : keyIDSize+ns]
	plaintext, err := s.aead.Open(nil, nonce, raw[keyIDSize+ns:], associated)
	if err != nil {
		return nil, apperror.Wrapf(apperror.EncryptionConfig, op, err, "payload failed authentication")
	}
	return plaintext, nil
}

// GenerateKey returns a fresh base64 encoded master key.
func GenerateKey() (string, error) {
	k := make([]byte, masterKeyLen)
	if _, err := rand.Read(k); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(k), nil
}

func decodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty key")
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("undecodable key")
}
