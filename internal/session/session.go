// Package session holds authenticated browser sessions for the wallet
// API. A session references a custodial user by id; it never carries key
// material. Tokens are opaque 32-byte random values handed to the client
// once and stored server-side only as a SHA-256 hash.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned for unknown or expired sessions.
var ErrNotFound = errors.New("session not found")

type Record struct {
	TokenHash    string
	UserID       string
	WalletPubkey string
	DisplayName  string
	CreatedAt    int64
	ExpiresAt    int64
}

// Store is the pluggable session backend. Get treats expired records as
// absent. Destroy is idempotent: destroying an unknown hash is a no-op.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, tokenHash string) (Record, error)
	Destroy(ctx context.Context, tokenHash string) error
}

// NewToken mints a fresh session token and its storage hash.
func NewToken() (token string, tokenHash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	return token, HashToken(token), nil
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
