// Package auth generates and checks the shared secret that guards writes
// to a self-hosted room directory.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// GenerateToken returns a random URL-safe directory token.
func GenerateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the SHA-256 hex digest of token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// Verifier checks presented tokens against a configured one. The zero
// value, or one built from an empty token, accepts everything.
type Verifier struct {
	hash string
}

// NewVerifier returns a Verifier for token.
func NewVerifier(token string) Verifier {
	if strings.TrimSpace(token) == "" {
		return Verifier{}
	}
	return Verifier{hash: HashToken(token)}
}

// Enabled reports whether a token is required.
func (v Verifier) Enabled() bool {
	return v.hash != ""
}

// Allow reports whether presented matches the configured token.
func (v Verifier) Allow(presented string) bool {
	if !v.Enabled() {
		return true
	}
	return constantTimeHashEquals(v.hash, HashToken(presented))
}

func constantTimeHashEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
