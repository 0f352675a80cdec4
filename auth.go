package nodesync

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// tokenSalt binds derived tokens to the sync protocol; every node
	// derives the same token from the shared registration secret.
	tokenSalt = "opsuite-node-registration-v1"
	// tokenIterations is the PBKDF2 iteration count.
	tokenIterations = 4096
	// tokenKeySize is the derived token length in bytes.
	tokenKeySize = 32
)

// DeriveToken computes the bearer token for a shared registration secret.
// The derivation is one-way: a captured token does not reveal the secret.
func DeriveToken(secret string) string {
	key := pbkdf2.Key([]byte(secret), []byte(tokenSalt), tokenIterations, tokenKeySize, sha256.New)
	return hex.EncodeToString(key)
}

// TokenVerifier checks bearer tokens in constant time.
type TokenVerifier struct {
	token string
}

// NewTokenVerifier creates a verifier for the given registration secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{token: DeriveToken(secret)}
}

// Verify reports whether the presented token matches.
func (v *TokenVerifier) Verify(token string) bool {
	return subtle.ConstantTimeCompare([]byte(v.token), []byte(token)) == 1
}

// VerifyRequest extracts and checks the Authorization header.
func (v *TokenVerifier) VerifyRequest(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return v.Verify(token)
}
