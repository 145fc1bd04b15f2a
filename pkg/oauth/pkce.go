package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// MinVerifierLen and MaxVerifierLen bound a valid code_verifier per RFC 7636.
const (
	MinVerifierLen = 43
	MaxVerifierLen = 128
)

// challengeS256 computes base64url(sha256(verifier)) with padding
// stripped, the server-side mirror of the teacher's client-side
// GenerateS256Challenge in cmd/docker-mcp/internal/oauth/pkce.go.
func challengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE checks a presented code_verifier against the code_challenge
// recorded at /authorize time. Only the S256 method is supported; any
// other method is always rejected. Comparison is constant-time.
func VerifyPKCE(verifier, challenge, method string) bool {
	if method != "S256" {
		return false
	}
	if len(verifier) < MinVerifierLen || len(verifier) > MaxVerifierLen {
		return false
	}
	computed := challengeS256(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
