// Package pkce generates Proof Key for Code Exchange parameters (RFC 7636)
// and builds authorization request URLs. The S256 challenge method is the
// only one supported; "plain" is intentionally absent.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

const (
	// MethodS256 is the only supported code challenge method
	MethodS256 = "S256"

	// verifierBytes is the entropy of a code verifier. 32 bytes encode to a
	// 43-character base64url string, the RFC 7636 minimum length.
	verifierBytes = 32

	// stateBytes is the entropy of a state parameter (128 bits)
	stateBytes = 16
)

// NewCodeVerifier returns a cryptographically random code verifier:
// 32 random bytes, base64url-encoded without padding (43 characters).
func NewCodeVerifier() (string, error) {
	return randomToken(verifierBytes)
}

// ChallengeS256 derives the S256 code challenge for a verifier:
// base64url(SHA-256(verifier)) without padding. Deterministic for a fixed
// verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewState returns a random state parameter: 16 bytes, base64url-encoded.
func NewState() (string, error) {
	return randomToken(stateBytes)
}

// AuthorizationURL builds the authorization request URL for the code flow
// with PKCE. It is a pure function; the only error case is a malformed
// endpoint URL.
func AuthorizationURL(endpoint, clientID, redirectURI string, scopes []string, state, codeChallenge string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint %q: %w", endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid authorization endpoint %q: missing scheme or host", endpoint)
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", MethodS256)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
