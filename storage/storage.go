// Package storage defines the interfaces for persisting OAuth state and
// token records. Backends include an in-memory store for development and
// single-instance deployments, and a Valkey store for shared deployments.
package storage

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// PendingKeyPrefix prefixes provisional token keys used between token
// exchange and account identity resolution. Records under these keys are
// never exposed externally and are re-keyed under the resolved account ID
// once identity resolution succeeds.
const PendingKeyPrefix = "pending:"

var (
	// ErrStateNotFound is returned for states that are unknown, already
	// consumed, or expired. The three conditions are indistinguishable on
	// purpose so callers cannot be used as a replay oracle.
	ErrStateNotFound = errors.New("authorization state not found")

	// ErrTokenNotFound is returned when no token record exists for an account
	ErrTokenNotFound = errors.New("token not found")
)

// StateStore persists state -> code verifier bindings for pending
// authorization-code flows. Implementations must be safe for concurrent use.
type StateStore interface {
	// Store persists the binding with the given TTL.
	Store(ctx context.Context, state, codeVerifier string, ttl time.Duration) error

	// Consume atomically reads and deletes the binding, returning the code
	// verifier. At most one caller can consume a given state; every later
	// call, and any call for an expired or unknown state, returns
	// ErrStateNotFound.
	Consume(ctx context.Context, state string) (string, error)
}

// TokenRecord holds the OAuth tokens persisted for one account.
// Access and refresh tokens are secrets and are never returned to the
// browser or written to logs beyond a truncated prefix.
type TokenRecord struct {
	AccessToken  string
	TokenType    string
	RefreshToken string    // optional
	ExpiresAt    time.Time // zero means non-expiring
	Scopes       []string
}

// Expired reports whether the access token has passed its expiry.
// A small grace period absorbs clock drift between this process and the
// authorization server.
func (r *TokenRecord) Expired(now time.Time) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	const clockSkewGrace = 5 * time.Second
	return now.After(r.ExpiresAt.Add(-clockSkewGrace))
}

// OAuth2Token converts the record to an *oauth2.Token for use with
// golang.org/x/oauth2 clients.
func (r *TokenRecord) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
		Expiry:       r.ExpiresAt,
	}
}

// FromOAuth2Token builds a record from an *oauth2.Token and the granted
// scopes.
func FromOAuth2Token(t *oauth2.Token, scopes []string) *TokenRecord {
	return &TokenRecord{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.Expiry,
		Scopes:       scopes,
	}
}

// TokenStore persists token records keyed by the mail-server-assigned
// account identifier. Implementations must be safe for concurrent use.
type TokenStore interface {
	// SaveToken upserts the record for an account, overwriting any prior
	// record. A non-zero ttl bounds the record lifetime; zero means the
	// record persists until overwritten or deleted. Provisional records
	// (PendingKeyPrefix keys) are always saved with a TTL so an interrupted
	// flow cannot leave them dangling.
	SaveToken(ctx context.Context, accountID string, record *TokenRecord, ttl time.Duration) error

	// GetToken returns the record for an account or ErrTokenNotFound.
	GetToken(ctx context.Context, accountID string) (*TokenRecord, error)

	// DeleteToken removes the record for an account. Deleting an absent
	// record is not an error.
	DeleteToken(ctx context.Context, accountID string) error
}
