package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sablemail/webmail-auth/internal/util"
	"github.com/sablemail/webmail-auth/storage"
)

// tokenJSON is the wire format for stored token records
type tokenJSON struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// SaveToken upserts the token record for an account.
// A non-zero ttl is applied as a Valkey key expiry.
func (s *Store) SaveToken(ctx context.Context, accountID string, record *storage.TokenRecord, ttl time.Duration) error {
	if accountID == "" || record == nil {
		return fmt.Errorf("account ID and record are required")
	}

	data, err := json.Marshal(tokenJSON{
		AccessToken:  record.AccessToken,
		TokenType:    record.TokenType,
		RefreshToken: record.RefreshToken,
		ExpiresAt:    record.ExpiresAt,
		Scopes:       record.Scopes,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}

	key := s.tokenKey(accountID)
	cmd := s.client.B().Set().Key(key).Value(string(data))
	var doErr error
	if ttl > 0 {
		doErr = s.client.Do(ctx, cmd.Ex(ttl).Build()).Error()
	} else {
		doErr = s.client.Do(ctx, cmd.Build()).Error()
	}
	if doErr != nil {
		return fmt.Errorf("failed to save token record: %w", doErr)
	}

	s.logger.Debug("saved token record",
		"account_id", accountID,
		"token_prefix", util.SafeTruncate(record.AccessToken, tokenIDLogLength))
	return nil
}

// GetToken returns the token record for an account or storage.ErrTokenNotFound
func (s *Store) GetToken(ctx context.Context, accountID string) (*storage.TokenRecord, error) {
	key := s.tokenKey(accountID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token record: %w", err)
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token record: %w", err)
	}

	return &storage.TokenRecord{
		AccessToken:  j.AccessToken,
		TokenType:    j.TokenType,
		RefreshToken: j.RefreshToken,
		ExpiresAt:    j.ExpiresAt,
		Scopes:       j.Scopes,
	}, nil
}

// DeleteToken removes the token record for an account. Absent keys are not
// an error.
func (s *Store) DeleteToken(ctx context.Context, accountID string) error {
	key := s.tokenKey(accountID)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete token record: %w", err)
	}

	s.logger.Debug("deleted token record", "account_id", accountID)
	return nil
}
