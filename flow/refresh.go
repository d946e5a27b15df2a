package flow

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	auth "github.com/sablemail/webmail-auth"
	"github.com/sablemail/webmail-auth/storage"
)

// TokenSource hands out access tokens for established accounts, refreshing
// them against the authorization server when they expire. Stored credentials
// are cleared only when the server says the refresh token itself is invalid;
// transient failures leave them in place so a later call can retry.
type TokenSource struct {
	*core
}

// NewTokenSource wires up a token source over the given token store.
func NewTokenSource(opts Options) (*TokenSource, error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, err
	}
	return &TokenSource{core: c}, nil
}

// AccessToken returns a currently valid access token for the account,
// refreshing first if the stored one has expired.
func (s *TokenSource) AccessToken(ctx context.Context, accountID string) (string, error) {
	record, err := s.tokens.GetToken(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return "", auth.ErrAuthenticationFailed("no stored credentials for this account")
		}
		return "", fmt.Errorf("failed to load token: %w", err)
	}

	if !record.Expired(s.clock.Now()) {
		return record.AccessToken, nil
	}

	refreshed, err := s.refresh(ctx, accountID, record)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

func (s *TokenSource) refresh(ctx context.Context, accountID string, record *storage.TokenRecord) (*storage.TokenRecord, error) {
	if record.RefreshToken == "" {
		// Not a refresh failure, so the record stays; a new login overwrites it.
		return nil, auth.ErrAuthenticationFailed("access token expired and no refresh token is available")
	}

	meta, err := s.discover(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {record.RefreshToken},
		"client_id":     {s.cfg.ClientID},
	}
	token, oauthErr, err := s.postToken(ctx, meta.TokenEndpoint, form)
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	if oauthErr != nil {
		if oauthErr.Code == "invalid_grant" {
			// The refresh token is dead; the user has to log in again.
			if err := s.tokens.DeleteToken(ctx, accountID); err != nil {
				s.logger.Warn("Failed to remove rejected token", "error", err)
			}
			s.logger.Info("Refresh token rejected, credentials cleared")
			return nil, auth.ErrAuthenticationFailed("the server rejected the refresh token")
		}
		return nil, fmt.Errorf("token refresh failed: %w", oauthErr)
	}

	refreshed := s.tokenRecord(token, record.Scopes)
	if refreshed.RefreshToken == "" {
		// Rotation is optional; keep the old refresh token if none came back.
		refreshed.RefreshToken = record.RefreshToken
	}
	if err := s.tokens.SaveToken(ctx, accountID, refreshed, 0); err != nil {
		return nil, fmt.Errorf("failed to store refreshed token: %w", err)
	}

	s.inst.Metrics().Add(ctx, s.inst.Metrics().TokenRefreshed)
	s.logger.Debug("Access token refreshed")
	return refreshed, nil
}
