package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sablemail/webmail-auth/storage"
)

// maxResponseBody bounds how much of a token endpoint response is read.
const maxResponseBody = 1 << 20

// tokenResponse is the token endpoint success payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// endpointError is the RFC 6749 error payload the token and device
// authorization endpoints return on failure.
type endpointError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *endpointError) Error() string {
	if e.Description != "" {
		return e.Code + ": " + e.Description
	}
	return e.Code
}

// postForm sends a form-encoded POST and returns the raw body with the
// status code. The body is capped at maxResponseBody.
func (c *core) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// postToken calls the token endpoint. A 2xx response yields a tokenResponse;
// a parseable OAuth error yields an endpointError; anything else is a plain
// error (network failure, unparseable body).
func (c *core) postToken(ctx context.Context, endpoint string, form url.Values) (*tokenResponse, *endpointError, error) {
	status, body, err := c.postForm(ctx, endpoint, form)
	if err != nil {
		return nil, nil, err
	}

	if status >= 200 && status < 300 {
		var token tokenResponse
		if err := json.Unmarshal(body, &token); err != nil {
			return nil, nil, fmt.Errorf("failed to decode token response: %w", err)
		}
		if token.AccessToken == "" {
			return nil, nil, fmt.Errorf("token response missing access_token")
		}
		return &token, nil, nil
	}

	var oauthErr endpointError
	if err := json.Unmarshal(body, &oauthErr); err == nil && oauthErr.Code != "" {
		return nil, &oauthErr, nil
	}
	return nil, nil, fmt.Errorf("token endpoint returned status %d", status)
}

// tokenRecord converts a token endpoint response into a storable record.
// expires_in is relative, so the absolute expiry is anchored to the
// injected clock. When the response omits scope the fallback applies.
func (c *core) tokenRecord(resp *tokenResponse, fallbackScopes []string) *storage.TokenRecord {
	record := &storage.TokenRecord{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		RefreshToken: resp.RefreshToken,
		Scopes:       strings.Fields(resp.Scope),
	}
	if record.TokenType == "" {
		record.TokenType = "Bearer"
	}
	if len(record.Scopes) == 0 {
		record.Scopes = fallbackScopes
	}
	if resp.ExpiresIn > 0 {
		record.ExpiresAt = c.clock.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return record
}
