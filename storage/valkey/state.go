package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sablemail/webmail-auth/internal/util"
	"github.com/sablemail/webmail-auth/storage"
)

// stateJSON is the wire format for stored state bindings
type stateJSON struct {
	CodeVerifier string    `json:"code_verifier"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists a state -> verifier binding with the given TTL.
// Valkey's key expiry enforces the TTL server-side.
func (s *Store) Store(ctx context.Context, state, codeVerifier string, ttl time.Duration) error {
	if state == "" || codeVerifier == "" {
		return fmt.Errorf("state and code verifier are required")
	}
	if ttl <= 0 {
		return fmt.Errorf("state TTL must be positive")
	}

	data, err := json.Marshal(stateJSON{
		CodeVerifier: codeVerifier,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	key := s.stateKey(state)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization state: %w", err)
	}

	s.logger.Debug("saved authorization state",
		"state_prefix", util.SafeTruncate(state, tokenIDLogLength))
	return nil
}

// Consume atomically reads and deletes a state binding using GETDEL.
// Expired keys have already been dropped by Valkey, so expired, consumed,
// and unknown states all surface as storage.ErrStateNotFound.
func (s *Store) Consume(ctx context.Context, state string) (string, error) {
	key := s.stateKey(state)

	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "", storage.ErrStateNotFound
		}
		return "", fmt.Errorf("failed to consume authorization state: %w", err)
	}

	var j stateJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return "", fmt.Errorf("failed to unmarshal authorization state: %w", err)
	}

	s.logger.Debug("consumed authorization state",
		"state_prefix", util.SafeTruncate(state, tokenIDLogLength))
	return j.CodeVerifier, nil
}
