// Package memory provides an in-memory implementation of the storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments; tokens do not survive process restarts.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sablemail/webmail-auth/storage"
)

// stateEntry is a stored state -> verifier binding with its expiry
type stateEntry struct {
	codeVerifier string
	createdAt    time.Time
	expiresAt    time.Time
}

// tokenEntry is a stored token record with an optional expiry for
// provisional records
type tokenEntry struct {
	record    *storage.TokenRecord
	expiresAt time.Time // zero means no store-level expiry
}

// Store is an in-memory implementation of storage.StateStore and
// storage.TokenStore, guarded by a single mutex.
type Store struct {
	mu     sync.Mutex
	states map[string]*stateEntry
	tokens map[string]*tokenEntry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.StateStore = (*Store)(nil)
	_ storage.TokenStore = (*Store)(nil)
)

// New creates an in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store with a custom cleanup interval.
// An interval of zero disables background cleanup (expired entries are still
// rejected on read).
func NewWithInterval(interval time.Duration) *Store {
	s := &Store{
		states:          make(map[string]*stateEntry),
		tokens:          make(map[string]*tokenEntry),
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	if interval > 0 {
		go s.cleanupLoop()
	}

	return s
}

// SetLogger sets a custom logger for the store
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Store persists a state -> verifier binding with the given TTL
func (s *Store) Store(ctx context.Context, state, codeVerifier string, ttl time.Duration) error {
	if state == "" || codeVerifier == "" {
		return fmt.Errorf("state and code verifier are required")
	}
	if ttl <= 0 {
		return fmt.Errorf("state TTL must be positive")
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[state] = &stateEntry{
		codeVerifier: codeVerifier,
		createdAt:    now,
		expiresAt:    now.Add(ttl),
	}
	return nil
}

// Consume atomically reads and deletes a state binding. The read and delete
// happen under one lock acquisition, so at most one caller observes the
// verifier; expired entries are treated exactly like absent ones.
func (s *Store) Consume(ctx context.Context, state string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.states[state]
	if !ok {
		return "", storage.ErrStateNotFound
	}
	delete(s.states, state)

	if time.Now().After(entry.expiresAt) {
		return "", storage.ErrStateNotFound
	}
	return entry.codeVerifier, nil
}

// SaveToken upserts the token record for an account
func (s *Store) SaveToken(ctx context.Context, accountID string, record *storage.TokenRecord, ttl time.Duration) error {
	if accountID == "" || record == nil {
		return fmt.Errorf("account ID and record are required")
	}

	entry := &tokenEntry{record: record}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[accountID] = entry
	return nil
}

// GetToken returns the token record for an account or storage.ErrTokenNotFound
func (s *Store) GetToken(ctx context.Context, accountID string) (*storage.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[accountID]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.tokens, accountID)
		return nil, storage.ErrTokenNotFound
	}
	return entry.record, nil
}

// DeleteToken removes the token record for an account, if any
func (s *Store) DeleteToken(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, accountID)
	return nil
}

// cleanupLoop periodically drops expired states and provisional token records
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes expired entries
func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removedStates := 0
	for state, entry := range s.states {
		if now.After(entry.expiresAt) {
			delete(s.states, state)
			removedStates++
		}
	}

	removedTokens := 0
	for accountID, entry := range s.tokens {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(s.tokens, accountID)
			removedTokens++
		}
	}

	if removedStates > 0 || removedTokens > 0 {
		s.logger.Debug("storage cleanup completed",
			"expired_states", removedStates,
			"expired_tokens", removedTokens,
			"remaining_states", len(s.states),
			"remaining_tokens", len(s.tokens))
	}
}

// Close stops the background cleanup goroutine
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}
