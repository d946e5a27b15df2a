// Package session implements the encrypted cookie session mechanism.
//
// A session is a compact JSON payload sealed with AES-256-GCM under a key
// derived from the server secret via scrypt. The browser holds only the
// opaque blob; there is no server-side session table, so the payload is the
// sole source of truth for identity on every request. Rotating the server
// secret invalidates every existing session.
package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/scrypt"
)

const (
	// CookieName is the name of the session cookie
	CookieName = "sablemail_session"

	// DefaultTTL is the default session lifetime
	DefaultTTL = 7 * 24 * time.Hour

	// keySalt is the scrypt salt. It is fixed so the same server secret
	// always derives the same key across restarts; per-secret uniqueness
	// comes from the secret itself.
	keySalt = "sablemail/session/v1"

	// scrypt cost parameters (N, r, p)
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	// sessionIDBytes is the entropy of generated session identifiers
	sessionIDBytes = 16
)

// Session is the payload carried inside the encrypted cookie.
type Session struct {
	SessionID string    `json:"sid"`
	AccountID string    `json:"account_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager creates, validates, and deletes encrypted cookie sessions.
// It is safe for concurrent use.
type Manager struct {
	aead   cipher.AEAD
	ttl    time.Duration
	logger *slog.Logger
}

// NewManager derives the session key from the server secret and prepares the
// AEAD. The TTL defaults to 7 days when zero.
func NewManager(secret string, ttl time.Duration, logger *slog.Logger) (*Manager, error) {
	if secret == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	key, err := scrypt.Key([]byte(secret), []byte(keySalt), scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Manager{
		aead:   aead,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// TTL returns the configured session lifetime
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Create mints a session for the given account and returns it with its
// encrypted cookie value.
func (m *Manager) Create(accountID, email string) (*Session, string, error) {
	if accountID == "" {
		return nil, "", fmt.Errorf("account ID is required")
	}

	sid := make([]byte, sessionIDBytes)
	if _, err := io.ReadFull(rand.Reader, sid); err != nil {
		return nil, "", fmt.Errorf("failed to generate session ID: %w", err)
	}

	s := &Session{
		SessionID: base64.RawURLEncoding.EncodeToString(sid),
		AccountID: accountID,
		Email:     email,
		ExpiresAt: time.Now().Add(m.ttl),
	}

	value, err := m.seal(s)
	if err != nil {
		return nil, "", err
	}

	m.logger.Debug("session created", "session_id", s.SessionID)
	return s, value, nil
}

// Issue creates a session and sets its cookie on the response.
func (m *Manager) Issue(w http.ResponseWriter, r *http.Request, accountID, email string) (*Session, error) {
	s, value, err := m.Create(accountID, email)
	if err != nil {
		return nil, err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   isHTTPS(r),
	})

	return s, nil
}

// Get validates the session cookie on the request. Any decryption or parse
// failure, and any tampered blob, yields (nil, false); an expired session
// additionally clears the cookie. Get never returns a partially trusted
// session.
func (m *Manager) Get(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}

	s, err := m.open(cookie.Value)
	if err != nil {
		m.logger.Debug("session cookie rejected", "reason", err)
		return nil, false
	}

	if time.Now().After(s.ExpiresAt) {
		m.logger.Debug("session expired", "session_id", s.SessionID)
		m.Delete(w)
		return nil, false
	}

	return s, true
}

// Delete clears the session cookie.
func (m *Manager) Delete(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// seal encrypts a session payload into the cookie wire format:
// base64url(nonce || ciphertext || tag).
func (m *Manager) seal(s *Session) (string, error) {
	plaintext, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}

	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := m.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// open decrypts and parses a cookie value
func (m *Manager) open(value string) (*Session, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cookie: %w", err)
	}

	nonceSize := m.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("cookie too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := m.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt cookie: %w", err)
	}

	var s Session
	if err := json.Unmarshal(plaintext, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session payload: %w", err)
	}
	return &s, nil
}

// isHTTPS reports whether the request arrived over HTTPS, directly or via a
// terminating proxy.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
