package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
// Account identifiers are hashed before logging; secrets never reach it.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	AccountID string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"account_id_hash", hashForLogging(event.AccountID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogAuthSuccess logs a completed authentication
func (a *Auditor) LogAuthSuccess(accountID, ipAddress, grantType string) {
	a.LogEvent(Event{
		Type:      "auth_success",
		AccountID: accountID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimited logs a rejected request
func (a *Auditor) LogRateLimited(ipAddress, action string) {
	a.LogEvent(Event{
		Type:      "rate_limited",
		IPAddress: ipAddress,
		Details: map[string]any{
			"action": action,
		},
	})
}

// LogSessionCreated logs a minted session
func (a *Auditor) LogSessionCreated(accountID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "session_created",
		AccountID: accountID,
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a SHA-256 hash prefix of sensitive data for
// correlation in logs without exposing the value
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(value))
	return hex.EncodeToString(hash[:])[:16]
}
