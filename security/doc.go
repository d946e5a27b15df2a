// Package security provides the protections around the authentication
// endpoints: per-identifier rate limiting, client IP extraction, and
// security audit logging with PII hashing.
package security
