// Package auth is the authentication and session-security core of the
// sablemail webmail client. It proves end-user identity to a remote mail
// server over OAuth 2.1 without ever exposing long-lived credentials to the
// browser, and represents that identity to the rest of the application as a
// short-lived, tamper-proof session cookie.
//
// The core is split into small concern-oriented packages:
//
//   - pkce: code verifier/challenge/state generation and the authorization URL builder
//   - discovery: authorization-server metadata client with caching
//   - storage: state and token store interfaces with memory and Valkey backends
//   - security: per-identifier rate limiting for the authorize/poll/token endpoints
//   - session: encrypted cookie session manager
//   - flow: the authorization-code and device-flow orchestrators
//   - mail: the mail-protocol collaborator boundary used for identity resolution
//
// This package itself carries the shared configuration surface and the error
// taxonomy used across the core.
package auth
