// Package flow orchestrates the OAuth 2.1 login flows against a discovered
// authorization server and mints browser sessions from their results.
//
// CodeFlow drives the authorization-code flow with PKCE: Begin builds the
// redirect URL and stores the pending state, Complete consumes the state,
// exchanges the code, resolves the account identity over the mail protocol
// and mints a session. DeviceFlow drives the device-authorization grant with
// bounded, cancellable polling. TokenSource returns fresh access tokens for
// established accounts, refreshing transparently when they expire.
//
// All collaborators (storage, discovery, identity resolution, sessions, rate
// limiting, the clock) are injected, so every flow can run against fakes in
// tests without network access or real sleeping.
package flow
