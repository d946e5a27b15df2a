package flow

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel/attribute"

	auth "github.com/sablemail/webmail-auth"
	"github.com/sablemail/webmail-auth/instrumentation"
	"github.com/sablemail/webmail-auth/pkce"
	"github.com/sablemail/webmail-auth/security"
	"github.com/sablemail/webmail-auth/storage"
)

// CodeFlow drives the authorization-code flow with PKCE. Begin prepares a
// login and returns the URL to redirect the browser to; Complete handles the
// callback, exchanges the code and mints the session.
type CodeFlow struct {
	*core
}

// NewCodeFlow wires up an authorization-code flow. It fails fast when the
// configuration or a required collaborator is missing.
func NewCodeFlow(opts Options) (*CodeFlow, error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, err
	}
	if err := c.requireLogin(); err != nil {
		return nil, err
	}
	return &CodeFlow{core: c}, nil
}

// Begin starts a login: it discovers the server, generates the PKCE verifier
// and state, stores them for the callback, and returns the authorization URL
// the browser should be redirected to.
func (f *CodeFlow) Begin(ctx context.Context, clientIP string) (string, error) {
	ctx, span := f.inst.StartSpan(ctx, "flow.code.begin")
	defer span.End()

	if err := f.allow(ctx, clientIP, security.ActionAuthorize); err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}

	meta, err := f.discover(ctx)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}

	verifier, err := pkce.NewCodeVerifier()
	if err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	state, err := pkce.NewState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	if err := f.states.Store(ctx, state, verifier, f.cfg.StateTTL); err != nil {
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to store authorization state: %w", err)
	}

	authURL, err := pkce.AuthorizationURL(
		meta.AuthorizationEndpoint,
		f.cfg.ClientID,
		f.cfg.RedirectURI,
		f.cfg.Scopes,
		state,
		pkce.ChallengeS256(verifier),
	)
	if err != nil {
		return "", auth.ErrDiscoveryMalformed(err.Error())
	}

	f.inst.Metrics().Add(ctx, f.inst.Metrics().AuthorizationStarted,
		attribute.String(instrumentation.AttrGrantType, "authorization_code"))
	instrumentation.SetSpanSuccess(span)
	f.logger.Debug("Authorization flow started")

	return authURL, nil
}

// Complete handles the authorization callback: it consumes the stored state
// exactly once, exchanges the code for tokens using the saved verifier,
// resolves the account identity, and mints the browser session.
func (f *CodeFlow) Complete(ctx context.Context, clientIP, code, state string) (*Login, error) {
	ctx, span := f.inst.StartSpan(ctx, "flow.code.complete")
	defer span.End()

	if err := f.allow(ctx, clientIP, security.ActionToken); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	verifier, err := f.states.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrStateNotFound) {
			f.auditor.LogAuthFailure(clientIP, "unknown or reused state")
			f.failLogin(ctx, "invalid_state")
			return nil, auth.ErrInvalidState("state is unknown, expired, or already used")
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to consume authorization state: %w", err)
	}

	meta, err := f.discover(ctx)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {f.cfg.RedirectURI},
		"client_id":     {f.cfg.ClientID},
		"code_verifier": {verifier},
	}
	token, oauthErr, err := f.postToken(ctx, meta.TokenEndpoint, form)
	if err != nil {
		instrumentation.RecordError(span, err)
		f.failLogin(ctx, "exchange_error")
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	if oauthErr != nil {
		f.auditor.LogAuthFailure(clientIP, "token exchange rejected")
		f.logger.Warn("Token exchange rejected",
			"error", oauthErr.Code,
			"description", oauthErr.Description)
		f.failLogin(ctx, oauthErr.Code)
		return nil, auth.ErrAuthenticationFailed("the authorization server rejected the login")
	}

	login, err := f.completeLogin(ctx, clientIP, f.tokenRecord(token, f.cfg.Scopes), "authorization_code")
	if err != nil {
		f.failLogin(ctx, "login_failed")
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return login, nil
}

