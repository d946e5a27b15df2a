package flow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	auth "github.com/sablemail/webmail-auth"
	"github.com/sablemail/webmail-auth/discovery"
	"github.com/sablemail/webmail-auth/instrumentation"
	"github.com/sablemail/webmail-auth/mail"
	"github.com/sablemail/webmail-auth/security"
	"github.com/sablemail/webmail-auth/session"
	"github.com/sablemail/webmail-auth/storage"
)

const (
	defaultHTTPTimeout = 30 * time.Second

	// pendingTokenTTL bounds how long a provisionally stored token can
	// linger if the login is abandoned between exchange and commit.
	pendingTokenTTL = 10 * time.Minute
)

// Options carries the collaborators a flow is built from. Config, States,
// Tokens, Resolver and Sessions are required for the login flows; the rest
// default to sensible implementations when nil.
type Options struct {
	Config   *auth.Config
	States   storage.StateStore
	Tokens   storage.TokenStore
	Resolver mail.IdentityResolver
	Sessions *session.Manager

	// Discovery defaults to a fresh client using HTTPClient and the
	// configured cache TTL.
	Discovery *discovery.Client

	// Limiter is optional; nil disables rate limiting.
	Limiter *security.RateLimiter

	// Auditor is optional; nil disables audit logging.
	Auditor *security.Auditor

	HTTPClient      *http.Client
	Clock           Clock
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Login is the result of a completed flow: the account the login bound to
// and the minted session with its encrypted cookie value.
type Login struct {
	AccountID string
	Email     string
	Session   *session.Session
	Cookie    string
}

// core holds the wiring shared by CodeFlow, DeviceFlow and TokenSource.
type core struct {
	cfg        *auth.Config
	states     storage.StateStore
	tokens     storage.TokenStore
	resolver   mail.IdentityResolver
	sessions   *session.Manager
	discovery  *discovery.Client
	limiter    *security.RateLimiter
	auditor    *security.Auditor
	httpClient *http.Client
	clock      Clock
	logger     *slog.Logger
	inst       *instrumentation.Instrumentation
}

func newCore(opts Options) (*core, error) {
	if opts.Config == nil {
		return nil, auth.ErrConfiguration("config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Tokens == nil {
		return nil, auth.ErrConfiguration("token store is required")
	}

	c := &core{
		cfg:        opts.Config,
		states:     opts.States,
		tokens:     opts.Tokens,
		resolver:   opts.Resolver,
		sessions:   opts.Sessions,
		discovery:  opts.Discovery,
		limiter:    opts.Limiter,
		auditor:    opts.Auditor,
		httpClient: opts.HTTPClient,
		clock:      opts.Clock,
		logger:     opts.Logger,
		inst:       opts.Instrumentation,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.clock == nil {
		c.clock = SystemClock
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.discovery == nil {
		c.discovery = discovery.NewClient(c.httpClient, c.cfg.DiscoveryCacheTTL, c.logger)
	}
	return c, nil
}

// requireLogin checks the collaborators only the login-minting flows need.
func (c *core) requireLogin() error {
	if c.states == nil {
		return auth.ErrConfiguration("state store is required")
	}
	if c.resolver == nil {
		return auth.ErrConfiguration("identity resolver is required")
	}
	if c.sessions == nil {
		return auth.ErrConfiguration("session manager is required")
	}
	return nil
}

// discover fetches the authorization server metadata, preferring the
// internal server URL when it is recognizable as such.
func (c *core) discover(ctx context.Context) (*discovery.Metadata, error) {
	base := discovery.BaseURL(c.cfg.ServerURL, c.cfg.PublicURL)
	meta, err := c.discovery.Discover(ctx, base)
	if err != nil {
		switch {
		case errors.Is(err, discovery.ErrMalformed):
			return nil, auth.ErrDiscoveryMalformed(err.Error())
		default:
			return nil, auth.ErrDiscoveryUnavailable(err.Error())
		}
	}
	c.inst.Metrics().Add(ctx, c.inst.Metrics().DiscoveryFetches)
	return meta, nil
}

// allow consults the rate limiter; a nil limiter admits everything.
func (c *core) allow(ctx context.Context, clientIP, action string) error {
	if c.limiter == nil {
		return nil
	}
	decision := c.limiter.Allow(clientIP, action)
	if decision.Allowed {
		return nil
	}
	c.auditor.LogRateLimited(clientIP, action)
	c.inst.Metrics().Add(ctx, c.inst.Metrics().RateLimitExceeded,
		attribute.String(instrumentation.AttrAction, action))
	return auth.ErrRateLimited(decision.RetryAfter, decision.ResetAt)
}

// completeLogin commits an exchanged token and mints the session. The token
// is first stored under a provisional correlation key with a TTL; only after
// the account identity resolves is it re-stored under the account ID and the
// provisional copy removed. An abandoned login therefore leaves at most a
// TTL-bounded orphan, never a durable token without an owner.
func (c *core) completeLogin(ctx context.Context, clientIP string, record *storage.TokenRecord, grantType string) (*Login, error) {
	correlationID, err := randomID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate correlation ID: %w", err)
	}
	pendingKey := storage.PendingKeyPrefix + correlationID

	if err := c.tokens.SaveToken(ctx, pendingKey, record, pendingTokenTTL); err != nil {
		return nil, fmt.Errorf("failed to store provisional token: %w", err)
	}

	discardPending := func() {
		if err := c.tokens.DeleteToken(context.WithoutCancel(ctx), pendingKey); err != nil {
			c.logger.Warn("Failed to remove provisional token", "error", err)
		}
	}

	identity, err := c.resolver.Resolve(ctx, record.AccessToken)
	if err != nil {
		discardPending()
		if errors.Is(err, mail.ErrNoAccounts) {
			c.auditor.LogAuthFailure(clientIP, "no accounts for token")
			return nil, auth.ErrNoAccountFound("the mail server reported no accounts for this login")
		}
		c.auditor.LogAuthFailure(clientIP, "identity resolution failed")
		c.logger.Error("Identity resolution failed", "error", err)
		return nil, auth.ErrAuthenticationFailed("failed to resolve account identity")
	}

	accountID, account, err := identity.Primary()
	if err != nil {
		discardPending()
		c.auditor.LogAuthFailure(clientIP, "no accounts for token")
		return nil, auth.ErrNoAccountFound("the mail server reported no accounts for this login")
	}

	if err := c.tokens.SaveToken(ctx, accountID, record, 0); err != nil {
		discardPending()
		return nil, fmt.Errorf("failed to store token for account: %w", err)
	}
	discardPending()

	sess, cookie, err := c.sessions.Create(accountID, account.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to mint session: %w", err)
	}

	c.auditor.LogAuthSuccess(accountID, clientIP, grantType)
	c.auditor.LogSessionCreated(accountID, clientIP)
	c.inst.Metrics().Add(ctx, c.inst.Metrics().LoginCompleted,
		attribute.String(instrumentation.AttrGrantType, grantType))
	c.inst.Metrics().Add(ctx, c.inst.Metrics().SessionsCreated)
	c.logger.Info("Login completed",
		"grant_type", grantType,
		"email", account.Name)

	return &Login{
		AccountID: accountID,
		Email:     account.Name,
		Session:   sess,
		Cookie:    cookie,
	}, nil
}

// failLogin records a failed login attempt with its reason.
func (c *core) failLogin(ctx context.Context, reason string) {
	c.inst.Metrics().Add(ctx, c.inst.Metrics().LoginFailed,
		attribute.String(instrumentation.AttrError, reason))
}

func randomID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
