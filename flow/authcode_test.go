package flow

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/sablemail/webmail-auth"
	"github.com/sablemail/webmail-auth/mail"
	"github.com/sablemail/webmail-auth/pkce"
	"github.com/sablemail/webmail-auth/security"
	"github.com/sablemail/webmail-auth/storage"
)

func TestCodeFlowBegin(t *testing.T) {
	srv := newFakeAuthServer(t)
	h := newTestHarness(t, srv.srv.URL)
	f, err := NewCodeFlow(h.opts)
	require.NoError(t, err)

	authURL, err := f.Begin(context.Background(), "203.0.113.7")
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "/authorize", parsed.Path)

	q := parsed.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "webmail-client", q.Get("client_id"))
	assert.Equal(t, "https://mail.example.com/oauth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "urn:ietf:params:jmap:mail", q.Get("scope"))
	assert.Equal(t, pkce.MethodS256, q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("code_challenge"))

	// The stored verifier must correspond to the challenge in the URL.
	verifier, err := h.store.Consume(context.Background(), q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, pkce.ChallengeS256(verifier), q.Get("code_challenge"))
}

func TestCodeFlowBeginStatesAreUnique(t *testing.T) {
	srv := newFakeAuthServer(t)
	h := newTestHarness(t, srv.srv.URL)
	f, err := NewCodeFlow(h.opts)
	require.NoError(t, err)

	url1, err := f.Begin(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	url2, err := f.Begin(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.NotEqual(t, url1, url2)
}

func TestCodeFlowBeginDiscoveryUnavailable(t *testing.T) {
	srv := newFakeAuthServer(t)
	serverURL := srv.srv.URL
	srv.srv.Close()

	h := newTestHarness(t, serverURL)
	f, err := NewCodeFlow(h.opts)
	require.NoError(t, err)

	_, err = f.Begin(context.Background(), "203.0.113.7")
	assert.True(t, auth.IsCode(err, auth.CodeDiscoveryUnavailable), "got %v", err)
}

func TestCodeFlowBeginRateLimited(t *testing.T) {
	srv := newFakeAuthServer(t)
	h := newTestHarness(t, srv.srv.URL)
	limiter := security.NewRateLimiter(1, 1, h.opts.Logger)
	t.Cleanup(limiter.Stop)
	h.opts.Limiter = limiter

	f, err := NewCodeFlow(h.opts)
	require.NoError(t, err)

	_, err = f.Begin(context.Background(), "203.0.113.7")
	require.NoError(t, err)

	_, err = f.Begin(context.Background(), "203.0.113.7")
	require.Error(t, err)
	authErr, ok := auth.AsError(err)
	require.True(t, ok)
	assert.Equal(t, auth.CodeRateLimited, authErr.Code)
	assert.Greater(t, authErr.RetryAfter, time.Duration(0))
	assert.False(t, authErr.ResetAt.IsZero())
}

func TestCodeFlowNewValidatesConfig(t *testing.T) {
	h := newTestHarness(t, "http://127.0.0.1:9")
	h.opts.Config.ClientID = ""

	_, err := NewCodeFlow(h.opts)
	assert.True(t, auth.IsCode(err, auth.CodeConfigurationError), "got %v", err)
}

func TestCodeFlowComplete(t *testing.T) {
	srv := newFakeAuthServer(t)
	h := newTestHarness(t, srv.srv.URL)
	f, err := NewCodeFlow(h.opts)
	require.NoError(t, err)

	ctx := context.Background()
	authURL, err := f.Begin(ctx, "203.0.113.7")
	require.NoError(t, err)
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	challenge := parsed.Query().Get("code_challenge")

	srv.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "code-abc", r.PostForm.Get("code"))
		assert.Equal(t, "webmail-client", r.PostForm.Get("client_id"))
		assert.Equal(t, "https://mail.example.com/oauth/callback", r.PostForm.Get("redirect_uri"))
		// The verifier sent for exchange must hash to the challenge from Begin.
		assert.Equal(t, challenge, pkce.ChallengeS256(r.PostForm.Get("code_verifier")))
		writeTokenSuccess(w)
	}

	login, err := f.Complete(ctx, "203.0.113.7", "code-abc", state)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", login.AccountID)
	assert.Equal(t, "user@example.com", login.Email)
	assert.NotEmpty(t, login.Cookie)
	require.NotNil(t, login.Session)
	assert.Equal(t, "acc-1", login.Session.AccountID)

	// Token persisted durably under the account ID with expiry anchored to
	// the injected clock.
	record, err := h.tokens.GetToken(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "at-12345", record.AccessToken)
	assert.Equal(t, "rt-67890", record.RefreshToken)
	assert.WithinDuration(t,
		newFakeClock().Now().Add(3600*time.Second), record.ExpiresAt, time.Second)

	// Two-phase commit: provisional save first, then the durable one, then
	// the provisional copy removed.
	saves := h.tokens.savedKeys()
	require.Len(t, saves, 2)
	assert.True(t, strings.HasPrefix(saves[0], storage.PendingKeyPrefix))
	assert.Equal(t, "acc-1", saves[1])
	assert.Contains(t, h.tokens.deletedKeys(), saves[0])
	_, err = h.tokens.GetToken(ctx, saves[0])
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestCodeFlowCompleteUnknownState(t *testing.T) {
	srv := newFakeAuthServer(t)
	h := newTestHarness(t, srv.srv.URL)
	f, err := NewCodeFlow(h.opts)
	require.NoError(t, err)

	_, err = f.Complete(context.Background(), "203.0.113.7", "code-abc", "bogus-state")
	assert.True(t, auth.IsCode(err, auth.CodeInvalidState), "got %v", err)
	assert.Zero(t, srv.tokenCalls.Load(), "token endpoint must not be called for unknown state")
}

func TestCodeFlowCompleteStateSingleUse(t *testing.T) {
	srv := newFakeAuthServer(t)
	h := newTestHarness(t, srv.srv.URL)
	f, err := NewCodeFlow(h.opts)
	require.NoError(t, err)
	srv.tokenHandler = func(w http.ResponseWriter, r *http.Request) { writeTokenSuccess(w) }

	ctx := context.Background()
	authURL, err := f.Begin(ctx, "203.0.113.7")
	require.NoError(t, err)
	parsed, _ := url.Parse(authURL)
	state := parsed.Query().Get("state")

	_, err = f.Complete(ctx, "203.0.113.7", "code-abc", state)
	require.NoError(t, err)

	// Replaying the callback with the same state must fail.
	_, err = f.Complete(ctx, "203.0.113.7", "code-abc", state)
	assert.True(t, auth.IsCode(err, auth.CodeInvalidState), "got %v", err)
}

func TestCodeFlowCompleteExchangeRejected(t *testing.T) {
	srv := newFakeAuthServer(t)
	h := newTestHarness(t, srv.srv.URL)
	f, err := NewCodeFlow(h.opts)
	require.NoError(t, err)
	srv.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
	}

	ctx := context.Background()
	authURL, err := f.Begin(ctx, "203.0.113.7")
	require.NoError(t, err)
	parsed, _ := url.Parse(authURL)

	_, err = f.Complete(ctx, "203.0.113.7", "code-abc", parsed.Query().Get("state"))
	assert.True(t, auth.IsCode(err, auth.CodeAuthenticationFailed), "got %v", err)
	assert.Empty(t, h.tokens.savedKeys(), "no token may be stored after a rejected exchange")
}

func TestCodeFlowCompleteNoAccounts(t *testing.T) {
	srv := newFakeAuthServer(t)
	h := newTestHarness(t, srv.srv.URL)
	h.opts.Resolver = resolverFunc(func(ctx context.Context, accessToken string) (*mail.Identity, error) {
		return nil, mail.ErrNoAccounts
	})
	f, err := NewCodeFlow(h.opts)
	require.NoError(t, err)
	srv.tokenHandler = func(w http.ResponseWriter, r *http.Request) { writeTokenSuccess(w) }

	ctx := context.Background()
	authURL, err := f.Begin(ctx, "203.0.113.7")
	require.NoError(t, err)
	parsed, _ := url.Parse(authURL)

	_, err = f.Complete(ctx, "203.0.113.7", "code-abc", parsed.Query().Get("state"))
	assert.True(t, auth.IsCode(err, auth.CodeNoAccountFound), "got %v", err)

	// The provisional token must have been removed again.
	saves := h.tokens.savedKeys()
	require.Len(t, saves, 1)
	assert.True(t, strings.HasPrefix(saves[0], storage.PendingKeyPrefix))
	_, err = h.tokens.GetToken(ctx, saves[0])
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}
