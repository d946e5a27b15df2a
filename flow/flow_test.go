package flow

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	auth "github.com/sablemail/webmail-auth"
	"github.com/sablemail/webmail-auth/discovery"
	"github.com/sablemail/webmail-auth/mail"
	"github.com/sablemail/webmail-auth/session"
	"github.com/sablemail/webmail-auth/storage"
	"github.com/sablemail/webmail-auth/storage/memory"
)

// fakeClock records sleeps and advances instantly so polling tests run in
// real time zero.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(count int)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	count := len(c.sleeps)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(count)
	}
	return ctx.Err()
}

func (c *fakeClock) recordedSleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type resolverFunc func(ctx context.Context, accessToken string) (*mail.Identity, error)

func (f resolverFunc) Resolve(ctx context.Context, accessToken string) (*mail.Identity, error) {
	return f(ctx, accessToken)
}

func singleAccountResolver(accountID, email string) resolverFunc {
	return func(ctx context.Context, accessToken string) (*mail.Identity, error) {
		return &mail.Identity{
			Accounts:         map[string]mail.Account{accountID: {Name: email, IsPrimary: true}},
			PrimaryAccountID: accountID,
		}, nil
	}
}

// recordingTokenStore wraps a real store and records the keys saved and
// deleted, so tests can observe the two-phase commit.
type recordingTokenStore struct {
	storage.TokenStore
	mu      sync.Mutex
	saves   []string
	deletes []string
}

func (r *recordingTokenStore) SaveToken(ctx context.Context, key string, record *storage.TokenRecord, ttl time.Duration) error {
	r.mu.Lock()
	r.saves = append(r.saves, key)
	r.mu.Unlock()
	return r.TokenStore.SaveToken(ctx, key, record, ttl)
}

func (r *recordingTokenStore) DeleteToken(ctx context.Context, key string) error {
	r.mu.Lock()
	r.deletes = append(r.deletes, key)
	r.mu.Unlock()
	return r.TokenStore.DeleteToken(ctx, key)
}

func (r *recordingTokenStore) savedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.saves...)
}

func (r *recordingTokenStore) deletedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deletes...)
}

// fakeAuthServer serves discovery metadata plus scriptable token and device
// authorization endpoints.
type fakeAuthServer struct {
	srv           *httptest.Server
	tokenCalls    atomic.Int64
	tokenHandler  func(w http.ResponseWriter, r *http.Request)
	deviceHandler func(w http.ResponseWriter, r *http.Request)
}

func newFakeAuthServer(t *testing.T) *fakeAuthServer {
	t.Helper()
	f := &fakeAuthServer{}

	mux := http.NewServeMux()
	mux.HandleFunc(discovery.WellKnownPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"issuer":                        f.srv.URL,
			"authorization_endpoint":        f.srv.URL + "/authorize",
			"token_endpoint":                f.srv.URL + "/token",
			"device_authorization_endpoint": f.srv.URL + "/device",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if f.tokenHandler == nil {
			t.Error("unexpected token endpoint call")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.tokenHandler(w, r)
	})
	mux.HandleFunc("/device", func(w http.ResponseWriter, r *http.Request) {
		if f.deviceHandler == nil {
			t.Error("unexpected device endpoint call")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.deviceHandler(w, r)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func writeTokenSuccess(w http.ResponseWriter) {
	writeJSON(w, map[string]any{
		"access_token":  "at-12345",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "rt-67890",
		"scope":         "urn:ietf:params:jmap:mail",
	})
}

// testHarness bundles a flow's collaborators with handles on the fakes.
type testHarness struct {
	opts   Options
	store  *memory.Store
	tokens *recordingTokenStore
	clock  *fakeClock
}

func newTestHarness(t *testing.T, serverURL string) *testHarness {
	t.Helper()

	store := memory.NewWithInterval(0)
	t.Cleanup(store.Close)
	tokens := &recordingTokenStore{TokenStore: store}
	clk := newFakeClock()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions, err := session.NewManager("test-session-secret", time.Hour, logger)
	require.NoError(t, err)

	cfg := &auth.Config{
		ServerURL:         serverURL,
		PublicURL:         serverURL,
		ClientID:          "webmail-client",
		RedirectURI:       "https://mail.example.com/oauth/callback",
		Scopes:            []string{"urn:ietf:params:jmap:mail"},
		StateTTL:          10 * time.Minute,
		SessionTTL:        time.Hour,
		DiscoveryCacheTTL: time.Hour,
	}

	return &testHarness{
		opts: Options{
			Config:   cfg,
			States:   store,
			Tokens:   tokens,
			Resolver: singleAccountResolver("acc-1", "user@example.com"),
			Sessions: sessions,
			Clock:    clk,
			Logger:   logger,
		},
		store:  store,
		tokens: tokens,
		clock:  clk,
	}
}
