// Package discovery fetches and caches OAuth authorization server metadata
// (RFC 8414 style well-known documents) for the webmail authentication core.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sablemail/webmail-auth/internal/util"
)

// WellKnownPath is the metadata document path relative to the server base URL
const WellKnownPath = "/.well-known/oauth-authorization-server"

// Sentinel errors distinguishing unreachable servers from malformed documents.
var (
	// ErrUnavailable indicates the metadata document could not be fetched
	ErrUnavailable = errors.New("authorization server metadata unavailable")

	// ErrMalformed indicates the document is missing required endpoints
	ErrMalformed = errors.New("authorization server metadata malformed")
)

// Metadata is the subset of the authorization server metadata document the
// authentication core consumes.
type Metadata struct {
	Issuer                      string `json:"issuer"`
	AuthorizationEndpoint       string `json:"authorization_endpoint"`
	TokenEndpoint               string `json:"token_endpoint"`
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint,omitempty"`
}

// cachedMetadata holds a metadata document with its fetch timestamp
type cachedMetadata struct {
	metadata  *Metadata
	fetchedAt time.Time
}

// Client fetches and caches authorization server metadata.
// It is safe for concurrent use from multiple goroutines.
type Client struct {
	httpClient *http.Client
	cache      sync.Map // base URL -> *cachedMetadata
	cacheTTL   time.Duration
	logger     *slog.Logger
}

// NewClient creates a metadata client.
//
// httpClient may be nil (a 10s-timeout default is used), cacheTTL zero
// (defaults to 1 hour), and logger nil (slog.Default()).
func NewClient(httpClient *http.Client, cacheTTL time.Duration, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cacheTTL == 0 {
		cacheTTL = 1 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: httpClient,
		cacheTTL:   cacheTTL,
		logger:     logger,
	}
}

// Discover fetches the metadata document for the given server base URL,
// serving from cache when a fresh copy is available.
//
// Failures wrap ErrUnavailable when the server could not be reached or
// returned a non-200 response, and ErrMalformed when the document does not
// parse or lacks the required endpoints.
func (c *Client) Discover(ctx context.Context, baseURL string) (*Metadata, error) {
	if cached, ok := c.cache.Load(baseURL); ok {
		doc := cached.(*cachedMetadata)
		if time.Since(doc.fetchedAt) < c.cacheTTL {
			c.logger.Debug("metadata cache hit", "base_url", baseURL)
			return doc.metadata, nil
		}
		c.logger.Debug("metadata cache expired", "base_url", baseURL)
	}

	discoveryURL := util.NormalizeURL(baseURL) + WellKnownPath

	c.logger.Debug("fetching authorization server metadata", "url", discoveryURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid discovery URL: %v", ErrUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var doc Metadata
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := validateMetadata(&doc); err != nil {
		return nil, err
	}

	c.cache.Store(baseURL, &cachedMetadata{
		metadata:  &doc,
		fetchedAt: time.Now(),
	})

	c.logger.Info("authorization server metadata fetched",
		"issuer", doc.Issuer,
		"authorization_endpoint", doc.AuthorizationEndpoint,
		"token_endpoint", doc.TokenEndpoint)

	return &doc, nil
}

// validateMetadata checks the document carries the endpoints the flows need.
// The device authorization endpoint is optional here; the device flow reports
// its absence itself.
func validateMetadata(doc *Metadata) error {
	required := []struct {
		name string
		url  string
	}{
		{"issuer", doc.Issuer},
		{"authorization_endpoint", doc.AuthorizationEndpoint},
		{"token_endpoint", doc.TokenEndpoint},
	}

	for _, endpoint := range required {
		if endpoint.url == "" {
			return fmt.Errorf("%w: %s is required but missing", ErrMalformed, endpoint.name)
		}
	}

	return nil
}

// ClearCache drops all cached metadata, forcing a refetch on the next
// Discover call.
func (c *Client) ClearCache() {
	count := 0
	c.cache.Range(func(key, value any) bool {
		c.cache.Delete(key)
		count++
		return true
	})
	c.logger.Debug("metadata cache cleared", "entries_removed", count)
}
