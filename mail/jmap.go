package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sablemail/webmail-auth/internal/util"
)

// SessionPath is the JMAP session resource path relative to the server base URL
const SessionPath = "/.well-known/jmap"

// mailCapability keys the primary mail account in the session document.
const mailCapability = "urn:ietf:params:jmap:mail"

const maxSessionBody = 1 << 20

// Compile-time interface check
var _ IdentityResolver = (*JMAPResolver)(nil)

// JMAPResolver resolves account identity from a JMAP session document. It
// fetches the session resource with the access token and reads only the
// account list and primary designation; no mailbox data is touched.
type JMAPResolver struct {
	serverURL  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewJMAPResolver creates a resolver against the given JMAP server base URL.
// httpClient and logger may be nil for defaults.
func NewJMAPResolver(serverURL string, httpClient *http.Client, logger *slog.Logger) *JMAPResolver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JMAPResolver{
		serverURL:  util.NormalizeURL(serverURL),
		httpClient: httpClient,
		logger:     logger,
	}
}

// sessionDocument is the subset of the JMAP session resource we read.
type sessionDocument struct {
	Accounts map[string]struct {
		Name       string `json:"name"`
		IsPersonal bool   `json:"isPersonal"`
	} `json:"accounts"`
	PrimaryAccounts map[string]string `json:"primaryAccounts"`
}

// Resolve fetches the session document and maps it to an Identity.
func (r *JMAPResolver) Resolve(ctx context.Context, accessToken string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.serverURL+SessionPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session request returned status %d", resp.StatusCode)
	}

	var doc sessionDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSessionBody)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode session document: %w", err)
	}
	if len(doc.Accounts) == 0 {
		return nil, ErrNoAccounts
	}

	primaryID := doc.PrimaryAccounts[mailCapability]
	identity := &Identity{
		Accounts:         make(map[string]Account, len(doc.Accounts)),
		PrimaryAccountID: primaryID,
	}
	for accountID, acct := range doc.Accounts {
		identity.Accounts[accountID] = Account{
			Name:      acct.Name,
			IsPrimary: accountID == primaryID,
		}
	}

	r.logger.Debug("Resolved JMAP identity", "accounts", len(identity.Accounts))
	return identity, nil
}
