// Package mail defines the boundary to the mail-protocol collaborator.
// After a successful token exchange the authentication core opens a mail
// session with the fresh access token and reads the identity the server
// reports; everything else about the mail protocol lives outside this core.
package mail

import (
	"context"
	"errors"
	"sort"
)

// ErrNoAccounts is returned when the mail server reports an empty identity
var ErrNoAccounts = errors.New("mail server reported no accounts")

// Account describes one account in the server's identity document.
type Account struct {
	// Name is the account's display identity, the primary email address.
	Name string

	// IsPrimary marks the server-designated primary account.
	IsPrimary bool
}

// Identity is the identity document the mail server reports for an access
// token: the accounts it grants and, optionally, an explicitly designated
// primary account.
type Identity struct {
	// Accounts maps server-assigned account IDs to account metadata.
	// The account ID is canonical and may differ from the email address.
	Accounts map[string]Account

	// PrimaryAccountID is the server-designated primary account, if any.
	PrimaryAccountID string
}

// Primary selects the account a login should bind to: the explicitly
// designated primary when the server reports one, otherwise the first
// account in deterministic (sorted ID) order. Returns ErrNoAccounts when
// the identity is empty.
func (id *Identity) Primary() (string, Account, error) {
	if id == nil || len(id.Accounts) == 0 {
		return "", Account{}, ErrNoAccounts
	}

	if id.PrimaryAccountID != "" {
		if acct, ok := id.Accounts[id.PrimaryAccountID]; ok {
			return id.PrimaryAccountID, acct, nil
		}
	}

	for accountID, acct := range id.Accounts {
		if acct.IsPrimary {
			return accountID, acct, nil
		}
	}

	// Map iteration order is randomized, so "first" means smallest ID.
	ids := make([]string, 0, len(id.Accounts))
	for accountID := range id.Accounts {
		ids = append(ids, accountID)
	}
	sort.Strings(ids)
	return ids[0], id.Accounts[ids[0]], nil
}

// IdentityResolver opens a mail-protocol session with an access token and
// returns the identity the server reports for it.
type IdentityResolver interface {
	Resolve(ctx context.Context, accessToken string) (*Identity, error)
}
