// Package openai integrates the Responses-style upstream: OAuth token
// refresh, the input-item request shape, and its typed SSE event stream.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/polyrelay/account-gateway/internal/account"
	"github.com/polyrelay/account-gateway/internal/config"
)

const (
	tokenEndpoint = "https://auth.openai.com/oauth/token" // #nosec G101 -- public endpoint, not a credential
	oauthClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
)

// CredentialStore refreshes OAuth access tokens.
type CredentialStore struct {
	client *http.Client
}

// NewCredentialStore builds the credential store.
func NewCredentialStore(client *http.Client) *CredentialStore {
	return &CredentialStore{client: client}
}

// Refresh exchanges the refresh token for a fresh access token.
func (c *CredentialStore) Refresh(ctx context.Context, a *account.Account) (*account.Credential, error) {
	payload := fmt.Sprintf(
		`{"grant_type":"refresh_token","client_id":%q,"refresh_token":%q,"scope":"openid profile email"}`,
		oauthClientID, a.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, config.MaxRequestBodySize))
	if err != nil {
		return nil, fmt.Errorf("token refresh: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > config.MaxErrorBodyLogLen {
			snippet = snippet[:config.MaxErrorBodyLogLen]
		}
		return nil, fmt.Errorf("token refresh: HTTP %d: %s", resp.StatusCode, snippet)
	}

	cred := &account.Credential{
		AccessToken:  gjson.GetBytes(body, "access_token").String(),
		RefreshToken: gjson.GetBytes(body, "refresh_token").String(),
		ExpiresIn:    int(gjson.GetBytes(body, "expires_in").Int()),
	}
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("token refresh: response carried no access_token")
	}
	return cred, nil
}
