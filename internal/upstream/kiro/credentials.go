package kiro

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/polyrelay/account-gateway/internal/account"
	"github.com/polyrelay/account-gateway/internal/config"
)

// Auth methods.
const (
	authSocial = "social"
	authIdC    = "idc"
)

// CredentialStore refreshes access tokens for both auth flavors: the
// social desktop flow and IAM Identity Center (SSO OIDC).
type CredentialStore struct {
	client        *http.Client
	defaultRegion string
}

// NewCredentialStore builds the credential store.
func NewCredentialStore(client *http.Client, defaultRegion string) *CredentialStore {
	return &CredentialStore{client: client, defaultRegion: defaultRegion}
}

// Refresh exchanges the refresh token, dispatching on the account's auth
// method. A missing region falls back to the configured default and is
// cached onto the account.
func (c *CredentialStore) Refresh(ctx context.Context, a *account.Account) (*account.Credential, error) {
	if a.Region == "" {
		a.Region = c.defaultRegion
	}
	if a.AuthMethod == authIdC || (a.ClientID != "" && a.ClientSecret != "") {
		return c.refreshIdC(ctx, a)
	}
	return c.refreshSocial(ctx, a)
}

func (c *CredentialStore) refreshSocial(ctx context.Context, a *account.Account) (*account.Credential, error) {
	endpoint := fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", a.Region)
	payload := fmt.Sprintf(`{"refreshToken":%q}`, a.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.exchange(req)
	if err != nil {
		return nil, err
	}
	cred := &account.Credential{
		AccessToken:  gjson.GetBytes(body, "accessToken").String(),
		RefreshToken: gjson.GetBytes(body, "refreshToken").String(),
		ExpiresIn:    int(gjson.GetBytes(body, "expiresIn").Int()),
	}
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("social refresh: response carried no accessToken")
	}
	if arn := gjson.GetBytes(body, "profileArn").String(); arn != "" {
		a.ProfileARN = arn
	}
	return cred, nil
}

func (c *CredentialStore) refreshIdC(ctx context.Context, a *account.Account) (*account.Credential, error) {
	endpoint := fmt.Sprintf("https://oidc.%s.amazonaws.com/token", a.Region)
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {a.ClientID},
		"client_secret": {a.ClientSecret},
		"refresh_token": {a.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.exchange(req)
	if err != nil {
		return nil, err
	}
	cred := &account.Credential{
		AccessToken:  gjson.GetBytes(body, "accessToken").String(),
		RefreshToken: gjson.GetBytes(body, "refreshToken").String(),
		ExpiresIn:    int(gjson.GetBytes(body, "expiresIn").Int()),
	}
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("idc refresh: response carried no accessToken")
	}
	return cred, nil
}

func (c *CredentialStore) exchange(req *http.Request) ([]byte, error) {
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
	return body, nil
}
