// Package antigravity integrates the Gemini-style upstream: Google OAuth
// credentials, the internal generateContent envelope, and the whole-JSON
// SSE stream it emits.
package antigravity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/polyrelay/account-gateway/internal/account"
	"github.com/polyrelay/account-gateway/internal/config"
	"github.com/polyrelay/account-gateway/internal/utils"
)

const (
	tokenEndpoint = "https://oauth2.googleapis.com/token" // #nosec G101 -- public endpoint, not a credential

	oauthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	oauthClientSecret = "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"
)

// CredentialStore refreshes Google OAuth access tokens and lazily resolves
// the managed project id accounts need for the internal API.
type CredentialStore struct {
	client   *http.Client
	baseURLs []string
}

// NewCredentialStore builds the credential store. baseURLs are the API
// endpoints used for project id resolution.
func NewCredentialStore(client *http.Client, baseURLs []string) *CredentialStore {
	return &CredentialStore{client: client, baseURLs: baseURLs}
}

// Refresh exchanges the refresh token for a fresh access token and, when
// the account has no cached project id, resolves one.
func (c *CredentialStore) Refresh(ctx context.Context, a *account.Account) (*account.Credential, error) {
	form := url.Values{
		"client_id":     {oauthClientID},
		"client_secret": {oauthClientSecret},
		"refresh_token": {a.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

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
		return nil, fmt.Errorf("token refresh: HTTP %d: %s", resp.StatusCode, truncate(body))
	}

	cred := &account.Credential{
		AccessToken:  gjson.GetBytes(body, "access_token").String(),
		RefreshToken: gjson.GetBytes(body, "refresh_token").String(),
		ExpiresIn:    int(gjson.GetBytes(body, "expires_in").Int()),
	}
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("token refresh: response carried no access_token")
	}

	if a.ProjectID == "" {
		if project, err := c.resolveProjectID(ctx, cred.AccessToken); err != nil {
			log.Warn().Err(err).Str("account_id", a.ID).Msg("antigravity: project id resolution failed")
		} else {
			a.ProjectID = project
		}
	}
	return cred, nil
}

// resolveProjectID asks the internal API for the account's managed project.
func (c *CredentialStore) resolveProjectID(ctx context.Context, accessToken string) (string, error) {
	payload := `{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`
	var lastErr error
	for _, base := range c.baseURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			base+"/v1internal:loadCodeAssist", strings.NewReader(payload))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, config.MaxRequestBodySize))
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("loadCodeAssist: HTTP %d: %s", resp.StatusCode, truncate(body))
			continue
		}
		if project := gjson.GetBytes(body, "cloudaicompanionProject").String(); project != "" {
			log.Info().
				Str("project", project).
				Str("access_token", utils.MaskKey(accessToken)).
				Msg("antigravity: resolved project id")
			return project, nil
		}
		lastErr = fmt.Errorf("loadCodeAssist: response carried no project")
	}
	return "", lastErr
}

func truncate(body []byte) string {
	s := string(body)
	if len(s) > config.MaxErrorBodyLogLen {
		s = s[:config.MaxErrorBodyLogLen]
	}
	return s
}
