package openai

import (
	"bytes"
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/polyrelay/account-gateway/internal/account"
	"github.com/polyrelay/account-gateway/internal/upstream"
)

// Provider is the Responses-style upstream integration.
type Provider struct {
	client  *http.Client
	baseURL string
}

// New builds the provider.
func New(client *http.Client, baseURL string) *Provider {
	return &Provider{client: client, baseURL: baseURL}
}

// Name returns the platform tag.
func (p *Provider) Name() string { return account.PlatformOpenAI }

// Do posts the converted body with the account's credential. The upstream
// always streams; the converter already set stream=true.
func (p *Provider) Do(ctx context.Context, a *account.Account, cr *upstream.ConvertResult, _ bool) (*http.Response, error) {
	body := cr.Body
	if a.PlatformID != "" {
		body, _ = sjson.SetBytes(body, "prompt_cache_key", a.PlatformID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+a.AccessToken)
	req.Header.Set("Session-Id", uuid.NewString())
	if a.PlatformID != "" {
		req.Header.Set("Chatgpt-Account-Id", a.PlatformID)
	}

	return p.client.Do(req)
}
