package kiro

import (
	"bytes"
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/polyrelay/account-gateway/internal/account"
	"github.com/polyrelay/account-gateway/internal/upstream"
)

// Provider is the AWS-Q-style upstream integration.
type Provider struct {
	client *http.Client
	region string
}

// New builds the provider for a default region; accounts may carry their
// own region which wins.
func New(client *http.Client, region string) *Provider {
	return &Provider{client: client, region: region}
}

// Name returns the platform tag.
func (p *Provider) Name() string { return account.PlatformKiro }

// Do posts the converted body. The response is always the binary
// event-stream framing; the stream flag only matters client-side. Endpoint
// candidates are walked in order when one rate-limits or fails to connect,
// and the last response is returned for the selector's failure policy.
func (p *Provider) Do(ctx context.Context, a *account.Account, cr *upstream.ConvertResult, _ bool) (*http.Response, error) {
	region := a.Region
	if region == "" {
		region = p.region
	}
	body := cr.Body
	if a.ProfileARN != "" {
		body, _ = sjson.SetBytes(body, "profileArn", a.ProfileARN)
	}

	var lastResp *http.Response
	var lastErr error
	for _, ep := range buildEndpointConfigs(region) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-amz-json-1.0")
		req.Header.Set("X-Amz-Target", ep.AmzTarget)
		req.Header.Set("Origin", ep.Origin)
		req.Header.Set("Authorization", "Bearer "+a.AccessToken)

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if lastResp != nil {
				_ = lastResp.Body.Close()
			}
			lastResp = resp
			log.Debug().
				Str("endpoint", ep.Name).
				Int("status", resp.StatusCode).
				Msg("kiro: endpoint unavailable, trying next")
			continue
		}
		if lastResp != nil {
			_ = lastResp.Body.Close()
		}
		return resp, nil
	}
	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}
