package antigravity

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/polyrelay/account-gateway/internal/account"
	"github.com/polyrelay/account-gateway/internal/config"
	"github.com/polyrelay/account-gateway/internal/upstream"
)

const (
	noCapacityMaxRetries = 3
	noCapacityBaseDelay  = 250 * time.Millisecond
	noCapacityMaxDelay   = 2 * time.Second
)

// Provider is the Gemini-style upstream integration.
type Provider struct {
	client   *http.Client
	baseURLs []string
}

// New builds the provider. baseURLs are tried in order on capacity errors.
func New(client *http.Client, baseURLs []string) *Provider {
	return &Provider{client: client, baseURLs: baseURLs}
}

// Name returns the platform tag.
func (p *Provider) Name() string { return account.PlatformAntigravity }

// Do posts the converted body with the account's credential, walking the
// base URL list with a linear backoff when the upstream reports it has no
// capacity. Other failures return immediately for the selector's policy.
//
// The SSE endpoint is used for non-streaming requests too; Transcode reads
// the event stream either way and assembles a single message when the
// client did not ask for a stream.
func (p *Provider) Do(ctx context.Context, a *account.Account, cr *upstream.ConvertResult, _ bool) (*http.Response, error) {
	const method = ":streamGenerateContent?alt=sse"
	body, _ := sjson.SetBytes(cr.Body, "project", a.ProjectID)

	var lastResp *http.Response
	var lastErr error
	for attempt := 0; attempt < noCapacityMaxRetries; attempt++ {
		for _, base := range p.baseURLs {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				base+"/v1internal"+method, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+a.AccessToken)
			req.Header.Set("User-Agent", "antigravity")

			resp, err := p.client.Do(req)
			if err != nil {
				lastErr = err
				continue
			}
			if !shouldRetryNoCapacity(resp) {
				return resp, nil
			}
			drainClose(resp)
			lastResp = resp
			log.Debug().
				Str("base_url", base).
				Int("attempt", attempt+1).
				Msg("antigravity: no capacity, trying next endpoint")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(noCapacityDelay(attempt)):
		}
	}
	if lastResp != nil {
		return nil, &upstream.StatusError{Code: http.StatusServiceUnavailable, Body: "no capacity available"}
	}
	return nil, lastErr
}

// shouldRetryNoCapacity detects the transient 503 the upstream emits when
// the pool backing a model is saturated.
func shouldRetryNoCapacity(resp *http.Response) bool {
	if resp.StatusCode != http.StatusServiceUnavailable {
		return false
	}
	peek, err := io.ReadAll(io.LimitReader(resp.Body, config.MaxErrorBodyLogLen))
	if err != nil {
		return false
	}
	resp.Body = io.NopCloser(io.MultiReader(bytes.NewReader(peek), resp.Body))
	return strings.Contains(strings.ToLower(string(peek)), "no capacity available")
}

func noCapacityDelay(attempt int) time.Duration {
	d := noCapacityBaseDelay * time.Duration(attempt+1)
	if d > noCapacityMaxDelay {
		d = noCapacityMaxDelay
	}
	return d
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, config.MaxErrorBodyLogLen))
	_ = resp.Body.Close()
}
