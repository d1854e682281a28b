package antigravity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/polyrelay/account-gateway/internal/account"
	"github.com/polyrelay/account-gateway/internal/config"
)

// FetchQuota asks the internal API for per-model remaining quota. The
// response keys models by display id; remainingFraction is 0..1.
func (c *CredentialStore) FetchQuota(ctx context.Context, accessToken string) ([]account.Quota, error) {
	var lastErr error
	for _, base := range c.baseURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			base+"/v1internal:fetchAvailableModels", strings.NewReader(`{}`))
		if err != nil {
			return nil, err
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
			lastErr = fmt.Errorf("fetchAvailableModels: HTTP %d: %s", resp.StatusCode, truncate(body))
			continue
		}
		return parseQuota(body), nil
	}
	return nil, lastErr
}

func parseQuota(body []byte) []account.Quota {
	var out []account.Quota
	gjson.GetBytes(body, "models").ForEach(func(model, data gjson.Result) bool {
		info := data.Get("quotaInfo")
		if !info.Exists() {
			return true
		}
		q := account.Quota{
			Model:      model.String(),
			Percentage: info.Get("remainingFraction").Float() * 100,
		}
		if ts := info.Get("resetTime").String(); ts != "" {
			q.ResetAt, _ = time.Parse(time.RFC3339, ts)
		}
		out = append(out, q)
		return true
	})
	return out
}
