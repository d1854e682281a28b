package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/polyrelay/account-gateway/internal/account"
	"github.com/polyrelay/account-gateway/internal/config"
	"github.com/polyrelay/account-gateway/internal/monitoring"
	"github.com/polyrelay/account-gateway/internal/session"
	"github.com/polyrelay/account-gateway/internal/sigcache"
	"github.com/polyrelay/account-gateway/internal/store"
	"github.com/polyrelay/account-gateway/internal/unified"
	"github.com/polyrelay/account-gateway/internal/upstream"
)

type fakeRepo struct {
	accounts []*account.Account
}

func (r *fakeRepo) FindEligible(_ context.Context, platform string, _ []string) ([]*account.Account, error) {
	var out []*account.Account
	for _, a := range r.accounts {
		if a.Platform == platform && a.Eligible() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeRepo) FindByID(_ context.Context, id string) (*account.Account, error) {
	for _, a := range r.accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, account.ErrAccountNotFound
}

func (r *fakeRepo) Update(context.Context, *account.Account) error { return nil }

func (r *fakeRepo) UpsertQuota(context.Context, string, string, float64, time.Time) error {
	return nil
}

func (r *fakeRepo) IncrementUsage(context.Context, string, int64, int64) error { return nil }

type fakeProvider struct {
	status   int
	doErr    error
	calls    int
	lastOpts upstream.ConvertOptions
}

func (f *fakeProvider) Name() string { return account.PlatformAntigravity }

func (f *fakeProvider) Convert(_ *unified.Request, opts upstream.ConvertOptions) (*upstream.ConvertResult, error) {
	f.lastOpts = opts
	return &upstream.ConvertResult{Body: []byte(`{}`), UpstreamModel: opts.UpstreamModel}, nil
}

func (f *fakeProvider) Do(context.Context, *account.Account, *upstream.ConvertResult, bool) (*http.Response, error) {
	f.calls++
	if f.doErr != nil {
		return nil, f.doErr
	}
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(strings.NewReader(`{"message":"upstream says no"}`)),
	}, nil
}

func (f *fakeProvider) Transcode(_ context.Context, _ io.Reader, em *upstream.Emitter, _ *upstream.ConvertResult) (*upstream.Result, error) {
	em.Text("hello from upstream")
	em.SetInputUsage(10, 0, 10, 0)
	em.SetOutputUsage(4)
	em.Finish()
	return &upstream.Result{
		RawText:    "data: {\"text\":\"hello from upstream\"}\n",
		Usage:      em.Usage(),
		RawUsage:   em.RawUsage(),
		StopReason: em.StopReason(),
	}, nil
}

const testConfig = `
routes:
  - match: claude-sonnet-4-5
    platform: antigravity
    model: claude-sonnet-4-5
`

func newTestGateway(t *testing.T, provider upstream.Provider, extraYAML string) *Gateway {
	t.Helper()

	cfg, err := config.Parse([]byte(testConfig + extraYAML))
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "gw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	repo := &fakeRepo{accounts: []*account.Account{{
		ID:             "acct-1",
		Platform:       account.PlatformAntigravity,
		Status:         account.StatusActive,
		Schedulable:    true,
		AccessToken:    "tok",
		TokenExpiresAt: time.Now().Add(time.Hour),
	}}}
	selector := account.NewSelector(repo, st, st, nil, nil)

	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled: cfg.Monitoring.Enabled,
		LogPath: cfg.Monitoring.LogPath,
	})
	require.NoError(t, err)

	providers := map[string]upstream.Provider{account.PlatformAntigravity: provider}
	return New(cfg, st, selector, session.NewResolver(st), sigcache.New(st), providers, tracker)
}

func post(h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const helloBody = `{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`

func TestMessagesNonStreaming(t *testing.T) {
	g := newTestGateway(t, &fakeProvider{status: http.StatusOK}, "")

	rec := post(g.Handler(), helloBody, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, "message", gjson.Get(body, "type").String())
	assert.Equal(t, "claude-sonnet-4-5", gjson.Get(body, "model").String())
	assert.Equal(t, "hello from upstream", gjson.Get(body, "content.0.text").String())
	assert.Equal(t, "end_turn", gjson.Get(body, "stop_reason").String())
	assert.Equal(t, int64(4), gjson.Get(body, "usage.output_tokens").Int())
}

func TestMessagesStreaming(t *testing.T) {
	g := newTestGateway(t, &fakeProvider{status: http.StatusOK}, "")

	body := `{"model":"claude-sonnet-4-5","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := post(g.Handler(), body, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	transcript := rec.Body.String()
	assert.Contains(t, transcript, "event: message_start")
	assert.Contains(t, transcript, `"text_delta","text":"hello from upstream"`)
	assert.Contains(t, transcript, "event: message_stop")
}

func TestMalformedBodyRejected(t *testing.T) {
	g := newTestGateway(t, &fakeProvider{status: http.StatusOK}, "")

	rec := post(g.Handler(), `{broken`, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_error", gjson.Get(rec.Body.String(), "error.type").String())
}

func TestUnroutedModelRejected(t *testing.T) {
	g := newTestGateway(t, &fakeProvider{status: http.StatusOK}, "")

	body := `{"model":"unknown-model","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	rec := post(g.Handler(), body, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, gjson.Get(rec.Body.String(), "error.message").String(), "no route")
}

func TestAPIKeyEnforced(t *testing.T) {
	extra := "server:\n  api_keys: [sk-test]\n"
	g := newTestGateway(t, &fakeProvider{status: http.StatusOK}, extra)

	rec := post(g.Handler(), helloBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(g.Handler(), helloBody, map[string]string{"x-api-key": "sk-test"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = post(g.Handler(), helloBody, map[string]string{"Authorization": "Bearer sk-test"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpstreamRateLimitExhaustsPool(t *testing.T) {
	provider := &fakeProvider{status: http.StatusTooManyRequests}
	g := newTestGateway(t, provider, "")

	rec := post(g.Handler(), helloBody, nil)

	// The only account goes on cooldown; the retry finds nothing left.
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "overloaded_error", gjson.Get(rec.Body.String(), "error.type").String())
	assert.Equal(t, 1, provider.calls)
}

func TestUpstreamBadRequestNotRetried(t *testing.T) {
	provider := &fakeProvider{status: http.StatusBadRequest}
	g := newTestGateway(t, provider, "")

	rec := post(g.Handler(), helloBody, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, provider.calls)
}

func TestSignatureLookupsReachConverter(t *testing.T) {
	provider := &fakeProvider{status: http.StatusOK}
	g := newTestGateway(t, provider, "")

	ctx := context.Background()
	const sig = "cached-signature-abcdef1234567890"
	g.sigs.Remember(ctx, sig, "claude-sonnet-4-5")
	g.sigs.RememberToolCall(ctx, "toolu_cached", sig)

	rec := post(g.Handler(), helloBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, provider.lastOpts.ToolSignature)
	require.NotNil(t, provider.lastOpts.SessionSignature)
	assert.Equal(t, sig, provider.lastOpts.ToolSignature("toolu_cached"))
	assert.Empty(t, provider.lastOpts.ToolSignature("toolu_unknown"))
}

func TestTelemetryRecordsStreamSizes(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "requests.jsonl")
	extra := "monitoring:\n  enabled: true\n  log_path: " + logPath + "\n"
	g := newTestGateway(t, &fakeProvider{status: http.StatusOK}, extra)

	rec := post(g.Handler(), helloBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The event is written off the request path.
	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(logPath)
		if err != nil {
			return false
		}
		line := string(data)
		return strings.Contains(line, `"upstream_bytes":`) && strings.Contains(line, `"sse_bytes":`)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	g := newTestGateway(t, &fakeProvider{status: http.StatusOK}, "server:\n  host: 127.0.0.1\n")
	g.cfg.Server.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after context cancellation")
	}
}

func TestGlobalBudgetCapReturnsRateLimit(t *testing.T) {
	extra := "cost_control:\n  enabled: true\n  global_cap: 1.0\n"
	provider := &fakeProvider{status: http.StatusOK}
	g := newTestGateway(t, provider, extra)
	g.costs.RecordCost("acct-1", "claude-sonnet-4-5", 2.0)

	rec := post(g.Handler(), helloBody, nil)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limit_error", gjson.Get(rec.Body.String(), "error.type").String())
	assert.Equal(t, 0, provider.calls)
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t, &fakeProvider{status: http.StatusOK}, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", gjson.Get(rec.Body.String(), "status").String())
}

func TestStatsLoopbackOnly(t *testing.T) {
	g := newTestGateway(t, &fakeProvider{status: http.StatusOK}, "")

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.RemoteAddr = "203.0.113.9:4711"
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.RemoteAddr = "127.0.0.1:4711"
	rec = httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "gateway").Exists())
}
