package antigravity

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyrelay/account-gateway/internal/unified"
	"github.com/polyrelay/account-gateway/internal/upstream"
)

func transcode(t *testing.T, body string, model string) (*upstream.Result, string) {
	t.Helper()
	p := New(nil, nil)
	sw := unified.NewStreamWriter(context.Background(), nil)
	em := upstream.NewEmitter(sw, "claude-sonnet-4-5", nil)
	res, err := p.Transcode(context.Background(), strings.NewReader(body), em, &upstream.ConvertResult{UpstreamModel: model})
	require.NoError(t, err)
	return res, sw.Transcript()
}

func TestTextAndThinkingSplit(t *testing.T) {
	body := "" +
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"mull","thought":true,"thoughtSignature":"signature-abcdef1234567890"}]}}]}}` + "\n\n" +
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"answer"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":100,"candidatesTokenCount":20,"thoughtsTokenCount":5}}}` + "\n\n"

	res, transcript := transcode(t, body, "gemini-3-pro-preview")

	assert.Contains(t, transcript, `"thinking_delta","thinking":"mull"`)
	assert.Contains(t, transcript, `"signature_delta","signature":"signature-abcdef1234567890"`)
	assert.Contains(t, transcript, `"text_delta","text":"answer"`)
	assert.Equal(t, unified.StopEndTurn, res.StopReason)
	assert.Equal(t, 25, res.Usage.OutputTokens)
	// Gemini models use the nominal window; no rescale.
	assert.Equal(t, 100, res.Usage.InputTokens)
	assert.Equal(t, 100, res.RawUsage.InputTokens)
}

func TestClaudeInputRescaledToNominalWindow(t *testing.T) {
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]}}],"usageMetadata":{"promptTokenCount":100000,"cachedContentTokenCount":40000,"candidatesTokenCount":10}}}` + "\n\n"

	res, _ := transcode(t, body, "claude-sonnet-4-5")

	assert.Equal(t, 50000, res.Usage.InputTokens)
	assert.Equal(t, 20000, res.Usage.CacheReadInputTokens)
	assert.Equal(t, 100000, res.RawUsage.InputTokens)
	assert.Equal(t, 40000, res.RawUsage.CacheReadInputTokens)
}

func TestFunctionCallBecomesToolUse(t *testing.T) {
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"Oslo"}}}]},"finishReason":"STOP"}]}}` + "\n\n"

	res, transcript := transcode(t, body, "claude-sonnet-4-5")

	assert.Contains(t, transcript, `"name":"get_weather"`)
	assert.Contains(t, transcript, `input_json_delta`)
	assert.Equal(t, unified.StopToolUse, res.StopReason)
}

func TestFunctionCallSignatureFeedsCache(t *testing.T) {
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"f","args":{}},"thoughtSignature":"sig-on-call-abcdef1234567890"}]},"finishReason":"STOP"}]}}` + "\n\n"

	p := New(nil, nil)
	sw := unified.NewStreamWriter(context.Background(), nil)
	em := upstream.NewEmitter(sw, "claude-sonnet-4-5", nil)
	_, err := p.Transcode(context.Background(), strings.NewReader(body), em, &upstream.ConvertResult{UpstreamModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	sigs, toolSigs := em.Signatures()
	assert.Contains(t, sigs, "sig-on-call-abcdef1234567890")
	require.Len(t, toolSigs, 1)
	for _, sig := range toolSigs {
		assert.Equal(t, "sig-on-call-abcdef1234567890", sig)
	}
}

func TestFunctionCallSignatureStreamedOnOpenThinking(t *testing.T) {
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"text":"mull","thought":true},{"functionCall":{"name":"f","args":{}},"thoughtSignature":"sig-after-thinking-1234567890"}]},"finishReason":"STOP"}]}}` + "\n\n"

	_, transcript := transcode(t, body, "claude-sonnet-4-5")

	assert.Contains(t, transcript, `"signature_delta","signature":"sig-after-thinking-1234567890"`)
}

func TestMaxTokensReported(t *testing.T) {
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"text":"cut"}]},"finishReason":"MAX_TOKENS"}]}}` + "\n\n"
	res, _ := transcode(t, body, "claude-sonnet-4-5")
	assert.Equal(t, unified.StopMaxTokens, res.StopReason)
}

func TestToolUseDominatesMaxTokens(t *testing.T) {
	body := "" +
		`data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"f","args":{}}}]},"finishReason":"MAX_TOKENS"}]}}` + "\n\n"
	res, _ := transcode(t, body, "claude-sonnet-4-5")
	assert.Equal(t, unified.StopToolUse, res.StopReason)
}

func TestMalformedEventSkipped(t *testing.T) {
	body := "" +
		"data: {not json at all\n\n" +
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"fine"}]}}]}}` + "\n\n"

	res, transcript := transcode(t, body, "claude-sonnet-4-5")
	assert.Contains(t, transcript, `"text":"fine"`)
	assert.Contains(t, res.RawText, "not json")
	assert.Contains(t, transcript, "message_stop")
}

func TestStreamAlwaysTerminatesProtocol(t *testing.T) {
	// Upstream dies mid-block; the client stream still closes cleanly.
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"text":"partial"}]}}]}}` + "\n\n"
	_, transcript := transcode(t, body, "claude-sonnet-4-5")
	assert.Contains(t, transcript, "content_block_stop")
	assert.Contains(t, transcript, "message_delta")
	assert.Contains(t, transcript, "message_stop")
}
