package antigravity

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/polyrelay/account-gateway/internal/unified"
	"github.com/polyrelay/account-gateway/internal/upstream"
)

func baseRequest() *unified.Request {
	return &unified.Request{
		Model: "claude-sonnet-4-5",
		System: unified.SystemPrompt{
			{Type: unified.BlockText, Text: "You are terse."},
		},
		Messages: []unified.Message{
			{Role: "user", Content: unified.BlockContent{{Type: unified.BlockText, Text: "hello"}}},
		},
	}
}

func convert(t *testing.T, req *unified.Request, opts upstream.ConvertOptions) string {
	t.Helper()
	p := New(nil, nil)
	cr, err := p.Convert(req, opts)
	require.NoError(t, err)
	return string(cr.Body)
}

func TestEnvelopeShape(t *testing.T) {
	body := convert(t, baseRequest(), upstream.ConvertOptions{UpstreamModel: "claude-sonnet-4-5"})

	assert.Equal(t, "claude-sonnet-4-5", gjson.Get(body, "model").String())
	assert.Equal(t, "antigravity", gjson.Get(body, "userAgent").String())
	assert.Equal(t, "agent", gjson.Get(body, "requestType").String())
	assert.NotEmpty(t, gjson.Get(body, "requestId").String())

	assert.Equal(t, "You are terse.", gjson.Get(body, "request.systemInstruction.parts.0.text").String())
	assert.Equal(t, "user", gjson.Get(body, "request.contents.0.role").String())
	assert.Equal(t, "hello", gjson.Get(body, "request.contents.0.parts.0.text").String())
}

func TestUnknownModelGetsDefault(t *testing.T) {
	body := convert(t, baseRequest(), upstream.ConvertOptions{UpstreamModel: "mystery-model"})
	assert.Equal(t, "claude-sonnet-4-5", gjson.Get(body, "model").String())
}

func TestThinkingConfigOnlyWhenEnabled(t *testing.T) {
	req := baseRequest()
	req.Thinking = &unified.ThinkingConfig{Type: unified.ThinkingEnabled, BudgetTokens: 2048}
	body := convert(t, req, upstream.ConvertOptions{UpstreamModel: "claude-sonnet-4-5"})
	assert.True(t, gjson.Get(body, "request.generationConfig.thinkingConfig.includeThoughts").Bool())
	assert.Equal(t, int64(2048), gjson.Get(body, "request.generationConfig.thinkingConfig.thinkingBudget").Int())

	req.Thinking = &unified.ThinkingConfig{Type: unified.ThinkingDisabled, Effort: "high"}
	body = convert(t, req, upstream.ConvertOptions{UpstreamModel: "claude-sonnet-4-5"})
	assert.False(t, gjson.Get(body, "request.generationConfig.thinkingConfig").Exists())
}

func TestSignatureGatedByPredicate(t *testing.T) {
	req := baseRequest()
	req.Messages = append(req.Messages, unified.Message{
		Role: "assistant",
		Content: unified.BlockContent{
			{Type: unified.BlockThinking, Thinking: "planning", Signature: "sig-ok"},
			{Type: unified.BlockThinking, Thinking: "more", Signature: "sig-bad"},
		},
	})

	opts := upstream.ConvertOptions{
		UpstreamModel: "claude-sonnet-4-5",
		SignatureOK:   func(sig string) bool { return sig == "sig-ok" },
	}
	body := convert(t, req, opts)
	parts := gjson.Get(body, "request.contents.1.parts")
	assert.Equal(t, "sig-ok", parts.Get("0.thoughtSignature").String())
	assert.False(t, parts.Get("1.thoughtSignature").Exists())
	assert.True(t, parts.Get("1.thought").Bool())
}

func TestSessionSignatureFallbackForThinking(t *testing.T) {
	req := baseRequest()
	req.Messages = append(req.Messages, unified.Message{
		Role: "assistant",
		Content: unified.BlockContent{
			{Type: unified.BlockThinking, Thinking: "planning", Signature: "sig-foreign"},
			{Type: unified.BlockThinking, Thinking: "more"},
		},
	})

	var askedCount int
	opts := upstream.ConvertOptions{
		UpstreamModel: "claude-sonnet-4-5",
		SignatureOK:   func(string) bool { return false },
		SessionSignature: func(messageCount int) string {
			askedCount = messageCount
			return "sig-from-cache"
		},
	}
	body := convert(t, req, opts)
	parts := gjson.Get(body, "request.contents.1.parts")
	assert.Equal(t, "sig-from-cache", parts.Get("0.thoughtSignature").String())
	assert.Equal(t, "sig-from-cache", parts.Get("1.thoughtSignature").String())
	assert.Equal(t, len(req.Messages), askedCount)
}

func TestToolSignatureAttachedToReplayedCall(t *testing.T) {
	req := baseRequest()
	req.Messages = append(req.Messages,
		unified.Message{Role: "assistant", Content: unified.BlockContent{
			{Type: unified.BlockToolUse, ID: "toolu_7", Name: "f", Input: json.RawMessage(`{}`)},
		}},
		unified.Message{Role: "user", Content: unified.BlockContent{
			{Type: unified.BlockToolResult, ToolUseID: "toolu_7", Content: unified.BlockContent{{Type: unified.BlockText, Text: "ok"}}},
		}},
	)

	opts := upstream.ConvertOptions{
		UpstreamModel: "claude-sonnet-4-5",
		ToolSignature: func(toolUseID string) string {
			if toolUseID == "toolu_7" {
				return "sig-for-toolu7"
			}
			return ""
		},
	}
	body := convert(t, req, opts)
	part := gjson.Get(body, "request.contents.1.parts.0")
	assert.Equal(t, "f", part.Get("functionCall.name").String())
	assert.Equal(t, "sig-for-toolu7", part.Get("thoughtSignature").String())
}

func TestToolDeclarationsCleanedAndShortened(t *testing.T) {
	longName := strings.Repeat("n", 80) + "mcp__srv__fetch"
	req := baseRequest()
	req.Tools = []unified.Tool{{
		Name:        longName,
		Description: "fetches",
		InputSchema: json.RawMessage(`{"type":"object","$schema":"draft","properties":{"u":{"type":"string","format":"uri"}}}`),
	}}

	body := convert(t, req, upstream.ConvertOptions{UpstreamModel: "claude-sonnet-4-5"})
	decl := gjson.Get(body, "request.tools.0.functionDeclarations.0")
	assert.Equal(t, "mcp__srv__fetch", decl.Get("name").String())
	assert.False(t, decl.Get("parameters.\\$schema").Exists())
	assert.False(t, decl.Get("parameters.properties.u.format").Exists())
	assert.Equal(t, "VALIDATED", gjson.Get(body, "request.toolConfig.functionCallingConfig.mode").String())
}

func TestNoToolConfigForGemini(t *testing.T) {
	req := baseRequest()
	req.Tools = []unified.Tool{{Name: "f", InputSchema: json.RawMessage(`{"type":"object"}`)}}
	body := convert(t, req, upstream.ConvertOptions{UpstreamModel: "gemini-3-pro"})
	assert.Equal(t, "gemini-3-pro-preview", gjson.Get(body, "model").String())
	assert.False(t, gjson.Get(body, "request.toolConfig").Exists())
}

func TestToolRoundTrip(t *testing.T) {
	req := baseRequest()
	req.Messages = []unified.Message{
		{Role: "user", Content: unified.BlockContent{{Type: unified.BlockText, Text: "weather?"}}},
		{Role: "assistant", Content: unified.BlockContent{
			{Type: unified.BlockToolUse, ID: "toolu_1", Name: "get_weather", Input: json.RawMessage(`{"city":"Oslo"}`)},
		}},
		{Role: "user", Content: unified.BlockContent{
			{Type: unified.BlockToolResult, ToolUseID: "toolu_1", Content: unified.BlockContent{{Type: unified.BlockText, Text: "rainy"}}},
		}},
	}

	body := convert(t, req, upstream.ConvertOptions{UpstreamModel: "claude-sonnet-4-5"})
	call := gjson.Get(body, "request.contents.1.parts.0.functionCall")
	assert.Equal(t, "get_weather", call.Get("name").String())
	assert.Equal(t, "Oslo", call.Get("args.city").String())

	resp := gjson.Get(body, "request.contents.2.parts.0.functionResponse")
	assert.Equal(t, "get_weather", resp.Get("name").String())
	assert.Equal(t, "rainy", resp.Get("response.output").String())
}

func TestErrorToolResultUsesErrorKey(t *testing.T) {
	req := baseRequest()
	req.Messages = []unified.Message{
		{Role: "assistant", Content: unified.BlockContent{{Type: unified.BlockToolUse, ID: "toolu_1", Name: "f"}}},
		{Role: "user", Content: unified.BlockContent{
			{Type: unified.BlockToolResult, ToolUseID: "toolu_1", IsError: true, Content: unified.BlockContent{{Type: unified.BlockText, Text: "boom"}}},
		}},
	}
	body := convert(t, req, upstream.ConvertOptions{UpstreamModel: "claude-sonnet-4-5"})
	assert.Equal(t, "boom", gjson.Get(body, "request.contents.1.parts.0.functionResponse.response.error").String())
}

func TestOrphanToolResultDegradesToText(t *testing.T) {
	req := baseRequest()
	req.Messages = []unified.Message{
		{Role: "user", Content: unified.BlockContent{
			{Type: unified.BlockToolResult, ToolUseID: "toolu_ghost", Content: unified.BlockContent{{Type: unified.BlockText, Text: "stale"}}},
		}},
	}
	body := convert(t, req, upstream.ConvertOptions{UpstreamModel: "claude-sonnet-4-5"})
	text := gjson.Get(body, "request.contents.0.parts.0.text").String()
	assert.Contains(t, text, "stale")
	assert.False(t, gjson.Get(body, "request.contents.0.parts.0.functionResponse").Exists())
}

func TestSessionIDStableAcrossRetries(t *testing.T) {
	req := baseRequest()
	a := convert(t, req, upstream.ConvertOptions{UpstreamModel: "claude-sonnet-4-5"})
	b := convert(t, req, upstream.ConvertOptions{UpstreamModel: "claude-sonnet-4-5"})
	sid := gjson.Get(a, "request.sessionId").String()
	assert.NotEmpty(t, sid)
	assert.Equal(t, sid, gjson.Get(b, "request.sessionId").String())

	// A resolver-provided id wins.
	c := convert(t, req, upstream.ConvertOptions{UpstreamModel: "claude-sonnet-4-5", SessionID: "resolved-key"})
	assert.Equal(t, "resolved-key", gjson.Get(c, "request.sessionId").String())
}

func TestUnsupportedAttachmentOmitted(t *testing.T) {
	req := baseRequest()
	req.Messages = []unified.Message{
		{Role: "user", Content: unified.BlockContent{
			{Type: unified.BlockImage, Source: &unified.MediaSource{Type: "base64", MediaType: "image/tiff", Data: "AAAA"}},
		}},
	}
	body := convert(t, req, upstream.ConvertOptions{UpstreamModel: "claude-sonnet-4-5"})
	assert.Contains(t, gjson.Get(body, "request.contents.0.parts.0.text").String(), "unsupported")
}
