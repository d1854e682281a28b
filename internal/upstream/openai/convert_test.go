package openai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/polyrelay/account-gateway/internal/unified"
	"github.com/polyrelay/account-gateway/internal/upstream"
)

func baseRequest() *unified.Request {
	return &unified.Request{
		Model: "gpt-5",
		System: unified.SystemPrompt{
			{Type: unified.BlockText, Text: "You are terse."},
		},
		Messages: []unified.Message{
			{Role: "user", Content: unified.BlockContent{{Type: unified.BlockText, Text: "hello"}}},
		},
		MaxTokens: 512,
	}
}

func convert(t *testing.T, req *unified.Request, opts upstream.ConvertOptions) string {
	t.Helper()
	p := New(nil, "")
	cr, err := p.Convert(req, opts)
	require.NoError(t, err)
	return string(cr.Body)
}

func TestResponsesBodyShape(t *testing.T) {
	body := convert(t, baseRequest(), upstream.ConvertOptions{UpstreamModel: "gpt-5"})

	assert.Equal(t, "gpt-5", gjson.Get(body, "model").String())
	assert.False(t, gjson.Get(body, "store").Bool())
	assert.True(t, gjson.Get(body, "stream").Bool())
	assert.Equal(t, "You are terse.", gjson.Get(body, "instructions").String())
	assert.Equal(t, int64(512), gjson.Get(body, "max_output_tokens").Int())

	assert.Equal(t, "message", gjson.Get(body, "input.0.type").String())
	assert.Equal(t, "user", gjson.Get(body, "input.0.role").String())
	assert.Equal(t, "input_text", gjson.Get(body, "input.0.content.0.type").String())
	assert.Equal(t, "hello", gjson.Get(body, "input.0.content.0.text").String())
}

func TestModelMapping(t *testing.T) {
	assert.Equal(t, "gpt-5-codex",
		gjson.Get(convert(t, baseRequest(), upstream.ConvertOptions{UpstreamModel: "gpt-5.1-codex-max"}), "model").String())
	assert.Equal(t, "gpt-5-mini",
		gjson.Get(convert(t, baseRequest(), upstream.ConvertOptions{UpstreamModel: "some-mini-variant"}), "model").String())
	assert.Equal(t, "o3",
		gjson.Get(convert(t, baseRequest(), upstream.ConvertOptions{UpstreamModel: "o3"}), "model").String())
	assert.Equal(t, "gpt-5",
		gjson.Get(convert(t, baseRequest(), upstream.ConvertOptions{UpstreamModel: "mystery"}), "model").String())
}

func TestReasoningOnlyWhenThinkingEnabled(t *testing.T) {
	req := baseRequest()
	req.Thinking = &unified.ThinkingConfig{Type: unified.ThinkingEnabled, Effort: "high"}
	body := convert(t, req, upstream.ConvertOptions{UpstreamModel: "gpt-5"})
	assert.Equal(t, "high", gjson.Get(body, "reasoning.effort").String())
	assert.Equal(t, "auto", gjson.Get(body, "reasoning.summary").String())

	req.Thinking = &unified.ThinkingConfig{Type: unified.ThinkingEnabled, Effort: "extreme"}
	body = convert(t, req, upstream.ConvertOptions{UpstreamModel: "gpt-5"})
	assert.Equal(t, "medium", gjson.Get(body, "reasoning.effort").String())

	req.Thinking = &unified.ThinkingConfig{Type: unified.ThinkingDisabled}
	body = convert(t, req, upstream.ConvertOptions{UpstreamModel: "gpt-5"})
	assert.False(t, gjson.Get(body, "reasoning").Exists())
}

func TestAssistantTextUsesOutputType(t *testing.T) {
	req := baseRequest()
	req.Messages = append(req.Messages, unified.Message{
		Role:    "assistant",
		Content: unified.BlockContent{{Type: unified.BlockText, Text: "hi there"}},
	})
	body := convert(t, req, upstream.ConvertOptions{UpstreamModel: "gpt-5"})

	assert.Equal(t, "output_text", gjson.Get(body, "input.1.content.0.type").String())
	assert.Equal(t, "hi there", gjson.Get(body, "input.1.content.0.text").String())
}

func TestFunctionCallInterleaving(t *testing.T) {
	req := baseRequest()
	req.Messages = append(req.Messages,
		unified.Message{Role: "assistant", Content: unified.BlockContent{
			{Type: unified.BlockText, Text: "checking"},
			{Type: unified.BlockToolUse, ID: "call_1", Name: "search", Input: json.RawMessage(`{"q":"go"}`)},
		}},
		unified.Message{Role: "user", Content: unified.BlockContent{
			{Type: unified.BlockToolResult, ToolUseID: "call_1", Content: unified.BlockContent{
				{Type: unified.BlockText, Text: "3 hits"},
			}},
		}},
	)
	body := convert(t, req, upstream.ConvertOptions{UpstreamModel: "gpt-5"})

	// Text before the call is flushed as a message item, then the call,
	// then the result as its own item.
	assert.Equal(t, "message", gjson.Get(body, "input.1.type").String())
	assert.Equal(t, "checking", gjson.Get(body, "input.1.content.0.text").String())
	assert.Equal(t, "function_call", gjson.Get(body, "input.2.type").String())
	assert.Equal(t, "call_1", gjson.Get(body, "input.2.call_id").String())
	assert.Equal(t, "search", gjson.Get(body, "input.2.name").String())
	assert.Equal(t, `{"q":"go"}`, gjson.Get(body, "input.2.arguments").String())
	assert.Equal(t, "function_call_output", gjson.Get(body, "input.3.type").String())
	assert.Equal(t, "call_1", gjson.Get(body, "input.3.call_id").String())
	assert.Equal(t, "3 hits", gjson.Get(body, "input.3.output").String())
}

func TestInvalidToolInputBecomesEmptyArguments(t *testing.T) {
	req := baseRequest()
	req.Messages = append(req.Messages, unified.Message{
		Role: "assistant",
		Content: unified.BlockContent{
			{Type: unified.BlockToolUse, ID: "call_9", Name: "noop", Input: json.RawMessage(`{broken`)},
		},
	})
	body := convert(t, req, upstream.ConvertOptions{UpstreamModel: "gpt-5"})
	assert.Equal(t, "{}", gjson.Get(body, "input.1.arguments").String())
}

func TestToolsDeclared(t *testing.T) {
	req := baseRequest()
	req.Tools = []unified.Tool{{
		Name:        "mcp__files__read_file_from_the_project_workspace_with_validation",
		Description: "Reads a file.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","format":"uri"}},"$schema":"x"}`),
	}}
	body := convert(t, req, upstream.ConvertOptions{UpstreamModel: "gpt-5"})

	assert.Equal(t, "function", gjson.Get(body, "tools.0.type").String())
	name := gjson.Get(body, "tools.0.name").String()
	assert.LessOrEqual(t, len(name), 64)
	assert.Contains(t, name, "mcp__")
	assert.Equal(t, "Reads a file.", gjson.Get(body, "tools.0.description").String())
	assert.False(t, gjson.Get(body, "tools.0.strict").Bool())
	assert.False(t, gjson.Get(body, `tools.0.parameters.\$schema`).Exists())
	assert.False(t, gjson.Get(body, "tools.0.parameters.properties.path.format").Exists())
}

func TestImageOnlyForUserRole(t *testing.T) {
	req := baseRequest()
	req.Messages[0].Content = append(req.Messages[0].Content, unified.ContentBlock{
		Type:   unified.BlockImage,
		Source: &unified.MediaSource{Type: "base64", MediaType: "image/png", Data: "aGk="},
	})
	body := convert(t, req, upstream.ConvertOptions{UpstreamModel: "gpt-5"})
	assert.Equal(t, "input_image", gjson.Get(body, "input.0.content.1.type").String())
	assert.Equal(t, "data:image/png;base64,aGk=", gjson.Get(body, "input.0.content.1.image_url").String())

	req = baseRequest()
	req.Messages = append(req.Messages, unified.Message{
		Role: "assistant",
		Content: unified.BlockContent{
			{Type: unified.BlockImage, Source: &unified.MediaSource{Type: "base64", MediaType: "image/png", Data: "aGk="}},
		},
	})
	body = convert(t, req, upstream.ConvertOptions{UpstreamModel: "gpt-5"})
	assert.False(t, gjson.Get(body, "input.1").Exists())
}

func TestThinkingBlocksNotReplayed(t *testing.T) {
	req := baseRequest()
	req.Messages = append(req.Messages, unified.Message{
		Role: "assistant",
		Content: unified.BlockContent{
			{Type: unified.BlockThinking, Thinking: "private"},
			{Type: unified.BlockText, Text: "public"},
		},
	})
	body := convert(t, req, upstream.ConvertOptions{UpstreamModel: "gpt-5"})

	assert.Equal(t, 1, int(gjson.Get(body, "input.1.content.#").Int()))
	assert.Equal(t, "public", gjson.Get(body, "input.1.content.0.text").String())
	assert.NotContains(t, body, "private")
}

func TestDefaultMaxTokens(t *testing.T) {
	req := baseRequest()
	req.MaxTokens = 0
	body := convert(t, req, upstream.ConvertOptions{UpstreamModel: "gpt-5"})
	assert.Greater(t, gjson.Get(body, "max_output_tokens").Int(), int64(0))
}
