package openai

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/polyrelay/account-gateway/internal/config"
	"github.com/polyrelay/account-gateway/internal/unified"
	"github.com/polyrelay/account-gateway/internal/upstream"
)

var modelTable = map[string]string{
	"gpt-5":       "gpt-5",
	"gpt-5-codex": "gpt-5-codex",
	"gpt-5-mini":  "gpt-5-mini",
	"o3":          "o3",
	"o4-mini":     "o4-mini",
}

var modelRules = []upstream.FamilyRule{
	{Substr: "codex", Target: "gpt-5-codex"},
	{Substr: "mini", Target: "gpt-5-mini"},
	{Substr: "gpt", Target: "gpt-5"},
}

const defaultModel = "gpt-5"

// effortLevels accepted by the upstream's reasoning config.
var effortLevels = map[string]bool{"minimal": true, "low": true, "medium": true, "high": true}

// Convert maps a unified request onto the Responses input-item shape.
// Function-call arguments stay JSON-encoded strings, which is what the
// upstream expects on both input and output.
func (p *Provider) Convert(req *unified.Request, opts upstream.ConvertOptions) (*upstream.ConvertResult, error) {
	model := upstream.MapModel(opts.UpstreamModel, modelTable, modelRules, defaultModel)

	var toolNames []string
	for _, t := range req.Tools {
		toolNames = append(toolNames, t.Name)
	}
	names := upstream.NewNameMap(toolNames)

	body, _ := sjson.Set(`{}`, "model", model)
	body, _ = sjson.Set(body, "store", false)
	body, _ = sjson.Set(body, "stream", true)

	if sys := req.System.Text(); sys != "" {
		body, _ = sjson.Set(body, "instructions", sys)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = config.DefaultMaxTokens
	}
	body, _ = sjson.Set(body, "max_output_tokens", maxTokens)

	if req.Thinking.Enabled() {
		effort := "medium"
		if effortLevels[req.Thinking.Effort] {
			effort = req.Thinking.Effort
		}
		body, _ = sjson.Set(body, "reasoning.effort", effort)
		body, _ = sjson.Set(body, "reasoning.summary", "auto")
	}

	input := `[]`
	for _, m := range req.Messages {
		role := m.Role
		contentType := "input_text"
		if role == "assistant" {
			contentType = "output_text"
		}

		content := `[]`
		for _, b := range m.Content {
			switch b.Type {
			case unified.BlockText:
				item, _ := sjson.Set(`{}`, "type", contentType)
				item, _ = sjson.Set(item, "text", b.Text)
				content, _ = sjson.SetRaw(content, "-1", item)

			case unified.BlockThinking, unified.BlockRedactedThinking:
				// Reasoning items cannot be replayed without upstream ids.

			case unified.BlockImage:
				if b.Source == nil || b.Source.Data == "" || role != "user" {
					continue
				}
				item, _ := sjson.Set(`{}`, "type", "input_image")
				item, _ = sjson.Set(item, "image_url",
					fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data))
				content, _ = sjson.SetRaw(content, "-1", item)

			case unified.BlockDocument:
				item, _ := sjson.Set(`{}`, "type", contentType)
				item, _ = sjson.Set(item, "text", "[document attachment omitted]")
				content, _ = sjson.SetRaw(content, "-1", item)

			case unified.BlockToolUse:
				args := "{}"
				if len(b.Input) > 0 && gjson.ValidBytes(b.Input) {
					args = string(b.Input)
				}
				call, _ := sjson.Set(`{}`, "type", "function_call")
				call, _ = sjson.Set(call, "call_id", b.ID)
				call, _ = sjson.Set(call, "name", names.Shorten(b.Name))
				call, _ = sjson.Set(call, "arguments", args)
				input = flushContent(&content, input, role)
				input, _ = sjson.SetRaw(input, "-1", call)

			case unified.BlockToolResult:
				out, _ := sjson.Set(`{}`, "type", "function_call_output")
				out, _ = sjson.Set(out, "call_id", b.ToolUseID)
				out, _ = sjson.Set(out, "output", b.Content.Text())
				input = flushContent(&content, input, role)
				input, _ = sjson.SetRaw(input, "-1", out)
			}
		}
		input = flushContent(&content, input, role)
	}
	body, _ = sjson.SetRaw(body, "input", input)

	if len(req.Tools) > 0 {
		tools := `[]`
		for _, t := range req.Tools {
			desc := t.Description
			if len(desc) > config.MaxToolDescriptionLength {
				desc = desc[:config.MaxToolDescriptionLength]
			}
			tool, _ := sjson.Set(`{}`, "type", "function")
			tool, _ = sjson.Set(tool, "name", names.Shorten(t.Name))
			if desc != "" {
				tool, _ = sjson.Set(tool, "description", desc)
			}
			schema := upstream.CleanJSONSchema(t.InputSchema)
			if len(schema) == 0 || !gjson.ValidBytes(schema) {
				schema = []byte(`{"type":"object","properties":{}}`)
			}
			tool, _ = sjson.SetRaw(tool, "parameters", string(schema))
			tool, _ = sjson.Set(tool, "strict", false)
			tools, _ = sjson.SetRaw(tools, "-1", tool)
		}
		body, _ = sjson.SetRaw(body, "tools", tools)
	}

	return &upstream.ConvertResult{
		Body:          []byte(body),
		Names:         names,
		UpstreamModel: model,
		Thinking:      req.Thinking.Enabled(),
	}, nil
}

// flushContent appends any pending message content as a message item so
// interleaved function-call items keep their relative order.
func flushContent(content *string, input, role string) string {
	if *content == `[]` {
		return input
	}
	msg, _ := sjson.Set(`{}`, "type", "message")
	msg, _ = sjson.Set(msg, "role", role)
	msg, _ = sjson.SetRaw(msg, "content", *content)
	out, _ := sjson.SetRaw(input, "-1", msg)
	*content = `[]`
	return out
}
