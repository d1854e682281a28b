package antigravity

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/polyrelay/account-gateway/internal/config"
	"github.com/polyrelay/account-gateway/internal/unified"
	"github.com/polyrelay/account-gateway/internal/upstream"
	"github.com/polyrelay/account-gateway/internal/utils"
)

var modelTable = map[string]string{
	"claude-sonnet-4-5":    "claude-sonnet-4-5",
	"claude-opus-4-5":      "claude-opus-4-5",
	"claude-haiku-4-5":     "claude-haiku-4-5",
	"gemini-3-pro":         "gemini-3-pro-preview",
	"gemini-3-pro-preview": "gemini-3-pro-preview",
	"gemini-2.5-pro":       "gemini-2.5-pro",
	"gemini-2.5-flash":     "gemini-2.5-flash",
}

var modelRules = []upstream.FamilyRule{
	{Substr: "opus", Target: "claude-opus-4-5"},
	{Substr: "haiku", Target: "claude-haiku-4-5"},
	{Substr: "sonnet", Target: "claude-sonnet-4-5"},
	{Substr: "flash", Target: "gemini-2.5-flash"},
	{Substr: "gemini", Target: "gemini-3-pro-preview"},
}

const defaultModel = "claude-sonnet-4-5"

// mediaTypes the upstream accepts as inline data.
var supportedMedia = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"image/gif":       true,
	"application/pdf": true,
}

// Convert maps a unified request onto the internal generateContent
// envelope. Pure: all request-scoped state lands in the ConvertResult.
func (p *Provider) Convert(req *unified.Request, opts upstream.ConvertOptions) (*upstream.ConvertResult, error) {
	model := upstream.MapModel(opts.UpstreamModel, modelTable, modelRules, defaultModel)

	var toolNames []string
	for _, t := range req.Tools {
		toolNames = append(toolNames, t.Name)
	}
	names := upstream.NewNameMap(toolNames)

	inner := `{}`
	inner, _ = sjson.SetRaw(inner, "contents", `[]`)

	if sys := req.System.Text(); sys != "" {
		inner, _ = sjson.Set(inner, "systemInstruction.parts.0.text", sys)
		inner, _ = sjson.Set(inner, "systemInstruction.role", "user")
	}

	// functionResponse parts need the tool name, keyed by tool_use id.
	toolNameByID := map[string]string{}

	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		parts := `[]`
		for _, b := range m.Content {
			switch b.Type {
			case unified.BlockText:
				parts, _ = sjson.SetRaw(parts, "-1", mustJSON(map[string]any{"text": b.Text}))

			case unified.BlockThinking:
				part := map[string]any{"text": b.Thinking, "thought": true}
				if sig := replaySignature(b.Signature, len(req.Messages), opts); sig != "" {
					part["thoughtSignature"] = sig
				}
				parts, _ = sjson.SetRaw(parts, "-1", mustJSON(part))

			case unified.BlockRedactedThinking:
				// Redacted thinking has no upstream representation.

			case unified.BlockImage, unified.BlockDocument:
				if b.Source == nil || b.Source.Data == "" || !supportedMedia[b.Source.MediaType] {
					parts, _ = sjson.SetRaw(parts, "-1", mustJSON(map[string]any{
						"text": fmt.Sprintf("[unsupported %s attachment omitted]", b.Type),
					}))
					continue
				}
				parts, _ = sjson.SetRaw(parts, "-1", mustJSON(map[string]any{
					"inlineData": map[string]any{
						"mimeType": b.Source.MediaType,
						"data":     b.Source.Data,
					},
				}))

			case unified.BlockToolUse:
				toolNameByID[b.ID] = b.Name
				args := "{}"
				if len(b.Input) > 0 && gjson.ValidBytes(b.Input) {
					args = string(b.Input)
				}
				part := fmt.Sprintf(`{"functionCall":{"name":%q,"args":%s}}`, names.Shorten(b.Name), args)
				if opts.ToolSignature != nil {
					if sig := opts.ToolSignature(b.ID); sig != "" {
						part, _ = sjson.Set(part, "thoughtSignature", sig)
					}
				}
				parts, _ = sjson.SetRaw(parts, "-1", part)

			case unified.BlockToolResult:
				name, known := toolNameByID[b.ToolUseID]
				if !known {
					parts, _ = sjson.SetRaw(parts, "-1", mustJSON(map[string]any{
						"text": "[tool result without a matching call] " + b.Content.Text(),
					}))
					continue
				}
				key := "output"
				if b.IsError {
					key = "error"
				}
				part := map[string]any{
					"functionResponse": map[string]any{
						"name":     names.Shorten(name),
						"response": map[string]any{key: b.Content.Text()},
					},
				}
				parts, _ = sjson.SetRaw(parts, "-1", mustJSON(part))
			}
		}
		if parts == `[]` {
			continue
		}
		entry, _ := sjson.Set(`{}`, "role", role)
		entry, _ = sjson.SetRaw(entry, "parts", parts)
		inner, _ = sjson.SetRaw(inner, "contents.-1", entry)
	}

	if len(req.Tools) > 0 {
		decls := `[]`
		for _, t := range req.Tools {
			desc := t.Description
			if len(desc) > config.MaxToolDescriptionLength {
				desc = desc[:config.MaxToolDescriptionLength]
			}
			d, _ := sjson.Set(`{}`, "name", names.Shorten(t.Name))
			if desc != "" {
				d, _ = sjson.Set(d, "description", desc)
			}
			schema := upstream.CleanJSONSchema(t.InputSchema)
			if len(schema) > 0 && gjson.ValidBytes(schema) {
				d, _ = sjson.SetRaw(d, "parameters", string(schema))
			}
			decls, _ = sjson.SetRaw(decls, "-1", d)
		}
		inner, _ = sjson.SetRaw(inner, "tools.0.functionDeclarations", decls)
		if strings.HasPrefix(model, "claude") {
			inner, _ = sjson.Set(inner, "toolConfig.functionCallingConfig.mode", "VALIDATED")
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = config.DefaultMaxTokens
	}
	inner, _ = sjson.Set(inner, "generationConfig.maxOutputTokens", maxTokens)
	if req.Temperature != nil {
		inner, _ = sjson.Set(inner, "generationConfig.temperature", *req.Temperature)
	}
	if req.TopP != nil {
		inner, _ = sjson.Set(inner, "generationConfig.topP", *req.TopP)
	}
	if req.Thinking.Enabled() {
		inner, _ = sjson.Set(inner, "generationConfig.thinkingConfig.includeThoughts", true)
		if req.Thinking.BudgetTokens > 0 {
			inner, _ = sjson.Set(inner, "generationConfig.thinkingConfig.thinkingBudget", req.Thinking.BudgetTokens)
		}
	}

	inner, _ = sjson.Set(inner, "sessionId", sessionID(req, opts.SessionID))

	// The internal API wraps the generateContent body in a routing envelope;
	// project is filled per account at call time.
	envelope, _ := sjson.Set(`{}`, "model", model)
	envelope, _ = sjson.Set(envelope, "userAgent", "antigravity")
	envelope, _ = sjson.Set(envelope, "requestType", "agent")
	envelope, _ = sjson.Set(envelope, "requestId", uuid.NewString())
	envelope, _ = sjson.SetRaw(envelope, "request", inner)

	return &upstream.ConvertResult{
		Body:          []byte(envelope),
		Names:         names,
		UpstreamModel: model,
		Thinking:      req.Thinking.Enabled(),
	}, nil
}

// replaySignature picks the signature to attach to a replayed thinking
// block: the block's own when the account can accept it, otherwise the
// cached session-level signature for this conversation.
func replaySignature(blockSig string, messageCount int, opts upstream.ConvertOptions) string {
	if blockSig != "" && opts.SignatureOK != nil && opts.SignatureOK(blockSig) {
		return blockSig
	}
	if opts.SessionSignature != nil {
		return opts.SessionSignature(messageCount)
	}
	return ""
}

// sessionID prefers the resolver-provided id and otherwise derives a stable
// id from the first user text so retries of one conversation agree.
func sessionID(req *unified.Request, resolved string) string {
	if resolved != "" {
		return resolved
	}
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		if text := m.Content.Text(); text != "" {
			sum := sha256.Sum256([]byte(text))
			n := int64(binary.BigEndian.Uint64(sum[:8]) &^ (1 << 63))
			return fmt.Sprintf("-%d", n)
		}
	}
	return uuid.NewString()
}

func mustJSON(v map[string]any) string {
	b, err := utils.MarshalNoEscape(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
