package kiro

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/polyrelay/account-gateway/internal/config"
	"github.com/polyrelay/account-gateway/internal/unified"
	"github.com/polyrelay/account-gateway/internal/upstream"
)

var modelTable = map[string]string{
	"claude-sonnet-4-5":          "claude-sonnet-4.5",
	"claude-sonnet-4-5-20250929": "claude-sonnet-4.5",
	"claude-sonnet-4-0":          "claude-sonnet-4",
	"claude-opus-4-5":            "claude-opus-4.5",
	"claude-haiku-4-5":           "claude-haiku-4.5",
	"claude-3-5-haiku-20241022":  "claude-haiku-4.5",
}

var modelRules = []upstream.FamilyRule{
	{Substr: "opus", Target: "claude-opus-4.5"},
	{Substr: "haiku", Target: "claude-haiku-4.5"},
	{Substr: "sonnet", Target: "claude-sonnet-4.5"},
}

const defaultModel = "claude-sonnet-4.5"

// thinkingPrompt asks the model to externalize deliberation in tags the
// transcoder strips back out into thinking blocks.
const thinkingPrompt = "When reasoning through a problem, think step by step inside <thinking></thinking> tags before giving your final answer."

// imageFormats maps media types to the upstream's format tags.
var imageFormats = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpeg",
	"image/webp": "webp",
	"image/gif":  "gif",
}

// turn is one conversation entry after normalization, ready to serialize.
type turn struct {
	role        string
	content     strings.Builder
	images      []string // serialized image objects
	toolUses    []string // serialized toolUse objects (assistant)
	toolResults []string // serialized toolResult objects (user)
}

// Convert maps a unified request onto the conversationState body. With no
// declared tools, tool blocks are rewritten as text since the upstream
// rejects tool fields it was not offered; a tool result with no matching
// call likewise degrades to text.
func (p *Provider) Convert(req *unified.Request, opts upstream.ConvertOptions) (*upstream.ConvertResult, error) {
	model := upstream.MapModel(opts.UpstreamModel, modelTable, modelRules, defaultModel)

	var toolNames []string
	for _, t := range req.Tools {
		toolNames = append(toolNames, t.Name)
	}
	names := upstream.NewNameMap(toolNames)
	hasTools := len(req.Tools) > 0

	turns := buildTurns(req, names, hasTools)
	if len(turns) == 0 || turns[len(turns)-1].role != "user" {
		cont := &turn{role: "user"}
		cont.content.WriteString("Continue")
		turns = append(turns, cont)
	}

	// System prompt and the thinking instruction ride on the first user turn.
	var prefix strings.Builder
	if sys := req.System.Text(); sys != "" {
		prefix.WriteString(sys)
	}
	if req.Thinking.Enabled() {
		if prefix.Len() > 0 {
			prefix.WriteString("\n\n")
		}
		prefix.WriteString(thinkingPrompt)
	}
	if prefix.Len() > 0 {
		for _, t := range turns {
			if t.role == "user" {
				existing := t.content.String()
				t.content.Reset()
				t.content.WriteString(prefix.String())
				if existing != "" {
					t.content.WriteString("\n\n")
					t.content.WriteString(existing)
				}
				break
			}
		}
	}

	current := turns[len(turns)-1]
	history := turns[:len(turns)-1]

	state, _ := sjson.Set(`{}`, "conversationState.chatTriggerType", "MANUAL")
	state, _ = sjson.Set(state, "conversationState.conversationId", conversationID(opts.SessionID))

	historyJSON := `[]`
	for _, t := range history {
		historyJSON, _ = sjson.SetRaw(historyJSON, "-1", serializeTurn(t, model, "", nil))
	}
	state, _ = sjson.SetRaw(state, "conversationState.history", historyJSON)

	var toolSpecs []string
	if hasTools {
		for _, t := range req.Tools {
			desc := t.Description
			if len(desc) > config.MaxToolDescriptionLength {
				desc = desc[:config.MaxToolDescriptionLength]
			}
			spec, _ := sjson.Set(`{}`, "toolSpecification.name", names.Shorten(t.Name))
			if desc != "" {
				spec, _ = sjson.Set(spec, "toolSpecification.description", desc)
			}
			schema := upstream.CleanJSONSchema(t.InputSchema)
			if len(schema) == 0 || !gjson.ValidBytes(schema) {
				schema = []byte(`{"type":"object"}`)
			}
			spec, _ = sjson.SetRaw(spec, "toolSpecification.inputSchema.json", string(schema))
			toolSpecs = append(toolSpecs, spec)
		}
	}
	state, _ = sjson.SetRaw(state, "conversationState.currentMessage",
		serializeTurn(current, model, p.profileOrigin(), toolSpecs))

	return &upstream.ConvertResult{
		Body:          []byte(state),
		Names:         names,
		UpstreamModel: model,
		Thinking:      req.Thinking.Enabled(),
	}, nil
}

func (p *Provider) profileOrigin() string { return "AI_EDITOR" }

func conversationID(sessionID string) string {
	if sessionID != "" {
		// Conversation ids must be UUID-shaped; derive one from the key.
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(sessionID)).String()
	}
	return uuid.NewString()
}

// buildTurns flattens messages into upstream turns, textifying tool blocks
// when no tools are declared and degrading orphan tool results.
func buildTurns(req *unified.Request, names *upstream.NameMap, hasTools bool) []*turn {
	seenToolUse := map[string]bool{}
	var turns []*turn

	for _, m := range req.Messages {
		t := &turn{role: m.Role}
		for _, b := range m.Content {
			switch b.Type {
			case unified.BlockText:
				t.content.WriteString(b.Text)

			case unified.BlockThinking, unified.BlockRedactedThinking:
				// Prior deliberation is not replayed to this upstream.

			case unified.BlockImage:
				format, ok := imageFormats[sourceMediaType(b.Source)]
				if !ok || b.Source.Data == "" {
					t.content.WriteString("[unsupported image omitted]")
					continue
				}
				img, _ := sjson.Set(`{}`, "format", format)
				img, _ = sjson.Set(img, "source.bytes", b.Source.Data)
				t.images = append(t.images, img)

			case unified.BlockDocument:
				t.content.WriteString("[document attachment omitted]")

			case unified.BlockToolUse:
				seenToolUse[b.ID] = true
				if !hasTools {
					t.content.WriteString(fmt.Sprintf("\n[called tool %s with %s]", b.Name, string(b.Input)))
					continue
				}
				input := "{}"
				if len(b.Input) > 0 && gjson.ValidBytes(b.Input) {
					input = string(b.Input)
				}
				tu, _ := sjson.Set(`{}`, "toolUseId", b.ID)
				tu, _ = sjson.Set(tu, "name", names.Shorten(b.Name))
				tu, _ = sjson.SetRaw(tu, "input", input)
				t.toolUses = append(t.toolUses, tu)

			case unified.BlockToolResult:
				text := b.Content.Text()
				if !hasTools || !seenToolUse[b.ToolUseID] {
					t.content.WriteString(fmt.Sprintf("\n[tool result] %s", text))
					continue
				}
				status := "success"
				if b.IsError {
					status = "error"
				}
				tr, _ := sjson.Set(`{}`, "toolUseId", b.ToolUseID)
				tr, _ = sjson.Set(tr, "status", status)
				tr, _ = sjson.Set(tr, "content.0.text", text)
				t.toolResults = append(t.toolResults, tr)
			}
		}
		turns = append(turns, t)
	}
	return turns
}

func sourceMediaType(s *unified.MediaSource) string {
	if s == nil {
		return ""
	}
	return s.MediaType
}

// serializeTurn renders one turn as a history entry or, with toolSpecs or
// origin set, as the current message.
func serializeTurn(t *turn, model, origin string, toolSpecs []string) string {
	if t.role == "assistant" {
		out, _ := sjson.Set(`{}`, "assistantResponseMessage.content", t.content.String())
		if len(t.toolUses) > 0 {
			uses := `[]`
			for _, tu := range t.toolUses {
				uses, _ = sjson.SetRaw(uses, "-1", tu)
			}
			out, _ = sjson.SetRaw(out, "assistantResponseMessage.toolUses", uses)
		}
		return out
	}

	content := t.content.String()
	if content == "" && len(t.toolResults) == 0 {
		content = "Continue"
	}
	out, _ := sjson.Set(`{}`, "userInputMessage.content", content)
	out, _ = sjson.Set(out, "userInputMessage.modelId", model)
	if origin != "" {
		out, _ = sjson.Set(out, "userInputMessage.origin", origin)
	}
	if len(t.images) > 0 {
		images := `[]`
		for _, img := range t.images {
			images, _ = sjson.SetRaw(images, "-1", img)
		}
		out, _ = sjson.SetRaw(out, "userInputMessage.images", images)
	}
	if len(t.toolResults) > 0 {
		results := `[]`
		for _, tr := range t.toolResults {
			results, _ = sjson.SetRaw(results, "-1", tr)
		}
		out, _ = sjson.SetRaw(out, "userInputMessage.userInputMessageContext.toolResults", results)
	}
	if len(toolSpecs) > 0 {
		specs := `[]`
		for _, spec := range toolSpecs {
			specs, _ = sjson.SetRaw(specs, "-1", spec)
		}
		out, _ = sjson.SetRaw(out, "userInputMessage.userInputMessageContext.tools", specs)
	}
	return out
}
