package upstream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/polyrelay/account-gateway/internal/unified"
	"github.com/polyrelay/account-gateway/internal/utils"
)

type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockTool
)

// assembledBlock accumulates one content block for the non-streaming
// response shape.
type assembledBlock struct {
	kind      blockKind
	text      string
	signature string
	toolID    string
	toolName  string
	toolJSON  strings.Builder
}

// Emitter drives the client-facing SSE grammar for one response. It owns
// the protocol invariants every transcoder shares: message_start is emitted
// lazily before the first content event, blocks of conflicting types never
// overlap, indices strictly increase, and every opened block is closed
// before the terminal events even when the upstream fails mid-stream.
//
// Emitter is request-scoped and not safe for concurrent use.
type Emitter struct {
	sw    *unified.StreamWriter
	names *NameMap

	messageID string
	model     string

	started   bool
	open      blockKind
	openIndex int
	nextIndex int

	blocks []*assembledBlock

	usage     unified.Usage
	rawUsage  unified.Usage
	toolSeen  bool
	truncated bool
	finished  bool
}

// NewEmitter creates an emitter for one response. model is echoed back to
// the client in message_start.
func NewEmitter(sw *unified.StreamWriter, model string, names *NameMap) *Emitter {
	return &Emitter{
		sw:        sw,
		names:     names,
		messageID: "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		model:     model,
		open:      blockNone,
	}
}

// MessageID returns the unified message id for this response.
func (e *Emitter) MessageID() string { return e.messageID }

func (e *Emitter) ensureStarted() {
	if e.started {
		return
	}
	e.started = true
	payload := fmt.Sprintf(
		`{"type":"message_start","message":{"id":%q,"type":"message","role":"assistant","model":%q,"content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`,
		e.messageID, e.model)
	e.sw.Emit("message_start", payload)
}

// openBlock closes any conflicting open block and opens a new one at the
// next index.
func (e *Emitter) openBlock(kind blockKind, startPayload string, b *assembledBlock) {
	e.ensureStarted()
	if e.open != blockNone {
		e.CloseBlock()
	}
	e.openIndex = e.nextIndex
	e.nextIndex++
	e.open = kind
	e.blocks = append(e.blocks, b)

	payload, _ := sjson.Set(startPayload, "index", e.openIndex)
	e.sw.Emit("content_block_start", payload)
}

func (e *Emitter) current() *assembledBlock {
	if len(e.blocks) == 0 {
		return nil
	}
	return e.blocks[len(e.blocks)-1]
}

// Text appends answer text, opening or switching to a text block.
func (e *Emitter) Text(s string) {
	if s == "" {
		return
	}
	if e.open != blockText {
		e.openBlock(blockText,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			&assembledBlock{kind: blockText})
	}
	e.current().text += s
	payload, _ := sjson.Set(
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`,
		"index", e.openIndex)
	payload, _ = sjson.Set(payload, "delta.text", s)
	e.sw.Emit("content_block_delta", payload)
}

// Thinking appends deliberation text, opening or switching to a thinking
// block.
func (e *Emitter) Thinking(s string) {
	if s == "" {
		return
	}
	if e.open != blockThinking {
		e.openBlock(blockThinking,
			`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
			&assembledBlock{kind: blockThinking})
	}
	e.current().text += s
	payload, _ := sjson.Set(
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":""}}`,
		"index", e.openIndex)
	payload, _ = sjson.Set(payload, "delta.thinking", s)
	e.sw.Emit("content_block_delta", payload)
}

// Signature attaches a continuation signature to the open thinking block.
// Without an open thinking block there is nothing to sign; the signature is
// dropped.
func (e *Emitter) Signature(sig string) {
	if sig == "" || e.open != blockThinking {
		return
	}
	e.current().signature = sig
	payload, _ := sjson.Set(
		`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":""}}`,
		"index", e.openIndex)
	payload, _ = sjson.Set(payload, "delta.signature", sig)
	e.sw.Emit("content_block_delta", payload)
}

// ToolUseStart opens a tool_use block, restoring the original tool name
// through the conversion-time name map.
func (e *Emitter) ToolUseStart(id, wireName string) {
	name := e.names.Restore(wireName)
	e.toolSeen = true
	if id == "" {
		id = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	b := &assembledBlock{kind: blockTool, toolID: id, toolName: name}
	start := fmt.Sprintf(
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":%q,"name":%q,"input":{}}}`,
		id, name)
	e.openBlock(blockTool, start, b)
}

// ToolSignature records a continuation signature the upstream attached to
// the open tool call itself. Nothing is streamed; the signature only feeds
// the caches through Signatures.
func (e *Emitter) ToolSignature(sig string) {
	if sig == "" || e.open != blockTool {
		return
	}
	e.current().signature = sig
}

// ToolUseArgs appends a fragment of the tool call's JSON arguments.
func (e *Emitter) ToolUseArgs(fragment string) {
	if fragment == "" || e.open != blockTool {
		return
	}
	e.current().toolJSON.WriteString(fragment)
	payload, _ := sjson.Set(
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`,
		"index", e.openIndex)
	payload, _ = sjson.Set(payload, "delta.partial_json", fragment)
	e.sw.Emit("content_block_delta", payload)
}

// CloseBlock closes the currently open block, if any.
func (e *Emitter) CloseBlock() {
	if e.open == blockNone {
		return
	}
	payload, _ := sjson.Set(`{"type":"content_block_stop","index":0}`, "index", e.openIndex)
	e.sw.Emit("content_block_stop", payload)
	e.open = blockNone
}

// SetInputUsage records input-side token counts already rescaled for the
// client, with the raw upstream counts kept for accounting.
func (e *Emitter) SetInputUsage(scaledInput, scaledCacheRead, rawInput, rawCacheRead int) {
	e.usage.InputTokens = scaledInput
	e.usage.CacheReadInputTokens = scaledCacheRead
	e.rawUsage.InputTokens = rawInput
	e.rawUsage.CacheReadInputTokens = rawCacheRead
}

// SetOutputUsage records output token counts (identical scaled and raw;
// output windows do not differ across the supported upstreams).
func (e *Emitter) SetOutputUsage(tokens int) {
	e.usage.OutputTokens = tokens
	e.rawUsage.OutputTokens = tokens
}

// MarkTruncated flags that the upstream reported an incomplete/truncation
// condition.
func (e *Emitter) MarkTruncated() { e.truncated = true }

// ToolSeen reports whether any tool call occurred.
func (e *Emitter) ToolSeen() bool { return e.toolSeen }

// StopReason derives the unified stop reason: any tool call dominates, then
// truncation, then a normal end of turn.
func (e *Emitter) StopReason() string {
	switch {
	case e.toolSeen:
		return unified.StopToolUse
	case e.truncated:
		return unified.StopMaxTokens
	default:
		return unified.StopEndTurn
	}
}

// Usage returns the client-facing usage accumulated so far.
func (e *Emitter) Usage() unified.Usage { return e.usage }

// RawUsage returns the unscaled upstream usage.
func (e *Emitter) RawUsage() unified.Usage { return e.rawUsage }

// Finish force-closes open blocks and emits the terminal message_delta and
// message_stop. Safe to call after an upstream error; the client-visible
// protocol stays well-formed. Idempotent.
func (e *Emitter) Finish() {
	if e.finished {
		return
	}
	e.finished = true
	e.ensureStarted()
	e.CloseBlock()

	usageJSON, _ := utils.MarshalNoEscape(e.usage)
	payload := fmt.Sprintf(
		`{"type":"message_delta","delta":{"stop_reason":%q,"stop_sequence":null},"usage":%s}`,
		e.StopReason(), usageJSON)
	e.sw.Emit("message_delta", payload)
	e.sw.Emit("message_stop", `{"type":"message_stop"}`)
}

// Signatures returns every signature emitted, plus a per-tool-id signature
// for the signature cache. A signature carried by the tool call itself wins
// over the most recent thinking-block signature before it.
func (e *Emitter) Signatures() ([]string, map[string]string) {
	var sigs []string
	toolSigs := map[string]string{}
	lastSig := ""
	for _, b := range e.blocks {
		switch b.kind {
		case blockThinking:
			if b.signature != "" {
				sigs = append(sigs, b.signature)
				lastSig = b.signature
			}
		case blockTool:
			sig := b.signature
			if sig == "" {
				sig = lastSig
			}
			if sig != "" {
				toolSigs[b.toolID] = sig
			}
			if b.signature != "" {
				sigs = append(sigs, b.signature)
			}
		}
	}
	return sigs, toolSigs
}

// Message assembles the non-streaming response body from the accumulated
// blocks. Call after Finish.
func (e *Emitter) Message() ([]byte, error) {
	content := make([]map[string]any, 0, len(e.blocks))
	for _, b := range e.blocks {
		switch b.kind {
		case blockText:
			content = append(content, map[string]any{"type": "text", "text": b.text})
		case blockThinking:
			blk := map[string]any{"type": "thinking", "thinking": b.text}
			if b.signature != "" {
				blk["signature"] = b.signature
			}
			content = append(content, blk)
		case blockTool:
			input := strings.TrimSpace(b.toolJSON.String())
			if input == "" || !gjson.Valid(input) {
				input = "{}"
			}
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    b.toolID,
				"name":  b.toolName,
				"input": json.RawMessage(input),
			})
		}
	}
	msg := map[string]any{
		"id":            e.messageID,
		"type":          "message",
		"role":          "assistant",
		"model":         e.model,
		"content":       content,
		"stop_reason":   e.StopReason(),
		"stop_sequence": nil,
		"usage":         e.usage,
	}
	return utils.MarshalNoEscape(msg)
}
