// Package unified defines the client-facing messages protocol model: the
// request shape clients POST and the SSE grammar the gateway streams back.
//
// DESIGN: Content is a tagged union. Every block carries a Type tag and only
// the fields for that type; converters and transcoders switch exhaustively on
// the tag. Block order within a message is always preserved.
package unified

import (
	"encoding/json"
	"fmt"
)

// Block type tags.
const (
	BlockText             = "text"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
	BlockImage            = "image"
	BlockDocument         = "document"
	BlockToolUse          = "tool_use"
	BlockToolResult       = "tool_result"
)

// Thinking configuration types.
const (
	ThinkingEnabled  = "enabled"
	ThinkingDisabled = "disabled"
	ThinkingAdaptive = "adaptive"
)

// Stop reasons, in dominance order.
const (
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
	StopEndTurn   = "end_turn"
)

// Request is a client messages-API request.
type Request struct {
	Model     string          `json:"model"`
	Messages  []Message       `json:"messages"`
	System    SystemPrompt    `json:"system,omitempty"`
	Tools     []Tool          `json:"tools,omitempty"`
	Thinking  *ThinkingConfig `json:"thinking,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Metadata  *Metadata       `json:"metadata,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// Metadata carries opaque client identifiers.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// ThinkingConfig gates the model's intermediate deliberation output.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
	Effort       string `json:"effort,omitempty"`
}

// Enabled reports whether thinking output should be requested upstream.
// Disabled always wins, even when an effort hint is present.
func (t *ThinkingConfig) Enabled() bool {
	if t == nil {
		return false
	}
	return t.Type == ThinkingEnabled || t.Type == ThinkingAdaptive
}

// Message is one conversation turn.
type Message struct {
	Role    string       `json:"role"`
	Content BlockContent `json:"content"`
}

// Tool is a client-declared tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CacheControl marks a block as a cache anchor. The gateway only uses it as
// a session-identity hint; it is not forwarded upstream.
type CacheControl struct {
	Type string `json:"type"`
}

// MediaSource is a base64 or URL payload for image/document blocks.
type MediaSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ContentBlock is the tagged content union. Only the fields for the tagged
// type are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// redacted_thinking
	Data string `json:"data,omitempty"`

	// image, document
	Source *MediaSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string       `json:"tool_use_id,omitempty"`
	Content   BlockContent `json:"content,omitempty"`
	IsError   bool         `json:"is_error,omitempty"`

	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// BlockContent is either a plain string or an ordered block list on the
// wire. It always unmarshals to a block list; a plain string becomes a
// single text block.
type BlockContent []ContentBlock

// UnmarshalJSON accepts both the string and the array form.
func (bc *BlockContent) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*bc = BlockContent{{Type: BlockText, Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*bc = blocks
	return nil
}

// Text concatenates the text of all text blocks.
func (bc BlockContent) Text() string {
	var out string
	for _, b := range bc {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// SystemPrompt is the optional system instruction, string or block list.
type SystemPrompt = BlockContent

// Validate checks structural invariants the converters rely on. Tool-result
// blocks referencing an unknown tool-use id are reported, not rejected;
// converters degrade them to text.
func (r *Request) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, m := range r.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return fmt.Errorf("messages[%d]: role must be user or assistant", i)
		}
	}
	return nil
}

// OrphanToolResults returns the tool_use_ids of tool_result blocks that have
// no preceding tool_use block. Only meaningful when tools are declared.
func (r *Request) OrphanToolResults() []string {
	seen := map[string]bool{}
	var orphans []string
	for _, m := range r.Messages {
		for _, b := range m.Content {
			switch b.Type {
			case BlockToolUse:
				seen[b.ID] = true
			case BlockToolResult:
				if !seen[b.ToolUseID] {
					orphans = append(orphans, b.ToolUseID)
				}
			}
		}
	}
	return orphans
}

// Usage is the token accounting surfaced to the client and the usage logger.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Add accumulates counts from another usage record.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
}
