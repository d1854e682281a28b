package upstream

import (
	"context"
	"io"
	"net/http"

	"github.com/polyrelay/account-gateway/internal/account"
	"github.com/polyrelay/account-gateway/internal/unified"
)

// ConvertOptions carries the request-scoped inputs a converter needs beyond
// the unified request itself.
type ConvertOptions struct {
	// UpstreamModel is the provider-native model id already resolved by the
	// route table.
	UpstreamModel string

	// SignatureOK filters thinking signatures: only signatures it accepts
	// are re-attached to the converted body. Nil re-attaches none.
	SignatureOK func(sig string) bool

	// ToolSignature recovers a cached signature for a replayed tool_use
	// block whose own signature is missing or incompatible. Nil disables
	// the lookup.
	ToolSignature func(toolUseID string) string

	// SessionSignature recovers a cached signature for the conversation as
	// a whole, used when a replayed thinking block carries none that the
	// target account can accept. Nil disables the lookup.
	SessionSignature func(messageCount int) string

	// SessionID seeds providers that want a stable per-conversation id.
	SessionID string
}

// ConvertResult is a converted provider request body plus the request-scoped
// state the matching transcoder needs.
type ConvertResult struct {
	Body          []byte
	Names         *NameMap
	UpstreamModel string
	Thinking      bool
}

// Result is what a transcoder hands back after the stream ends: the raw
// upstream text, the client-facing SSE transcript, usage as surfaced to the
// client plus the raw upstream counts for accounting, and the derived stop
// reason.
type Result struct {
	RawText    string
	SSEText    string
	Usage      unified.Usage
	RawUsage   unified.Usage
	StopReason string
}

// Provider is one upstream integration. Convert is pure; Do performs the
// HTTP exchange with the account's credential; Transcode consumes the
// upstream body and drives the emitter.
type Provider interface {
	Name() string
	Convert(req *unified.Request, opts ConvertOptions) (*ConvertResult, error)
	Do(ctx context.Context, a *account.Account, cr *ConvertResult, stream bool) (*http.Response, error)
	Transcode(ctx context.Context, body io.Reader, em *Emitter, cr *ConvertResult) (*Result, error)
}
