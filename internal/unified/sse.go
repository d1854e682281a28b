package unified

import (
	"context"
	"net/http"
	"strings"
)

// StreamWriter writes named SSE events to a client connection, flushing
// after every event, and keeps a transcript of everything emitted.
//
// When the client disconnects, writes become no-ops instead of errors so a
// transcoder can finish its bookkeeping without special-casing the sink.
type StreamWriter struct {
	ctx        context.Context
	w          http.ResponseWriter
	flusher    http.Flusher
	transcript strings.Builder
	gone       bool
	headerSent bool
}

// NewStreamWriter wraps a client response. w may be nil for a capture-only
// writer (non-streaming responses still drive the same transcoder path).
func NewStreamWriter(ctx context.Context, w http.ResponseWriter) *StreamWriter {
	sw := &StreamWriter{ctx: ctx, w: w}
	if w != nil {
		sw.flusher, _ = w.(http.Flusher)
	}
	return sw
}

// Emit writes one named SSE event and flushes.
func (sw *StreamWriter) Emit(event string, data string) {
	frame := "event: " + event + "\ndata: " + data + "\n\n"
	sw.transcript.WriteString(frame)

	if sw.w == nil || sw.gone {
		return
	}
	if sw.ctx.Err() != nil {
		sw.gone = true
		return
	}
	if !sw.headerSent {
		h := sw.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		sw.w.WriteHeader(http.StatusOK)
		sw.headerSent = true
	}
	if _, err := sw.w.Write([]byte(frame)); err != nil {
		sw.gone = true
		return
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}

// Gone reports whether the client has disconnected.
func (sw *StreamWriter) Gone() bool {
	if sw.gone {
		return true
	}
	if sw.w != nil && sw.ctx.Err() != nil {
		sw.gone = true
	}
	return sw.gone
}

// Transcript returns the full SSE text emitted so far, including events
// written after the client disconnected.
func (sw *StreamWriter) Transcript() string {
	return sw.transcript.String()
}
