package kiro

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/polyrelay/account-gateway/internal/config"
	"github.com/polyrelay/account-gateway/internal/tokencount"
	"github.com/polyrelay/account-gateway/internal/upstream"
)

// Transcode decodes the binary event-stream framing and drives the
// emitter. Assistant text may carry <thinking> tags when the converter
// injected the deliberation prompt; the tag parser splits them back into
// thinking blocks. Token usage is taken from message metadata when present
// and estimated otherwise.
func (p *Provider) Transcode(ctx context.Context, body io.Reader, em *upstream.Emitter, cr *upstream.ConvertResult) (*upstream.Result, error) {
	decoder := eventstream.NewDecoder()
	payloadBuf := make([]byte, 0, config.DefaultBufferSize)

	var raw strings.Builder
	tags := &tagParser{enabled: cr.Thinking}
	sawUsage := false
	var outputText strings.Builder
	openToolID := ""

	for {
		select {
		case <-ctx.Done():
			return p.finish(em, &raw, &outputText, sawUsage), nil
		default:
		}

		msg, err := decoder.Decode(body, payloadBuf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Str("platform", p.Name()).Msg("upstream stream ended abnormally")
			}
			break
		}
		raw.Write(msg.Payload)
		raw.WriteByte('\n')

		if headerString(msg, ":message-type") == "exception" {
			log.Warn().
				Str("exception", headerString(msg, ":exception-type")).
				Str("payload", string(msg.Payload)).
				Msg("kiro: upstream exception event")
			continue
		}

		payload := gjson.ParseBytes(msg.Payload)
		switch headerString(msg, ":event-type") {
		case "assistantResponseEvent":
			text := payload.Get("content").String()
			outputText.WriteString(text)
			if openToolID != "" {
				em.CloseBlock()
				openToolID = ""
			}
			tags.feed(text, em)

		case "toolUseEvent":
			id := payload.Get("toolUseId").String()
			if openToolID != id {
				tags.flush(em)
				em.ToolUseStart(id, payload.Get("name").String())
				openToolID = id
			}
			if input := payload.Get("input").String(); input != "" {
				outputText.WriteString(input)
				em.ToolUseArgs(input)
			}
			if payload.Get("stop").Bool() {
				em.CloseBlock()
				openToolID = ""
			}

		case "messageMetadataEvent":
			if applyMetadataUsage(em, payload) {
				sawUsage = true
			}

		case "meteringEvent", "interactionComponentsEvent", "":
			// Billing and UI events carry nothing the client protocol needs.

		case "invalidStateEvent", "errorEvent":
			log.Warn().Str("payload", string(msg.Payload)).Msg("kiro: error event")

		default:
			log.Debug().
				Str("event_type", headerString(msg, ":event-type")).
				Msg("skipping unrecognized stream event")
		}
	}

	tags.flush(em)
	return p.finish(em, &raw, &outputText, sawUsage), nil
}

func (p *Provider) finish(em *upstream.Emitter, raw, outputText *strings.Builder, sawUsage bool) *upstream.Result {
	if !sawUsage {
		em.SetOutputUsage(tokencount.Estimate(outputText.String()))
	}
	em.Finish()
	return &upstream.Result{
		RawText:    raw.String(),
		Usage:      em.Usage(),
		RawUsage:   em.RawUsage(),
		StopReason: em.StopReason(),
	}
}

// applyMetadataUsage extracts token usage from a metadata event. The
// upstream reports either an explicit tokenUsage object or only a context
// usage percentage, from which input tokens are derived.
func applyMetadataUsage(em *upstream.Emitter, payload gjson.Result) bool {
	if usage := payload.Get("tokenUsage"); usage.Exists() {
		input := int(usage.Get("inputTokens").Int())
		cacheRead := int(usage.Get("cacheReadInputTokens").Int())
		em.SetInputUsage(input, cacheRead, input, cacheRead)
		if out := usage.Get("outputTokens"); out.Exists() {
			em.SetOutputUsage(int(out.Int()))
			return true
		}
		return false
	}
	if pct := payload.Get("contextUsagePercentage"); pct.Exists() {
		input := int(pct.Float() * config.NominalContextWindow / 100)
		em.SetInputUsage(input, 0, input, 0)
	}
	return false
}

func headerString(msg eventstream.Message, name string) string {
	v := msg.Headers.Get(name)
	if v == nil {
		return ""
	}
	if s, ok := v.Get().(string); ok {
		return s
	}
	return ""
}

const (
	openTag  = "<thinking>"
	closeTag = "</thinking>"
)

// tagParser splits assistant text into answer and deliberation on
// <thinking> tags, tolerating tags split across event boundaries. It only
// runs when the request enabled thinking; otherwise a literal <thinking>
// in the answer must stay plain text.
type tagParser struct {
	enabled    bool
	inThinking bool
	carry      string
}

func (tp *tagParser) feed(chunk string, em *upstream.Emitter) {
	if !tp.enabled {
		em.Text(chunk)
		return
	}
	buf := tp.carry + chunk
	tp.carry = ""
	for {
		if tp.inThinking {
			if i := strings.Index(buf, closeTag); i >= 0 {
				em.Thinking(buf[:i])
				buf = buf[i+len(closeTag):]
				tp.inThinking = false
				continue
			}
			keep := partialTagSuffix(buf, closeTag)
			em.Thinking(buf[:len(buf)-keep])
			tp.carry = buf[len(buf)-keep:]
			return
		}
		if i := strings.Index(buf, openTag); i >= 0 {
			em.Text(buf[:i])
			buf = buf[i+len(openTag):]
			tp.inThinking = true
			continue
		}
		keep := partialTagSuffix(buf, openTag)
		em.Text(buf[:len(buf)-keep])
		tp.carry = buf[len(buf)-keep:]
		return
	}
}

// flush emits any held-back partial tag as literal content.
func (tp *tagParser) flush(em *upstream.Emitter) {
	if tp.carry == "" {
		return
	}
	if tp.inThinking {
		em.Thinking(tp.carry)
	} else {
		em.Text(tp.carry)
	}
	tp.carry = ""
}

// partialTagSuffix returns the length of the longest proper tag prefix
// that buf ends with.
func partialTagSuffix(buf, tag string) int {
	max := len(tag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, tag[:n]) {
			return n
		}
	}
	return 0
}
