package antigravity

import (
	"context"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/polyrelay/account-gateway/internal/config"
	"github.com/polyrelay/account-gateway/internal/upstream"
)

// claudeWindowMultiplier: claude models served through this upstream run
// with twice the nominal input window, so raw input counts are halved
// before reaching the client.
const claudeWindowMultiplier = 2

// Transcode consumes the upstream's whole-JSON SSE payloads and drives the
// emitter. Thinking versus answer text is split on the part's thought flag.
func (p *Provider) Transcode(ctx context.Context, body io.Reader, em *upstream.Emitter, cr *upstream.ConvertResult) (*upstream.Result, error) {
	sc := upstream.NewSSEScanner(body)

	for {
		select {
		case <-ctx.Done():
			return finish(em, sc), nil
		default:
		}

		data, ok := sc.Next()
		if !ok {
			break
		}
		if !gjson.Valid(data) {
			log.Debug().Str("platform", p.Name()).Msg("skipping malformed stream event")
			continue
		}

		root := gjson.Parse(data)
		if inner := root.Get("response"); inner.Exists() {
			root = inner
		}
		candidate := root.Get("candidates.0")

		for _, part := range candidate.Get("content.parts").Array() {
			switch {
			case part.Get("functionCall").Exists():
				fc := part.Get("functionCall")
				// A signature can ride on the call part instead of a
				// thinking part; keep it for the signature cache.
				sig := part.Get("thoughtSignature").String()
				em.Signature(sig)
				em.ToolUseStart("", fc.Get("name").String())
				em.ToolSignature(sig)
				args := fc.Get("args").Raw
				if args == "" {
					args = "{}"
				}
				em.ToolUseArgs(args)
				em.CloseBlock()

			case part.Get("thought").Bool():
				em.Thinking(part.Get("text").String())
				if sig := part.Get("thoughtSignature").String(); sig != "" {
					em.Signature(sig)
				}

			case part.Get("text").Exists():
				em.Text(part.Get("text").String())
			}
		}

		if reason := candidate.Get("finishReason").String(); reason == "MAX_TOKENS" {
			em.MarkTruncated()
		}

		if usage := root.Get("usageMetadata"); usage.Exists() {
			applyUsage(em, usage, cr.UpstreamModel)
		}
	}

	if err := sc.Err(); err != nil {
		log.Warn().Err(err).Str("platform", p.Name()).Msg("upstream stream ended abnormally")
	}
	return finish(em, sc), nil
}

func finish(em *upstream.Emitter, sc *upstream.SSEScanner) *upstream.Result {
	em.Finish()
	return &upstream.Result{
		RawText:    sc.Raw(),
		Usage:      em.Usage(),
		RawUsage:   em.RawUsage(),
		StopReason: em.StopReason(),
	}
}

func applyUsage(em *upstream.Emitter, usage gjson.Result, model string) {
	rawInput := int(usage.Get("promptTokenCount").Int())
	rawCacheRead := int(usage.Get("cachedContentTokenCount").Int())
	output := int(usage.Get("candidatesTokenCount").Int() + usage.Get("thoughtsTokenCount").Int())

	window := config.NominalContextWindow
	if strings.HasPrefix(model, "claude") {
		window *= claudeWindowMultiplier
	}
	scaledInput := rawInput * config.NominalContextWindow / window
	scaledCacheRead := rawCacheRead * config.NominalContextWindow / window

	em.SetInputUsage(scaledInput, scaledCacheRead, rawInput, rawCacheRead)
	em.SetOutputUsage(output)
}
