package openai

import (
	"context"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/polyrelay/account-gateway/internal/upstream"
)

// Transcode consumes the upstream's typed SSE events. Item lifecycle maps
// close to 1:1 onto block transitions; the item-id map exists because
// argument deltas reference items by id, not by position.
func (p *Provider) Transcode(ctx context.Context, body io.Reader, em *upstream.Emitter, cr *upstream.ConvertResult) (*upstream.Result, error) {
	sc := upstream.NewSSEScanner(body)

	// item id -> item type for items currently streaming.
	itemTypes := map[string]string{}

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

		ev := gjson.Parse(data)
		switch ev.Get("type").String() {
		case "response.output_item.added":
			item := ev.Get("item")
			itemID := item.Get("id").String()
			itemTypes[itemID] = item.Get("type").String()
			if item.Get("type").String() == "function_call" {
				callID := item.Get("call_id").String()
				if callID == "" {
					callID = itemID
				}
				em.ToolUseStart(callID, item.Get("name").String())
				if args := item.Get("arguments").String(); args != "" {
					em.ToolUseArgs(args)
				}
			}

		case "response.output_text.delta":
			em.Text(ev.Get("delta").String())

		case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
			em.Thinking(ev.Get("delta").String())

		case "response.function_call_arguments.delta":
			em.ToolUseArgs(ev.Get("delta").String())

		case "response.output_item.done":
			itemID := ev.Get("item.id").String()
			if _, known := itemTypes[itemID]; known {
				em.CloseBlock()
			}
			delete(itemTypes, itemID)

		case "response.completed", "response.incomplete":
			resp := ev.Get("response")
			if usage := resp.Get("usage"); usage.Exists() {
				input := int(usage.Get("input_tokens").Int())
				cached := int(usage.Get("input_tokens_details.cached_tokens").Int())
				em.SetInputUsage(input-cached, cached, input-cached, cached)
				em.SetOutputUsage(int(usage.Get("output_tokens").Int()))
			}
			if resp.Get("incomplete_details.reason").String() == "max_output_tokens" {
				em.MarkTruncated()
			}

		case "response.failed":
			log.Warn().
				Str("error", ev.Get("response.error.message").String()).
				Msg("openai: upstream reported failure")

		case "response.created", "response.in_progress",
			"response.output_text.done", "response.reasoning_summary_text.done",
			"response.function_call_arguments.done", "response.content_part.added",
			"response.content_part.done", "response.reasoning_summary_part.added",
			"response.reasoning_summary_part.done":
			// Lifecycle chatter with no block transition of its own.

		default:
			log.Debug().
				Str("event_type", ev.Get("type").String()).
				Msg("skipping unrecognized stream event")
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
