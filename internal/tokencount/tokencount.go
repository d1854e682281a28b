// Package tokencount estimates token counts for upstreams that omit usage
// fields from their streams.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/polyrelay/account-gateway/internal/config"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// Estimate returns an approximate token count for text. It uses the
// cl100k_base encoding and falls back to a characters/4 heuristic when the
// encoder is unavailable (e.g. no cached BPE data).
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	encOnce.Do(func() {
		var err error
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("tokencount: encoder unavailable, using heuristic")
		}
	})
	if enc == nil {
		return len(text) / config.TokenEstimateRatio
	}
	return len(enc.Encode(text, nil, nil))
}
