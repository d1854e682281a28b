// Package session derives a stable key for a conversation and binds it to
// the account that last served it. Bindings are advisory: a miss or a
// stale bound account never blocks routing.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/polyrelay/account-gateway/internal/config"
	"github.com/polyrelay/account-gateway/internal/unified"
)

// sessionIDPattern extracts a session UUID from client metadata such as
// "user_xxx_account__session_4f0f6a2e-...".
var sessionIDPattern = regexp.MustCompile(`session_([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})`)

// TTLCache is the store surface the resolver needs.
type TTLCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Resolver computes session keys and maintains account bindings.
type Resolver struct {
	store TTLCache
	ttl   time.Duration
}

// NewResolver creates a resolver over the shared store.
func NewResolver(store TTLCache) *Resolver {
	return &Resolver{store: store, ttl: config.DefaultSessionTTL}
}

// ComputeKey derives the session key for a request. Identity sources in
// priority order: a session UUID in the metadata user id, the content of
// the first cache-marked block, the system prompt text, the first
// message's text. ok is false when none of them yields content.
func ComputeKey(req *unified.Request) (string, bool) {
	if req.Metadata != nil {
		if m := sessionIDPattern.FindStringSubmatch(req.Metadata.UserID); m != nil {
			return digest(m[1]), true
		}
	}
	if content := firstCacheableText(req); content != "" {
		return digest(content), true
	}
	if sys := req.System.Text(); sys != "" {
		return digest(sys), true
	}
	if len(req.Messages) > 0 {
		if text := req.Messages[0].Content.Text(); text != "" {
			return digest(text), true
		}
	}
	return "", false
}

func firstCacheableText(req *unified.Request) string {
	for _, b := range req.System {
		if b.CacheControl != nil && b.Text != "" {
			return b.Text
		}
	}
	for _, m := range req.Messages {
		for _, b := range m.Content {
			if b.CacheControl != nil && b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}

func digest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:16])
}

// Bind records that account served this session key.
func (r *Resolver) Bind(ctx context.Context, key, accountID string) {
	if key == "" || accountID == "" {
		return
	}
	if err := r.store.Set(ctx, "sess:"+key, accountID, r.ttl); err != nil {
		log.Error().Err(err).Msg("session: bind failed")
	}
}

// Lookup returns the account bound to the session key, if any.
func (r *Resolver) Lookup(ctx context.Context, key string) (string, bool) {
	if key == "" {
		return "", false
	}
	accountID, ok, err := r.store.Get(ctx, "sess:"+key)
	if err != nil {
		log.Error().Err(err).Msg("session: lookup failed")
		return "", false
	}
	return accountID, ok
}
