// Package sigcache remembers which model family produced each opaque
// thinking signature, so later turns only re-attach signatures a target
// model will accept. It also stores per-tool-call and per-session
// signatures for resuming reasoning chains.
package sigcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/polyrelay/account-gateway/internal/config"
)

// FamilyUnknown is returned when a signature has no recorded owner.
const FamilyUnknown = "unknown"

// TTLCache is the store surface the cache needs.
type TTLCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Cache maps signatures to model families with bounded TTLs.
type Cache struct {
	store TTLCache
	ttl   time.Duration
}

// New creates a signature cache over the shared store.
func New(store TTLCache) *Cache {
	return &Cache{store: store, ttl: config.DefaultSignatureTTL}
}

func sigKey(sig string) string {
	sum := sha256.Sum256([]byte(sig))
	return "sig:" + hex.EncodeToString(sum[:8])
}

// Remember records that modelName produced sig. Short signatures are noise
// and never cached.
func (c *Cache) Remember(ctx context.Context, sig, modelName string) {
	if len(sig) < config.MinSignatureLength {
		return
	}
	family := Family(modelName)
	if family == FamilyUnknown {
		return
	}
	if err := c.store.Set(ctx, sigKey(sig), family, c.ttl); err != nil {
		log.Error().Err(err).Msg("sigcache: remember failed")
	}
}

// FamilyOf returns the family that produced sig, or FamilyUnknown.
func (c *Cache) FamilyOf(ctx context.Context, sig string) string {
	if len(sig) < config.MinSignatureLength {
		return FamilyUnknown
	}
	family, ok, err := c.store.Get(ctx, sigKey(sig))
	if err != nil {
		log.Error().Err(err).Msg("sigcache: lookup failed")
		return FamilyUnknown
	}
	if !ok {
		return FamilyUnknown
	}
	return family
}

// IsCompatible reports whether sig may be re-attached when targeting
// targetModel. Unknown signatures are never compatible.
func (c *Cache) IsCompatible(ctx context.Context, sig, targetModel string) bool {
	return Compatible(c.FamilyOf(ctx, sig), Family(targetModel))
}

// RememberToolCall stores the signature that accompanied a tool call so the
// follow-up turn can resume the reasoning chain by tool_use id.
func (c *Cache) RememberToolCall(ctx context.Context, toolUseID, sig string) {
	if toolUseID == "" || len(sig) < config.MinSignatureLength {
		return
	}
	if err := c.store.Set(ctx, "sigtool:"+toolUseID, sig, c.ttl); err != nil {
		log.Error().Err(err).Msg("sigcache: tool-call remember failed")
	}
}

// ToolCallSignature returns the signature stored for a tool_use id.
func (c *Cache) ToolCallSignature(ctx context.Context, toolUseID string) string {
	sig, _, err := c.store.Get(ctx, "sigtool:"+toolUseID)
	if err != nil {
		log.Error().Err(err).Msg("sigcache: tool-call lookup failed")
		return ""
	}
	return sig
}

// RememberSession stores the latest signature for a session along with the
// conversation length at cache time.
func (c *Cache) RememberSession(ctx context.Context, sessionKey, sig string, messageCount int) {
	if sessionKey == "" || len(sig) < config.MinSignatureLength {
		return
	}
	value := fmt.Sprintf("%d|%s", messageCount, sig)
	if err := c.store.Set(ctx, "sigsess:"+sessionKey, value, c.ttl); err != nil {
		log.Error().Err(err).Msg("sigcache: session remember failed")
	}
}

// SessionSignature returns the session's cached signature, unless the
// conversation has fewer messages than it had at cache time, which means it
// was rewound or replayed and the signature no longer applies.
func (c *Cache) SessionSignature(ctx context.Context, sessionKey string, messageCount int) string {
	value, ok, err := c.store.Get(ctx, "sigsess:"+sessionKey)
	if err != nil || !ok {
		return ""
	}
	cached, sig, found := strings.Cut(value, "|")
	if !found {
		return ""
	}
	cachedCount, err := strconv.Atoi(cached)
	if err != nil || messageCount < cachedCount {
		return ""
	}
	return sig
}

// Family derives a model family tag from a model name.
func Family(modelName string) string {
	m := strings.ToLower(modelName)
	switch {
	case strings.Contains(m, "claude") && strings.Contains(m, "opus"):
		return "claude-opus"
	case strings.Contains(m, "claude") && strings.Contains(m, "sonnet"):
		return "claude-sonnet"
	case strings.Contains(m, "claude") && strings.Contains(m, "haiku"):
		return "claude-haiku"
	case strings.Contains(m, "claude"):
		return "claude"
	case strings.Contains(m, "gemini") && strings.Contains(m, "pro"):
		return "gemini-pro"
	case strings.Contains(m, "gemini") && strings.Contains(m, "flash"):
		return "gemini-flash"
	case strings.Contains(m, "gemini"):
		return "gemini"
	default:
		return FamilyUnknown
	}
}

func topLevel(family string) string {
	root, _, _ := strings.Cut(family, "-")
	return root
}

// Compatible applies the family compatibility rule: identical families
// always match, same top-level family matches across versions, and
// claude-origin signatures additionally work against gemini targets. The
// reverse direction does not hold.
func Compatible(sigFamily, targetFamily string) bool {
	if sigFamily == FamilyUnknown || targetFamily == FamilyUnknown {
		return false
	}
	if sigFamily == targetFamily {
		return true
	}
	sigRoot, targetRoot := topLevel(sigFamily), topLevel(targetFamily)
	if sigRoot == targetRoot {
		return true
	}
	return sigRoot == "claude" && targetRoot == "gemini"
}
