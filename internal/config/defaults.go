// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// TokenEstimateRatio is the approximate number of characters per token.
// Used for rough token counting when exact counts aren't available.
const TokenEstimateRatio = 4

// NominalContextWindow is the input-token budget the client-facing protocol
// assumes. Upstream counts from providers with a different window are rescaled
// against this value before being surfaced to the client.
const NominalContextWindow = 200_000

// =============================================================================
// ACCOUNT SELECTION
// =============================================================================

// TokenRefreshLookahead is how far before expiry an access token is
// considered stale and refreshed during selection.
const TokenRefreshLookahead = 60 * time.Second

// DefaultCooldown is the exclusion window applied to an account after an
// upstream rate limit (429).
const DefaultCooldown = 60 * time.Second

// MaxSelectAttempts bounds the select-convert-call retry loop for one
// client request.
const MaxSelectAttempts = 3

// =============================================================================
// TOOL DECLARATIONS
// =============================================================================

// MaxToolNameLength is the hard ceiling some upstreams enforce on
// function/tool names. Longer names are deterministically shortened.
const MaxToolNameLength = 64

// MaxToolDescriptionLength caps tool descriptions before conversion.
const MaxToolDescriptionLength = 10240

// =============================================================================
// SIGNATURES AND SESSIONS
// =============================================================================

// MinSignatureLength is the minimum length for a thinking signature to be
// cached or trusted. Shorter strings are treated as noise.
const MinSignatureLength = 16

// DefaultSignatureTTL bounds how long signature ownership entries live.
const DefaultSignatureTTL = 1 * time.Hour

// DefaultSessionTTL is the TTL for session-to-account affinity bindings.
const DefaultSessionTTL = 1 * time.Hour

// =============================================================================
// STORE CLEANUP
// =============================================================================

// DefaultCleanupInterval is the frequency for background cleanup goroutines.
const DefaultCleanupInterval = 5 * time.Minute

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultBufferSize is the standard I/O buffer size.
const DefaultBufferSize = 4096

// DefaultDialTimeout is the TCP dial timeout for upstream calls.
const DefaultDialTimeout = 30 * time.Second

// DefaultRefreshTimeout bounds a single credential refresh call.
const DefaultRefreshTimeout = 30 * time.Second

// DefaultResponseHeaderTimeout bounds the wait for upstream response headers.
// Streaming bodies are not subject to this timeout.
const DefaultResponseHeaderTimeout = 2 * time.Minute

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// MaxErrorBodyLogLen limits error response body in logs to prevent bloat.
const MaxErrorBodyLogLen = 500

// DefaultServerWriteTimeout for HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultServerReadTimeout for HTTP server.
const DefaultServerReadTimeout = 5 * time.Minute

// DefaultShutdownTimeout bounds the in-flight request drain on shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// =============================================================================
// GENERATION DEFAULTS
// =============================================================================

// DefaultMaxTokens is used when the client omits max_tokens.
const DefaultMaxTokens = 32000
